package browser

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/logging"
)

// ErrUnavailable means no local browser session can exist on this machine:
// unsupported platform or no cookie database on disk. It is a valid outcome,
// not a failure.
var ErrUnavailable = errors.New("browser cookie store unavailable")

// Cookie names worth extracting for session authentication.
var allowedCookieNames = []string{
	"__Secure-next-auth.session-token",
	"next-auth.session-token",
	"pplx.session-id",
	"__cf_bm",
	"AWSALB",
	"AWSALBCORS",
}

// Jar maps cookie name to value, last non-empty write wins per name.
// A jar is built for a single outbound request and never persisted.
type Jar map[string]string

// Header renders the jar as a Cookie request header value.
func (j Jar) Header() string {
	pairs := make([]string, 0, len(j))
	for _, name := range allowedCookieNames {
		if value, ok := j[name]; ok && value != "" {
			pairs = append(pairs, name+"="+value)
		}
	}
	return strings.Join(pairs, "; ")
}

// HasSession reports whether the jar carries a usable session token.
func (j Jar) HasSession() bool {
	return j["__Secure-next-auth.session-token"] != "" || j["next-auth.session-token"] != ""
}

// Reader extracts cookies from the local browser profile.
type Reader struct {
	log      *logging.Logger
	platform string

	// Overridable in tests.
	profilePaths func() []string
	password     func(ctx context.Context, platform string) (string, bool)
}

// NewReader creates a reader for the current platform.
func NewReader(log *logging.Logger) *Reader {
	return &Reader{
		log:          log.Component("browser"),
		platform:     runtime.GOOS,
		profilePaths: defaultProfilePaths,
		password:     masterPassword,
	}
}

// ReadAuthCookies decrypts allow-listed cookies scoped to any of the given
// origins. Origins are bare hostnames. The returned warnings describe rows
// that could not be decrypted; they never make the call fail.
func (r *Reader) ReadAuthCookies(ctx context.Context, origins []string) (Jar, []string, error) {
	if r.platform != "darwin" && r.platform != "linux" {
		return nil, nil, fmt.Errorf("platform %s: %w", r.platform, ErrUnavailable)
	}

	dbPath := firstExisting(r.profilePaths())
	if dbPath == "" {
		return nil, nil, fmt.Errorf("no cookie database found: %w", ErrUnavailable)
	}

	password, ok := r.password(ctx, r.platform)
	if !ok {
		return nil, []string{"no keychain password available"}, nil
	}

	iterations := iterationsLinux
	if r.platform == "darwin" {
		iterations = iterationsDarwin
	}
	key := deriveKey(password, iterations)

	// The live database may be locked by a running browser; always read
	// from a scratch copy and remove it afterwards.
	scratch, err := copyToScratch(dbPath)
	if err != nil {
		return nil, []string{fmt.Sprintf("cookie db copy failed: %v", err)}, nil
	}
	defer os.RemoveAll(filepath.Dir(scratch))

	jar, warnings, err := r.readScratch(ctx, scratch, key, origins)
	if err != nil {
		return nil, append(warnings, fmt.Sprintf("cookie db read failed: %v", err)), nil
	}
	return jar, warnings, nil
}

// readScratch opens the scratch copy and decrypts matching rows.
func (r *Reader) readScratch(ctx context.Context, path string, key []byte, origins []string) (Jar, []string, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	metaVersion := readMetaVersion(ctx, db)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowedCookieNames)), ",")
	args := make([]any, len(allowedCookieNames))
	for i, name := range allowedCookieNames {
		args[i] = name
	}

	// Most-recent-expiry first so the first decrypted value per name wins.
	rows, err := db.QueryContext(ctx,
		"SELECT name, host_key, value, encrypted_value, expires_utc FROM cookies WHERE name IN ("+placeholders+") ORDER BY expires_utc DESC",
		args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	jar := make(Jar)
	var warnings []string
	for rows.Next() {
		var name, hostKey, plain string
		var encrypted []byte
		var expires int64
		if err := rows.Scan(&name, &hostKey, &plain, &encrypted, &expires); err != nil {
			warnings = append(warnings, fmt.Sprintf("row scan: %v", err))
			continue
		}
		if !hostMatchesAny(hostKey, origins) {
			continue
		}
		if _, done := jar[name]; done {
			continue
		}

		value := plain
		if value == "" {
			value, err = decryptValue(encrypted, key, metaVersion)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("decrypt %s for %s: %v", name, hostKey, err))
				continue
			}
		}
		if value == "" {
			continue
		}
		jar[name] = value
		r.log.Debug("cookie extracted", zap.String("name", name), zap.String("host", hostKey))
	}
	return jar, warnings, rows.Err()
}

// readMetaVersion returns the cookie DB schema version, or 0 if unknown.
func readMetaVersion(ctx context.Context, db *sql.DB) int {
	var value string
	if err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'version'").Scan(&value); err != nil {
		return 0
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return version
}

// hostMatchesAny applies cookie-domain scoping: a cookie stored for a
// parent domain matches any subdomain origin.
func hostMatchesAny(hostKey string, origins []string) bool {
	host := strings.TrimPrefix(hostKey, ".")
	for _, origin := range origins {
		if origin == host || strings.HasSuffix(origin, "."+host) {
			return true
		}
	}
	return false
}

// copyToScratch copies the cookie DB and any WAL sidecars into a fresh
// temp directory and returns the copied DB path.
func copyToScratch(dbPath string) (string, error) {
	dir, err := os.MkdirTemp("", "webaccess-cookies-")
	if err != nil {
		return "", err
	}

	dst := filepath.Join(dir, "Cookies")
	if err := copyFile(dbPath, dst); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		src := dbPath + suffix
		if _, err := os.Stat(src); err == nil {
			// Sidecar copy failures are tolerable; the main file may
			// still be readable on its own.
			_ = copyFile(src, dst+suffix)
		}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// defaultProfilePaths lists candidate cookie DB locations, most common first.
func defaultProfilePaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	switch runtime.GOOS {
	case "darwin":
		return []string{
			filepath.Join(home, "Library/Application Support/Google/Chrome/Default/Cookies"),
			filepath.Join(home, "Library/Application Support/Google/Chrome/Default/Network/Cookies"),
			filepath.Join(home, "Library/Application Support/Chromium/Default/Cookies"),
		}
	case "linux":
		return []string{
			filepath.Join(home, ".config/google-chrome/Default/Cookies"),
			filepath.Join(home, ".config/google-chrome/Default/Network/Cookies"),
			filepath.Join(home, ".config/chromium/Default/Cookies"),
		}
	default:
		return nil
	}
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
