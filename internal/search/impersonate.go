package search

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
)

// Impersonator re-issues a captured request through a curl-impersonate
// subprocess. The subprocess presents an ordinary browser TLS fingerprint,
// which bypasses CDN fingerprint blocking that the in-process client trips.
type Impersonator struct {
	log *logging.Logger
	cfg config.TransportConfig

	mu     sync.Mutex
	binary string // resolved after successful setup
}

// NewImpersonator creates an isolated transport. Nothing is provisioned
// until the first Fetch.
func NewImpersonator(log *logging.Logger, cfg config.TransportConfig) *Impersonator {
	return &Impersonator{
		log: log.Component("search.isolated"),
		cfg: cfg,
	}
}

// Fetch replays the captured request and returns the raw response body.
func (i *Impersonator) Fetch(ctx context.Context, replay *Replay) (string, error) {
	binary, err := i.ensureSetup(ctx)
	if err != nil {
		return "", &StageError{Stage: StageIsolated, Class: ClassTransport,
			Err: fmt.Errorf("setup: %w", err)}
	}

	scratch, err := os.MkdirTemp("", "webaccess-curl-")
	if err != nil {
		return "", &StageError{Stage: StageIsolated, Class: ClassTransport, Err: err}
	}
	defer os.RemoveAll(scratch)

	bodyFile := filepath.Join(scratch, "body")
	headerFile := filepath.Join(scratch, "headers")

	args := []string{
		"--silent", "--show-error",
		"--request", replay.Method,
		"--output", bodyFile,
		"--dump-header", headerFile,
	}
	for k, v := range replay.Headers {
		args = append(args, "--header", k+": "+v)
	}
	if len(replay.Body) > 0 {
		args = append(args, "--data-binary", "@-")
	}
	args = append(args, replay.URL)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(replay.Body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	i.log.Debug("replaying via isolated transport", zap.String("url", replay.URL))
	if err := cmd.Run(); err != nil {
		return "", &StageError{Stage: StageIsolated, Class: ClassTransport,
			Err: fmt.Errorf("curl: %w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	status, err := readStatus(headerFile)
	if err != nil {
		return "", &StageError{Stage: StageIsolated, Class: ClassMalformed, Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &StageError{Stage: StageIsolated, Class: statusClass(status),
			Err: fmt.Errorf("http %d", status)}
	}

	body, err := os.ReadFile(bodyFile)
	if err != nil {
		return "", &StageError{Stage: StageIsolated, Class: ClassTransport, Err: err}
	}
	return string(body), nil
}

// ensureSetup provisions the runtime lazily and idempotently. Provisioning
// has its own timeout, distinct from the per-request one on ctx.
func (i *Impersonator) ensureSetup(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.binary != "" {
		return i.binary, nil
	}

	// A configured absolute path or anything already on PATH wins.
	if filepath.IsAbs(i.cfg.Binary) {
		if _, err := os.Stat(i.cfg.Binary); err == nil {
			i.binary = i.cfg.Binary
			return i.binary, nil
		}
	} else if path, err := exec.LookPath(i.cfg.Binary); err == nil {
		i.binary = path
		return i.binary, nil
	}

	if i.cfg.SetupURL == "" {
		return "", fmt.Errorf("binary %q not found and no setup URL configured", i.cfg.Binary)
	}

	setupCtx, cancel := context.WithTimeout(ctx, i.cfg.SetupTimeout)
	defer cancel()

	dir := i.cfg.Dir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(cache, "webaccess", "curl-impersonate")
	}

	candidate := filepath.Join(dir, filepath.Base(i.cfg.Binary))
	if _, err := os.Stat(candidate); err != nil {
		// First run on this machine: download and unpack the toolchain.
		i.log.Info("provisioning isolated transport", zap.String("dir", dir))
		if err := i.provision(setupCtx, dir); err != nil {
			return "", err
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("setup archive did not contain %q", filepath.Base(i.cfg.Binary))
		}
	}

	i.binary = candidate
	return i.binary, nil
}

// provision downloads the setup tarball and unpacks executables into dir.
func (i *Impersonator) provision(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	resp, err := resty.New().R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(i.cfg.SetupURL)
	if err != nil {
		return err
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() != 200 {
		return fmt.Errorf("setup download: http %d", resp.StatusCode())
	}

	return untarExecutables(raw, dir)
}

// untarExecutables unpacks regular files from a gzipped tarball, flattening
// paths and preserving the executable bit.
func untarExecutables(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(hdr.Name))
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}

// statusClass maps a non-2xx replay status to its failure class: server
// errors are transport failures, everything else is the origin refusing us.
func statusClass(status int) FailureClass {
	if status >= 500 {
		return ClassTransport
	}
	return ClassAuthRejected
}

// readStatus parses the final status line from a curl header dump. Redirect
// chains dump one header block per hop; the last one is authoritative.
func readStatus(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	status := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "HTTP/") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if code, err := strconv.Atoi(fields[1]); err == nil {
			status = code
		}
	}
	if status == 0 {
		return 0, fmt.Errorf("no status line in response headers")
	}
	return status, scanner.Err()
}
