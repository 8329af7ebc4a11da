package browser

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Chromium builds with no keyring configured fall back to this password.
const defaultLinuxPassword = "peanuts"

// keychainTimeout bounds each individual secret-store lookup. The lookups
// can hang waiting for an unlock prompt that will never be answered.
const keychainTimeout = 3 * time.Second

// lookup is one way of obtaining the cookie-store master password.
type lookup struct {
	name string
	args []string
}

var darwinLookups = []lookup{
	{"security", []string{"find-generic-password", "-w", "-s", "Chrome Safe Storage", "-a", "Chrome"}},
	{"security", []string{"find-generic-password", "-w", "-s", "Chromium Safe Storage", "-a", "Chromium"}},
}

var linuxLookups = []lookup{
	{"secret-tool", []string{"lookup", "xdg:schema", "chrome_libsecret_os_crypt_password_v2", "application", "chrome"}},
	{"secret-tool", []string{"lookup", "application", "chrome"}},
	{"kwallet-query", []string{"-r", "Chrome Safe Storage", "-f", "Chrome Keys", "kdewallet"}},
}

// masterPassword resolves the cookie-store password for the platform.
// Every mechanism failing is not an error on linux, where a fixed default
// exists; on darwin it means no usable keychain entry.
func masterPassword(ctx context.Context, platform string) (string, bool) {
	var lookups []lookup
	switch platform {
	case "darwin":
		lookups = darwinLookups
	case "linux":
		lookups = linuxLookups
	default:
		return "", false
	}

	for _, l := range lookups {
		if password, ok := runLookup(ctx, l); ok {
			return password, true
		}
	}

	if platform == "linux" {
		return defaultLinuxPassword, true
	}
	return "", false
}

// runLookup executes one secret-store query with its own short deadline.
func runLookup(ctx context.Context, l lookup) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, keychainTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, l.name, l.args...).Output()
	if err != nil {
		return "", false
	}
	password := strings.TrimSpace(string(out))
	return password, password != ""
}
