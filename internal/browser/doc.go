// Package browser reads authentication cookies from a locally installed
// Chromium-based browser's encrypted cookie store.
//
// The store is a SQLite database whose cookie values are encrypted with a
// key derived from an OS-keychain password. Reading is strictly best-effort:
// a missing browser profile or unsupported platform yields ErrUnavailable,
// and individual rows that fail to decrypt are skipped with a warning. The
// surrounding system treats local-session auth as a convenience, never a
// required capability.
package browser
