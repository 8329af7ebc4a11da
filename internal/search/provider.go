package search

import (
	"context"
	"regexp"
)

// Stage identifies one cascade stage.
type Stage string

const (
	StageAPI      Stage = "api"
	StageSession  Stage = "session"
	StageIsolated Stage = "isolated"
)

// Provider executes a search through one transport.
type Provider interface {
	Stage() Stage
	Search(ctx context.Context, q Query) (*Response, error)
}

// Replay captures an outbound request verbatim so a later stage can
// re-issue it through a different transport.
type Replay struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Transport re-issues a captured request and returns the raw response body.
type Transport interface {
	Fetch(ctx context.Context, replay *Replay) (string, error)
}

// hostnamePattern matches bare hostnames, optionally with a leading
// wildcard label.
var hostnamePattern = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// validDomains drops filter entries that do not look like hostnames.
// Invalid entries never reject the whole query.
func validDomains(domains []string) []string {
	var out []string
	for _, d := range domains {
		if hostnamePattern.MatchString(d) {
			out = append(out, d)
		}
	}
	return out
}
