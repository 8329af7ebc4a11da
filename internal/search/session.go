package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/browser"
	"github.com/nicobailon/pi-web-access/internal/logging"
)

// browserUserAgent matches the browser the cookies came from. Sending a
// non-browser agent with browser cookies trips defenses faster.
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36"

// Body fragments that identify a bot-challenge page.
var challengeSignatures = []string{
	"just a moment",
	"challenge-platform",
	"cf-chl",
	"attention required",
}

// CookieSource yields a fresh cookie jar per outbound request.
type CookieSource interface {
	ReadAuthCookies(ctx context.Context, origins []string) (browser.Jar, []string, error)
}

// sessionProvider replays the query as a cookie-authenticated streaming
// request against the provider's web frontend.
type sessionProvider struct {
	log     *logging.Logger
	client  *http.Client
	baseURL string
	cookies CookieSource
	origins []string
}

func newSessionProvider(log *logging.Logger, baseURL string, cookies CookieSource, origins []string, timeout time.Duration) *sessionProvider {
	return &sessionProvider{
		log:     log.Component("search.session"),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		cookies: cookies,
		origins: origins,
	}
}

func (p *sessionProvider) Stage() Stage { return StageSession }

func (p *sessionProvider) Search(ctx context.Context, q Query) (*Response, error) {
	q = q.normalized()

	jar, warnings, err := p.cookies.ReadAuthCookies(ctx, p.origins)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	for _, w := range warnings {
		p.log.Debug("cookie warning", zap.String("warning", w))
	}
	if !jar.HasSession() {
		return nil, ErrNoSession
	}

	body, err := json.Marshal(map[string]any{
		"query":       queryWithHints(q),
		"max_results": q.MaxResults,
		"recency":     string(q.Recency),
		"mode":        "concise",
	})
	if err != nil {
		return nil, &StageError{Stage: StageSession, Class: ClassMalformed, Err: err}
	}

	url := p.baseURL + "/rest/sse/search"
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "text/event-stream",
		"User-Agent":   browserUserAgent,
		"Cookie":       jar.Header(),
	}
	replay := &Replay{Method: http.MethodPost, URL: url, Headers: headers, Body: body}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &StageError{Stage: StageSession, Class: ClassTransport, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &StageError{Stage: StageSession, Class: ClassTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StageError{Stage: StageSession, Class: ClassTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if isChallenge(resp.StatusCode, raw) {
			return nil, &ActiveDefenseError{Stage: StageSession, Status: resp.StatusCode, Replay: replay}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusTooManyRequests {
			return nil, &StageError{Stage: StageSession, Class: ClassAuthRejected,
				Err: fmt.Errorf("http %d", resp.StatusCode)}
		}
		return nil, &StageError{Stage: StageSession, Class: ClassTransport,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	out := Reconstruct(string(raw), q.MaxResults)
	if out.Empty() {
		return nil, &StageError{Stage: StageSession, Class: ClassMalformed,
			Err: fmt.Errorf("stream yielded no answer and no results")}
	}
	return out, nil
}

// isChallenge detects an active-defense block: a blocking status paired
// with a challenge-page body signature.
func isChallenge(status int, body []byte) bool {
	if status != http.StatusForbidden && status != http.StatusTooManyRequests &&
		status != http.StatusServiceUnavailable {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// queryWithHints degrades domain filters into natural-language sentences,
// since this transport has no native filter parameter. Best effort only.
func queryWithHints(q Query) string {
	text := q.Text
	if allow := validDomains(q.AllowDomains); len(allow) > 0 {
		text += fmt.Sprintf(" Prefer results from these sites: %s.", strings.Join(allow, ", "))
	}
	if deny := validDomains(q.DenyDomains); len(deny) > 0 {
		text += fmt.Sprintf(" Exclude results from these sites: %s.", strings.Join(deny, ", "))
	}
	return text
}
