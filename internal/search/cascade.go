package search

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/monitoring"
)

// Cascade orchestrates the provider stages in priority order: direct API,
// cookie-authenticated session, and a TLS-impersonating subprocess that is
// only reached when the session stage hits an active-defense block.
type Cascade struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	window  *Window

	api      Provider  // nil when no API key is configured
	session  Provider  // nil when cookie auth is disabled
	isolated Transport // nil disables the isolated stage
}

// NewCascade wires the cascade from configuration. cookies may be nil to
// disable the session stage entirely.
func NewCascade(cfg config.SearchConfig, transport config.TransportConfig, cookies CookieSource, log *logging.Logger, metrics *monitoring.Metrics) *Cascade {
	c := &Cascade{
		log:     log.Component("search"),
		metrics: metrics,
		window:  NewWindow(cfg.RateLimit, cfg.RatePeriod),
	}
	if cfg.APIKey != "" {
		c.api = newAPIProvider(log, cfg.APIBaseURL, cfg.APIKey, cfg.Timeout)
	}
	if cfg.CookieAuth && cookies != nil {
		origins := sessionOrigins(cfg.SessionBaseURL)
		c.session = newSessionProvider(log, cfg.SessionBaseURL, cookies, origins, cfg.Timeout)
		c.isolated = NewImpersonator(log, transport)
	}
	return c
}

// Search runs the cascade for one query. Each stage is attempted at most
// once. Failure modes: *RateLimitedError, ErrNoCredentials, *CascadeError,
// or an immediately-propagated terminal stage error.
func (c *Cascade) Search(ctx context.Context, q Query) (*Response, error) {
	q = q.normalized()

	// Conservative accounting: quota is consumed before any network call,
	// so a stage failure still counts against the cap.
	if ok, wait := c.window.Allow(); !ok {
		c.metrics.SearchRejected.Inc()
		return nil, &RateLimitedError{RetryAfter: wait}
	}

	var attempts []Attempt
	attempted := false

	if c.api != nil {
		attempted = true
		resp, err := c.runStage(ctx, c.api, q)
		if err == nil {
			return resp, nil
		}
		if !fallsThrough(err) {
			return nil, err
		}
		attempts = append(attempts, Attempt{Stage: StageAPI, Err: err})
	}

	if c.session != nil {
		resp, err := c.runStage(ctx, c.session, q)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNoSession):
			// No cookie found: the stage was never attempted.
			c.log.Debug("session stage skipped", zap.Error(err))
		default:
			attempted = true
			var defense *ActiveDefenseError
			if errors.As(err, &defense) && c.isolated != nil {
				resp, isoErr := c.runIsolated(ctx, defense, q)
				if isoErr == nil {
					return resp, nil
				}
				attempts = append(attempts,
					Attempt{Stage: StageSession, Err: err},
					Attempt{Stage: StageIsolated, Err: isoErr})
				break
			}
			if !fallsThrough(err) {
				return nil, err
			}
			attempts = append(attempts, Attempt{Stage: StageSession, Err: err})
		}
	}

	if !attempted {
		return nil, ErrNoCredentials
	}
	return nil, &CascadeError{Attempts: attempts}
}

// runStage executes one provider stage with observability.
func (c *Cascade) runStage(ctx context.Context, p Provider, q Query) (*Response, error) {
	start := time.Now()
	resp, err := p.Search(ctx, q)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = classify(err)
		if !errors.Is(err, ErrNoSession) {
			c.metrics.StageFallthrough.WithLabelValues(string(p.Stage()), outcome).Inc()
			c.log.Warn("search stage failed",
				zap.String("stage", string(p.Stage())),
				zap.String("class", outcome),
				zap.Error(err))
		}
	}
	c.metrics.ObserveSearch(string(p.Stage()), outcome, elapsed)
	return resp, err
}

// runIsolated replays the blocked session request through the subprocess
// transport and reconstructs the event stream it returns.
func (c *Cascade) runIsolated(ctx context.Context, defense *ActiveDefenseError, q Query) (*Response, error) {
	start := time.Now()
	raw, err := c.isolated.Fetch(ctx, defense.Replay)
	if err != nil {
		c.metrics.ObserveSearch(string(StageIsolated), classify(err), time.Since(start))
		return nil, err
	}

	resp := Reconstruct(raw, q.MaxResults)
	if resp.Empty() {
		err = &StageError{Stage: StageIsolated, Class: ClassMalformed,
			Err: errors.New("replayed stream yielded no answer and no results")}
		c.metrics.ObserveSearch(string(StageIsolated), classify(err), time.Since(start))
		return nil, err
	}

	c.metrics.ObserveSearch(string(StageIsolated), "success", time.Since(start))
	c.log.Info("isolated transport recovered blocked request",
		zap.Int("results", len(resp.Results)))
	return resp, nil
}

// fallsThrough reports whether a stage failure allows trying the next stage.
func fallsThrough(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class.retryable()
	}
	var defense *ActiveDefenseError
	return errors.As(err, &defense)
}

// classify maps an error to its failure class label for metrics.
func classify(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return string(se.Class)
	}
	var defense *ActiveDefenseError
	if errors.As(err, &defense) {
		return string(ClassActiveDefense)
	}
	if errors.Is(err, ErrNoSession) {
		return "no_session"
	}
	return "error"
}

// sessionOrigins derives cookie-matching origins from the session endpoint,
// including the bare apex for www hosts.
func sessionOrigins(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := u.Hostname()
	origins := []string{host}
	if apex, ok := strings.CutPrefix(host, "www."); ok {
		origins = append(origins, apex)
	}
	return origins
}
