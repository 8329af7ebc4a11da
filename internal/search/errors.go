package search

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureClass is an explicit classification of a stage failure. Cascade
// routing decisions key off the class, never off error type identity.
type FailureClass string

const (
	// ClassTransport covers network, timeout and abort failures.
	ClassTransport FailureClass = "transport"
	// ClassAuthRejected covers provider-reported 401/403/429.
	ClassAuthRejected FailureClass = "auth_rejected"
	// ClassActiveDefense marks a detected bot-challenge response.
	ClassActiveDefense FailureClass = "active_defense"
	// ClassMalformed marks an unparseable or empty provider payload.
	ClassMalformed FailureClass = "malformed"
)

// retryable reports whether the class allows falling through to the next
// cascade stage. Active defense routes specially and is handled apart.
func (c FailureClass) retryable() bool {
	return c == ClassTransport || c == ClassAuthRejected
}

// StageError is a classified failure from one cascade stage.
type StageError struct {
	Stage Stage
	Class FailureClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ActiveDefenseError reports a provider bot-challenge block. It carries the
// original request so the isolated transport can replay it verbatim.
type ActiveDefenseError struct {
	Stage  Stage
	Status int
	Replay *Replay
}

func (e *ActiveDefenseError) Error() string {
	return fmt.Sprintf("%s stage: active defense block (status %d)", e.Stage, e.Status)
}

// RateLimitedError is an admission rejection. No network call was made.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// ErrNoCredentials means no provider stage could even be attempted: no API
// key configured and no browser session found.
var ErrNoCredentials = errors.New("no search credentials configured")

// ErrNoSession means the cookie store held no usable session. The session
// stage counts as not attempted.
var ErrNoSession = errors.New("no browser session available")

// Attempt records one failed stage for the aggregate error.
type Attempt struct {
	Stage Stage
	Err   error
}

// CascadeError aggregates every attempted stage's failure.
type CascadeError struct {
	Attempts []Attempt
}

func (e *CascadeError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Stage, a.Err))
	}
	return "all search providers failed: " + strings.Join(parts, "; ")
}
