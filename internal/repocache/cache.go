package repocache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/monitoring"
)

// TooLargeError rejects a clone whose repository exceeds the size
// threshold. Callers map it to a degraded API-based view.
type TooLargeError struct {
	SizeMB  int
	LimitMB int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("repository is %d MB, over the %d MB clone limit", e.SizeMB, e.LimitMB)
}

// CloneFailedError wraps a failed clone attempt.
type CloneFailedError struct {
	Detail string
}

func (e *CloneFailedError) Error() string {
	return "clone failed: " + e.Detail
}

type entryState int

const (
	stateInProgress entryState = iota
	stateReady
	stateFailed
)

// entry is the shared completion handle for one repository identity. All
// concurrent requesters for the identity attach to the same entry; done is
// closed exactly once when the terminal state is set.
type entry struct {
	state   entryState
	path    string
	err     error
	done    chan struct{}
	created time.Time
}

// Cache materializes remote repositories as local working copies, one per
// identity per session. The cache owns deletion; requesters never remove
// the paths they are handed.
type Cache struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	cfg     config.CloneConfig

	mu      sync.Mutex
	entries map[string]*entry
	root    string

	// Injectable for tests.
	clone    func(ctx context.Context, id Identity, dest string) error
	repoSize func(ctx context.Context, id Identity) (int, error)
}

// New creates an empty cache. The destination root is created lazily on
// the first clone.
func New(cfg config.CloneConfig, gh *GitHub, log *logging.Logger, metrics *monitoring.Metrics) *Cache {
	c := &Cache{
		log:     log.Component("repocache"),
		metrics: metrics,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	c.clone = c.gitClone
	c.repoSize = gh.RepoSizeMB
	return c
}

// GetOrClone returns the local working copy for a repository, cloning it
// on first request. Concurrent requesters for the same identity share one
// clone and observe the same terminal outcome. Only ready clones stay
// cached: a size rejection or failed clone is evicted once broadcast, so
// the next request (forced or not) starts a fresh attempt.
func (c *Cache) GetOrClone(ctx context.Context, id Identity, force bool) (string, error) {
	key := id.String()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.metrics.CloneCacheHits.Inc()
		return c.await(ctx, e)
	}
	e := &entry{done: make(chan struct{}), created: time.Now()}
	c.entries[key] = e
	c.mu.Unlock()

	start := time.Now()
	path, err := c.materialize(ctx, id, force)

	c.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.err = err
		// Evict so the rejection cannot shadow a later attempt; in-flight
		// waiters still hold the entry and see the broadcast below.
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.metrics.ObserveClone("failed", time.Since(start))
	} else {
		e.state = stateReady
		e.path = path
		c.metrics.ObserveClone("ready", time.Since(start))
	}
	c.mu.Unlock()
	close(e.done)

	if err != nil {
		c.log.Warn("clone failed", zap.String("repo", key), zap.Error(err))
		return "", err
	}
	c.log.Info("repository cloned", zap.String("repo", key), zap.String("path", path))
	return path, nil
}

// await blocks on an existing entry's completion signal.
func (c *Cache) await(ctx context.Context, e *entry) (string, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if e.state == stateReady {
		return e.path, nil
	}
	return "", e.err
}

// materialize runs the size pre-check and the clone itself.
func (c *Cache) materialize(ctx context.Context, id Identity, force bool) (string, error) {
	if !force && c.cfg.MaxSizeMB > 0 {
		// Size lookup failures don't block the clone; the threshold is a
		// cost guard, not a correctness requirement.
		if sizeMB, err := c.repoSize(ctx, id); err == nil && sizeMB > c.cfg.MaxSizeMB {
			return "", &TooLargeError{SizeMB: sizeMB, LimitMB: c.cfg.MaxSizeMB}
		}
	}

	root, err := c.ensureRoot()
	if err != nil {
		return "", &CloneFailedError{Detail: err.Error()}
	}
	dest, err := os.MkdirTemp(root, id.Owner+"-"+id.Name+"-")
	if err != nil {
		return "", &CloneFailedError{Detail: err.Error()}
	}

	if err := c.clone(ctx, id, dest); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	return dest, nil
}

// gitClone shallow-clones via the git CLI with the configured timeout.
func (c *Cache) gitClone(ctx context.Context, id Identity, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", id.CloneURL(), dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return &CloneFailedError{Detail: detail}
	}
	return nil
}

// ensureRoot creates the destination root on first use.
func (c *Cache) ensureRoot() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root != "" {
		return c.root, nil
	}
	if c.cfg.Dir != "" {
		if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
			return "", err
		}
		c.root = c.cfg.Dir
		return c.root, nil
	}
	root, err := os.MkdirTemp("", "webaccess-repos-")
	if err != nil {
		return "", err
	}
	c.root = root
	return c.root, nil
}

// Reset invalidates every entry and removes its backing storage. Called on
// session-boundary events; a later request re-clones from scratch.
func (c *Cache) Reset(ctx context.Context) error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	root := c.root
	c.root = ""
	c.mu.Unlock()

	for key, e := range entries {
		// In-progress clones finish (or fail) before their dir is removed.
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.path != "" {
			if err := os.RemoveAll(e.path); err != nil {
				c.log.Warn("failed to remove clone", zap.String("repo", key), zap.Error(err))
			}
		}
	}
	if root != "" && c.cfg.Dir == "" {
		// The temp root belongs to this session.
		_ = os.RemoveAll(root)
	}
	c.log.Debug("clone cache reset", zap.Int("entries", len(entries)))
	return nil
}
