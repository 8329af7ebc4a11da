package repocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicobailon/pi-web-access/internal/config"
	"github.com/nicobailon/pi-web-access/internal/logging"
	"github.com/nicobailon/pi-web-access/internal/monitoring"
)

func testCache(t *testing.T, cfg config.CloneConfig) *Cache {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	c := &Cache{
		log:     logging.NewNop(),
		metrics: monitoring.NewMetrics(),
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		return os.WriteFile(filepath.Join(dest, "README.md"), []byte("# "+id.Name), 0o644)
	}
	c.repoSize = func(ctx context.Context, id Identity) (int, error) { return 1, nil }
	t.Cleanup(func() { _ = c.Reset(context.Background()) })
	return c
}

var testID = Identity{Host: "github.com", Owner: "octo", Name: "demo"}

func TestGetOrCloneDeduplicatesConcurrentRequests(t *testing.T) {
	c := testCache(t, config.CloneConfig{})

	var cloneCalls atomic.Int64
	inner := c.clone
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		cloneCalls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return inner(ctx, id, dest)
	}

	const n = 8
	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = c.GetOrClone(context.Background(), testID, false)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), cloneCalls.Load(), "exactly one clone invocation")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i], "all requesters share one path")
	}

	_, err := os.Stat(filepath.Join(paths[0], "README.md"))
	assert.NoError(t, err)
}

func TestGetOrCloneTooLarge(t *testing.T) {
	c := testCache(t, config.CloneConfig{MaxSizeMB: 100})
	c.repoSize = func(ctx context.Context, id Identity) (int, error) { return 900, nil }

	_, err := c.GetOrClone(context.Background(), testID, false)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 900, tooLarge.SizeMB)
	assert.Equal(t, 100, tooLarge.LimitMB)
}

func TestGetOrCloneForceBypassesSizeCheck(t *testing.T) {
	c := testCache(t, config.CloneConfig{MaxSizeMB: 100})
	sizeCalls := 0
	c.repoSize = func(ctx context.Context, id Identity) (int, error) {
		sizeCalls++
		return 900, nil
	}

	path, err := c.GetOrClone(context.Background(), testID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, 0, sizeCalls, "force skips the metadata lookup")
}

func TestGetOrCloneSizeLookupFailureIsSoft(t *testing.T) {
	c := testCache(t, config.CloneConfig{MaxSizeMB: 100})
	c.repoSize = func(ctx context.Context, id Identity) (int, error) {
		return 0, errors.New("api down")
	}

	_, err := c.GetOrClone(context.Background(), testID, false)
	assert.NoError(t, err, "metadata failure must not block the clone")
}

func TestGetOrCloneConcurrentWaitersShareFailure(t *testing.T) {
	c := testCache(t, config.CloneConfig{})

	var cloneCalls atomic.Int64
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		cloneCalls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return &CloneFailedError{Detail: "remote hung up"}
	}

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrClone(context.Background(), testID, false)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), cloneCalls.Load())
	for i := 0; i < n; i++ {
		var failed *CloneFailedError
		require.ErrorAs(t, errs[i], &failed, "every waiter observes the shared failure")
	}
}

func TestGetOrCloneForceAfterTooLargeRejection(t *testing.T) {
	c := testCache(t, config.CloneConfig{MaxSizeMB: 100})
	c.repoSize = func(ctx context.Context, id Identity) (int, error) { return 900, nil }

	var cloneCalls atomic.Int64
	inner := c.clone
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		cloneCalls.Add(1)
		return inner(ctx, id, dest)
	}

	_, err := c.GetOrClone(context.Background(), testID, false)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(0), cloneCalls.Load())

	// The rejection must not shadow a later forced attempt.
	path, err := c.GetOrClone(context.Background(), testID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, int64(1), cloneCalls.Load())

	// And the forced clone is what stays cached.
	again, err := c.GetOrClone(context.Background(), testID, false)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int64(1), cloneCalls.Load())
}

func TestGetOrCloneTransientFailureIsRetried(t *testing.T) {
	c := testCache(t, config.CloneConfig{})

	inner := c.clone
	var failFirst atomic.Bool
	failFirst.Store(true)
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		if failFirst.Swap(false) {
			return &CloneFailedError{Detail: "network blip"}
		}
		return inner(ctx, id, dest)
	}

	_, err := c.GetOrClone(context.Background(), testID, false)
	var failed *CloneFailedError
	require.ErrorAs(t, err, &failed)

	path, err := c.GetOrClone(context.Background(), testID, false)
	require.NoError(t, err, "one failed attempt must not poison the identity")
	assert.NotEmpty(t, path)
}

func TestResetInvalidatesAndRecloning(t *testing.T) {
	c := testCache(t, config.CloneConfig{})

	var cloneCalls atomic.Int64
	inner := c.clone
	c.clone = func(ctx context.Context, id Identity, dest string) error {
		cloneCalls.Add(1)
		return inner(ctx, id, dest)
	}

	path1, err := c.GetOrClone(context.Background(), testID, false)
	require.NoError(t, err)

	require.NoError(t, c.Reset(context.Background()))
	_, statErr := os.Stat(path1)
	assert.True(t, os.IsNotExist(statErr), "backing storage removed on reset")

	path2, err := c.GetOrClone(context.Background(), testID, false)
	require.NoError(t, err)
	assert.NotEqual(t, path1, path2)
	assert.Equal(t, int64(2), cloneCalls.Load(), "post-reset request re-clones from scratch")
}

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		raw     string
		id      Identity
		subpath string
		ok      bool
	}{
		{"https://github.com/octo/demo", Identity{"github.com", "octo", "demo"}, "", true},
		{"https://github.com/octo/demo.git", Identity{"github.com", "octo", "demo"}, "", true},
		{"https://www.github.com/octo/demo/tree/main", Identity{"github.com", "octo", "demo"}, "", true},
		{"https://github.com/octo/demo/tree/main/src/lib", Identity{"github.com", "octo", "demo"}, "src/lib", true},
		{"https://github.com/octo/demo/blob/main/README.md", Identity{"github.com", "octo", "demo"}, "README.md", true},
		{"https://gitlab.com/octo/demo", Identity{}, "", false},
		{"https://github.com/octo", Identity{}, "", false},
		{"not a url", Identity{}, "", false},
	}
	for _, tc := range cases {
		id, subpath, ok := ParseRepoURL(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		if tc.ok {
			assert.Equal(t, tc.id, id, tc.raw)
			assert.Equal(t, tc.subpath, subpath, tc.raw)
		}
	}
}
