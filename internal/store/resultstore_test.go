package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicobailon/pi-web-access/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "search", "golang sqlite driver", "answer text with sources")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "search", rec.Kind)
	assert.Equal(t, "golang sqlite driver", rec.Source)
	assert.Equal(t, "answer text with sources", rec.Payload)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)
}

func TestGetUnknownID(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstWithoutPayloads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "fetch", "https://example.com/a", "body a")
	require.NoError(t, err)
	second, err := s.Save(ctx, "fetch", "https://example.com/b", "body b")
	require.NoError(t, err)

	// Separate the timestamps; created_at has second granularity.
	_, err = s.db.Exec(`UPDATE results SET created_at = created_at - 10 WHERE id = ?`, first)
	require.NoError(t, err)

	records, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second, records[0].ID)
	assert.Equal(t, first, records[1].ID)
	assert.Empty(t, records[0].Payload, "listing is metadata only")
}

func TestListLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Save(ctx, "search", "q", "p")
		require.NoError(t, err)
	}

	records, err := s.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old, err := s.Save(ctx, "search", "stale", "old payload")
	require.NoError(t, err)
	fresh, err := s.Save(ctx, "search", "recent", "new payload")
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE results SET created_at = created_at - 7200 WHERE id = ?`, old)
	require.NoError(t, err)

	removed, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)
}
