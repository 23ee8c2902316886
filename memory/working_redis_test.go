package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := NewRedisBackend(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestRedisBackend_PutGetDelete(t *testing.T) {
	t.Parallel()

	backend := newTestRedisBackend(t)
	ctx := context.Background()

	item := Item{
		ID:        "item-1",
		Type:      ItemRawData,
		Content:   "payload",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	require.NoError(t, backend.Put(ctx, item, time.Hour))

	got, ok, err := backend.Get(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", got.Content)
	require.Equal(t, ItemRawData, got.Type)

	_, ok, err = backend.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, backend.Delete(ctx, "item-1"))
	_, ok, err = backend.Get(ctx, "item-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBackend_List(t *testing.T) {
	t.Parallel()

	backend := newTestRedisBackend(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		item := Item{
			ID:        id,
			Type:      ItemTempParam,
			Content:   id,
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, backend.Put(ctx, item, time.Hour))
	}

	items, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestWorkingMemory_RedisBackendLazyExpiry(t *testing.T) {
	t.Parallel()

	backend := newTestRedisBackend(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		Backend: backend,
		Now:     func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	id, err := wm.Store(ctx, ItemRawData, "v", time.Minute, nil)
	require.NoError(t, err)

	item, err := wm.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "v", item.Content)

	// The virtual clock moves past the TTL; the item expires on read
	// even though the Redis server's own clock has not advanced.
	now = now.Add(2 * time.Minute)
	_, err = wm.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}
