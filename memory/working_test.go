package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkingMemory_LazyExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		DefaultTTL: 30 * time.Minute,
		Now:        func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	id, err := wm.Store(ctx, ItemRawData, map[string]any{"k": "v"}, time.Second, nil)
	require.NoError(t, err)

	item, err := wm.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ItemRawData, item.Type)

	// Past the TTL the item is gone on read, sweep or not.
	now = now.Add(2 * time.Second)
	_, err = wm.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	// The lazy read also evicted it from the backend.
	items, err := wm.backend.List(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestWorkingMemory_DefaultTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		DefaultTTL: 30 * time.Minute,
		Now:        func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	id, err := wm.Store(ctx, ItemTempParam, "p", 0, nil)
	require.NoError(t, err)

	now = now.Add(29 * time.Minute)
	_, err = wm.Get(ctx, id)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = wm.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWorkingMemory_UpdateResetsTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		DefaultTTL: 30 * time.Minute,
		Now:        func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	// Stored with a short TTL, then updated: the update resets expiry to
	// now + default TTL regardless of the original TTL.
	id, err := wm.Store(ctx, ItemUncheckedContent, "draft", time.Minute, nil)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	require.NoError(t, wm.Update(ctx, id, "draft v2", map[string]any{"rev": 2}))

	now = now.Add(10 * time.Minute) // far past the original 1m TTL
	item, err := wm.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "draft v2", item.Content)
	require.Equal(t, 2, item.Metadata["rev"])
}

func TestWorkingMemory_GetByTypeSkipsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		Now: func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	_, err := wm.Store(ctx, ItemRawData, "short", time.Second, nil)
	require.NoError(t, err)
	_, err = wm.Store(ctx, ItemRawData, "long", time.Hour, nil)
	require.NoError(t, err)
	_, err = wm.Store(ctx, ItemTempParam, "other", time.Hour, nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)

	items, err := wm.GetByType(ctx, ItemRawData)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "long", items[0].Content)

	// No eviction side effect: the expired item is still in the backend.
	all, err := wm.backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestWorkingMemory_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := NewWorkingMemory(WorkingMemoryConfig{
		Now: func() time.Time { return now },
	}, zap.NewNop())

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wm.Store(ctx, ItemRawData, i, time.Second, nil)
		require.NoError(t, err)
	}
	_, err := wm.Store(ctx, ItemRawData, "keep", time.Hour, nil)
	require.NoError(t, err)

	now = now.Add(5 * time.Second)

	evicted, err := wm.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, evicted)

	items, err := wm.GetByType(ctx, ItemRawData)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestWorkingMemory_LearningProgressLifecycle(t *testing.T) {
	t.Parallel()

	wm := NewWorkingMemory(DefaultWorkingMemoryConfig(), zap.NewNop())

	p := wm.CreateLearningProgress("demand-1", 3)
	require.Equal(t, LearningPending, p.Status)

	require.True(t, wm.CompleteStep("demand-1", "step 0 result"))
	require.True(t, wm.CompleteStep("demand-1", "step 1 result"))

	p, ok := wm.GetLearningProgress("demand-1")
	require.True(t, ok)
	require.Equal(t, LearningInProgress, p.Status)
	require.Equal(t, 2, p.CurrentStep)

	require.True(t, wm.CompleteStep("demand-1", "step 2 result"))
	p, _ = wm.GetLearningProgress("demand-1")
	require.Equal(t, LearningCompleted, p.Status)
	require.Equal(t, "step 1 result", p.Data[1])
}

func TestWorkingMemory_FailLearning(t *testing.T) {
	t.Parallel()

	wm := NewWorkingMemory(DefaultWorkingMemoryConfig(), zap.NewNop())

	wm.CreateLearningProgress("demand-2", 4)
	require.True(t, wm.CompleteStep("demand-2", "ok"))
	require.True(t, wm.FailLearning("demand-2", "fetch timed out"))

	p, ok := wm.GetLearningProgress("demand-2")
	require.True(t, ok)
	require.Equal(t, LearningFailed, p.Status)
	require.Equal(t, "fetch timed out", p.Error)

	require.False(t, wm.FailLearning("missing", "x"))
}

func TestWorkingMemory_CleanupLearningProgressTerminalOnly(t *testing.T) {
	t.Parallel()

	wm := NewWorkingMemory(DefaultWorkingMemoryConfig(), zap.NewNop())

	wm.CreateLearningProgress("done", 1)
	wm.CompleteStep("done", "r")
	wm.CreateLearningProgress("failed", 2)
	wm.FailLearning("failed", "boom")
	wm.CreateLearningProgress("active", 2)
	wm.CompleteStep("active", "r")

	require.Equal(t, 2, wm.CleanupLearningProgress())

	_, ok := wm.GetLearningProgress("active")
	require.True(t, ok)
	_, ok = wm.GetLearningProgress("done")
	require.False(t, ok)
	_, ok = wm.GetLearningProgress("failed")
	require.False(t, ok)
}
