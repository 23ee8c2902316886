package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEpisodicMemory_LogAndSearch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = em.Log(ctx, &EpisodicEvent{EventType: "user_feedback", Content: "This is WRONG"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "learning", Content: "learned about goroutines"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "user_feedback", Content: "looks right"})
	require.NoError(t, err)

	// Type filter plus case-insensitive content substring.
	results, err := em.Search(ctx, EpisodicQuery{EventType: "user_feedback", Content: "wrong"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "This is WRONG", results[0].Content)

	// Descending by timestamp.
	results, err = em.Search(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "looks right", results[0].Content)

	// Limit caps the result set.
	results, err = em.Search(ctx, EpisodicQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestEpisodicMemory_TimeBounds(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	first := now
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "a", Content: "early"})
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "a", Content: "late"})
	require.NoError(t, err)

	results, err := em.Search(ctx, EpisodicQuery{StartTime: first.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "late", results[0].Content)

	results, err = em.Search(ctx, EpisodicQuery{EndTime: first.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "early", results[0].Content)
}

func TestEpisodicMemory_ReopenLoadsRecentPartitions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: dir,
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// One event ten days ago, one today: only the recent window is
	// reachable via search after reopening.
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "old", Content: "old", Timestamp: now.AddDate(0, 0, -10)})
	require.NoError(t, err)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "new", Content: "new"})
	require.NoError(t, err)

	reopened, err := NewEpisodicMemory(EpisodicConfig{
		Dir:        dir,
		RecentDays: 1,
		Now:        func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	results, err := reopened.Search(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "new", results[0].EventType)
}

func TestEpisodicMemory_CorruptPartitionSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, now.Format(dayLayout)+".jsonl"),
		[]byte("{not json\n"), 0o644))

	good := now.AddDate(0, 0, -1)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, good.Format(dayLayout)+".jsonl"),
		[]byte(`{"id":"ev_1","event_type":"ok","content":"survives","timestamp":"`+good.Format(time.RFC3339)+`"}`+"\n"), 0o644))

	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: dir,
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	results, err := em.Search(context.Background(), EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "survives", results[0].Content)
}

func TestEpisodicMemory_TornLineKeepsRestOfPartition(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: dir,
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "a", Content: "first"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "a", Content: "second"})
	require.NoError(t, err)

	// A crash mid-append leaves a torn final line.
	path := filepath.Join(dir, now.Format(dayLayout)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewEpisodicMemory(EpisodicConfig{
		Dir: dir,
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	results, err := reopened.Search(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "second", results[0].Content)
	require.Equal(t, "first", results[1].Content)
}

func TestEpisodicMemory_FailedAppendLeavesNoCacheEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: dir,
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	// Occupy the day partition path with a directory so the append
	// cannot open the file.
	require.NoError(t, os.Mkdir(filepath.Join(dir, now.Format(dayLayout)+".jsonl"), 0o755))

	ctx := context.Background()
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "a", Content: "lost"})
	require.Error(t, err)

	results, err := em.Search(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEpisodicMemory_EventIDUsesInjectedClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir: t.TempDir(),
		Now: func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ev, err := em.Log(context.Background(), &EpisodicEvent{EventType: "a", Content: "x"})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("ev_%d", now.UnixNano()), ev.ID)
}

func TestEpisodicMemory_CleanupArchivesOldPartitions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	em, err := NewEpisodicMemory(EpisodicConfig{
		Dir:           dir,
		RetentionDays: 7,
		RecentDays:    60,
		Now:           func() time.Time { return now },
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	oldTS := now.AddDate(0, 0, -30)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "old", Content: "aged out", Timestamp: oldTS})
	require.NoError(t, err)
	_, err = em.Log(ctx, &EpisodicEvent{EventType: "new", Content: "kept"})
	require.NoError(t, err)

	res, err := em.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ArchivedPartitions)
	require.Equal(t, 1, res.RemovedEvents)

	// The old partition moved to the archive; the live file is gone.
	oldDate := oldTS.Format(dayLayout)
	_, err = os.Stat(filepath.Join(dir, "archive", oldDate+".jsonl"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, oldDate+".jsonl"))
	require.True(t, os.IsNotExist(err))

	// Aged events left the cache too.
	results, err := em.Search(ctx, EpisodicQuery{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "kept", results[0].Content)

	// A second pass is a no-op.
	res, err = em.Cleanup(ctx)
	require.NoError(t, err)
	require.Zero(t, res.ArchivedPartitions)
	require.Zero(t, res.RemovedEvents)
}
