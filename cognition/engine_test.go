package cognition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonmind/cortex/memory"
)

type engineFixture struct {
	engine  *CognitionEngine
	fetcher *fakeFetcher
	now     *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zap.NewNop()

	wm := memory.NewWorkingMemory(memory.WorkingMemoryConfig{Now: clock}, logger)
	em, err := memory.NewEpisodicMemory(memory.EpisodicConfig{
		Dir: t.TempDir(), Now: clock,
	}, logger)
	require.NoError(t, err)
	sm, err := memory.NewSemanticMemory(memory.SemanticConfig{
		Dir: t.TempDir(), Now: clock,
	}, logger)
	require.NoError(t, err)
	pm, err := memory.NewProgramMemory(memory.ProgramConfig{
		Dir: t.TempDir(), Now: clock,
	}, logger)
	require.NoError(t, err)

	perception := NewSelfPerception(sm, pm, PerceptionConfig{Now: clock}, logger)
	deviation := NewDeviationCorrection(sm, em, DeviationConfig{Now: clock}, logger)
	fetcher := &fakeFetcher{fail: map[string]bool{}}
	planner := NewPathPlanner(sm, pm, wm, PlannerConfig{
		Fetcher: fetcher, Now: clock,
	}, logger)

	engine := NewEngine(Stores{
		Working: wm, Episodic: em, Semantic: sm, Program: pm,
	}, perception, deviation, planner, EngineConfig{}, logger)

	return &engineFixture{engine: engine, fetcher: fetcher, now: &now}
}

func TestEngine_ProcessUserFeedback(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.ProcessUserFeedback(ctx, "this is wrong", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusDetected, rec.Status)

	events, err := f.engine.Episodic().Search(ctx, memory.EpisodicQuery{EventType: "user_feedback"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, memory.SentimentNegative, events[0].Sentiment)

	// Benign feedback logs an event but no record.
	*f.now = f.now.Add(time.Minute)
	rec, err = f.engine.ProcessUserFeedback(ctx, "looks good to me", "")
	require.NoError(t, err)
	require.Nil(t, rec)

	events, err = f.engine.Episodic().Search(ctx, memory.EpisodicQuery{EventType: "user_feedback"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, memory.SentimentNeutral, events[0].Sentiment)
}

func TestEngine_PerformAutonomousLearning(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.PerformAutonomousLearning(ctx, LearningDemand{
		ID: "d1", Topic: "golang generics", Depth: DepthAdvanced, TargetMastery: 8,
	})
	require.NoError(t, err)
	require.Equal(t, PathCompleted, res.Status)
	require.NotEmpty(t, res.KnowledgeID)

	_, ok := f.engine.Semantic().Get(res.KnowledgeID)
	require.True(t, ok)

	// Step strategies are registered with inferred types and fed one
	// observation each.
	api, ok := f.engine.Program().GetStrategy(StepBrewAPIBasic)
	require.True(t, ok)
	require.Equal(t, memory.StrategyAPI, api.Type)
	require.Equal(t, 1, api.UsageCount)
	require.Equal(t, 1.0, api.SuccessRate)

	docs, ok := f.engine.Program().GetStrategy(StepBrowserDocs)
	require.True(t, ok)
	require.Equal(t, memory.StrategyBrowser, docs.Type)

	events, err := f.engine.Episodic().Search(ctx, memory.EpisodicQuery{EventType: "autonomous_learning"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, memory.SentimentPositive, events[0].Sentiment)
}

func TestEngine_PerformAutonomousLearningFailure(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.fetcher.fail["brewapi"] = true
	f.fetcher.fail["documentation"] = true
	ctx := context.Background()

	res, err := f.engine.PerformAutonomousLearning(ctx, LearningDemand{
		ID: "d1", Topic: "x", Depth: DepthBasic, TargetMastery: 5,
	})
	require.NoError(t, err)
	require.Equal(t, PathFailed, res.Status)

	// The failed step drags its strategy's success rate down.
	api, ok := f.engine.Program().GetStrategy(StepBrewAPIBasic)
	require.True(t, ok)
	require.Equal(t, 1, api.UsageCount)
	require.Zero(t, api.SuccessRate)

	events, err := f.engine.Episodic().Search(ctx, memory.EpisodicQuery{EventType: "autonomous_learning"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, memory.SentimentNegative, events[0].Sentiment)
}

func TestEngine_RunMaintenance(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Semantic().Store(ctx, &memory.KnowledgeCard{
		ID: "keep", Domain: "go", MasteryScore: 9, Timeliness: memory.TimelinessValid,
	})
	require.NoError(t, err)
	_, err = f.engine.Semantic().Store(ctx, &memory.KnowledgeCard{
		ID: "drop", Domain: "general", MasteryScore: 0, Timeliness: memory.TimelinessOutdated,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.RunMaintenance(ctx))

	// Profile refreshed and snapshotted.
	_, ok := f.engine.Program().GetStrategy(ProfileStrategyName)
	require.True(t, ok)

	// Prune removed the weightless card and kept the protected one.
	_, ok = f.engine.Semantic().Get("drop")
	require.False(t, ok)
	_, ok = f.engine.Semantic().Get("keep")
	require.True(t, ok)
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.engine.Start(ctx))
	f.engine.Stop()
}
