package cognition

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/axonmind/cortex/internal/metrics"
	"github.com/axonmind/cortex/memory"
)

// EngineConfig configures a CognitionEngine.
type EngineConfig struct {
	// Maintenance intervals. Zero values take the defaults: profile
	// 1h, learning 30m, prune 24h, strategies 6h.
	ProfileInterval    time.Duration
	LearningInterval   time.Duration
	PruneInterval      time.Duration
	StrategiesInterval time.Duration

	// PruneThreshold is the retention weight below which cards are
	// pruned. Defaults to 0.1.
	PruneThreshold float64

	// Metrics receives engine counters. Optional.
	Metrics *metrics.Collector
}

func (c *EngineConfig) applyDefaults() {
	if c.ProfileInterval <= 0 {
		c.ProfileInterval = time.Hour
	}
	if c.LearningInterval <= 0 {
		c.LearningInterval = 30 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 24 * time.Hour
	}
	if c.StrategiesInterval <= 0 {
		c.StrategiesInterval = 6 * time.Hour
	}
	if c.PruneThreshold <= 0 {
		c.PruneThreshold = 0.1
	}
}

// CognitionEngine owns the memory stores and cognition components and
// schedules their periodic maintenance. It is an explicit context
// object: hosts construct one and pass it where needed, there are no
// package-level singletons.
type CognitionEngine struct {
	working  *memory.WorkingMemory
	episodic *memory.EpisodicMemory
	semantic *memory.SemanticMemory
	program  *memory.ProgramMemory

	perception *SelfPerception
	deviation  *DeviationCorrection
	planner    *PathPlanner

	config  EngineConfig
	metrics *metrics.Collector
	tracer  trace.Tracer
	cron    *cron.Cron
	logger  *zap.Logger
}

// Stores bundles the four memory layers an engine runs on.
type Stores struct {
	Working  *memory.WorkingMemory
	Episodic *memory.EpisodicMemory
	Semantic *memory.SemanticMemory
	Program  *memory.ProgramMemory
}

// NewEngine assembles a CognitionEngine from its stores and
// components.
func NewEngine(stores Stores, perception *SelfPerception, deviation *DeviationCorrection, planner *PathPlanner, config EngineConfig, logger *zap.Logger) *CognitionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	return &CognitionEngine{
		working:    stores.Working,
		episodic:   stores.Episodic,
		semantic:   stores.Semantic,
		program:    stores.Program,
		perception: perception,
		deviation:  deviation,
		planner:    planner,
		config:     config,
		metrics:    config.Metrics,
		tracer:     otel.Tracer("cortex/cognition"),
		cron:       cron.New(),
		logger:     logger.With(zap.String("component", "cognition_engine")),
	}
}

// Store accessors.

func (e *CognitionEngine) Working() *memory.WorkingMemory   { return e.working }
func (e *CognitionEngine) Episodic() *memory.EpisodicMemory { return e.episodic }
func (e *CognitionEngine) Semantic() *memory.SemanticMemory { return e.semantic }
func (e *CognitionEngine) Program() *memory.ProgramMemory   { return e.program }
func (e *CognitionEngine) Perception() *SelfPerception      { return e.perception }
func (e *CognitionEngine) Deviation() *DeviationCorrection  { return e.deviation }
func (e *CognitionEngine) Planner() *PathPlanner            { return e.planner }

// Start wires the maintenance schedules and the working memory sweep.
// Tests call the maintenance entry points directly instead.
func (e *CognitionEngine) Start(ctx context.Context) error {
	schedule := func(interval time.Duration, name string, fn func(context.Context) error) error {
		_, err := e.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			if err := fn(ctx); err != nil {
				e.logger.Error("maintenance task failed",
					zap.String("task", name), zap.Error(err))
			}
		})
		return err
	}

	if err := schedule(e.config.ProfileInterval, "profile", e.RefreshProfile); err != nil {
		return err
	}
	if err := schedule(e.config.LearningInterval, "learning", e.LearningSweep); err != nil {
		return err
	}
	if err := schedule(e.config.PruneInterval, "prune", e.PruneMemory); err != nil {
		return err
	}
	if err := schedule(e.config.StrategiesInterval, "strategies", e.IterateStrategies); err != nil {
		return err
	}

	e.working.Start(ctx)
	e.cron.Start()

	e.logger.Info("cognition engine started",
		zap.Duration("profile_interval", e.config.ProfileInterval),
		zap.Duration("learning_interval", e.config.LearningInterval),
		zap.Duration("prune_interval", e.config.PruneInterval),
		zap.Duration("strategies_interval", e.config.StrategiesInterval))
	return nil
}

// Stop halts the schedules and the working memory sweep, waiting for
// any in-flight maintenance run.
func (e *CognitionEngine) Stop() {
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
	e.working.Stop()
	e.logger.Info("cognition engine stopped")
}

// RefreshProfile regenerates the capability profile.
func (e *CognitionEngine) RefreshProfile(ctx context.Context) error {
	return e.maintain(ctx, "profile", func(ctx context.Context) error {
		_, err := e.perception.GenerateProfile(ctx)
		return err
	})
}

// LearningSweep ages out episodic history and clears terminal learning
// progress entries.
func (e *CognitionEngine) LearningSweep(ctx context.Context) error {
	return e.maintain(ctx, "learning", func(ctx context.Context) error {
		res, err := e.episodic.Cleanup(ctx)
		if err != nil {
			return err
		}
		cleared := e.working.CleanupLearningProgress()
		e.logger.Debug("learning sweep",
			zap.Int("archived_partitions", res.ArchivedPartitions),
			zap.Int("removed_events", res.RemovedEvents),
			zap.Int("cleared_progress", cleared))
		return nil
	})
}

// PruneMemory removes low-retention knowledge cards.
func (e *CognitionEngine) PruneMemory(ctx context.Context) error {
	return e.maintain(ctx, "prune", func(ctx context.Context) error {
		pruned, err := e.semantic.Prune(ctx, e.config.PruneThreshold)
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.RecordCardsPruned(len(pruned))
		}
		return nil
	})
}

// IterateStrategies runs the strategy promotion sweep.
func (e *CognitionEngine) IterateStrategies(ctx context.Context) error {
	return e.maintain(ctx, "strategies", func(ctx context.Context) error {
		res, err := e.program.IterateStrategies(ctx)
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.RecordStrategyIteration(len(res.Promoted), len(res.Demoted), len(res.Removed))
		}
		return nil
	})
}

// RunMaintenance runs all four maintenance tasks back to back.
func (e *CognitionEngine) RunMaintenance(ctx context.Context) error {
	for _, task := range []func(context.Context) error{
		e.RefreshProfile, e.LearningSweep, e.PruneMemory, e.IterateStrategies,
	} {
		if err := task(ctx); err != nil {
			return err
		}
	}
	return nil
}

// maintain wraps a maintenance task with a span, duration metric and
// outcome log.
func (e *CognitionEngine) maintain(ctx context.Context, task string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "maintenance."+task,
		trace.WithAttributes(attribute.String("task", task)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.metrics != nil {
		e.metrics.RecordMaintenance(task, status, elapsed)
	}
	if err != nil {
		return fmt.Errorf("%s maintenance: %w", task, err)
	}
	return nil
}

// ProcessUserFeedback logs the feedback as an episodic event and runs
// deviation detection over it. The returned record is nil when the
// feedback does not look like an error report.
func (e *CognitionEngine) ProcessUserFeedback(ctx context.Context, feedback, knowledgeID string) (*DeviationRecord, error) {
	ctx, span := e.tracer.Start(ctx, "engine.process_feedback")
	defer span.End()

	sentiment := memory.SentimentNeutral
	if ErrorPattern(feedback) {
		sentiment = memory.SentimentNegative
	}
	var related []string
	if knowledgeID != "" {
		related = []string{knowledgeID}
	}
	if _, err := e.episodic.Log(ctx, &memory.EpisodicEvent{
		EventType:        "user_feedback",
		Content:          feedback,
		RelatedKnowledge: related,
		Sentiment:        sentiment,
	}); err != nil {
		return nil, fmt.Errorf("log feedback: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordEvent("user_feedback")
	}

	rec, err := e.deviation.DetectFromFeedback(ctx, feedback, knowledgeID)
	if err != nil {
		return nil, err
	}
	if rec != nil && e.metrics != nil {
		e.metrics.RecordDeviation(string(rec.Type), string(rec.Severity))
	}
	return rec, nil
}

// PerformAutonomousLearning plans and executes a learning path for the
// demand, tracks per-step strategy effectiveness, and logs the outcome.
func (e *CognitionEngine) PerformAutonomousLearning(ctx context.Context, demand LearningDemand) (*PathExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.autonomous_learning",
		trace.WithAttributes(attribute.String("topic", demand.Topic)))
	defer span.End()

	path := e.planner.GeneratePath(demand)
	for _, step := range path.Steps {
		if err := e.ensureStepStrategy(ctx, step.Type); err != nil {
			e.logger.Warn("registering step strategy failed",
				zap.String("step_type", step.Type), zap.Error(err))
		}
	}

	res := e.planner.ExecutePath(ctx, path)

	for _, step := range path.Steps {
		if step.Status == StepPending {
			continue // never reached after a path failure
		}
		if err := e.program.UpdateStrategyEffect(ctx, step.Type, step.Status == StepCompleted); err != nil {
			e.logger.Warn("updating strategy effect failed",
				zap.String("step_type", step.Type), zap.Error(err))
		}
		if e.metrics != nil {
			e.metrics.RecordStepExecution(step.Type, string(step.Status))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordPathExecution(string(res.Status))
	}

	sentiment := memory.SentimentPositive
	if res.Status == PathFailed {
		sentiment = memory.SentimentNegative
	}
	var related []string
	if res.KnowledgeID != "" {
		related = []string{res.KnowledgeID}
	}
	if _, err := e.episodic.Log(ctx, &memory.EpisodicEvent{
		EventType: "autonomous_learning",
		Content:   fmt.Sprintf("learning path for %q finished: %s", demand.Topic, res.Status),
		Metadata: map[string]any{
			"demand_id": demand.ID,
			"completed": res.Completed,
			"skipped":   res.Skipped,
		},
		RelatedKnowledge: related,
		Sentiment:        sentiment,
	}); err != nil {
		e.logger.Warn("logging learning outcome failed", zap.Error(err))
	}

	return res, nil
}

// ensureStepStrategy creates the per-step-type strategy on first use
// so effect tracking has a target. Content shape drives the inferred
// strategy type.
func (e *CognitionEngine) ensureStepStrategy(ctx context.Context, stepType string) error {
	if _, ok := e.program.GetStrategy(stepType); ok {
		return nil
	}
	var content map[string]any
	switch stepType {
	case StepBrewAPIBasic:
		content = map[string]any{"endpoint": "/v1/lookup", "step": stepType}
	case StepBrowserDocs, StepBrowserPractic:
		content = map[string]any{"actions": []any{"fetch", "extract"}, "step": stepType}
	default:
		content = map[string]any{"step": stepType}
	}
	_, err := e.program.StoreStrategy(ctx, stepType, content)
	return err
}
