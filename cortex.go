// Package cortex provides a top-level convenience entry point for
// assembling the memory stack and cognition engine from a single
// configuration.
//
// Usage:
//
//	import "github.com/axonmind/cortex"
//
//	engine, err := cortex.New(config.DefaultConfig(), collector, logger)
//	if err != nil { ... }
//	engine.Start(ctx)
//	defer engine.Stop()
//
// Hosts wanting finer control construct the stores and components
// from the memory and cognition packages directly; New only wires the
// defaults.
package cortex

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/axonmind/cortex/cognition"
	"github.com/axonmind/cortex/config"
	"github.com/axonmind/cortex/internal/metrics"
	"github.com/axonmind/cortex/memory"
)

// New builds a fully wired CognitionEngine from cfg: the four memory
// stores rooted at cfg.DataDir, the perception/deviation/planner
// components, and the maintenance schedule. A Redis address in
// cfg.Redis switches working memory to the Redis backend. The
// collector may be nil to skip metrics.
func New(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*cognition.CognitionEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var backend memory.Backend
	if cfg.Redis.Addr != "" {
		rb, err := memory.NewRedisBackend(memory.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis backend: %w", err)
		}
		backend = rb
	}

	working := memory.NewWorkingMemory(memory.WorkingMemoryConfig{
		DefaultTTL:    cfg.Memory.WorkingTTL,
		SweepInterval: cfg.Memory.SweepInterval,
		Backend:       backend,
	}, logger)

	episodic, err := memory.NewEpisodicMemory(memory.EpisodicConfig{
		Dir:           filepath.Join(cfg.DataDir, "episodic"),
		RetentionDays: cfg.Memory.RetentionDays,
		RecentDays:    cfg.Memory.RecentDays,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open episodic memory: %w", err)
	}

	semantic, err := memory.NewSemanticMemory(memory.SemanticConfig{
		Dir:         filepath.Join(cfg.DataDir, "semantic"),
		MaxVersions: cfg.Memory.MaxVersions,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open semantic memory: %w", err)
	}

	program, err := memory.NewProgramMemory(memory.ProgramConfig{
		Dir: filepath.Join(cfg.DataDir, "program"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open program memory: %w", err)
	}

	perception := cognition.NewSelfPerception(semantic, program, cognition.PerceptionConfig{
		Staleness: cfg.Cognition.ProfileStaleness,
	}, logger)

	deviation := cognition.NewDeviationCorrection(semantic, episodic, cognition.DeviationConfig{}, logger)

	planner := cognition.NewPathPlanner(semantic, program, working, cognition.PlannerConfig{
		Fetcher: cognition.NewHTTPFetcher(cfg.Cognition.FetchTimeout, cfg.Cognition.FetchRate),
	}, logger)

	engine := cognition.NewEngine(cognition.Stores{
		Working:  working,
		Episodic: episodic,
		Semantic: semantic,
		Program:  program,
	}, perception, deviation, planner, cognition.EngineConfig{
		ProfileInterval:    cfg.Cognition.ProfileInterval,
		LearningInterval:   cfg.Cognition.LearningInterval,
		PruneInterval:      cfg.Cognition.PruneInterval,
		StrategiesInterval: cfg.Cognition.StrategiesInterval,
		PruneThreshold:     cfg.Memory.PruneThreshold,
		Metrics:            collector,
	}, logger)

	return engine, nil
}
