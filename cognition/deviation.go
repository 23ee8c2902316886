package cognition

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axonmind/cortex/memory"
)

// DeviationType classifies what kind of knowledge defect a deviation
// record describes.
type DeviationType string

const (
	DeviationFactual      DeviationType = "factual"
	DeviationCompleteness DeviationType = "completeness"
	DeviationTimeliness   DeviationType = "timeliness"
	DeviationAccuracy     DeviationType = "accuracy"
)

// Severity grades a deviation record.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// DeviationStatus is the record lifecycle. Corrected and dismissed are
// terminal.
type DeviationStatus string

const (
	StatusDetected  DeviationStatus = "detected"
	StatusVerifying DeviationStatus = "verifying"
	StatusCorrected DeviationStatus = "corrected"
	StatusDismissed DeviationStatus = "dismissed"
)

// DeviationRecord tracks one suspected knowledge defect. Records live
// in memory only for the lifetime of the process.
type DeviationRecord struct {
	ID          string          `json:"id"`
	KnowledgeID string          `json:"knowledge_id,omitempty"`
	Type        DeviationType   `json:"type"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	DetectedAt  time.Time       `json:"detected_at"`
	Sources     []string        `json:"sources,omitempty"`
	Status      DeviationStatus `json:"status"`
}

// ValidationVerdict is the outcome of a multi-source check.
type ValidationVerdict string

const (
	VerdictConsistent ValidationVerdict = "consistent"
	VerdictWarning    ValidationVerdict = "warning"
	VerdictDeviation  ValidationVerdict = "deviation"
)

// ValidationResult reports a multi-source validation run.
type ValidationResult struct {
	KnowledgeID   string            `json:"knowledge_id"`
	TotalSources  int               `json:"total_sources"`
	Matching      int               `json:"matching"`
	DeviationRate float64           `json:"deviation_rate"`
	Verdict       ValidationVerdict `json:"verdict"`
}

// SourceComparer decides whether one source agrees with the proposed
// content. The default always reports agreement; real semantic
// comparison is an extension point, so out of the box
// MultiSourceValidation always yields a consistent verdict.
type SourceComparer func(source, newContent string) bool

// Classifier heuristics. Package-level so hosts can swap in smarter
// implementations; the defaults are plain keyword matching.
var (
	// ErrorPattern gates detection: feedback that matches none of these
	// substrings produces no record.
	ErrorPattern = func(feedback string) bool {
		return containsAny(feedback, []string{
			"wrong", "incorrect", "error", "mistake", "false",
			"outdated", "stale", "missing", "incomplete", "inaccurate",
			"not right", "not true", "doesn't work", "does not work",
		})
	}

	// ClassifyType maps feedback text to a deviation type, defaulting
	// to accuracy.
	ClassifyType = func(feedback string) DeviationType {
		switch {
		case containsAny(feedback, []string{"missing", "incomplete", "lacks", "partial"}):
			return DeviationCompleteness
		case containsAny(feedback, []string{"outdated", "stale", "old", "deprecated", "no longer"}):
			return DeviationTimeliness
		case containsAny(feedback, []string{"false", "wrong", "untrue", "fabricated", "not true"}):
			return DeviationFactual
		default:
			return DeviationAccuracy
		}
	}

	// ClassifySeverity maps feedback text to a severity, defaulting to
	// medium.
	ClassifySeverity = func(feedback string) Severity {
		switch {
		case containsAny(feedback, []string{"critical", "dangerous", "completely", "totally", "severely"}):
			return SeverityHigh
		case containsAny(feedback, []string{"minor", "slightly", "small", "typo"}):
			return SeverityLow
		default:
			return SeverityMedium
		}
	}
)

func containsAny(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DeviationConfig configures a DeviationCorrection.
type DeviationConfig struct {
	// Comparer overrides the per-source comparison. Defaults to the
	// always-true stub.
	Comparer SourceComparer

	// MaxSources caps how many sources MultiSourceValidation inspects.
	// Defaults to 5.
	MaxSources int

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DeviationCorrection detects suspected knowledge defects from user
// feedback and periodic scans, and drives each record through its
// verify/correct/dismiss lifecycle.
type DeviationCorrection struct {
	semantic *memory.SemanticMemory
	episodic *memory.EpisodicMemory

	comparer   SourceComparer
	maxSources int
	now        func() time.Time
	logger     *zap.Logger

	mu      sync.RWMutex
	records map[string]*DeviationRecord
}

// NewDeviationCorrection builds a DeviationCorrection over the given
// stores.
func NewDeviationCorrection(semantic *memory.SemanticMemory, episodic *memory.EpisodicMemory, config DeviationConfig, logger *zap.Logger) *DeviationCorrection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Comparer == nil {
		config.Comparer = func(source, newContent string) bool { return true }
	}
	if config.MaxSources <= 0 {
		config.MaxSources = 5
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &DeviationCorrection{
		semantic:   semantic,
		episodic:   episodic,
		comparer:   config.Comparer,
		maxSources: config.MaxSources,
		now:        config.Now,
		logger:     logger.With(zap.String("component", "deviation_correction")),
		records:    make(map[string]*DeviationRecord),
	}
}

// DetectFromFeedback inspects user feedback for error-like language.
// Returns nil when the feedback does not look like an error report;
// otherwise records and returns a new detected-state deviation and
// logs a negative episodic event.
func (d *DeviationCorrection) DetectFromFeedback(ctx context.Context, feedback, knowledgeID string) (*DeviationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ErrorPattern(feedback) {
		return nil, nil
	}

	rec := &DeviationRecord{
		ID:          uuid.New().String(),
		KnowledgeID: knowledgeID,
		Type:        ClassifyType(feedback),
		Severity:    ClassifySeverity(feedback),
		Description: feedback,
		DetectedAt:  d.now(),
		Status:      StatusDetected,
	}

	d.mu.Lock()
	d.records[rec.ID] = rec
	d.mu.Unlock()

	meta := map[string]any{"deviation_id": rec.ID, "severity": string(rec.Severity)}
	var related []string
	if knowledgeID != "" {
		related = []string{knowledgeID}
	}
	if _, err := d.episodic.Log(ctx, &memory.EpisodicEvent{
		EventType:        "deviation",
		Content:          fmt.Sprintf("%s deviation detected: %s", rec.Type, feedback),
		Metadata:         meta,
		RelatedKnowledge: related,
		Sentiment:        memory.SentimentNegative,
	}); err != nil {
		d.logger.Warn("logging deviation event failed", zap.Error(err))
	}

	d.logger.Info("deviation detected",
		zap.String("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("severity", string(rec.Severity)))
	return cloneRecord(rec), nil
}

// MultiSourceValidation compares a card's recorded sources plus the
// proposed content, capped at MaxSources, and grades the disagreement
// rate: above 0.3 is a deviation, above 0.15 a warning, else
// consistent.
func (d *DeviationCorrection) MultiSourceValidation(ctx context.Context, knowledgeID, newContent string) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	card, ok := d.semantic.Get(knowledgeID)
	if !ok {
		return nil, fmt.Errorf("validate %s: %w", knowledgeID, memory.ErrNotFound)
	}

	sources := append([]string{}, card.Sources...)
	sources = append(sources, newContent)
	if len(sources) > d.maxSources {
		sources = sources[:d.maxSources]
	}

	matching := 0
	for _, src := range sources {
		if d.comparer(src, newContent) {
			matching++
		}
	}

	res := &ValidationResult{
		KnowledgeID:   knowledgeID,
		TotalSources:  len(sources),
		Matching:      matching,
		DeviationRate: 1 - float64(matching)/float64(len(sources)),
	}
	switch {
	case res.DeviationRate > 0.3:
		res.Verdict = VerdictDeviation
	case res.DeviationRate > 0.15:
		res.Verdict = VerdictWarning
	default:
		res.Verdict = VerdictConsistent
	}
	return res, nil
}

// PeriodicCheck scans all cards and synthesizes deviation records:
// medium severity for outdated cards, low severity for cards with
// mastery below 6. Repeated calls can produce duplicate records for
// the same card; there is no dedup against active records.
func (d *DeviationCorrection) PeriodicCheck(ctx context.Context) ([]*DeviationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var created []*DeviationRecord
	now := d.now()

	add := func(card *memory.KnowledgeCard, typ DeviationType, sev Severity, desc string) {
		rec := &DeviationRecord{
			ID:          uuid.New().String(),
			KnowledgeID: card.ID,
			Type:        typ,
			Severity:    sev,
			Description: desc,
			DetectedAt:  now,
			Status:      StatusDetected,
		}
		d.records[rec.ID] = rec
		created = append(created, cloneRecord(rec))
	}

	d.mu.Lock()
	for _, card := range d.semantic.All() {
		if card.Timeliness == memory.TimelinessOutdated {
			add(card, DeviationTimeliness, SeverityMedium,
				fmt.Sprintf("card %q is marked outdated", card.Title))
		}
		if card.MasteryScore < 6 {
			add(card, DeviationAccuracy, SeverityLow,
				fmt.Sprintf("card %q has low mastery (%.1f)", card.Title, card.MasteryScore))
		}
	}
	d.mu.Unlock()

	if len(created) > 0 {
		d.logger.Info("periodic deviation check", zap.Int("created", len(created)))
	}
	return created, nil
}

// Verify moves a detected record into the verifying state.
func (d *DeviationCorrection) Verify(id string) error {
	return d.transition(id, StatusVerifying, StatusDetected)
}

// Correct terminates a verifying record as corrected.
func (d *DeviationCorrection) Correct(id string) error {
	return d.transition(id, StatusCorrected, StatusVerifying)
}

// Dismiss terminates a record from either non-terminal state.
func (d *DeviationCorrection) Dismiss(id string) error {
	return d.transition(id, StatusDismissed, StatusDetected, StatusVerifying)
}

func (d *DeviationCorrection) transition(id string, to DeviationStatus, from ...DeviationStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	for _, f := range from {
		if rec.Status == f {
			rec.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move %s record %s to %s",
		memory.ErrInvalidInput, rec.Status, id, to)
}

// Get returns a record by id.
func (d *DeviationCorrection) Get(id string) (*DeviationRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Active returns all records not yet in a terminal state.
func (d *DeviationCorrection) Active() []*DeviationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*DeviationRecord
	for _, rec := range d.records {
		if rec.Status == StatusDetected || rec.Status == StatusVerifying {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func cloneRecord(r *DeviationRecord) *DeviationRecord {
	cp := *r
	cp.Sources = append([]string(nil), r.Sources...)
	return &cp
}
