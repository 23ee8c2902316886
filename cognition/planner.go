package cognition

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/axonmind/cortex/memory"
)

// Depth is how deep a learning demand wants to go.
type Depth string

const (
	DepthBasic     Depth = "basic"
	DepthAdvanced  Depth = "advanced"
	DepthPractical Depth = "practical"
)

// LearningDemand is the upstream request a path is planned for.
type LearningDemand struct {
	ID            string  `json:"id"`
	Topic         string  `json:"topic"`
	Depth         Depth   `json:"depth"`
	TargetMastery float64 `json:"target_mastery"`
}

// StepPriority orders execution and selects failure handling.
type StepPriority string

const (
	PriorityHigh   StepPriority = "high"
	PriorityMedium StepPriority = "medium"
	PriorityLow    StepPriority = "low"
)

func priorityRank(p StepPriority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Step types.
const (
	StepBrewAPIBasic   = "brewapi_basic"
	StepBrowserDocs    = "browser_documentation"
	StepBrowserPractic = "browser_practical"
	StepValidation     = "validation"
)

// StepStatus is a step's execution outcome.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// PathStep is one unit of a learning path.
type PathStep struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Description   string       `json:"description"`
	Priority      StepPriority `json:"priority"`
	TargetMastery float64      `json:"target_mastery"`
	Status        StepStatus   `json:"status"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// LearningPath is the planned, priority-ordered step list for one
// demand.
type LearningPath struct {
	DemandID  string      `json:"demand_id"`
	Topic     string      `json:"topic"`
	Depth     Depth       `json:"depth"`
	Steps     []*PathStep `json:"steps"`
	CreatedAt time.Time   `json:"created_at"`
}

// PathStatus is the overall outcome of executing a path.
type PathStatus string

const (
	PathCompleted PathStatus = "completed"
	PathPartial   PathStatus = "partial"
	PathFailed    PathStatus = "failed"
)

// PathExecutionResult reports one ExecutePath run. Callers inspect
// Status and Error rather than a returned error for expected failure
// modes.
type PathExecutionResult struct {
	DemandID    string     `json:"demand_id"`
	Status      PathStatus `json:"status"`
	Completed   int        `json:"completed"`
	Skipped     int        `json:"skipped"`
	KnowledgeID string     `json:"knowledge_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Fetcher retrieves external content for learning steps. Failures mean
// "skip this source", never abort.
type Fetcher interface {
	FetchPage(ctx context.Context, pageURL string) (string, error)
	SearchURL(source, topic string) string
}

// Completer synthesizes gathered content into a summary. On error the
// planner falls back to raw concatenation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPFetcher is the default Fetcher: a rate-limited HTTP client with
// a per-request timeout.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	sources map[string]string
}

// NewHTTPFetcher builds an HTTPFetcher. ratePerSec bounds outbound
// requests; timeout bounds each fetch.
func NewHTTPFetcher(timeout time.Duration, ratePerSec float64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		sources: map[string]string{
			"brewapi":       "https://api.brewsearch.io/v1/lookup?q=",
			"documentation": "https://docs.search.example/query?text=",
			"practical":     "https://howto.search.example/find?topic=",
		},
	}
}

// SearchURL builds the query URL for a named source.
func (f *HTTPFetcher) SearchURL(source, topic string) string {
	base, ok := f.sources[source]
	if !ok {
		return ""
	}
	return base + url.QueryEscape(topic)
}

// FetchPage retrieves a page body, waiting for rate-limiter headroom
// first.
func (f *HTTPFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PlannerConfig configures a PathPlanner.
type PlannerConfig struct {
	// Fetcher retrieves step content. Required for non-validation
	// steps to succeed.
	Fetcher Fetcher

	// Completer synthesizes the final card content. Optional; nil
	// means raw concatenation.
	Completer Completer

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// PathPlanner turns learning demands into ordered step lists, executes
// them, and stores the outcome as a new knowledge card.
type PathPlanner struct {
	semantic *memory.SemanticMemory
	program  *memory.ProgramMemory
	working  *memory.WorkingMemory

	fetcher   Fetcher
	completer Completer
	now       func() time.Time
	logger    *zap.Logger
}

// NewPathPlanner builds a PathPlanner over the given stores.
func NewPathPlanner(semantic *memory.SemanticMemory, program *memory.ProgramMemory, working *memory.WorkingMemory, config PlannerConfig, logger *zap.Logger) *PathPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &PathPlanner{
		semantic:  semantic,
		program:   program,
		working:   working,
		fetcher:   config.Fetcher,
		completer: config.Completer,
		now:       config.Now,
		logger:    logger.With(zap.String("component", "path_planner")),
	}
}

// GeneratePath builds the step list for a demand. Step target mastery
// is a fixed fraction of the demand's target; fractions are not
// normalized. The final order is priority-determined: steps are
// stable-sorted high before medium before low, which can move the
// validation step ahead of later-appended low-priority work.
func (p *PathPlanner) GeneratePath(demand LearningDemand) *LearningPath {
	var steps []*PathStep
	add := func(typ, desc string, priority StepPriority, fraction float64) {
		steps = append(steps, &PathStep{
			ID:            uuid.New().String(),
			Type:          typ,
			Description:   desc,
			Priority:      priority,
			TargetMastery: demand.TargetMastery * fraction,
			Status:        StepPending,
		})
	}

	if demand.Depth == DepthBasic || demand.Depth == DepthAdvanced {
		add(StepBrewAPIBasic, "gather baseline facts via search API", PriorityHigh, 0.3)
	}
	if demand.Depth == DepthAdvanced || demand.Depth == DepthPractical {
		add(StepBrowserDocs, "read primary documentation", PriorityMedium, 0.4)
	}
	if demand.Depth == DepthPractical {
		add(StepBrowserPractic, "collect worked examples", PriorityMedium, 0.2)
	}
	add(StepValidation, "validate gathered content", PriorityLow, 0)

	sort.SliceStable(steps, func(i, j int) bool {
		return priorityRank(steps[i].Priority) < priorityRank(steps[j].Priority)
	})

	return &LearningPath{
		DemandID:  demand.ID,
		Topic:     demand.Topic,
		Depth:     demand.Depth,
		Steps:     steps,
		CreatedAt: p.now(),
	}
}

// ExecutePath runs a path's steps sequentially. A failed high-priority
// step gets one browser_documentation fallback attempt; if that also
// fails the whole path fails and execution stops. Failed low or medium
// priority steps are skipped. On any completion, results are folded
// into a new knowledge card.
func (p *PathPlanner) ExecutePath(ctx context.Context, path *LearningPath) *PathExecutionResult {
	res := &PathExecutionResult{DemandID: path.DemandID, Status: PathCompleted}

	p.working.CreateLearningProgress(path.DemandID, len(path.Steps))
	p.working.UpdateLearningProgress(path.DemandID, memory.LearningInProgress)

	for _, step := range path.Steps {
		content, err := p.executeStep(ctx, path, step)
		if err == nil {
			step.Status = StepCompleted
			step.Result = content
			res.Completed++
			p.working.CompleteStep(path.DemandID, map[string]any{
				"step_type": step.Type,
				"bytes":     len(content),
			})
			continue
		}

		step.Error = err.Error()
		p.logger.Warn("step failed",
			zap.String("demand_id", path.DemandID),
			zap.String("step_type", step.Type),
			zap.Error(err))

		if step.Priority != PriorityHigh {
			step.Status = StepSkipped
			res.Skipped++
			continue
		}

		// One documentation fallback for a failed high-priority step.
		fallback := &PathStep{
			ID:          uuid.New().String(),
			Type:        StepBrowserDocs,
			Description: "fallback documentation read",
			Priority:    PriorityMedium,
			Status:      StepPending,
		}
		content, fbErr := p.executeStep(ctx, path, fallback)
		if fbErr != nil {
			step.Status = StepFailed
			res.Status = PathFailed
			res.Error = fmt.Sprintf("%s failed (%v), fallback failed (%v)", step.Type, err, fbErr)
			p.working.FailLearning(path.DemandID, res.Error)
			return res
		}
		step.Status = StepCompleted
		step.Result = content
		res.Completed++
		p.working.CompleteStep(path.DemandID, map[string]any{
			"step_type": step.Type,
			"fallback":  true,
		})
	}

	if res.Skipped > 0 {
		res.Status = PathPartial
	}

	card, err := p.createKnowledgeCard(ctx, path)
	if err != nil {
		p.logger.Warn("storing learned card failed", zap.Error(err))
	} else if card != nil {
		res.KnowledgeID = card.ID
	}

	p.working.UpdateLearningProgress(path.DemandID, memory.LearningCompleted)
	return res
}

func (p *PathPlanner) executeStep(ctx context.Context, path *LearningPath, step *PathStep) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch step.Type {
	case StepValidation:
		for _, s := range path.Steps {
			if s.Status == StepCompleted && s.Result != "" {
				return fmt.Sprintf("validated %d gathered result(s)", completedCount(path)), nil
			}
		}
		return "", fmt.Errorf("validation: no content gathered")
	case StepBrewAPIBasic, StepBrowserDocs, StepBrowserPractic:
		if p.fetcher == nil {
			return "", fmt.Errorf("%s: no fetcher configured", step.Type)
		}
		source := map[string]string{
			StepBrewAPIBasic:   "brewapi",
			StepBrowserDocs:    "documentation",
			StepBrowserPractic: "practical",
		}[step.Type]
		pageURL := p.fetcher.SearchURL(source, path.Topic)
		if pageURL == "" {
			return "", fmt.Errorf("%s: no search url for source %s", step.Type, source)
		}
		// A stored browser template for the target site refines the
		// fetch and gets its success rate updated either way.
		tmpl, matched := p.program.MatchTemplate(pageURL)
		content, err := p.fetcher.FetchPage(ctx, pageURL)
		if matched {
			if uerr := p.program.UpdateTemplateEffect(ctx, tmpl.SiteName, err == nil); uerr != nil {
				p.logger.Warn("updating template effect failed", zap.Error(uerr))
			}
		}
		if err != nil {
			return "", err
		}
		return content, nil
	default:
		return "", fmt.Errorf("unknown step type %q", step.Type)
	}
}

func completedCount(path *LearningPath) int {
	n := 0
	for _, s := range path.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// createKnowledgeCard folds completed step results into a new card:
// synthesized by the completer when available, raw concatenation
// otherwise. New cards start at mastery 6, timeliness latest.
func (p *PathPlanner) createKnowledgeCard(ctx context.Context, path *LearningPath) (*memory.KnowledgeCard, error) {
	var parts []string
	var sources []string
	for _, s := range path.Steps {
		if s.Status == StepCompleted && s.Result != "" && s.Type != StepValidation {
			parts = append(parts, s.Result)
			sources = append(sources, s.Type)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}

	content := strings.Join(parts, "\n\n")
	if p.completer != nil {
		prompt := fmt.Sprintf("Summarize the following material about %q into a concise knowledge note:\n\n%s", path.Topic, content)
		if synthesized, err := p.completer.Complete(ctx, prompt); err == nil && strings.TrimSpace(synthesized) != "" {
			content = synthesized
		} else if err != nil {
			p.logger.Warn("synthesis failed, using raw concatenation", zap.Error(err))
		}
	}

	card, err := p.semantic.Store(ctx, &memory.KnowledgeCard{
		ID:           "learn_" + path.DemandID,
		Title:        path.Topic,
		Domain:       DeriveDomain(path.Topic),
		Keywords:     Tokenize(path.Topic),
		CoreContent:  content,
		Sources:      sources,
		MasteryScore: 6,
		Timeliness:   memory.TimelinessLatest,
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

// domainKeywords drives DeriveDomain. First membership hit wins;
// iteration follows domainOrder so the mapping is deterministic.
var (
	domainOrder    = []string{"programming", "ai", "data", "infrastructure"}
	domainKeywords = map[string][]string{
		"programming":    {"code", "programming", "golang", "python", "api", "library", "framework"},
		"ai":             {"model", "llm", "neural", "machine learning", "embedding", "agent"},
		"data":           {"database", "sql", "storage", "cache", "queue"},
		"infrastructure": {"docker", "kubernetes", "deploy", "network", "linux"},
	}
)

// DeriveDomain maps a topic to a domain by keyword membership,
// defaulting to "general".
func DeriveDomain(topic string) string {
	lower := strings.ToLower(topic)
	for _, domain := range domainOrder {
		for _, kw := range domainKeywords[domain] {
			if strings.Contains(lower, kw) {
				return domain
			}
		}
	}
	return "general"
}

// Tokenize splits a topic into lowercase keyword tokens, dropping
// single-character fragments.
func Tokenize(topic string) []string {
	fields := strings.FieldsFunc(strings.ToLower(topic), func(r rune) bool {
		return r == ' ' || r == ',' || r == ';' || r == '/' || r == '-' || r == '_'
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
