package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StrategyType classifies a learning strategy by the shape of its
// content.
type StrategyType string

const (
	StrategyAPI        StrategyType = "api"
	StrategyBrowser    StrategyType = "browser"
	StrategyExtraction StrategyType = "extraction"
	StrategyEvaluation StrategyType = "evaluation"
)

// LearningStrategy is a stored, success-rate-tracked procedure or
// parameter template. At most one live strategy exists per name.
type LearningStrategy struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        StrategyType   `json:"type"`
	Content     map[string]any `json:"content"`
	SuccessRate float64        `json:"success_rate"`
	UsageCount  int            `json:"usage_count"`
	LastUsed    time.Time      `json:"last_used,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Tags        []string       `json:"tags,omitempty"`
	IsOptimal   bool           `json:"is_optimal"`
}

func (s *LearningStrategy) clone() *LearningStrategy {
	cp := *s
	cp.Tags = append([]string(nil), s.Tags...)
	if s.Content != nil {
		cp.Content = make(map[string]any, len(s.Content))
		for k, v := range s.Content {
			cp.Content[k] = v
		}
	}
	return &cp
}

// BrowserTemplate is a stored per-site browsing recipe, looked up by
// exact site name or by first URL pattern match.
type BrowserTemplate struct {
	ID              string           `json:"id"`
	SiteName        string           `json:"site_name"`
	URLPatterns     []string         `json:"url_patterns,omitempty"`
	Actions         []map[string]any `json:"actions,omitempty"`
	AntiCrawlConfig map[string]any   `json:"anti_crawl_config,omitempty"`
	ExtractionRules map[string]any   `json:"extraction_rules,omitempty"`
	SuccessRate     float64          `json:"success_rate"`
	UsageCount      int              `json:"usage_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ProgramConfig configures a ProgramMemory.
type ProgramConfig struct {
	// Dir holds the strategies/ and browser-templates/ subdirectories.
	Dir string

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DefaultProgramConfig returns sensible defaults rooted at dir.
func DefaultProgramConfig(dir string) ProgramConfig {
	return ProgramConfig{Dir: dir}
}

// ProgramMemory stores learning strategies keyed by name and browser
// templates keyed by site. Each entity persists to its own JSON file.
type ProgramMemory struct {
	strategiesDir string
	templatesDir  string
	now           func() time.Time
	logger        *zap.Logger

	mu         sync.RWMutex
	strategies map[string]*LearningStrategy // by id
	byName     map[string]string            // name -> id
	templates  map[string]*BrowserTemplate  // by id
	bySite     map[string]string            // site name -> id
	tmplOrder  []string                     // template ids in storage order
}

// NewProgramMemory opens (and if needed creates) the program store and
// loads all strategies and templates. Corrupt files are skipped with a
// warning.
func NewProgramMemory(config ProgramConfig, logger *zap.Logger) (*ProgramMemory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("program memory: %w: dir is required", ErrInvalidInput)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	strategiesDir, err := ensureDir(config.Dir, "strategies")
	if err != nil {
		return nil, fmt.Errorf("create strategies dir: %w", err)
	}
	templatesDir, err := ensureDir(config.Dir, "browser-templates")
	if err != nil {
		return nil, fmt.Errorf("create browser templates dir: %w", err)
	}

	m := &ProgramMemory{
		strategiesDir: strategiesDir,
		templatesDir:  templatesDir,
		now:           config.Now,
		logger:        logger.With(zap.String("component", "program_memory")),
		strategies:    make(map[string]*LearningStrategy),
		byName:        make(map[string]string),
		templates:     make(map[string]*BrowserTemplate),
		bySite:        make(map[string]string),
	}
	m.loadAll()
	return m, nil
}

func (m *ProgramMemory) loadAll() {
	for _, path := range sortedJSONFiles(m.strategiesDir) {
		var s LearningStrategy
		if err := readJSONFile(path, &s); err != nil {
			m.logger.Warn("skipping corrupt strategy file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		m.strategies[s.ID] = &s
		m.byName[s.Name] = s.ID
	}
	for _, path := range sortedJSONFiles(m.templatesDir) {
		var t BrowserTemplate
		if err := readJSONFile(path, &t); err != nil {
			m.logger.Warn("skipping corrupt browser template file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		m.templates[t.ID] = &t
		m.bySite[t.SiteName] = t.ID
		m.tmplOrder = append(m.tmplOrder, t.ID)
	}
	m.logger.Debug("program memory loaded",
		zap.Int("strategies", len(m.strategies)),
		zap.Int("templates", len(m.templates)))
}

func sortedJSONFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *ProgramMemory) strategyPath(id string) string {
	return filepath.Join(m.strategiesDir, sanitizeFileName(id)+".json")
}

func (m *ProgramMemory) templatePath(id string) string {
	return filepath.Join(m.templatesDir, sanitizeFileName(id)+".json")
}

func (m *ProgramMemory) saveStrategyLocked(s *LearningStrategy) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.strategyPath(s.ID), data)
}

func (m *ProgramMemory) saveTemplateLocked(t *BrowserTemplate) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.templatePath(t.ID), data)
}

// InferStrategyType derives a strategy type from content shape. The
// inference is best effort; ambiguous content defaults to evaluation.
func InferStrategyType(content map[string]any) StrategyType {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := content[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("apiParams", "endpoint"):
		return StrategyAPI
	case has("actions", "urlPatterns"):
		return StrategyBrowser
	case has("extractionRule", "pattern"):
		return StrategyExtraction
	default:
		return StrategyEvaluation
	}
}

// deriveTags builds strategy tags from the content shape: the inferred
// type plus the sorted top-level content keys.
func deriveTags(typ StrategyType, content map[string]any) []string {
	tags := []string{string(typ)}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return append(tags, keys...)
}

// StoreStrategy creates or updates a strategy by name. An existing name
// keeps its id and usage metadata; only content, type, tags and the
// update timestamp change.
func (m *ProgramMemory) StoreStrategy(ctx context.Context, name string, content map[string]any) (*LearningStrategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	typ := InferStrategyType(content)

	var s *LearningStrategy
	if id, ok := m.byName[name]; ok {
		s = m.strategies[id]
		s.Content = content
		s.Type = typ
		s.Tags = deriveTags(typ, content)
		s.UpdatedAt = now
	} else {
		s = &LearningStrategy{
			ID:        uuid.New().String(),
			Name:      name,
			Type:      typ,
			Content:   content,
			Tags:      deriveTags(typ, content),
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.strategies[s.ID] = s
		m.byName[name] = s.ID
	}

	if err := m.saveStrategyLocked(s); err != nil {
		return nil, fmt.Errorf("save strategy: %w", err)
	}

	m.logger.Debug("strategy stored",
		zap.String("name", name), zap.String("type", string(typ)))
	return s.clone(), nil
}

// GetStrategy returns a strategy by name.
func (m *ProgramMemory) GetStrategy(name string) (*LearningStrategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.strategies[id].clone(), true
}

// Strategies returns copies of all stored strategies.
func (m *ProgramMemory) Strategies() []*LearningStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*LearningStrategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, s.clone())
	}
	return out
}

// UpdateStrategyEffect folds one success/failure observation into the
// strategy's running weighted success rate. Unknown names are a silent
// no-op; callers must pre-create via StoreStrategy to get tracking.
func (m *ProgramMemory) UpdateStrategyEffect(ctx context.Context, name string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return nil
	}
	s := m.strategies[id]

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n := float64(s.UsageCount)
	s.SuccessRate = (s.SuccessRate*n + outcome) / (n + 1)
	s.UsageCount++
	s.LastUsed = m.now()
	s.UpdatedAt = s.LastUsed

	return m.saveStrategyLocked(s)
}

// MarkOptimal flags the named strategy as optimal for its type,
// clearing the flag on every other strategy sharing that type so at
// most one strategy per type carries it.
func (m *ProgramMemory) MarkOptimal(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return ErrNotFound
	}
	target := m.strategies[id]

	for _, s := range m.strategies {
		if s.ID != target.ID && s.Type == target.Type && s.IsOptimal {
			s.IsOptimal = false
			if err := m.saveStrategyLocked(s); err != nil {
				return fmt.Errorf("save strategy: %w", err)
			}
		}
	}
	target.IsOptimal = true
	target.UpdatedAt = m.now()
	return m.saveStrategyLocked(target)
}

// GetOptimalStrategy returns the best strategy, optionally filtered by
// type, ordered by (optimal flag, success rate, usage count). Returns
// nil when no strategy matches.
func (m *ProgramMemory) GetOptimalStrategy(typ StrategyType) *LearningStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*LearningStrategy
	for _, s := range m.strategies {
		if typ != "" && s.Type != typ {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsOptimal != b.IsOptimal {
			return a.IsOptimal
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.UsageCount > b.UsageCount
	})
	return candidates[0].clone()
}

// IterationResult reports the outcome of one promotion sweep.
type IterationResult struct {
	Promoted []string `json:"promoted,omitempty"`
	Demoted  []string `json:"demoted,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// IterateStrategies runs the periodic promotion sweep: per type, the
// top ceil(20%) by success rate (minimum one) become optimal provided
// their rate exceeds 0.3, everyone else previously optimal is demoted,
// and strategies with a rate below 0.1 after more than 10 uses are
// permanently removed, file included. On a stable input set a second
// run reports empty promoted/demoted sets.
func (m *ProgramMemory) IterateStrategies(ctx context.Context) (IterationResult, error) {
	var res IterationResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Removal first so doomed strategies never count toward group size.
	for id, s := range m.strategies {
		if s.SuccessRate < 0.1 && s.UsageCount > 10 {
			delete(m.strategies, id)
			delete(m.byName, s.Name)
			if err := os.Remove(m.strategyPath(id)); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("removing strategy file failed",
					zap.String("id", id), zap.Error(err))
			}
			res.Removed = append(res.Removed, s.Name)
		}
	}

	groups := make(map[StrategyType][]*LearningStrategy)
	for _, s := range m.strategies {
		groups[s.Type] = append(groups[s.Type], s)
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].SuccessRate > group[j].SuccessRate
		})

		top := int(math.Ceil(0.2 * float64(len(group))))
		if top < 1 {
			top = 1
		}

		for i, s := range group {
			promote := i < top && s.SuccessRate > 0.3
			switch {
			case promote && !s.IsOptimal:
				s.IsOptimal = true
				s.UpdatedAt = m.now()
				if err := m.saveStrategyLocked(s); err != nil {
					return res, fmt.Errorf("save strategy: %w", err)
				}
				res.Promoted = append(res.Promoted, s.Name)
			case !promote && s.IsOptimal:
				s.IsOptimal = false
				s.UpdatedAt = m.now()
				if err := m.saveStrategyLocked(s); err != nil {
					return res, fmt.Errorf("save strategy: %w", err)
				}
				res.Demoted = append(res.Demoted, s.Name)
			}
		}
	}

	sort.Strings(res.Promoted)
	sort.Strings(res.Demoted)
	sort.Strings(res.Removed)

	if len(res.Promoted)+len(res.Demoted)+len(res.Removed) > 0 {
		m.logger.Info("strategy iteration completed",
			zap.Strings("promoted", res.Promoted),
			zap.Strings("demoted", res.Demoted),
			zap.Strings("removed", res.Removed))
	}
	return res, nil
}

// StoreBrowserTemplate creates or updates a template by site name.
func (m *ProgramMemory) StoreBrowserTemplate(ctx context.Context, tmpl *BrowserTemplate) (*BrowserTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tmpl == nil || tmpl.SiteName == "" {
		return nil, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id, ok := m.bySite[tmpl.SiteName]; ok {
		existing := m.templates[id]
		tmpl.ID = id
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UsageCount = existing.UsageCount
	} else {
		if tmpl.ID == "" {
			tmpl.ID = uuid.New().String()
		}
		tmpl.CreatedAt = now
		m.tmplOrder = append(m.tmplOrder, tmpl.ID)
	}
	tmpl.UpdatedAt = now

	stored := *tmpl
	m.templates[stored.ID] = &stored
	m.bySite[stored.SiteName] = stored.ID

	if err := m.saveTemplateLocked(&stored); err != nil {
		return nil, fmt.Errorf("save browser template: %w", err)
	}
	out := stored
	return &out, nil
}

// GetBrowserTemplate returns a template by exact site name.
func (m *ProgramMemory) GetBrowserTemplate(site string) (*BrowserTemplate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySite[site]
	if !ok {
		return nil, false
	}
	t := *m.templates[id]
	return &t, true
}

// MatchTemplate scans templates in storage order and returns the first
// whose URL patterns match, '*' matching any run of characters. Pattern
// order is significant and not normalized.
func (m *ProgramMemory) MatchTemplate(url string) (*BrowserTemplate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.tmplOrder {
		t, ok := m.templates[id]
		if !ok {
			continue
		}
		for _, pattern := range t.URLPatterns {
			if matchWildcard(pattern, url) {
				cp := *t
				return &cp, true
			}
		}
	}
	return nil, false
}

// UpdateTemplateEffect folds one success/failure observation into a
// template's running success rate. Unknown sites are a silent no-op.
func (m *ProgramMemory) UpdateTemplateEffect(ctx context.Context, site string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySite[site]
	if !ok {
		return nil
	}
	t := m.templates[id]

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n := float64(t.UsageCount)
	t.SuccessRate = (t.SuccessRate*n + outcome) / (n + 1)
	t.UsageCount++
	t.UpdatedAt = m.now()

	return m.saveTemplateLocked(t)
}
