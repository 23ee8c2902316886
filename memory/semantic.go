package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KnowledgeCard is a versioned record of a learned fact or topic.
// RelatedKnowledge holds back-references by id, never live objects, so
// serialization stays acyclic.
type KnowledgeCard struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Domain           string         `json:"domain"`
	Keywords         []string       `json:"keywords,omitempty"`
	CoreContent      string         `json:"core_content"`
	Sources          []string       `json:"sources,omitempty"`
	CreateTime       time.Time      `json:"create_time"`
	UpdateTime       time.Time      `json:"update_time"`
	MasteryScore     float64        `json:"mastery_score"`
	Timeliness       Timeliness     `json:"timeliness"`
	RelatedKnowledge []string       `json:"related_knowledge,omitempty"`
	Version          int            `json:"version"`
	PreviousVersions []int          `json:"previous_versions,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (c *KnowledgeCard) clone() *KnowledgeCard {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.Sources = append([]string(nil), c.Sources...)
	cp.RelatedKnowledge = append([]string(nil), c.RelatedKnowledge...)
	cp.PreviousVersions = append([]int(nil), c.PreviousVersions...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// UsageCount reads the usage counter from card metadata.
func (c *KnowledgeCard) UsageCount() int {
	if c.Metadata == nil {
		return 0
	}
	switch v := c.Metadata["usage_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SemanticConfig configures a SemanticMemory.
type SemanticConfig struct {
	// Dir holds index.json and the versions/ snapshot directory.
	Dir string

	// MaxVersions caps the previous_versions history per card.
	// Default 5.
	MaxVersions int

	// DisableVersioning skips per-version snapshot files. The live
	// index is still persisted.
	DisableVersioning bool

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSemanticConfig returns sensible defaults rooted at dir.
func DefaultSemanticConfig(dir string) SemanticConfig {
	return SemanticConfig{Dir: dir, MaxVersions: 5}
}

// SemanticMemory is a versioned knowledge card store. The live index is
// an in-memory map loaded from index.json at construction; every store
// rewrites the full index (not incremental) and, when versioning is
// enabled, writes a dedicated snapshot file for the new version so old
// versions stay retrievable even after the live card is overwritten or
// deleted.
type SemanticMemory struct {
	dir         string
	versionsDir string
	maxVersions int
	versioning  bool
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.RWMutex
	cards map[string]*KnowledgeCard
}

// NewSemanticMemory opens (and if needed creates) the semantic store.
// A corrupt index is skipped with a warning and the store starts empty.
func NewSemanticMemory(config SemanticConfig, logger *zap.Logger) (*SemanticMemory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("semantic memory: %w: dir is required", ErrInvalidInput)
	}
	if config.MaxVersions <= 0 {
		config.MaxVersions = 5
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if _, err := ensureDir(config.Dir); err != nil {
		return nil, fmt.Errorf("create semantic dir: %w", err)
	}
	versionsDir, err := ensureDir(config.Dir, "versions")
	if err != nil {
		return nil, fmt.Errorf("create semantic versions dir: %w", err)
	}

	m := &SemanticMemory{
		dir:         config.Dir,
		versionsDir: versionsDir,
		maxVersions: config.MaxVersions,
		versioning:  !config.DisableVersioning,
		now:         config.Now,
		logger:      logger.With(zap.String("component", "semantic_memory")),
		cards:       make(map[string]*KnowledgeCard),
	}
	m.loadIndex()
	return m, nil
}

func (m *SemanticMemory) indexPath() string {
	return filepath.Join(m.dir, "index.json")
}

func (m *SemanticMemory) loadIndex() {
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		m.logger.Warn("reading semantic index failed", zap.Error(err))
		return
	}
	var cards map[string]*KnowledgeCard
	if err := json.Unmarshal(data, &cards); err != nil {
		m.logger.Warn("skipping corrupt semantic index", zap.Error(err))
		return
	}
	if cards != nil {
		m.cards = cards
	}
}

func (m *SemanticMemory) writeIndexLocked() error {
	data, err := json.MarshalIndent(m.cards, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.indexPath(), data)
}

func (m *SemanticMemory) versionPath(id string, version int) string {
	return filepath.Join(m.versionsDir, fmt.Sprintf("%s_v%d.json", sanitizeFileName(id), version))
}

func (m *SemanticMemory) writeSnapshotLocked(card *KnowledgeCard) error {
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.versionPath(card.ID, card.Version), data)
}

// Store upserts a card. For a new id the card gets version 1 and
// create_time = update_time = now. For an existing id this is an
// update: create_time is preserved, version increments and the prior
// version number is appended to previous_versions, trimmed to the most
// recent MaxVersions entries.
func (m *SemanticMemory) Store(ctx context.Context, card *KnowledgeCard) (*KnowledgeCard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ErrInvalidInput
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.Timeliness == "" {
		card.Timeliness = TimelinessValid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := card.clone()

	if existing, ok := m.cards[card.ID]; ok {
		stored.CreateTime = existing.CreateTime
		stored.Version = existing.Version + 1
		stored.PreviousVersions = append(append([]int(nil), existing.PreviousVersions...), existing.Version)
		if len(stored.PreviousVersions) > m.maxVersions {
			stored.PreviousVersions = stored.PreviousVersions[len(stored.PreviousVersions)-m.maxVersions:]
		}
	} else {
		stored.CreateTime = now
		stored.Version = 1
		stored.PreviousVersions = nil
	}
	stored.UpdateTime = now

	m.cards[stored.ID] = stored

	if err := m.writeIndexLocked(); err != nil {
		return nil, fmt.Errorf("write semantic index: %w", err)
	}
	if m.versioning {
		if err := m.writeSnapshotLocked(stored); err != nil {
			return nil, fmt.Errorf("write version snapshot: %w", err)
		}
	}

	m.logger.Debug("knowledge card stored",
		zap.String("id", stored.ID),
		zap.String("domain", stored.Domain),
		zap.Int("version", stored.Version))
	return stored.clone(), nil
}

// Update loads the live card, applies mutate and stores the result as a
// new version. Callers use this for field patches such as mastery
// deltas; every update increments the version by exactly one.
func (m *SemanticMemory) Update(ctx context.Context, id string, mutate func(*KnowledgeCard)) (*KnowledgeCard, error) {
	m.mu.RLock()
	existing, ok := m.cards[id]
	var work *KnowledgeCard
	if ok {
		work = existing.clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	mutate(work)
	work.ID = id // mutate must not re-key the card
	return m.Store(ctx, work)
}

// Get returns the live card from the in-memory cache. It never re-reads
// disk.
func (m *SemanticMemory) Get(id string) (*KnowledgeCard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[id]
	if !ok {
		return nil, false
	}
	return card.clone(), true
}

// GetVersion reads a version snapshot file directly, bypassing the
// cache. Snapshots survive Delete, forming an audit trail.
func (m *SemanticMemory) GetVersion(id string, version int) (*KnowledgeCard, error) {
	data, err := os.ReadFile(m.versionPath(id, version))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read version snapshot: %w", err)
	}
	var card KnowledgeCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("corrupt version snapshot: %w", err)
	}
	return &card, nil
}

// Delete removes the live index entry only; version snapshots persist.
func (m *SemanticMemory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cards[id]; !ok {
		return ErrNotFound
	}
	delete(m.cards, id)
	return m.writeIndexLocked()
}

// All returns copies of every live card.
func (m *SemanticMemory) All() []*KnowledgeCard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KnowledgeCard, 0, len(m.cards))
	for _, c := range m.cards {
		out = append(out, c.clone())
	}
	return out
}

// Count returns the number of live cards.
func (m *SemanticMemory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cards)
}

// SearchByKeyword scans keywords, title and content case-insensitively.
func (m *SemanticMemory) SearchByKeyword(query string) []*KnowledgeCard {
	needle := strings.ToLower(query)
	if needle == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*KnowledgeCard
	for _, c := range m.cards {
		if cardMatchesKeyword(c, needle) {
			results = append(results, c.clone())
		}
	}
	return results
}

func cardMatchesKeyword(c *KnowledgeCard, needle string) bool {
	for _, kw := range c.Keywords {
		if strings.Contains(strings.ToLower(kw), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(c.Title), needle) ||
		strings.Contains(strings.ToLower(c.CoreContent), needle)
}

// SearchByDomain returns all live cards in a domain.
func (m *SemanticMemory) SearchByDomain(domain string) []*KnowledgeCard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*KnowledgeCard
	for _, c := range m.cards {
		if c.Domain == domain {
			results = append(results, c.clone())
		}
	}
	return results
}

// GetOutdated returns all cards flagged outdated.
func (m *SemanticMemory) GetOutdated() []*KnowledgeCard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*KnowledgeCard
	for _, c := range m.cards {
		if c.Timeliness == TimelinessOutdated {
			results = append(results, c.clone())
		}
	}
	return results
}

// GetLowMastery returns all cards with mastery below threshold.
func (m *SemanticMemory) GetLowMastery(threshold float64) []*KnowledgeCard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*KnowledgeCard
	for _, c := range m.cards {
		if c.MasteryScore < threshold {
			results = append(results, c.clone())
		}
	}
	return results
}

// RetentionWeight scores pruning eligibility: half the mastery score
// plus a timeliness bonus (0.2 latest, 0.1 valid, 0 outdated) plus a
// usage bonus capped at 0.3.
func RetentionWeight(card *KnowledgeCard) float64 {
	weight := 0.5 * card.MasteryScore
	switch card.Timeliness {
	case TimelinessLatest:
		weight += 0.2
	case TimelinessValid:
		weight += 0.1
	}
	weight += math.Min(0.3, 0.01*float64(card.UsageCount()))
	return weight
}

// Prune deletes every card whose retention weight is below threshold,
// except cards with mastery >= 8 outside the "general" domain, which
// are always retained. That exception is the only hard floor against
// losing high-value knowledge. Returns the pruned card ids.
func (m *SemanticMemory) Prune(ctx context.Context, threshold float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for id, c := range m.cards {
		if c.MasteryScore >= 8 && c.Domain != "general" {
			continue
		}
		if RetentionWeight(c) < threshold {
			delete(m.cards, id)
			pruned = append(pruned, id)
		}
	}

	if len(pruned) > 0 {
		if err := m.writeIndexLocked(); err != nil {
			return pruned, fmt.Errorf("write semantic index: %w", err)
		}
		m.logger.Info("semantic memory pruned",
			zap.Int("pruned", len(pruned)),
			zap.Float64("threshold", threshold))
	}
	return pruned, nil
}
