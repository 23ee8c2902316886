package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ItemType classifies a working memory item.
type ItemType string

const (
	ItemRawData          ItemType = "raw_data"
	ItemTempParam        ItemType = "temp_param"
	ItemUncheckedContent ItemType = "unchecked_content"
	ItemLearningProgress ItemType = "learning_progress"
)

// Item is a transient working memory entry. Items are never written to
// disk; they live only for their TTL.
type Item struct {
	ID        string         `json:"id"`
	Type      ItemType       `json:"type"`
	Content   any            `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the item is past its TTL at time now.
func (it Item) Expired(now time.Time) bool {
	return now.After(it.ExpiresAt)
}

// LearningStatus tracks the lifecycle of a learning progress entry.
type LearningStatus string

const (
	LearningPending    LearningStatus = "pending"
	LearningInProgress LearningStatus = "in_progress"
	LearningValidating LearningStatus = "validating"
	LearningCompleted  LearningStatus = "completed"
	LearningFailed     LearningStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s LearningStatus) Terminal() bool {
	return s == LearningCompleted || s == LearningFailed
}

// LearningProgress tracks a multi-step learning path keyed by demand id.
type LearningProgress struct {
	DemandID    string         `json:"demand_id"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Status      LearningStatus `json:"status"`
	Data        map[int]any    `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Backend stores working memory items. The default is an in-process
// map; a Redis backend is available for multi-instance gateway
// deployments. Expiry is enforced by WorkingMemory regardless of
// backend; backends may additionally apply their own native TTLs.
type Backend interface {
	Put(ctx context.Context, item Item, ttl time.Duration) error
	Get(ctx context.Context, id string) (Item, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Item, error)
}

// mapBackend is the default in-process backend.
type mapBackend struct {
	mu    sync.RWMutex
	items map[string]Item
}

func newMapBackend() *mapBackend {
	return &mapBackend{items: make(map[string]Item)}
}

func (b *mapBackend) Put(ctx context.Context, item Item, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.ID] = item
	return nil
}

func (b *mapBackend) Get(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[id]
	return it, ok, nil
}

func (b *mapBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, id)
	return nil
}

func (b *mapBackend) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, it)
	}
	return out, nil
}

// WorkingMemoryConfig configures a WorkingMemory.
type WorkingMemoryConfig struct {
	// DefaultTTL applies when Store is called with ttl <= 0, and is the
	// TTL Update resets items to. Default 30 minutes.
	DefaultTTL time.Duration

	// SweepInterval is how often the background sweep runs. Default 5
	// minutes.
	SweepInterval time.Duration

	// Backend overrides the default in-process backend.
	Backend Backend

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DefaultWorkingMemoryConfig returns sensible defaults.
func DefaultWorkingMemoryConfig() WorkingMemoryConfig {
	return WorkingMemoryConfig{
		DefaultTTL:    30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// WorkingMemory is the short-lived keyed store with per-item TTL plus a
// parallel map of named learning progress trackers. Items expire lazily
// on read and eagerly via the periodic sweep; both converge on "gone".
type WorkingMemory struct {
	backend Backend
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  *zap.Logger

	progMu   sync.RWMutex
	progress map[string]*LearningProgress

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewWorkingMemory creates a working memory store.
func NewWorkingMemory(config WorkingMemoryConfig, logger *zap.Logger) *WorkingMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 30 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if config.Backend == nil {
		config.Backend = newMapBackend()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &WorkingMemory{
		backend:  config.Backend,
		ttl:      config.DefaultTTL,
		sweep:    config.SweepInterval,
		now:      config.Now,
		logger:   logger.With(zap.String("component", "working_memory")),
		progress: make(map[string]*LearningProgress),
	}
}

// Store saves a new item and returns its id. A ttl <= 0 means the
// default TTL.
func (m *WorkingMemory) Store(ctx context.Context, typ ItemType, content any, ttl time.Duration, metadata map[string]any) (string, error) {
	if typ == "" {
		return "", ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.now()
	item := Item{
		ID:        uuid.New().String(),
		Type:      typ,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  metadata,
	}
	if err := m.backend.Put(ctx, item, ttl); err != nil {
		return "", fmt.Errorf("store working item: %w", err)
	}

	m.logger.Debug("working item stored",
		zap.String("id", item.ID),
		zap.String("type", string(typ)),
		zap.Duration("ttl", ttl))
	return item.ID, nil
}

// Get returns the item if present and unexpired. Expired items are
// evicted on read and reported as ErrNotFound.
func (m *WorkingMemory) Get(ctx context.Context, id string) (*Item, error) {
	item, ok, err := m.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if item.Expired(m.now()) {
		// Lazy expiry. This can race with the periodic sweep; both
		// converge on the item being gone.
		_ = m.backend.Delete(ctx, id)
		return nil, ErrNotFound
	}
	return &item, nil
}

// GetByType returns all unexpired items of the given type. Unlike Get,
// it has no eviction side effect.
func (m *WorkingMemory) GetByType(ctx context.Context, typ ItemType) ([]Item, error) {
	all, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Item, 0, len(all))
	for _, it := range all {
		if it.Type == typ && !it.Expired(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Update patches an item's content and metadata. The item's ExpiresAt
// is reset to now + the default TTL regardless of its original TTL, so
// callers must not rely on the original TTL surviving an update.
func (m *WorkingMemory) Update(ctx context.Context, id string, content any, metadata map[string]any) error {
	item, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	if content != nil {
		item.Content = content
	}
	for k, v := range metadata {
		if item.Metadata == nil {
			item.Metadata = make(map[string]any)
		}
		item.Metadata[k] = v
	}
	item.ExpiresAt = m.now().Add(m.ttl)

	return m.backend.Put(ctx, *item, m.ttl)
}

// Delete removes an item.
func (m *WorkingMemory) Delete(ctx context.Context, id string) error {
	return m.backend.Delete(ctx, id)
}

// Sweep removes all expired items and returns how many were evicted.
func (m *WorkingMemory) Sweep(ctx context.Context) (int, error) {
	all, err := m.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	evicted := 0
	for _, it := range all {
		if it.Expired(now) {
			if err := m.backend.Delete(ctx, it.ID); err != nil {
				return evicted, err
			}
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("working memory swept", zap.Int("evicted", evicted))
	}
	return evicted, nil
}

// Start runs the background sweep loop until Stop or ctx cancellation.
func (m *WorkingMemory) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.runMu.Unlock()

	go func() {
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil {
					m.logger.Warn("sweep failed", zap.Error(err))
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background sweep loop.
func (m *WorkingMemory) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// CreateLearningProgress registers a new progress tracker for a demand.
func (m *WorkingMemory) CreateLearningProgress(demandID string, totalSteps int) *LearningProgress {
	m.progMu.Lock()
	defer m.progMu.Unlock()

	p := &LearningProgress{
		DemandID:   demandID,
		TotalSteps: totalSteps,
		Status:     LearningPending,
		Data:       make(map[int]any),
		UpdatedAt:  m.now(),
	}
	m.progress[demandID] = p
	return p
}

// GetLearningProgress returns the tracker for a demand, if any.
func (m *WorkingMemory) GetLearningProgress(demandID string) (*LearningProgress, bool) {
	m.progMu.RLock()
	defer m.progMu.RUnlock()
	p, ok := m.progress[demandID]
	return p, ok
}

// UpdateLearningProgress sets the status of a tracker.
func (m *WorkingMemory) UpdateLearningProgress(demandID string, status LearningStatus) bool {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	p, ok := m.progress[demandID]
	if !ok {
		return false
	}
	p.Status = status
	p.UpdatedAt = m.now()
	return true
}

// CompleteStep records a step result, increments the current step and
// flips the tracker to completed once all steps are done.
func (m *WorkingMemory) CompleteStep(demandID string, result any) bool {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	p, ok := m.progress[demandID]
	if !ok {
		return false
	}
	p.Data[p.CurrentStep] = result
	p.CurrentStep++
	p.Status = LearningInProgress
	if p.CurrentStep >= p.TotalSteps {
		p.Status = LearningCompleted
	}
	p.UpdatedAt = m.now()
	return true
}

// FailLearning force-sets the tracker to failed and records the error.
func (m *WorkingMemory) FailLearning(demandID, note string) bool {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	p, ok := m.progress[demandID]
	if !ok {
		return false
	}
	p.Status = LearningFailed
	p.Error = note
	p.UpdatedAt = m.now()
	return true
}

// CleanupLearningProgress removes trackers in a terminal state and
// returns how many were removed. It is not automatic; callers invoke it
// after consuming results.
func (m *WorkingMemory) CleanupLearningProgress() int {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	removed := 0
	for id, p := range m.progress {
		if p.Status.Terminal() {
			delete(m.progress, id)
			removed++
		}
	}
	return removed
}
