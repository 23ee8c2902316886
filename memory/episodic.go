package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// EpisodicEvent is a single logged experience. Events are immutable
// once logged; there is no update operation, only logging, search and
// retention-driven archival.
type EpisodicEvent struct {
	ID               string         `json:"id"`
	EventType        string         `json:"event_type"`
	Content          string         `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RelatedKnowledge []string       `json:"related_knowledge,omitempty"`
	Sentiment        Sentiment      `json:"sentiment,omitempty"`
}

// EpisodicQuery filters a Search call. Zero fields are ignored.
type EpisodicQuery struct {
	EventType string    // exact match
	Content   string    // case-insensitive substring
	StartTime time.Time // inclusive lower bound
	EndTime   time.Time // inclusive upper bound
	Limit     int       // max results, 0 = unlimited
}

// EpisodicConfig configures an EpisodicMemory.
type EpisodicConfig struct {
	// Dir is the directory holding day partition files. It is created
	// if missing, along with its archive/ subdirectory.
	Dir string

	// RetentionDays is how long events stay in the live store before
	// Cleanup migrates them to the archive. Default 30.
	RetentionDays int

	// RecentDays is how many recent day partitions are eagerly loaded
	// into the in-memory cache at construction. Default 7.
	RecentDays int

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DefaultEpisodicConfig returns sensible defaults rooted at dir.
func DefaultEpisodicConfig(dir string) EpisodicConfig {
	return EpisodicConfig{
		Dir:           dir,
		RetentionDays: 30,
		RecentDays:    7,
	}
}

// EpisodicMemory is an append-only, date-partitioned event log with an
// in-memory recent-window cache. Each Log call appends one JSON line to
// that day's partition file and flushes immediately; there is no
// batching. Search only sees the cache, not the full durable history.
type EpisodicMemory struct {
	dir        string
	archiveDir string
	retention  int
	recent     int
	now        func() time.Time
	logger     *zap.Logger

	mu    sync.RWMutex
	cache []EpisodicEvent
}

// NewEpisodicMemory opens (and if needed creates) the episodic store
// and eagerly loads the most recent day partitions into the cache.
// Corrupt partition files are skipped with a warning, never fatal.
func NewEpisodicMemory(config EpisodicConfig, logger *zap.Logger) (*EpisodicMemory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("episodic memory: %w: dir is required", ErrInvalidInput)
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if config.RecentDays <= 0 {
		config.RecentDays = 7
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if _, err := ensureDir(config.Dir); err != nil {
		return nil, fmt.Errorf("create episodic dir: %w", err)
	}
	archiveDir, err := ensureDir(config.Dir, "archive")
	if err != nil {
		return nil, fmt.Errorf("create episodic archive dir: %w", err)
	}

	m := &EpisodicMemory{
		dir:        config.Dir,
		archiveDir: archiveDir,
		retention:  config.RetentionDays,
		recent:     config.RecentDays,
		now:        config.Now,
		logger:     logger.With(zap.String("component", "episodic_memory")),
	}
	m.loadRecent()
	return m, nil
}

// loadRecent loads the newest RecentDays partitions into the cache.
func (m *EpisodicMemory) loadRecent() {
	dates, err := m.partitionDates()
	if err != nil {
		m.logger.Warn("listing episodic partitions failed", zap.Error(err))
		return
	}
	if len(dates) > m.recent {
		dates = dates[len(dates)-m.recent:]
	}

	var cache []EpisodicEvent
	for _, date := range dates {
		events, err := m.readPartition(filepath.Join(m.dir, date+".jsonl"))
		if err != nil {
			// Unreadable partitions are skipped, not fatal.
			m.logger.Warn("skipping unreadable episodic partition",
				zap.String("date", date), zap.Error(err))
			continue
		}
		cache = append(cache, events...)
	}
	m.cache = cache
	m.logger.Debug("episodic cache loaded",
		zap.Int("partitions", len(dates)), zap.Int("events", len(cache)))
}

// partitionDates returns the dates of all live day partitions, sorted
// ascending.
func (m *EpisodicMemory) partitionDates() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(e.Name(), ".jsonl")
		if _, err := time.Parse(dayLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// readPartition loads one day partition. Corrupt lines (a torn final
// line after a crash mid-append, or any other garbage) are skipped with
// a Warn so the rest of the day survives.
func (m *EpisodicMemory) readPartition(path string) ([]EpisodicEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []EpisodicEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev EpisodicEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			m.logger.Warn("skipping corrupt episodic event line",
				zap.String("file", filepath.Base(path)),
				zap.Int("line", lineno),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Log assigns an id and timestamp, appends the event to the in-memory
// cache and to that day's partition file.
func (m *EpisodicMemory) Log(ctx context.Context, event *EpisodicEvent) (*EpisodicEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrInvalidInput
	}

	if event.ID == "" {
		event.ID = fmt.Sprintf("ev_%d", m.now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *event
	// Disk first: a failed append must not leave the event searchable.
	if err := m.appendToPartition(copied); err != nil {
		return nil, fmt.Errorf("append episodic event: %w", err)
	}
	m.cache = append(m.cache, copied)

	m.logger.Debug("episodic event logged",
		zap.String("id", copied.ID),
		zap.String("type", copied.EventType))
	return &copied, nil
}

func (m *EpisodicMemory) appendToPartition(ev EpisodicEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, ev.Timestamp.Format(dayLayout)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Search scans the in-memory cache, not the full durable history.
// Results are sorted descending by timestamp.
func (m *EpisodicMemory) Search(ctx context.Context, query EpisodicQuery) ([]EpisodicEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(query.Content)
	results := make([]EpisodicEvent, 0)
	for _, ev := range m.cache {
		if query.EventType != "" && ev.EventType != query.EventType {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(ev.Content), needle) {
			continue
		}
		if !query.StartTime.IsZero() && ev.Timestamp.Before(query.StartTime) {
			continue
		}
		if !query.EndTime.IsZero() && ev.Timestamp.After(query.EndTime) {
			continue
		}
		results = append(results, ev)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// CleanupResult summarizes a retention pass.
type CleanupResult struct {
	ArchivedPartitions int `json:"archived_partitions"`
	RemovedEvents      int `json:"removed_events"`
}

// Cleanup migrates day partitions older than the retention window into
// the archive directory (unless already archived), deletes the live
// partition files, and drops the aged events from the cache.
func (m *EpisodicMemory) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -m.retention)
	cutoffDate := cutoff.Format(dayLayout)

	dates, err := m.partitionDates()
	if err != nil {
		return res, err
	}
	for _, date := range dates {
		if date >= cutoffDate {
			continue
		}
		live := filepath.Join(m.dir, date+".jsonl")
		archived := filepath.Join(m.archiveDir, date+".jsonl")
		if _, err := os.Stat(archived); os.IsNotExist(err) {
			if err := copyFile(live, archived); err != nil {
				m.logger.Warn("archiving episodic partition failed",
					zap.String("date", date), zap.Error(err))
				continue
			}
		}
		if err := os.Remove(live); err != nil {
			m.logger.Warn("removing episodic partition failed",
				zap.String("date", date), zap.Error(err))
			continue
		}
		res.ArchivedPartitions++
	}

	kept := m.cache[:0]
	for _, ev := range m.cache {
		if ev.Timestamp.Before(cutoff) {
			res.RemovedEvents++
			continue
		}
		kept = append(kept, ev)
	}
	m.cache = kept

	if res.ArchivedPartitions > 0 || res.RemovedEvents > 0 {
		m.logger.Info("episodic cleanup completed",
			zap.Int("archived_partitions", res.ArchivedPartitions),
			zap.Int("removed_events", res.RemovedEvents))
	}
	return res, nil
}

// EpisodicStats summarizes the live cache.
type EpisodicStats struct {
	Events int       `json:"events"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Stats returns summary statistics over the cache.
func (m *EpisodicMemory) Stats() EpisodicStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := EpisodicStats{Events: len(m.cache)}
	for _, ev := range m.cache {
		if stats.Oldest.IsZero() || ev.Timestamp.Before(stats.Oldest) {
			stats.Oldest = ev.Timestamp
		}
		if ev.Timestamp.After(stats.Newest) {
			stats.Newest = ev.Timestamp
		}
	}
	return stats
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
