// Package memory implements the four-layer memory stack of the cortex
// core: working, episodic, semantic and program memory.
//
// Working memory is transient and TTL-bound. Episodic memory is an
// append-only, date-partitioned event log. Semantic memory holds
// versioned knowledge cards with an on-disk index and per-version
// snapshots. Program memory holds success-rate-tracked strategies and
// browser templates.
//
// Durable stores share one filesystem root:
//
//	<data_dir>/
//	  episodic/              day partitions + archive/
//	  semantic/              index.json + versions/
//	  program/strategies/
//	  program/browser-templates/
package memory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Common errors shared by all memory stores.
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Timeliness classifies the freshness of a knowledge card.
type Timeliness string

const (
	TimelinessLatest   Timeliness = "latest"
	TimelinessValid    Timeliness = "valid"
	TimelinessOutdated Timeliness = "outdated"
)

// Sentiment classifies the tone of an episodic event.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// writeFileAtomic writes data to path via a temp file and rename so a
// crash mid-write never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// matchWildcard reports whether s matches pattern, where '*' matches any
// run of characters. Used for browser template URL patterns and working
// memory key listings.
func matchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}

	parts := strings.Split(pattern, "*")
	if len(parts) > 0 && parts[0] != "" && !strings.HasPrefix(s, parts[0]) {
		return false
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}

	idx := 0
	for _, p := range parts {
		if p == "" {
			continue
		}
		pos := strings.Index(s[idx:], p)
		if pos < 0 {
			return false
		}
		idx += pos + len(p)
	}
	return true
}

// sanitizeFileName turns an id into a safe file name component.
func sanitizeFileName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return r.Replace(id)
}

func ensureDir(parts ...string) (string, error) {
	dir := filepath.Join(parts...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
