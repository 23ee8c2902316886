// Package cognition builds the reflective layer on top of the memory
// stores: capability self-assessment, deviation detection and
// correction, learning path planning, and the engine that schedules
// their maintenance.
package cognition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/axonmind/cortex/memory"
)

// SkillLevel grades a domain by its average mastery score.
type SkillLevel string

const (
	SkillMastered  SkillLevel = "mastered"  // avg >= 8
	SkillPractical SkillLevel = "practical" // avg >= 5
	SkillTheory    SkillLevel = "theory"
)

// ProfileStrategyName is the fixed ProgramMemory strategy name under
// which each generated capability profile is snapshotted.
const ProfileStrategyName = "capability_profile"

// DomainDimension is one domain's aggregate in a capability profile.
type DomainDimension struct {
	MasteryScore float64           `json:"mastery_score"`
	SkillLevel   SkillLevel        `json:"skill_level"`
	Timeliness   memory.Timeliness `json:"timeliness"`
	LastUsed     time.Time         `json:"last_used"`
	CardCount    int               `json:"card_count"`
}

// CapabilityProfile is the derived self-assessment over all knowledge
// cards. It is cached, not stored standalone; a copy is snapshotted
// into ProgramMemory on every generation.
type CapabilityProfile struct {
	// OverallScore is the card-count-weighted mean across domains, so
	// domains with more cards dominate.
	OverallScore float64                    `json:"overall_score"`
	Dimensions   map[string]DomainDimension `json:"dimensions"`
	Gaps         []string                   `json:"gaps,omitempty"`     // card ids in domains averaging < 6
	Outdated     []string                   `json:"outdated,omitempty"` // card ids marked outdated
	Strengths    []string                   `json:"strengths,omitempty"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

// PerceptionConfig configures a SelfPerception.
type PerceptionConfig struct {
	// Staleness is the freshness window after which read paths
	// regenerate the cached profile. Defaults to 1 hour.
	Staleness time.Duration

	// FreshWindow bounds how recent a domain's newest update must be
	// to classify as "latest". Defaults to 90 days.
	FreshWindow time.Duration

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// SelfPerception derives capability profiles from SemanticMemory and
// snapshots them into ProgramMemory.
type SelfPerception struct {
	semantic *memory.SemanticMemory
	program  *memory.ProgramMemory

	staleness   time.Duration
	freshWindow time.Duration
	now         func() time.Time
	logger      *zap.Logger

	sf singleflight.Group

	mu      sync.RWMutex
	profile *CapabilityProfile
}

// NewSelfPerception builds a SelfPerception over the given stores.
func NewSelfPerception(semantic *memory.SemanticMemory, program *memory.ProgramMemory, config PerceptionConfig, logger *zap.Logger) *SelfPerception {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Staleness <= 0 {
		config.Staleness = time.Hour
	}
	if config.FreshWindow <= 0 {
		config.FreshWindow = 90 * 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &SelfPerception{
		semantic:    semantic,
		program:     program,
		staleness:   config.Staleness,
		freshWindow: config.FreshWindow,
		now:         config.Now,
		logger:      logger.With(zap.String("component", "self_perception")),
	}
}

// GenerateProfile rebuilds the capability profile from every live
// knowledge card, caches it, and snapshots it into ProgramMemory.
func (p *SelfPerception) GenerateProfile(ctx context.Context) (*CapabilityProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.now()
	cards := p.semantic.All()

	type domainAgg struct {
		sum      float64
		count    int
		outdated bool
		latest   time.Time
		cardIDs  []string
	}
	agg := make(map[string]*domainAgg)
	var outdatedIDs []string

	for _, c := range cards {
		domain := c.Domain
		if domain == "" {
			domain = "general"
		}
		a := agg[domain]
		if a == nil {
			a = &domainAgg{}
			agg[domain] = a
		}
		a.sum += c.MasteryScore
		a.count++
		a.cardIDs = append(a.cardIDs, c.ID)
		if c.Timeliness == memory.TimelinessOutdated {
			a.outdated = true
			outdatedIDs = append(outdatedIDs, c.ID)
		}
		if c.UpdateTime.After(a.latest) {
			a.latest = c.UpdateTime
		}
	}

	profile := &CapabilityProfile{
		Dimensions:  make(map[string]DomainDimension, len(agg)),
		Outdated:    outdatedIDs,
		GeneratedAt: now,
	}

	var weightedSum float64
	total := 0
	for domain, a := range agg {
		avg := a.sum / float64(a.count)
		weightedSum += avg * float64(a.count)
		total += a.count

		level := SkillTheory
		switch {
		case avg >= 8:
			level = SkillMastered
		case avg >= 5:
			level = SkillPractical
		}

		timeliness := memory.TimelinessValid
		switch {
		case a.outdated:
			timeliness = memory.TimelinessOutdated
		case now.Sub(a.latest) <= p.freshWindow:
			timeliness = memory.TimelinessLatest
		}

		profile.Dimensions[domain] = DomainDimension{
			MasteryScore: avg,
			SkillLevel:   level,
			Timeliness:   timeliness,
			LastUsed:     a.latest,
			CardCount:    a.count,
		}

		if avg < 6 {
			profile.Gaps = append(profile.Gaps, a.cardIDs...)
		}
		if avg >= 8 {
			profile.Strengths = append(profile.Strengths, domain)
		}
	}
	if total > 0 {
		profile.OverallScore = weightedSum / float64(total)
	}
	sort.Strings(profile.Gaps)
	sort.Strings(profile.Outdated)
	sort.Strings(profile.Strengths)

	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()

	if err := p.snapshot(ctx, profile); err != nil {
		p.logger.Warn("profile snapshot failed", zap.Error(err))
	}

	p.logger.Debug("capability profile generated",
		zap.Float64("overall_score", profile.OverallScore),
		zap.Int("domains", len(profile.Dimensions)),
		zap.Int("gaps", len(profile.Gaps)))
	return profile.clone(), nil
}

// snapshot writes the profile into ProgramMemory under the fixed
// strategy name so other components can read the latest assessment.
func (p *SelfPerception) snapshot(ctx context.Context, profile *CapabilityProfile) error {
	dims := make(map[string]any, len(profile.Dimensions))
	for domain, d := range profile.Dimensions {
		dims[domain] = map[string]any{
			"mastery_score": d.MasteryScore,
			"skill_level":   string(d.SkillLevel),
			"timeliness":    string(d.Timeliness),
			"card_count":    d.CardCount,
		}
	}
	_, err := p.program.StoreStrategy(ctx, ProfileStrategyName, map[string]any{
		"overall_score": profile.OverallScore,
		"dimensions":    dims,
		"gaps":          profile.Gaps,
		"strengths":     profile.Strengths,
		"generated_at":  profile.GeneratedAt.Format(time.RFC3339),
	})
	return err
}

// Profile returns the cached profile, regenerating it when stale.
// Concurrent regenerations are coalesced into a single rebuild.
func (p *SelfPerception) Profile(ctx context.Context) (*CapabilityProfile, error) {
	p.mu.RLock()
	cached := p.profile
	p.mu.RUnlock()

	if cached != nil && p.now().Sub(cached.GeneratedAt) < p.staleness {
		return cached.clone(), nil
	}

	v, err, _ := p.sf.Do("profile", func() (any, error) {
		return p.GenerateProfile(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CapabilityProfile).clone(), nil
}

// IdentifyGaps returns the card ids in domains averaging below 6.
func (p *SelfPerception) IdentifyGaps(ctx context.Context) ([]string, error) {
	profile, err := p.Profile(ctx)
	if err != nil {
		return nil, err
	}
	return profile.Gaps, nil
}

// IdentifyOutdated returns the ids of cards marked outdated.
func (p *SelfPerception) IdentifyOutdated(ctx context.Context) ([]string, error) {
	profile, err := p.Profile(ctx)
	if err != nil {
		return nil, err
	}
	return profile.Outdated, nil
}

// Strengths returns the domains averaging 8 or above.
func (p *SelfPerception) Strengths(ctx context.Context) ([]string, error) {
	profile, err := p.Profile(ctx)
	if err != nil {
		return nil, err
	}
	return profile.Strengths, nil
}

// UpdateMastery applies a mastery delta to a card, clamped to [0,10],
// and invalidates the cached profile so the next read regenerates.
func (p *SelfPerception) UpdateMastery(ctx context.Context, id string, delta float64) (*memory.KnowledgeCard, error) {
	card, err := p.semantic.Update(ctx, id, func(c *memory.KnowledgeCard) {
		score := c.MasteryScore + delta
		if score < 0 {
			score = 0
		}
		if score > 10 {
			score = 10
		}
		c.MasteryScore = score
	})
	if err != nil {
		return nil, fmt.Errorf("update mastery: %w", err)
	}

	p.Invalidate()
	return card, nil
}

// Invalidate drops the cached profile.
func (p *SelfPerception) Invalidate() {
	p.mu.Lock()
	p.profile = nil
	p.mu.Unlock()
}

func (p *CapabilityProfile) clone() *CapabilityProfile {
	cp := *p
	cp.Dimensions = make(map[string]DomainDimension, len(p.Dimensions))
	for k, v := range p.Dimensions {
		cp.Dimensions[k] = v
	}
	cp.Gaps = append([]string(nil), p.Gaps...)
	cp.Outdated = append([]string(nil), p.Outdated...)
	cp.Strengths = append([]string(nil), p.Strengths...)
	return &cp
}
