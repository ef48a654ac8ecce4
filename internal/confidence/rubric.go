// Package confidence scores assertions from their evidence. Scoring is a pure
// function of the evidence set, the rubric and the as-of date.
package confidence

import (
	"fmt"
	"sort"
	"strings"
)

// Tier classifies how far a source can be trusted on its own.
type Tier string

const (
	TierPrimary    Tier = "primary"
	TierSecondary  Tier = "secondary"
	TierContextual Tier = "contextual"
)

// Method records how an assertion came to exist.
type Method string

const (
	MethodDeterministic       Method = "DETERMINISTIC"
	MethodCurated             Method = "CURATED"
	MethodMLSuggestedApproved Method = "ML_SUGGESTED_APPROVED"
)

// ParseMethod accepts a method name case-insensitively. Empty means
// DETERMINISTIC.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case "", MethodDeterministic:
		return MethodDeterministic, nil
	case MethodCurated:
		return MethodCurated, nil
	case MethodMLSuggestedApproved:
		return MethodMLSuggestedApproved, nil
	}
	return "", fmt.Errorf("unknown link method %q", s)
}

// RecencyBasis selects which evidence's age drives the recency bonus.
type RecencyBasis string

const (
	RecencyNewest RecencyBasis = "newest"
	RecencyOldest RecencyBasis = "oldest"
)

// Source is the rubric entry for one source system.
type Source struct {
	Base float64 `yaml:"base"`
	Tier Tier    `yaml:"tier"`
}

// Rubric holds every tunable of the scoring formula.
type Rubric struct {
	Sources           map[string]Source  `yaml:"sources"`
	DefaultBase       float64            `yaml:"default_base"`
	EvidenceIncrement float64            `yaml:"evidence_increment"`
	EvidenceCap       float64            `yaml:"evidence_cap"`
	RecencyBonus      float64            `yaml:"recency_bonus"`
	RecencyDecayDays  float64            `yaml:"recency_decay_days"`
	RecencyBasis      RecencyBasis       `yaml:"recency_basis"`
	CuratorDeltaLimit float64            `yaml:"curator_delta_limit"`
	MethodCaps        map[Method]float64 `yaml:"method_caps"`
}

// DefaultRubric returns the rubric used when configuration leaves it out.
func DefaultRubric() Rubric {
	return Rubric{
		Sources: map[string]Source{
			"sec_edgar":         {Base: 0.95, Tier: TierPrimary},
			"sec_edgar_exhibit": {Base: 0.95, Tier: TierPrimary},
			"opentargets":       {Base: 0.90, Tier: TierPrimary},
			"chembl":            {Base: 0.90, Tier: TierPrimary},
			"curator":           {Base: 0.90, Tier: TierPrimary},
			"wikidata":          {Base: 0.75, Tier: TierSecondary},
			"news":              {Base: 0.30, Tier: TierContextual},
			"news_metadata":     {Base: 0.30, Tier: TierContextual},
		},
		DefaultBase:       0.5,
		EvidenceIncrement: 0.01,
		EvidenceCap:       0.03,
		RecencyBonus:      0.02,
		RecencyDecayDays:  365,
		RecencyBasis:      RecencyNewest,
		CuratorDeltaLimit: 0.10,
		MethodCaps: map[Method]float64{
			MethodDeterministic:       0.99,
			MethodCurated:             1.00,
			MethodMLSuggestedApproved: 0.85,
		},
	}
}

// Validate checks ranges. ML_SUGGESTED_APPROVED must stay strictly below 1.
func (r Rubric) Validate() error {
	for name, s := range r.Sources {
		if s.Base < 0 || s.Base > 1 {
			return fmt.Errorf("rubric source %q: base %v outside [0,1]", name, s.Base)
		}
		switch s.Tier {
		case TierPrimary, TierSecondary, TierContextual:
		default:
			return fmt.Errorf("rubric source %q: unknown tier %q", name, s.Tier)
		}
	}
	if r.DefaultBase < 0 || r.DefaultBase > 1 {
		return fmt.Errorf("rubric default_base %v outside [0,1]", r.DefaultBase)
	}
	if r.EvidenceIncrement < 0 || r.EvidenceCap < 0 || r.RecencyBonus < 0 {
		return fmt.Errorf("rubric bonuses must be non-negative")
	}
	if r.RecencyDecayDays <= 0 {
		return fmt.Errorf("rubric recency_decay_days must be positive")
	}
	switch r.RecencyBasis {
	case RecencyNewest, RecencyOldest:
	default:
		return fmt.Errorf("rubric recency_basis %q must be newest or oldest", r.RecencyBasis)
	}
	if r.CuratorDeltaLimit < 0 || r.CuratorDeltaLimit > 0.5 {
		return fmt.Errorf("rubric curator_delta_limit %v outside [0,0.5]", r.CuratorDeltaLimit)
	}
	for m, c := range r.MethodCaps {
		if c <= 0 || c > 1 {
			return fmt.Errorf("rubric cap for %s: %v outside (0,1]", m, c)
		}
	}
	if c, ok := r.MethodCaps[MethodMLSuggestedApproved]; ok && c >= 1 {
		return fmt.Errorf("rubric cap for %s must be below 1", MethodMLSuggestedApproved)
	}
	return nil
}

// Tier returns the tier of a source system. Unregistered sources are
// secondary: they can support an assertion but never outrank the rubric.
func (r Rubric) Tier(source string) Tier {
	if s, ok := r.Sources[source]; ok {
		return s.Tier
	}
	return TierSecondary
}

// ContextualOnly reports whether sources is non-empty and every source is
// contextual tier.
func (r Rubric) ContextualOnly(sources []string) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if r.Tier(s) != TierContextual {
			return false
		}
	}
	return true
}

// Cap returns the ceiling for a method, 1 when none is configured.
func (r Rubric) Cap(m Method) float64 {
	if c, ok := r.MethodCaps[m]; ok {
		return c
	}
	return 1
}

// SourceNames returns the configured sources sorted by name.
func (r Rubric) SourceNames() []string {
	names := make([]string, 0, len(r.Sources))
	for n := range r.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
