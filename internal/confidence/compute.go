package confidence

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Band is the user-facing bucket of a score.
type Band string

const (
	BandHigh   Band = "HIGH"
	BandMedium Band = "MEDIUM"
	BandLow    Band = "LOW"
)

// BandFor maps a score to its band.
func BandFor(score float64) Band {
	switch {
	case score >= 0.90:
		return BandHigh
	case score >= 0.75:
		return BandMedium
	default:
		return BandLow
	}
}

// Evidence is the part of an evidence record the formula reads.
type Evidence struct {
	ID             int64
	SourceSystem   string
	ObservedAt     time.Time
	BaseConfidence *float64
}

// Input is everything Compute depends on.
type Input struct {
	Method       Method
	Evidence     []Evidence
	CuratorDelta float64
	AsOf         time.Time
}

// Rationale records each term of the formula for audit display.
type Rationale struct {
	Method        Method   `json:"method"`
	PrimarySource string   `json:"primary_source"`
	BaseScore     float64  `json:"base_score"`
	BaseFrom      string   `json:"base_from"`
	EvidenceCount int      `json:"evidence_count"`
	EvidenceBonus float64  `json:"evidence_bonus"`
	RecencyBasis  string   `json:"recency_basis"`
	AgeDays       int      `json:"age_days"`
	RecencyBonus  float64  `json:"recency_bonus"`
	CuratorDelta  float64  `json:"curator_delta"`
	Uncapped      float64  `json:"uncapped_score"`
	CapsApplied   []string `json:"caps_applied"`
	FinalScore    float64  `json:"final_score"`
	Band          Band     `json:"band"`
	AsOf          string   `json:"as_of"`
}

// Result is the output of Compute.
type Result struct {
	Score     float64
	Band      Band
	Rationale Rationale
}

// RationaleJSON encodes the rationale for storage.
func (r Result) RationaleJSON() string {
	b, _ := json.Marshal(r.Rationale)
	return string(b)
}

// Compute scores an evidence set:
//
//	score = min(cap(method), clamp(base + evidence_bonus + recency_bonus + curator_delta, 0, 1))
//
// The as-of time is truncated to its UTC date so that repeated calls on the
// same day agree. The result does not depend on the order of in.Evidence.
func (r Rubric) Compute(in Input) Result {
	asOf := day(in.AsOf)
	rat := Rationale{
		Method:       in.Method,
		RecencyBasis: string(r.RecencyBasis),
		AsOf:         asOf.Format("2006-01-02"),
		CapsApplied:  []string{},
	}

	distinct := dedupe(in.Evidence)
	rat.EvidenceCount = len(distinct)

	base := r.DefaultBase
	rat.BaseFrom = "default"
	for _, ev := range distinct {
		b, from := r.baseFor(ev)
		better := rat.PrimarySource == "" || b > base ||
			(b == base && ev.SourceSystem < rat.PrimarySource)
		if better {
			base, rat.BaseFrom, rat.PrimarySource = b, from, ev.SourceSystem
		}
	}
	rat.BaseScore = base

	rat.EvidenceBonus = math.Min(r.EvidenceCap, float64(len(distinct))*r.EvidenceIncrement)

	if observed, ok := r.recencyReference(distinct); ok {
		age := int(asOf.Sub(day(observed)).Hours() / 24)
		if age < 0 {
			age = 0
		}
		rat.AgeDays = age
		rat.RecencyBonus = r.RecencyBonus * math.Exp(-float64(age)/r.RecencyDecayDays)
	}

	delta := in.CuratorDelta
	if delta > r.CuratorDeltaLimit {
		delta = r.CuratorDeltaLimit
	} else if delta < -r.CuratorDeltaLimit {
		delta = -r.CuratorDeltaLimit
	}
	rat.CuratorDelta = delta

	raw := base + rat.EvidenceBonus + rat.RecencyBonus + delta
	rat.Uncapped = round(raw)
	score := clamp(raw)
	if c := r.Cap(in.Method); score > c {
		score = c
		rat.CapsApplied = append(rat.CapsApplied, fmt.Sprintf("%s_cap_%.2f", in.Method, c))
	}
	score = round(score)

	rat.EvidenceBonus = round(rat.EvidenceBonus)
	rat.RecencyBonus = round(rat.RecencyBonus)
	rat.FinalScore = score
	rat.Band = BandFor(score)
	return Result{Score: score, Band: rat.Band, Rationale: rat}
}

func (r Rubric) baseFor(ev Evidence) (float64, string) {
	if s, ok := r.Sources[ev.SourceSystem]; ok {
		return s.Base, "rubric"
	}
	if ev.BaseConfidence != nil {
		return clamp(*ev.BaseConfidence), "evidence"
	}
	return r.DefaultBase, "default"
}

func (r Rubric) recencyReference(evs []Evidence) (time.Time, bool) {
	var ref time.Time
	found := false
	for _, ev := range evs {
		if ev.ObservedAt.IsZero() {
			continue
		}
		switch {
		case !found:
			ref = ev.ObservedAt
		case r.RecencyBasis == RecencyOldest && ev.ObservedAt.Before(ref):
			ref = ev.ObservedAt
		case r.RecencyBasis != RecencyOldest && ev.ObservedAt.After(ref):
			ref = ev.ObservedAt
		}
		found = true
	}
	return ref, found
}

// dedupe drops repeated evidence ids; zero ids are kept as distinct records.
func dedupe(evs []Evidence) []Evidence {
	seen := make(map[int64]bool, len(evs))
	out := make([]Evidence, 0, len(evs))
	for _, ev := range evs {
		if ev.ID != 0 {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
		}
		out = append(out, ev)
	}
	return out
}

func day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// round fixes scores to six decimals so stored values compare exactly.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Bullets renders a rationale as short human-readable lines.
func Bullets(r Rationale) []string {
	out := []string{fmt.Sprintf("Base %.2f from %s (%s)", r.BaseScore, r.PrimarySource, r.BaseFrom)}
	if r.EvidenceBonus > 0 {
		out = append(out, fmt.Sprintf("+%.2f for %d evidence records", r.EvidenceBonus, r.EvidenceCount))
	}
	if r.RecencyBonus > 0 {
		out = append(out, fmt.Sprintf("+%.3f recency (%s evidence %d days old)", r.RecencyBonus, r.RecencyBasis, r.AgeDays))
	}
	if r.CuratorDelta != 0 {
		out = append(out, fmt.Sprintf("%+.2f curator adjustment", r.CuratorDelta))
	}
	for _, c := range r.CapsApplied {
		out = append(out, "capped: "+c)
	}
	return out
}
