package materialize

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// Change is an explanation present in both snapshots whose strength moved.
type Change struct {
	DrugProgramID string
	TargetID      string
	DiseaseID     string
	Before        float64
	After         float64
}

// Delta returns After - Before.
func (c Change) Delta() float64 {
	return c.After - c.Before
}

// Diff lists what changed for an issuer between two as-of dates.
type Diff struct {
	IssuerID string
	Since    string
	AsOf     string
	Added    []database.Explanation
	Removed  []database.Explanation
	Changed  []Change
}

// Empty reports whether the two snapshots are equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Changes diffs the explanations of issuerID as of since against asOf.
// Dates never materialized are materialized first. Strength moves at or
// below the configured minimum delta are not reported.
func (m *Materializer) Changes(ctx context.Context, issuerID string, since, asOf time.Time) (Diff, error) {
	d := Diff{IssuerID: issuerID, Since: database.FormatDate(since), AsOf: database.FormatDate(asOf)}
	if d.Since > d.AsOf {
		return d, guard.Invalid("since %s is after as_of %s", d.Since, d.AsOf)
	}

	before, err := m.snapshot(ctx, issuerID, since)
	if err != nil {
		return d, err
	}
	after, err := m.snapshot(ctx, issuerID, asOf)
	if err != nil {
		return d, err
	}
	return diffRows(d, before, after, m.minDelta), nil
}

func (m *Materializer) snapshot(ctx context.Context, issuerID string, asOf time.Time) ([]database.Explanation, error) {
	snap, err := m.db.GetSnapshot(ctx, issuerID, asOf)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if _, err := m.Run(ctx, issuerID, asOf); err != nil {
			return nil, err
		}
	}
	return m.db.ListExplanations(ctx, database.ExplanationFilter{IssuerID: issuerID, AsOf: asOf})
}

func diffRows(d Diff, before, after []database.Explanation, minDelta float64) Diff {
	old := make(map[string]database.Explanation, len(before))
	for _, x := range before {
		old[x.TupleKey()] = x
	}
	seen := make(map[string]bool, len(after))
	for _, x := range after {
		key := x.TupleKey()
		seen[key] = true
		prev, ok := old[key]
		if !ok {
			d.Added = append(d.Added, x)
			continue
		}
		if math.Abs(x.Strength-prev.Strength) > minDelta {
			d.Changed = append(d.Changed, Change{
				DrugProgramID: x.DrugProgramID,
				TargetID:      x.TargetID,
				DiseaseID:     x.DiseaseID,
				Before:        prev.Strength,
				After:         x.Strength,
			})
		}
	}
	for _, x := range before {
		if !seen[x.TupleKey()] {
			d.Removed = append(d.Removed, x)
		}
	}
	sort.Slice(d.Changed, func(i, j int) bool {
		return math.Abs(d.Changed[i].Delta()) > math.Abs(d.Changed[j].Delta())
	})
	return d
}
