package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/strength"
)

// visibleLink filters a link view alias to assertions that existed by the
// end of the as-of date, were not yet retracted then, and are scored.
func visibleLink(alias string) string {
	return fmt.Sprintf(`%[1]s.effective_from < ? AND (%[1]s.retracted_at IS NULL OR %[1]s.retracted_at >= ?)
  AND %[1]s.computed_confidence IS NOT NULL`, alias)
}

var chainQuery = `
SELECT l1.assertion_id, l1.drug_program_id, l1.computed_confidence,
       l2.assertion_id, l2.target_id, l2.computed_confidence,
       l3.assertion_id, l3.disease_id, l3.computed_confidence
FROM link_issuer_drug l1
JOIN drug_program dp ON dp.drug_program_id = l1.drug_program_id
JOIN link_drug_target l2 ON l2.drug_program_id = l1.drug_program_id
JOIN link_target_disease l3 ON l3.target_id = l2.target_id
WHERE l1.issuer_id = ?
  AND dp.issuer_id = l1.issuer_id
  AND (dp.deleted_at IS NULL OR dp.deleted_at >= ?)
  AND ` + visibleLink("l1") + `
  AND ` + visibleLink("l2") + `
  AND ` + visibleLink("l3") + `
ORDER BY l1.assertion_id, l2.assertion_id, l3.assertion_id`

// chains computes the explanation rows of an issuer for an as-of date.
// When several assertion paths connect the same (drug, target, disease),
// the strongest one is kept.
func chains(ctx context.Context, t *txn, issuerID string, asOf time.Time, strat strength.Strategy) ([]Explanation, error) {
	end := endOfDay(asOf)
	rows, err := t.query(ctx, chainQuery, issuerID, end, end, end, end, end, end, end)
	if err != nil {
		return nil, fmt.Errorf("querying chains: %w", err)
	}
	defer rows.Close()

	date := formatDate(asOf)
	best := map[string]int{}
	var out []Explanation
	for rows.Next() {
		x := Explanation{IssuerID: issuerID, AsOf: date}
		var l strength.Links
		if err := rows.Scan(&x.IssuerDrugAssertionID, &x.DrugProgramID, &l.IssuerDrug,
			&x.DrugTargetAssertionID, &x.TargetID, &l.DrugTarget,
			&x.TargetDiseaseAssertionID, &x.DiseaseID, &l.TargetDisease); err != nil {
			return nil, err
		}
		if x.Strength, err = strat.Combine(l); err != nil {
			return nil, fmt.Errorf("combining %s: %w", x.TupleKey(), err)
		}
		if i, ok := best[x.TupleKey()]; ok {
			if x.Strength > out[i].Strength {
				out[i] = x
			}
			continue
		}
		best[x.TupleKey()] = len(out)
		out = append(out, x)
	}
	return out, rows.Err()
}

// MaterializeIssuer recomputes the explanations of one issuer for one
// as-of date under the per-key lock. Rows whose tuple and strength are
// unchanged are not rewritten; rows whose chain no longer holds are deleted.
func (db *DB) MaterializeIssuer(ctx context.Context, issuerID string, asOf time.Time, strat strength.Strategy, lockWait time.Duration) (MaterializeStats, error) {
	stats := MaterializeStats{IssuerID: issuerID, AsOf: formatDate(asOf)}
	if iss, err := db.GetIssuer(ctx, issuerID); err != nil {
		return stats, err
	} else if iss == nil {
		return stats, guard.NotFound("issuer", issuerID)
	}
	key := MaterializationKey(issuerID, asOf)

	if db.d == sqliteDialect {
		release, err := db.rowLock(ctx, key, lockWait)
		if err != nil {
			return stats, err
		}
		defer release()
	}

	err := db.inTx(ctx, func(t *txn) error {
		if db.d == postgresDialect {
			if err := advisoryLock(ctx, t, key, lockWait); err != nil {
				return err
			}
		}
		fresh, err := chains(ctx, t, issuerID, asOf, strat)
		if err != nil {
			return err
		}
		existing, err := explanationsTx(ctx, t, ExplanationFilter{IssuerID: issuerID, AsOf: asOf})
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyDiff(ctx, t, existing, fresh, formatTime(db.Now()), &stats); err != nil {
			return err
		}
		stats.Count = len(fresh)
		_, err = t.exec(ctx, `
INSERT INTO explanation_snapshot (issuer_id, as_of_date, explanation_count, strategy, materialized_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (issuer_id, as_of_date) DO UPDATE SET
    explanation_count = excluded.explanation_count,
    strategy = excluded.strategy,
    materialized_at = excluded.materialized_at`,
			issuerID, stats.AsOf, stats.Count, strat.Name(), formatTime(db.Now()))
		return err
	})
	if err != nil {
		return stats, err
	}
	db.log.Debug("issuer materialized",
		zap.String("issuer_id", issuerID),
		zap.String("as_of", stats.AsOf),
		zap.Int("count", stats.Count),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("deleted", stats.Deleted))
	return stats, nil
}

func applyDiff(ctx context.Context, t *txn, existing, fresh []Explanation, now string, stats *MaterializeStats) error {
	old := make(map[string]Explanation, len(existing))
	for _, x := range existing {
		old[x.TupleKey()] = x
	}
	for _, x := range fresh {
		prev, ok := old[x.TupleKey()]
		delete(old, x.TupleKey())
		switch {
		case !ok:
			if _, err := t.exec(ctx, `
INSERT INTO explanation (issuer_id, drug_program_id, target_id, disease_id, as_of_date, strength_score,
    issuer_drug_assertion_id, drug_target_assertion_id, target_disease_assertion_id, materialized_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				x.IssuerID, x.DrugProgramID, x.TargetID, x.DiseaseID, x.AsOf, x.Strength,
				x.IssuerDrugAssertionID, x.DrugTargetAssertionID, x.TargetDiseaseAssertionID, now); err != nil {
				return fmt.Errorf("inserting explanation %s: %w", x.TupleKey(), err)
			}
			stats.Inserted++
		case prev.Strength != x.Strength ||
			prev.IssuerDrugAssertionID != x.IssuerDrugAssertionID ||
			prev.DrugTargetAssertionID != x.DrugTargetAssertionID ||
			prev.TargetDiseaseAssertionID != x.TargetDiseaseAssertionID:
			if _, err := t.exec(ctx, `
UPDATE explanation SET strength_score = ?, issuer_drug_assertion_id = ?, drug_target_assertion_id = ?,
    target_disease_assertion_id = ?, materialized_at = ?
WHERE explanation_id = ?`,
				x.Strength, x.IssuerDrugAssertionID, x.DrugTargetAssertionID, x.TargetDiseaseAssertionID, now, prev.ID); err != nil {
				return fmt.Errorf("updating explanation %s: %w", x.TupleKey(), err)
			}
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}
	for _, stale := range old {
		if _, err := t.exec(ctx, `DELETE FROM explanation WHERE explanation_id = ?`, stale.ID); err != nil {
			return fmt.Errorf("deleting explanation %s: %w", stale.TupleKey(), err)
		}
		stats.Deleted++
	}
	return nil
}

const explanationSelect = `
SELECT explanation_id, issuer_id, drug_program_id, target_id, disease_id, as_of_date, strength_score,
       issuer_drug_assertion_id, drug_target_assertion_id, target_disease_assertion_id, materialized_at
FROM explanation`

func explanationQuery(f ExplanationFilter) (string, []any) {
	where := []string{"issuer_id = ?", "as_of_date = ?"}
	args := []any{f.IssuerID, formatDate(f.AsOf)}
	if f.DiseaseID != "" {
		where = append(where, "disease_id = ?")
		args = append(args, f.DiseaseID)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	return explanationSelect + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY strength_score DESC, drug_program_id, target_id, disease_id", args
}

// ListExplanations returns the materialized explanations of an issuer for
// an as-of date, strongest first.
func (db *DB) ListExplanations(ctx context.Context, f ExplanationFilter) ([]Explanation, error) {
	query, args := explanationQuery(f)
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExplanations(rows)
}

func explanationsTx(ctx context.Context, t *txn, f ExplanationFilter) ([]Explanation, error) {
	query, args := explanationQuery(f)
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExplanations(rows)
}

// GetExplanation returns one explanation row, or nil.
func (db *DB) GetExplanation(ctx context.Context, id int64) (*Explanation, error) {
	x, err := scanExplanation(db.queryRow(ctx, explanationSelect+` WHERE explanation_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return x, err
}

// ExplanationChain drills an explanation down to its three assertions and
// their evidence.
func (db *DB) ExplanationChain(ctx context.Context, x Explanation) ([]ChainLink, error) {
	ids := []int64{x.IssuerDrugAssertionID, x.DrugTargetAssertionID, x.TargetDiseaseAssertionID}
	out := make([]ChainLink, 0, len(ids))
	for _, id := range ids {
		a, err := db.GetAssertion(ctx, id)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, guard.NotFound("assertion", fmt.Sprint(id))
		}
		evs, err := db.EvidenceForAssertion(ctx, id)
		if err != nil {
			return nil, err
		}
		link := ChainLink{Assertion: *a}
		for _, ev := range evs {
			link.Evidence = append(link.Evidence, EvidenceSummary{
				ID:           ev.ID,
				SourceSystem: ev.SourceSystem,
				License:      ev.License,
				Locator:      ev.Locator,
				ObservedAt:   ev.ObservedAt,
			})
		}
		out = append(out, link)
	}
	return out, nil
}

// GetSnapshot returns the snapshot record of an issuer and date, or nil if
// that date was never materialized.
func (db *DB) GetSnapshot(ctx context.Context, issuerID string, asOf time.Time) (*Snapshot, error) {
	var s Snapshot
	var at string
	err := db.queryRow(ctx, `
SELECT issuer_id, as_of_date, explanation_count, strategy, materialized_at
FROM explanation_snapshot WHERE issuer_id = ? AND as_of_date = ?`, issuerID, formatDate(asOf)).
		Scan(&s.IssuerID, &s.AsOf, &s.Count, &s.Strategy, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.MaterializedAt, _ = parseTime(at)
	return &s, nil
}

// ListSnapshots returns the materialized dates of an issuer, newest first.
func (db *DB) ListSnapshots(ctx context.Context, issuerID string) ([]Snapshot, error) {
	rows, err := db.query(ctx, `
SELECT issuer_id, as_of_date, explanation_count, strategy, materialized_at
FROM explanation_snapshot WHERE issuer_id = ? ORDER BY as_of_date DESC`, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var at string
		if err := rows.Scan(&s.IssuerID, &s.AsOf, &s.Count, &s.Strategy, &at); err != nil {
			return nil, err
		}
		s.MaterializedAt, _ = parseTime(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanExplanations(rows *sql.Rows) ([]Explanation, error) {
	var out []Explanation
	for rows.Next() {
		x, err := scanExplanation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *x)
	}
	return out, rows.Err()
}

func scanExplanation(s scanner) (*Explanation, error) {
	var x Explanation
	var at string
	if err := s.Scan(&x.ID, &x.IssuerID, &x.DrugProgramID, &x.TargetID, &x.DiseaseID, &x.AsOf, &x.Strength,
		&x.IssuerDrugAssertionID, &x.DrugTargetAssertionID, &x.TargetDiseaseAssertionID, &at); err != nil {
		return nil, err
	}
	x.MaterializedAt, _ = parseTime(at)
	return &x, nil
}
