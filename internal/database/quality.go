package database

import (
	"context"
	"fmt"
)

// Quality counts the rows of every quality check. A healthy store reports
// zero everywhere.
func (db *DB) Quality(ctx context.Context) (QualityReport, error) {
	var q QualityReport
	views := []struct {
		name string
		dst  *int
	}{
		{"q_assertion_without_evidence", &q.AssertionsWithoutEvidence},
		{"q_assertion_missing_confidence", &q.MissingConfidence},
		{"q_evidence_unsafe_license", &q.UnsafeLicenseEvidence},
		{"q_explanation_stale_link", &q.StaleExplanationLinks},
	}
	for _, v := range views {
		if err := db.queryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, v.name)).Scan(v.dst); err != nil {
			return q, fmt.Errorf("checking %s: %w", v.name, err)
		}
	}

	n, err := db.contextualOnlyAssertions(ctx)
	if err != nil {
		return q, err
	}
	q.ContextualOnlyAssertions = n
	return q, nil
}

// contextualOnlyAssertions counts open assertions whose evidence is all
// contextual under the current rubric. Tiers live in configuration, so
// this check cannot be a view.
func (db *DB) contextualOnlyAssertions(ctx context.Context) (int, error) {
	rows, err := db.query(ctx, `
SELECT ae.assertion_id, e.source_system
FROM assertion a
JOIN assertion_evidence ae ON ae.assertion_id = a.assertion_id
JOIN evidence e ON e.evidence_id = ae.evidence_id
WHERE a.retracted_at IS NULL`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	sources := map[int64][]string{}
	for rows.Next() {
		var id int64
		var src string
		if err := rows.Scan(&id, &src); err != nil {
			return 0, err
		}
		sources[id] = append(sources[id], src)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sources {
		if db.rubric.ContextualOnly(s) {
			n++
		}
	}
	return n, nil
}

// GetStats returns database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM issuer`, &s.Issuers},
		{`SELECT COUNT(*) FROM drug_program WHERE deleted_at IS NULL`, &s.DrugPrograms},
		{`SELECT COUNT(*) FROM target`, &s.Targets},
		{`SELECT COUNT(*) FROM disease`, &s.Diseases},
		{`SELECT COUNT(*) FROM evidence`, &s.Evidence},
		{`SELECT COUNT(*) FROM assertion WHERE retracted_at IS NULL`, &s.Assertions},
		{`SELECT COUNT(*) FROM assertion WHERE retracted_at IS NOT NULL`, &s.RetractedAssertions},
		{`SELECT COUNT(*) FROM explanation`, &s.Explanations},
		{`SELECT COUNT(*) FROM candidate WHERE status = 'pending'`, &s.PendingCandidates},
		{`SELECT COUNT(*) FROM duplicate_suggestion WHERE status = 'pending'`, &s.PendingDuplicates},
	}
	for _, c := range counts {
		if err := db.queryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	if err := db.queryRow(ctx, `SELECT COALESCE(MAX(materialized_at), '') FROM explanation_snapshot`).Scan(&s.LatestMaterialized); err != nil {
		return nil, err
	}
	return s, nil
}
