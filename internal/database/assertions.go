package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// PredicateRule fixes the subject and object types of a predicate.
type PredicateRule struct {
	Subject string
	Object  string
}

var predicates = map[string]PredicateRule{
	"develops":        {TypeIssuer, TypeDrugProgram},
	"targets":         {TypeDrugProgram, TypeTarget},
	"inhibits":        {TypeDrugProgram, TypeTarget},
	"activates":       {TypeDrugProgram, TypeTarget},
	"binds":           {TypeDrugProgram, TypeTarget},
	"associated_with": {TypeTarget, TypeDisease},
	"indicated_for":   {TypeDrugProgram, TypeDisease},
	"located_in":      {TypeIssuer, TypeLocation},
	"subsidiary_of":   {TypeCompany, TypeIssuer},
}

// Predicates returns the registered predicate names, sorted.
func Predicates() []string {
	names := make([]string, 0, len(predicates))
	for p := range predicates {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// PredicateFor returns the first registered predicate linking the two
// types, preferring the canonical chain predicates.
func PredicateFor(subjectType, objectType string) (string, bool) {
	for _, p := range []string{"develops", "targets", "associated_with"} {
		r := predicates[p]
		if r.Subject == subjectType && r.Object == objectType {
			return p, true
		}
	}
	for _, p := range Predicates() {
		r := predicates[p]
		if r.Subject == subjectType && r.Object == objectType {
			return p, true
		}
	}
	return "", false
}

func checkPredicate(in AssertionInput) error {
	rule, ok := predicates[in.Predicate]
	if !ok {
		return guard.Invalid("unknown predicate %q", in.Predicate)
	}
	if in.Subject.Type != rule.Subject || in.Object.Type != rule.Object {
		return guard.Invalid("predicate %s links %s to %s, got %s to %s",
			in.Predicate, rule.Subject, rule.Object, in.Subject.Type, in.Object.Type)
	}
	if in.Subject.ID == "" || in.Object.ID == "" {
		return guard.Invalid("subject and object ids are required")
	}
	return nil
}

// CreateAssertion is the evidence gate. In one transaction it inserts the
// assertion with no confidence, links the evidence, re-checks that at least
// one qualifying link exists and scores the assertion. An open assertion with
// the same key is returned instead of a duplicate; supplied evidence is then
// attached to it.
func (db *DB) CreateAssertion(ctx context.Context, in AssertionInput) (AssertionResult, error) {
	fields := []zap.Field{zap.String("assertion", in.Key())}
	if err := db.prepareAssertion(&in); err != nil {
		return AssertionResult{}, db.rejectAssertion(err, fields)
	}

	var res AssertionResult
	var affected []string
	err := db.inTx(ctx, func(t *txn) error {
		var err error
		res, affected, err = db.createAssertion(ctx, t, in)
		return err
	})
	if err != nil {
		return AssertionResult{}, db.rejectAssertion(err, fields)
	}
	db.assertionWritten(ctx, in, res, affected)
	return res, nil
}

func (db *DB) assertionWritten(ctx context.Context, in AssertionInput, res AssertionResult, affected []string) {
	db.observeAssertion(in.Predicate, res.Created)
	db.log.Info("assertion written",
		zap.Int64("assertion_id", res.ID),
		zap.String("assertion", in.Key()),
		zap.Bool("created", res.Created),
		zap.Float64("confidence", res.Confidence))
	db.notify(ctx, affected)
}

// prepareAssertion checks the request shape and fills defaults.
func (db *DB) prepareAssertion(in *AssertionInput) error {
	if err := checkPredicate(*in); err != nil {
		return err
	}
	method, err := confidence.ParseMethod(string(in.Method))
	if err != nil {
		return guard.Invalid("%v", err)
	}
	in.Method = method
	if len(in.Evidence) == 0 {
		return &guard.MissingEvidence{Assertion: in.Key(), Reason: guard.NoEvidence}
	}
	for i := range in.Evidence {
		if in.Evidence[i].Weight == 0 {
			in.Evidence[i].Weight = 1
		}
		if err := guard.Score("weight", in.Evidence[i].Weight); err != nil {
			return err
		}
	}
	in.Actor = actorOr(in.Actor)
	if in.EffectiveFrom.IsZero() {
		in.EffectiveFrom = db.Now()
	}
	return nil
}

// createAssertion runs the gate inside t. It returns the issuers whose
// explanations the write may change.
func (db *DB) createAssertion(ctx context.Context, t *txn, in AssertionInput) (AssertionResult, []string, error) {
	var res AssertionResult
	if err := db.checkEndpoints(ctx, t, in); err != nil {
		return res, nil, err
	}
	if err := checkEvidenceExists(ctx, t, in.Key(), in.Evidence); err != nil {
		return res, nil, err
	}

	now := formatTime(db.Now())
	var id int64
	err := t.queryRow(ctx, `
INSERT INTO assertion (subject_type, subject_id, predicate, object_type, object_id, effective_from,
    link_method, batch_id, created_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_type, subject_id, predicate, object_type, object_id) WHERE retracted_at IS NULL DO NOTHING
RETURNING assertion_id`,
		in.Subject.Type, in.Subject.ID, in.Predicate, in.Object.Type, in.Object.ID,
		formatTime(in.EffectiveFrom), string(in.Method), nullString(in.BatchID), in.Actor, now, now,
	).Scan(&id)
	switch {
	case err == nil:
		res.Created = true
	case errors.Is(err, sql.ErrNoRows):
		err = t.queryRow(ctx, `
SELECT assertion_id FROM assertion
WHERE subject_type = ? AND subject_id = ? AND predicate = ? AND object_type = ? AND object_id = ?
  AND retracted_at IS NULL`,
			in.Subject.Type, in.Subject.ID, in.Predicate, in.Object.Type, in.Object.ID).Scan(&id)
		if err != nil {
			return res, nil, fmt.Errorf("reading existing assertion: %w", err)
		}
	default:
		return res, nil, fmt.Errorf("inserting assertion: %w", err)
	}
	res.ID = id

	if err := linkEvidence(ctx, t, id, in.Evidence, now); err != nil {
		return res, nil, err
	}
	if err := db.requireQualifying(ctx, t, id, in.Key()); err != nil {
		return res, nil, err
	}
	r, err := db.rescore(ctx, t, id)
	if err != nil {
		return res, nil, err
	}
	res.Confidence, res.Band = r.Score, r.Band
	affected, err := affectedIssuers(ctx, t, in.Subject, in.Object)
	return res, affected, err
}

// rejectAssertion records gate failures. Other errors pass through.
func (db *DB) rejectAssertion(err error, fields []zap.Field) error {
	switch {
	case errors.Is(err, guard.ErrMissingEvidence):
		return db.reject(err, "missing_evidence", fields...)
	case errors.Is(err, guard.ErrIdentityViolation):
		return db.reject(err, "identity", fields...)
	case errors.Is(err, guard.ErrNotFound), errors.Is(err, guard.ErrInvalidInput):
		return db.reject(err, "invalid", fields...)
	}
	return err
}

// checkEndpoints verifies that both entities exist and that a develops
// assertion stays within one issuer.
func (db *DB) checkEndpoints(ctx context.Context, t *txn, in AssertionInput) error {
	for _, ref := range []EntityRef{in.Subject, in.Object} {
		ok, err := entityExists(ctx, t, ref)
		if err != nil {
			return err
		}
		if !ok {
			return guard.NotFound(ref.Type, ref.ID)
		}
	}
	if in.Predicate == "develops" {
		var owner string
		if err := t.queryRow(ctx, `SELECT issuer_id FROM drug_program WHERE drug_program_id = ?`, in.Object.ID).Scan(&owner); err != nil {
			return err
		}
		if err := guard.SameIssuer("develops assertion", in.Subject.ID, owner); err != nil {
			return err
		}
	}
	return nil
}

func checkEvidenceExists(ctx context.Context, t *txn, key string, links []EvidenceLink) error {
	for _, l := range links {
		var n int
		if err := t.queryRow(ctx, `SELECT COUNT(*) FROM evidence WHERE evidence_id = ?`, l.EvidenceID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return &guard.MissingEvidence{Assertion: key, Reason: guard.UnknownEvidence, Detail: fmt.Sprintf("evidence_id=%d", l.EvidenceID)}
		}
	}
	return nil
}

func linkEvidence(ctx context.Context, t *txn, assertionID int64, links []EvidenceLink, now string) error {
	for _, l := range links {
		if _, err := t.exec(ctx, `
INSERT INTO assertion_evidence (assertion_id, evidence_id, weight, rationale, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (assertion_id, evidence_id) DO NOTHING`,
			assertionID, l.EvidenceID, l.Weight, nullString(l.Rationale), now); err != nil {
			return fmt.Errorf("linking evidence %d: %w", l.EvidenceID, err)
		}
	}
	return nil
}

// linkedSources returns the source system of every evidence linked to an
// assertion, one entry per link.
func linkedSources(ctx context.Context, t *txn, assertionID int64) ([]string, error) {
	rows, err := t.query(ctx, `
SELECT e.source_system FROM assertion_evidence ae
JOIN evidence e ON e.evidence_id = ae.evidence_id
WHERE ae.assertion_id = ?`, assertionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// requireQualifying is the in-transaction re-check: at least one link, and
// not every link contextual tier.
func (db *DB) requireQualifying(ctx context.Context, t *txn, assertionID int64, key string) error {
	sources, err := linkedSources(ctx, t, assertionID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return &guard.MissingEvidence{Assertion: key, Reason: guard.NoEvidence}
	}
	if db.rubric.ContextualOnly(sources) {
		return &guard.MissingEvidence{Assertion: key, Reason: guard.ContextualOnly, Detail: strings.Join(dedupeStrings(sources), ",")}
	}
	return nil
}

// rescore recomputes and stores the confidence of one assertion.
func (db *DB) rescore(ctx context.Context, t *txn, assertionID int64) (confidence.Result, error) {
	var method string
	var delta float64
	if err := t.queryRow(ctx, `SELECT link_method, curator_delta FROM assertion WHERE assertion_id = ?`, assertionID).
		Scan(&method, &delta); err != nil {
		return confidence.Result{}, fmt.Errorf("loading assertion %d: %w", assertionID, err)
	}
	evs, err := scoringEvidence(ctx, t, assertionID)
	if err != nil {
		return confidence.Result{}, err
	}
	r := db.rubric.Compute(confidence.Input{
		Method:       confidence.Method(method),
		Evidence:     evs,
		CuratorDelta: delta,
		AsOf:         db.Now(),
	})
	if _, err := t.exec(ctx, `
UPDATE assertion SET computed_confidence = ?, confidence_band = ?, rationale_json = ?, updated_at = ?
WHERE assertion_id = ?`,
		r.Score, string(r.Band), r.RationaleJSON(), formatTime(db.Now()), assertionID); err != nil {
		return confidence.Result{}, fmt.Errorf("storing confidence: %w", err)
	}
	return r, nil
}

// AttachEvidence links more evidence to an open assertion and rescores it.
func (db *DB) AttachEvidence(ctx context.Context, assertionID int64, links []EvidenceLink, actor string) (confidence.Result, error) {
	if len(links) == 0 {
		return confidence.Result{}, guard.Invalid("no evidence to attach")
	}
	for i := range links {
		if links[i].Weight == 0 {
			links[i].Weight = 1
		}
		if err := guard.Score("weight", links[i].Weight); err != nil {
			return confidence.Result{}, err
		}
	}
	var r confidence.Result
	var affected []string
	err := db.inTx(ctx, func(t *txn) error {
		a, err := openAssertion(ctx, t, assertionID)
		if err != nil {
			return err
		}
		key := assertionKey(a)
		if err := checkEvidenceExists(ctx, t, key, links); err != nil {
			return err
		}
		now := formatTime(db.Now())
		if err := linkEvidence(ctx, t, assertionID, links, now); err != nil {
			return err
		}
		if r, err = db.rescore(ctx, t, assertionID); err != nil {
			return err
		}
		if err := appendHistory(ctx, t, "assertion", fmt.Sprint(assertionID), 0, "evidence_attached", links, actorOr(actor), now); err != nil {
			return err
		}
		affected, err = affectedIssuers(ctx, t, a.Subject, a.Object)
		return err
	})
	if err != nil {
		return confidence.Result{}, db.rejectAssertion(err, []zap.Field{zap.Int64("assertion_id", assertionID)})
	}
	db.notify(ctx, affected)
	return r, nil
}

// DetachEvidence unlinks one evidence record. It refuses to remove the last
// link, or the last link that is not contextual tier.
func (db *DB) DetachEvidence(ctx context.Context, assertionID, evidenceID int64, actor string) (confidence.Result, error) {
	var r confidence.Result
	var affected []string
	err := db.inTx(ctx, func(t *txn) error {
		a, err := openAssertion(ctx, t, assertionID)
		if err != nil {
			return err
		}
		key := assertionKey(a)
		res, err := t.exec(ctx, `DELETE FROM assertion_evidence WHERE assertion_id = ? AND evidence_id = ?`, assertionID, evidenceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return guard.NotFound("evidence link", fmt.Sprintf("%d/%d", assertionID, evidenceID))
		}
		if err := db.requireQualifying(ctx, t, assertionID, key); err != nil {
			var me *guard.MissingEvidence
			if errors.As(err, &me) {
				me.Reason = guard.LastQualifying
				me.Detail = fmt.Sprintf("evidence_id=%d", evidenceID)
			}
			return err
		}
		if r, err = db.rescore(ctx, t, assertionID); err != nil {
			return err
		}
		now := formatTime(db.Now())
		if err := appendHistory(ctx, t, "assertion", fmt.Sprint(assertionID), 0, "evidence_detached",
			map[string]int64{"evidence_id": evidenceID}, actorOr(actor), now); err != nil {
			return err
		}
		affected, err = affectedIssuers(ctx, t, a.Subject, a.Object)
		return err
	})
	if err != nil {
		return confidence.Result{}, db.rejectAssertion(err, []zap.Field{zap.Int64("assertion_id", assertionID)})
	}
	db.notify(ctx, affected)
	return r, nil
}

// RetractAssertion closes an assertion. Its history is kept; explanations
// materialized for dates on or after the retraction no longer include it.
func (db *DB) RetractAssertion(ctx context.Context, assertionID int64, reason, actor string) error {
	if err := guard.Actor(actor); err != nil {
		return err
	}
	var affected []string
	var a *Assertion
	err := db.inTx(ctx, func(t *txn) error {
		var err error
		if a, err = openAssertion(ctx, t, assertionID); err != nil {
			return err
		}
		now := formatTime(db.Now())
		if _, err := t.exec(ctx, `UPDATE assertion SET retracted_at = ?, retraction_reason = ?, updated_at = ? WHERE assertion_id = ?`,
			now, nullString(reason), now, assertionID); err != nil {
			return err
		}
		if err := appendHistory(ctx, t, "assertion", fmt.Sprint(assertionID), 0, "retracted",
			map[string]string{"reason": reason}, actor, now); err != nil {
			return err
		}
		affected, err = affectedIssuers(ctx, t, a.Subject, a.Object)
		return err
	})
	if err != nil {
		return err
	}
	db.log.Info("assertion retracted", zap.Int64("assertion_id", assertionID), zap.String("reason", reason), zap.String("actor", actor))
	db.notify(ctx, affected)
	return nil
}

// SetCuratorOverride stores a bounded curator adjustment and rescores.
func (db *DB) SetCuratorOverride(ctx context.Context, assertionID int64, delta float64, justification, actor string) (confidence.Result, error) {
	if err := guard.Actor(actor); err != nil {
		return confidence.Result{}, err
	}
	if lim := db.rubric.CuratorDeltaLimit; delta > lim || delta < -lim {
		return confidence.Result{}, guard.Invalid("curator delta %.3f outside ±%.2f", delta, lim)
	}
	if strings.TrimSpace(justification) == "" {
		return confidence.Result{}, guard.Invalid("curator override requires a justification")
	}
	var r confidence.Result
	var affected []string
	err := db.inTx(ctx, func(t *txn) error {
		a, err := openAssertion(ctx, t, assertionID)
		if err != nil {
			return err
		}
		now := formatTime(db.Now())
		if _, err := t.exec(ctx, `UPDATE assertion SET curator_delta = ?, curator_justification = ? WHERE assertion_id = ?`,
			delta, justification, assertionID); err != nil {
			return err
		}
		if r, err = db.rescore(ctx, t, assertionID); err != nil {
			return err
		}
		if err := appendHistory(ctx, t, "assertion", fmt.Sprint(assertionID), 0, "curator_override",
			map[string]any{"delta": delta, "justification": justification}, actor, now); err != nil {
			return err
		}
		affected, err = affectedIssuers(ctx, t, a.Subject, a.Object)
		return err
	})
	if err != nil {
		return confidence.Result{}, err
	}
	db.notify(ctx, affected)
	return r, nil
}

// RecomputeConfidence rescores one open assertion as of today.
func (db *DB) RecomputeConfidence(ctx context.Context, assertionID int64) (confidence.Result, error) {
	var r confidence.Result
	err := db.inTx(ctx, func(t *txn) error {
		if _, err := openAssertion(ctx, t, assertionID); err != nil {
			return err
		}
		var err error
		r, err = db.rescore(ctx, t, assertionID)
		return err
	})
	return r, err
}

// RecomputeAllConfidence rescores every open assertion, for rubric changes
// and daily recency decay. It returns how many scores changed.
func (db *DB) RecomputeAllConfidence(ctx context.Context) (int, error) {
	rows, err := db.query(ctx, `SELECT assertion_id, computed_confidence FROM assertion WHERE retracted_at IS NULL ORDER BY assertion_id`)
	if err != nil {
		return 0, err
	}
	type prior struct {
		id    int64
		score sql.NullFloat64
	}
	var all []prior
	for rows.Next() {
		var p prior
		if err := rows.Scan(&p.id, &p.score); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	changed := 0
	seen := map[string]bool{}
	var affected []string
	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		err := db.inTx(ctx, func(t *txn) error {
			r, err := db.rescore(ctx, t, p.id)
			if err != nil {
				return err
			}
			if p.score.Valid && p.score.Float64 == r.Score {
				return nil
			}
			changed++
			a, err := loadAssertion(ctx, t, p.id)
			if err != nil {
				return err
			}
			ids, err := affectedIssuers(ctx, t, a.Subject, a.Object)
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					affected = append(affected, id)
				}
			}
			return err
		})
		if err != nil {
			return changed, fmt.Errorf("rescoring assertion %d: %w", p.id, err)
		}
	}
	db.log.Info("confidence recomputed", zap.Int("assertions", len(all)), zap.Int("changed", changed))
	db.notify(ctx, affected)
	return changed, nil
}

const assertionSelect = `
SELECT assertion_id, subject_type, subject_id, predicate, object_type, object_id, effective_from,
       retracted_at, retraction_reason, computed_confidence, confidence_band, link_method, rationale_json,
       curator_delta, curator_justification, batch_id, created_by, created_at, updated_at
FROM assertion`

// GetAssertion returns an assertion, or nil if it does not exist.
func (db *DB) GetAssertion(ctx context.Context, id int64) (*Assertion, error) {
	a, err := scanAssertion(db.queryRow(ctx, assertionSelect+` WHERE assertion_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// AssertionFilter narrows ListAssertions. Zero fields match everything.
type AssertionFilter struct {
	SubjectType      string
	SubjectID        string
	Predicate        string
	ObjectType       string
	ObjectID         string
	IncludeRetracted bool
	Limit            int
}

// ListAssertions returns assertions matching f, newest first.
func (db *DB) ListAssertions(ctx context.Context, f AssertionFilter) ([]Assertion, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("subject_type", f.SubjectType)
	add("subject_id", f.SubjectID)
	add("predicate", f.Predicate)
	add("object_type", f.ObjectType)
	add("object_id", f.ObjectID)
	if !f.IncludeRetracted {
		where = append(where, "retracted_at IS NULL")
	}
	query := assertionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY assertion_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func loadAssertion(ctx context.Context, t *txn, id int64) (*Assertion, error) {
	a, err := scanAssertion(t.queryRow(ctx, assertionSelect+` WHERE assertion_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, guard.NotFound("assertion", fmt.Sprint(id))
	}
	return a, err
}

func openAssertion(ctx context.Context, t *txn, id int64) (*Assertion, error) {
	a, err := loadAssertion(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if a.RetractedAt != nil {
		return nil, fmt.Errorf("assertion %d is retracted: %w", id, guard.ErrInvalidState)
	}
	return a, nil
}

func assertionKey(a *Assertion) string {
	return AssertionInput{Subject: a.Subject, Predicate: a.Predicate, Object: a.Object}.Key()
}

// affectedIssuers returns the issuers whose explanation chains can run
// through an assertion between subject and object.
func affectedIssuers(ctx context.Context, t *txn, subject, object EntityRef) ([]string, error) {
	switch {
	case subject.Type == TypeIssuer && object.Type == TypeDrugProgram:
		return []string{subject.ID}, nil
	case subject.Type == TypeDrugProgram && object.Type == TypeTarget:
		var issuer string
		err := t.queryRow(ctx, `SELECT issuer_id FROM drug_program WHERE drug_program_id = ?`, subject.ID).Scan(&issuer)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return []string{issuer}, err
	case subject.Type == TypeTarget && object.Type == TypeDisease:
		rows, err := t.query(ctx, `
SELECT DISTINCT dp.issuer_id FROM assertion a
JOIN drug_program dp ON dp.drug_program_id = a.subject_id
WHERE a.subject_type = 'drug_program' AND a.object_type = 'target' AND a.object_id = ?
ORDER BY dp.issuer_id`, subject.ID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, rows.Err()
	}
	return nil, nil
}

func scanAssertion(s scanner) (*Assertion, error) {
	var a Assertion
	var effective, created, updated, method string
	var retracted, reason, band, rationale, justification, batch sql.NullString
	var conf sql.NullFloat64
	if err := s.Scan(&a.ID, &a.Subject.Type, &a.Subject.ID, &a.Predicate, &a.Object.Type, &a.Object.ID, &effective,
		&retracted, &reason, &conf, &band, &method, &rationale,
		&a.CuratorDelta, &justification, &batch, &a.CreatedBy, &created, &updated); err != nil {
		return nil, err
	}
	a.EffectiveFrom, _ = parseTime(effective)
	a.CreatedAt, _ = parseTime(created)
	a.UpdatedAt, _ = parseTime(updated)
	if retracted.Valid {
		t, _ := parseTime(retracted.String)
		a.RetractedAt = &t
	}
	if conf.Valid {
		v := conf.Float64
		a.Confidence = &v
	}
	a.RetractionReason = reason.String
	a.Band = confidence.Band(band.String)
	a.Method = confidence.Method(method)
	a.RationaleJSON = rationale.String
	a.CuratorJustification = justification.String
	a.BatchID = batch.String
	return &a, nil
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return actor
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
