package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// ProposeCandidate stages a machine-proposed entity. It never creates a
// canonical entity. A pending candidate with the same issuer, type and name
// is returned instead of a second one.
func (db *DB) ProposeCandidate(ctx context.Context, in CandidateInput) (*Candidate, error) {
	switch in.Type {
	case TypeDrugProgram, TypeTarget, TypeDisease:
	default:
		return nil, guard.Invalid("candidate type must be drug_program, target or disease, got %q", in.Type)
	}
	if strings.TrimSpace(in.ProposedName) == "" {
		return nil, guard.Invalid("candidate requires a proposed name")
	}
	if strings.TrimSpace(in.ProposedBy) == "" {
		return nil, guard.Invalid("candidate requires a proposer")
	}

	var id string
	err := db.inTx(ctx, func(t *txn) error {
		if ok, err := entityExists(ctx, t, EntityRef{Type: TypeIssuer, ID: in.IssuerID}); err != nil {
			return err
		} else if !ok {
			return guard.NotFound("issuer", in.IssuerID)
		}
		if err := checkEvidenceExists(ctx, t, "candidate "+in.ProposedName, []EvidenceLink{{EvidenceID: in.EvidenceID}}); err != nil {
			return err
		}
		err := t.queryRow(ctx, `
SELECT candidate_id FROM candidate
WHERE issuer_id = ? AND candidate_type = ? AND LOWER(proposed_name) = LOWER(?) AND status = 'pending'`,
			in.IssuerID, in.Type, in.ProposedName).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		id = uuid.NewString()
		_, err = t.exec(ctx, `
INSERT INTO candidate (candidate_id, issuer_id, candidate_type, proposed_name, external_id, evidence_id,
    proposed_by, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
			id, in.IssuerID, in.Type, in.ProposedName, nullString(in.ExternalID), in.EvidenceID,
			in.ProposedBy, formatTime(db.Now()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetCandidate(ctx, id)
}

const candidateSelect = `
SELECT candidate_id, issuer_id, candidate_type, proposed_name, external_id, evidence_id, proposed_by,
       status, decided_by, decided_at, notes, created_entity_id, created_assertion_id, created_at
FROM candidate`

// GetCandidate returns a candidate, or nil if it does not exist.
func (db *DB) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	c, err := scanCandidate(db.queryRow(ctx, candidateSelect+` WHERE candidate_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListCandidates returns candidates by status, optionally for one issuer.
func (db *DB) ListCandidates(ctx context.Context, status, issuerID string) ([]Candidate, error) {
	query := candidateSelect + ` WHERE status = ?`
	args := []any{status}
	if issuerID != "" {
		query += ` AND issuer_id = ?`
		args = append(args, issuerID)
	}
	query += ` ORDER BY created_at, candidate_id`
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AcceptCandidate promotes a pending candidate. In one transaction it
// creates (or reuses) the canonical entity, writes the linking assertion
// through the evidence gate with method ML_SUGGESTED_APPROVED, and records
// the decision. Any failure leaves the candidate pending.
func (db *DB) AcceptCandidate(ctx context.Context, acc Acceptance) (AcceptResult, error) {
	if err := guard.Actor(acc.Actor); err != nil {
		return AcceptResult{}, err
	}
	var res AcceptResult
	var in AssertionInput
	var ar AssertionResult
	var affected []string
	err := db.inTx(ctx, func(t *txn) error {
		c, err := scanCandidate(t.queryRow(ctx, candidateSelect+` WHERE candidate_id = ?`, acc.CandidateID))
		if err == sql.ErrNoRows {
			return guard.NotFound("candidate", acc.CandidateID)
		}
		if err != nil {
			return err
		}
		if c.Status != StatusPending {
			return fmt.Errorf("candidate %s is %s: %w", c.ID, c.Status, guard.ErrInvalidState)
		}

		name := acc.Name
		if name == "" {
			name = c.ProposedName
		}
		var subject, object EntityRef
		switch c.Type {
		case TypeDrugProgram:
			if acc.ParentID != "" {
				if err := guard.SameIssuer("drug program candidate", c.IssuerID, acc.ParentID); err != nil {
					return err
				}
			}
			id, _, err := db.createDrugProgram(ctx, t, DrugProgramInput{
				IssuerID:          c.IssuerID,
				Name:              name,
				ExternalCatalogID: c.ExternalID,
				Actor:             acc.Actor,
			})
			if err != nil {
				return err
			}
			subject = EntityRef{Type: TypeIssuer, ID: c.IssuerID}
			object = EntityRef{Type: TypeDrugProgram, ID: id}
		case TypeTarget:
			owner, err := drugOwner(ctx, t, acc.ParentID)
			if err != nil {
				return err
			}
			if err := guard.SameIssuer("target candidate", c.IssuerID, owner); err != nil {
				return err
			}
			id := firstNonEmpty(acc.EntityID, c.ExternalID)
			if id == "" {
				return guard.Invalid("target candidate %s needs an ontology id", c.ID)
			}
			if err := ensureTarget(ctx, t, Target{ID: id, Name: name}, acc.Actor, formatTime(db.Now())); err != nil {
				return err
			}
			subject = EntityRef{Type: TypeDrugProgram, ID: acc.ParentID}
			object = EntityRef{Type: TypeTarget, ID: id}
		case TypeDisease:
			if ok, err := entityExists(ctx, t, EntityRef{Type: TypeTarget, ID: acc.ParentID}); err != nil {
				return err
			} else if !ok {
				return guard.NotFound("target", acc.ParentID)
			}
			id := firstNonEmpty(acc.EntityID, c.ExternalID)
			if id == "" {
				return guard.Invalid("disease candidate %s needs an ontology id", c.ID)
			}
			if err := ensureDisease(ctx, t, Disease{ID: id, Name: name}, acc.Actor, formatTime(db.Now())); err != nil {
				return err
			}
			subject = EntityRef{Type: TypeTarget, ID: acc.ParentID}
			object = EntityRef{Type: TypeDisease, ID: id}
		}

		predicate, _ := PredicateFor(subject.Type, object.Type)
		in = AssertionInput{
			Subject:   subject,
			Predicate: predicate,
			Object:    object,
			Evidence:  []EvidenceLink{{EvidenceID: c.EvidenceID, Rationale: "candidate " + c.ID}},
			Method:    confidence.MethodMLSuggestedApproved,
			Actor:     acc.Actor,
		}
		for _, eid := range acc.ExtraEvidenceIDs {
			in.Evidence = append(in.Evidence, EvidenceLink{EvidenceID: eid})
		}
		if err := db.prepareAssertion(&in); err != nil {
			return err
		}
		if ar, affected, err = db.createAssertion(ctx, t, in); err != nil {
			return err
		}

		now := formatTime(db.Now())
		if _, err := t.exec(ctx, `
UPDATE candidate SET status = 'accepted', decided_by = ?, decided_at = ?, notes = ?,
    created_entity_id = ?, created_assertion_id = ?
WHERE candidate_id = ? AND status = 'pending'`,
			acc.Actor, now, nullString(acc.Notes), object.ID, ar.ID, c.ID); err != nil {
			return fmt.Errorf("recording decision: %w", err)
		}
		res = AcceptResult{EntityID: object.ID, AssertionID: ar.ID, Confidence: ar.Confidence}
		return nil
	})
	if err != nil {
		return AcceptResult{}, db.rejectAssertion(err, nil)
	}
	db.assertionWritten(ctx, in, ar, affected)
	return res, nil
}

// RejectCandidate records a curator's rejection. Nothing canonical changes.
func (db *DB) RejectCandidate(ctx context.Context, id, actor, notes string) error {
	if err := guard.Actor(actor); err != nil {
		return err
	}
	return db.inTx(ctx, func(t *txn) error {
		var status string
		err := t.queryRow(ctx, `SELECT status FROM candidate WHERE candidate_id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return guard.NotFound("candidate", id)
		}
		if err != nil {
			return err
		}
		if status != StatusPending {
			return fmt.Errorf("candidate %s is %s: %w", id, status, guard.ErrInvalidState)
		}
		_, err = t.exec(ctx, `UPDATE candidate SET status = 'rejected', decided_by = ?, decided_at = ?, notes = ? WHERE candidate_id = ?`,
			actor, formatTime(db.Now()), nullString(notes), id)
		return err
	})
}

func drugOwner(ctx context.Context, t *txn, drugProgramID string) (string, error) {
	var owner string
	err := t.queryRow(ctx, `SELECT issuer_id FROM drug_program WHERE drug_program_id = ? AND deleted_at IS NULL`, drugProgramID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", guard.NotFound("drug program", drugProgramID)
	}
	return owner, err
}

// ensureTarget creates a target if it does not exist. Existing targets are
// never renamed from a candidate.
func ensureTarget(ctx context.Context, t *txn, tg Target, actor, now string) error {
	res, err := t.exec(ctx, `
INSERT INTO target (target_id, name, created_by, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (target_id) DO NOTHING`, tg.ID, tg.Name, actor, now)
	if err != nil {
		return fmt.Errorf("creating target: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return appendHistory(ctx, t, TypeTarget, tg.ID, 1, "created", tg, actor, now)
	}
	return nil
}

func ensureDisease(ctx context.Context, t *txn, ds Disease, actor, now string) error {
	res, err := t.exec(ctx, `
INSERT INTO disease (disease_id, name, created_by, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (disease_id) DO NOTHING`, ds.ID, ds.Name, actor, now)
	if err != nil {
		return fmt.Errorf("creating disease: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return appendHistory(ctx, t, TypeDisease, ds.ID, 1, "created", ds, actor, now)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func scanCandidate(s scanner) (*Candidate, error) {
	var c Candidate
	var ext, decidedBy, decidedAt, notes, entity sql.NullString
	var assertion sql.NullInt64
	var created string
	if err := s.Scan(&c.ID, &c.IssuerID, &c.Type, &c.ProposedName, &ext, &c.EvidenceID, &c.ProposedBy,
		&c.Status, &decidedBy, &decidedAt, &notes, &entity, &assertion, &created); err != nil {
		return nil, err
	}
	c.ExternalID, c.DecidedBy, c.Notes, c.CreatedEntityID = ext.String, decidedBy.String, notes.String, entity.String
	c.CreatedAssertionID = assertion.Int64
	c.CreatedAt, _ = parseTime(created)
	if decidedAt.Valid {
		t, _ := parseTime(decidedAt.String)
		c.DecidedAt = &t
	}
	return &c, nil
}
