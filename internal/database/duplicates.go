package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// CreateDuplicateSuggestion records that two drug programs of one issuer
// may be the same asset. The pair is stored in id order so a pair is
// suggested once. The bool reports whether a row was created.
func (db *DB) CreateDuplicateSuggestion(ctx context.Context, issuerID, a, b string, similarity float64, features map[string]any) (*DuplicateSuggestion, bool, error) {
	if a == b {
		return nil, false, guard.Invalid("a drug program cannot duplicate itself")
	}
	if a > b {
		a, b = b, a
	}
	if err := guard.Score("similarity", similarity); err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return nil, false, err
	}

	var id string
	var created bool
	err = db.inTx(ctx, func(t *txn) error {
		for _, dp := range []string{a, b} {
			owner, err := drugOwner(ctx, t, dp)
			if err != nil {
				return err
			}
			if err := guard.SameIssuer("duplicate suggestion", issuerID, owner); err != nil {
				return err
			}
		}
		err := t.queryRow(ctx, `
INSERT INTO duplicate_suggestion (suggestion_id, issuer_id, entity1_id, entity2_id, similarity, features_json, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
ON CONFLICT (issuer_id, entity1_id, entity2_id) DO NOTHING
RETURNING suggestion_id`,
			uuid.NewString(), issuerID, a, b, similarity, string(raw), formatTime(db.Now())).Scan(&id)
		if err == sql.ErrNoRows {
			return t.queryRow(ctx, `SELECT suggestion_id FROM duplicate_suggestion WHERE issuer_id = ? AND entity1_id = ? AND entity2_id = ?`,
				issuerID, a, b).Scan(&id)
		}
		created = err == nil
		return err
	})
	if err != nil {
		if errors.Is(err, guard.ErrIdentityViolation) {
			return nil, false, db.reject(err, "identity", zap.String("issuer_id", issuerID))
		}
		return nil, false, err
	}
	s, err := db.GetDuplicateSuggestion(ctx, id)
	return s, created, err
}

const duplicateSelect = `
SELECT suggestion_id, issuer_id, entity1_id, entity2_id, similarity, features_json, status,
       decided_by, decided_at, notes, created_at
FROM duplicate_suggestion`

// GetDuplicateSuggestion returns a suggestion, or nil.
func (db *DB) GetDuplicateSuggestion(ctx context.Context, id string) (*DuplicateSuggestion, error) {
	s, err := scanDuplicate(db.queryRow(ctx, duplicateSelect+` WHERE suggestion_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListDuplicateSuggestions returns suggestions by status, highest
// similarity first.
func (db *DB) ListDuplicateSuggestions(ctx context.Context, status, issuerID string) ([]DuplicateSuggestion, error) {
	query := duplicateSelect + ` WHERE status = ?`
	args := []any{status}
	if issuerID != "" {
		query += ` AND issuer_id = ?`
		args = append(args, issuerID)
	}
	query += ` ORDER BY similarity DESC, suggestion_id`
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DuplicateSuggestion
	for rows.Next() {
		s, err := scanDuplicate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// AcceptDuplicateSuggestion records an alias from the non-canonical program
// to canonicalID. Neither program is merged or deleted.
func (db *DB) AcceptDuplicateSuggestion(ctx context.Context, id, canonicalID, actor, notes string) (*Alias, error) {
	if err := guard.Actor(actor); err != nil {
		return nil, err
	}
	var alias Alias
	err := db.inTx(ctx, func(t *txn) error {
		s, err := scanDuplicate(t.queryRow(ctx, duplicateSelect+` WHERE suggestion_id = ?`, id))
		if err == sql.ErrNoRows {
			return guard.NotFound("duplicate suggestion", id)
		}
		if err != nil {
			return err
		}
		if s.Status != StatusPending {
			return fmt.Errorf("duplicate suggestion %s is %s: %w", id, s.Status, guard.ErrInvalidState)
		}
		if canonicalID == "" {
			canonicalID = s.Entity1ID
		}
		var aliasOf string
		switch canonicalID {
		case s.Entity1ID:
			aliasOf = s.Entity2ID
		case s.Entity2ID:
			aliasOf = s.Entity1ID
		default:
			return guard.Invalid("canonical %s is not part of suggestion %s", canonicalID, id)
		}
		now := formatTime(db.Now())
		if err := t.queryRow(ctx, `
INSERT INTO drug_program_alias (issuer_id, canonical_id, alias_of_id, suggestion_id, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING alias_id`, s.IssuerID, canonicalID, aliasOf, id, actor, now).Scan(&alias.ID); err != nil {
			return fmt.Errorf("creating alias: %w", err)
		}
		alias.IssuerID, alias.CanonicalID, alias.AliasOfID = s.IssuerID, canonicalID, aliasOf
		alias.SuggestionID, alias.CreatedBy = id, actor
		alias.CreatedAt, _ = parseTime(now)
		_, err = t.exec(ctx, `UPDATE duplicate_suggestion SET status = 'accepted', decided_by = ?, decided_at = ?, notes = ? WHERE suggestion_id = ?`,
			actor, now, nullString(notes), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &alias, nil
}

// RejectDuplicateSuggestion records a curator's rejection.
func (db *DB) RejectDuplicateSuggestion(ctx context.Context, id, actor, notes string) error {
	if err := guard.Actor(actor); err != nil {
		return err
	}
	return db.inTx(ctx, func(t *txn) error {
		var status string
		err := t.queryRow(ctx, `SELECT status FROM duplicate_suggestion WHERE suggestion_id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return guard.NotFound("duplicate suggestion", id)
		}
		if err != nil {
			return err
		}
		if status != StatusPending {
			return fmt.Errorf("duplicate suggestion %s is %s: %w", id, status, guard.ErrInvalidState)
		}
		_, err = t.exec(ctx, `UPDATE duplicate_suggestion SET status = 'rejected', decided_by = ?, decided_at = ?, notes = ? WHERE suggestion_id = ?`,
			actor, formatTime(db.Now()), nullString(notes), id)
		return err
	})
}

// Aliases returns the accepted aliases of an issuer.
func (db *DB) Aliases(ctx context.Context, issuerID string) ([]Alias, error) {
	rows, err := db.query(ctx, `
SELECT alias_id, issuer_id, canonical_id, alias_of_id, suggestion_id, created_by, created_at
FROM drug_program_alias WHERE issuer_id = ? ORDER BY alias_id`, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var a Alias
		var sugg sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &a.IssuerID, &a.CanonicalID, &a.AliasOfID, &sugg, &a.CreatedBy, &at); err != nil {
			return nil, err
		}
		a.SuggestionID = sugg.String
		a.CreatedAt, _ = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanDuplicate(s scanner) (*DuplicateSuggestion, error) {
	var d DuplicateSuggestion
	var features, decidedBy, decidedAt, notes sql.NullString
	var created string
	if err := s.Scan(&d.ID, &d.IssuerID, &d.Entity1ID, &d.Entity2ID, &d.Similarity, &features, &d.Status,
		&decidedBy, &decidedAt, &notes, &created); err != nil {
		return nil, err
	}
	d.FeaturesJSON, d.DecidedBy, d.Notes = features.String, decidedBy.String, notes.String
	d.CreatedAt, _ = parseTime(created)
	if decidedAt.Valid {
		t, _ := parseTime(decidedAt.String)
		d.DecidedAt = &t
	}
	return &d, nil
}
