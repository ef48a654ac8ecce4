package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// StartBatch opens a batch for a bulk load. Rows written with its id can be
// rolled back together.
func (db *DB) StartBatch(ctx context.Context, operation, issuerID, actor string, metadata map[string]any) (*Batch, error) {
	if operation == "" {
		return nil, guard.Invalid("batch requires an operation type")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	_, err = db.exec(ctx, `
INSERT INTO batch_operation (batch_id, operation_type, issuer_id, status, actor, metadata_json, started_at)
VALUES (?, ?, ?, 'running', ?, ?, ?)`,
		id, operation, nullString(issuerID), actorOr(actor), string(raw), formatTime(db.Now()))
	if err != nil {
		return nil, fmt.Errorf("starting batch: %w", err)
	}
	return db.GetBatch(ctx, id)
}

// CompleteBatch marks a running batch completed.
func (db *DB) CompleteBatch(ctx context.Context, id string) error {
	return db.finishBatch(ctx, id, BatchCompleted, "")
}

// FailBatch marks a running batch failed and records the cause.
func (db *DB) FailBatch(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.finishBatch(ctx, id, BatchFailed, msg)
}

func (db *DB) finishBatch(ctx context.Context, id, status, failure string) error {
	res, err := db.exec(ctx, `UPDATE batch_operation SET status = ?, completed_at = ? WHERE batch_id = ? AND status = 'running'`,
		status, formatTime(db.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s is not running: %w", id, guard.ErrInvalidState)
	}
	if failure != "" {
		db.log.Warn("batch failed", zap.String("batch_id", id), zap.String("error", failure))
	}
	return nil
}

const batchSelect = `
SELECT batch_id, operation_type, issuer_id, status, actor, metadata_json, started_at, completed_at
FROM batch_operation`

// GetBatch returns a batch, or nil.
func (db *DB) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := scanBatch(db.queryRow(ctx, batchSelect+` WHERE batch_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListBatches returns the most recent batches.
func (db *DB) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, batchSelect+` ORDER BY started_at DESC, batch_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// RollbackResult counts what a rollback undid.
type RollbackResult struct {
	RetractedAssertions int
	DeletedDrugPrograms int
}

// RollbackBatch retracts the open assertions and soft-deletes the drug
// programs written under a finished batch. Evidence stays: it is immutable
// provenance.
func (db *DB) RollbackBatch(ctx context.Context, id, actor string) (RollbackResult, error) {
	if err := guard.Actor(actor); err != nil {
		return RollbackResult{}, err
	}
	var res RollbackResult
	seen := map[string]bool{}
	var affected []string
	addAffected := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				affected = append(affected, id)
			}
		}
	}

	err := db.inTx(ctx, func(t *txn) error {
		var status string
		err := t.queryRow(ctx, `SELECT status FROM batch_operation WHERE batch_id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return guard.NotFound("batch", id)
		}
		if err != nil {
			return err
		}
		if status != BatchCompleted && status != BatchFailed {
			return fmt.Errorf("batch %s is %s: %w", id, status, guard.ErrInvalidState)
		}
		now := formatTime(db.Now())

		rows, err := t.query(ctx, assertionSelect+` WHERE batch_id = ? AND retracted_at IS NULL`, id)
		if err != nil {
			return err
		}
		var open []Assertion
		for rows.Next() {
			a, err := scanAssertion(rows)
			if err != nil {
				rows.Close()
				return err
			}
			open = append(open, *a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, a := range open {
			if _, err := t.exec(ctx, `UPDATE assertion SET retracted_at = ?, retraction_reason = ?, updated_at = ? WHERE assertion_id = ?`,
				now, "batch rollback "+id, now, a.ID); err != nil {
				return err
			}
			ids, err := affectedIssuers(ctx, t, a.Subject, a.Object)
			if err != nil {
				return err
			}
			addAffected(ids)
		}
		res.RetractedAssertions = len(open)

		dpRows, err := t.query(ctx, `SELECT drug_program_id, issuer_id, version FROM drug_program WHERE batch_id = ? AND deleted_at IS NULL`, id)
		if err != nil {
			return err
		}
		type dp struct {
			id, issuer string
			version    int
		}
		var dps []dp
		for dpRows.Next() {
			var d dp
			if err := dpRows.Scan(&d.id, &d.issuer, &d.version); err != nil {
				dpRows.Close()
				return err
			}
			dps = append(dps, d)
		}
		dpRows.Close()
		for _, d := range dps {
			if _, err := t.exec(ctx, `UPDATE drug_program SET deleted_at = ?, version = ?, updated_at = ? WHERE drug_program_id = ?`,
				now, d.version+1, now, d.id); err != nil {
				return err
			}
			if err := appendHistory(ctx, t, TypeDrugProgram, d.id, d.version+1, "deleted",
				map[string]string{"reason": "batch rollback", "batch_id": id}, actor, now); err != nil {
				return err
			}
			addAffected([]string{d.issuer})
		}
		res.DeletedDrugPrograms = len(dps)

		_, err = t.exec(ctx, `UPDATE batch_operation SET status = 'rolled_back', completed_at = ? WHERE batch_id = ?`, now, id)
		return err
	})
	if err != nil {
		return RollbackResult{}, err
	}
	db.log.Info("batch rolled back",
		zap.String("batch_id", id),
		zap.Int("assertions", res.RetractedAssertions),
		zap.Int("drug_programs", res.DeletedDrugPrograms))
	db.notify(ctx, affected)
	return res, nil
}

func scanBatch(s scanner) (*Batch, error) {
	var b Batch
	var issuer, meta, completed sql.NullString
	var started string
	if err := s.Scan(&b.ID, &b.OperationType, &issuer, &b.Status, &b.Actor, &meta, &started, &completed); err != nil {
		return nil, err
	}
	b.IssuerID, b.MetadataJSON = issuer.String, meta.String
	b.StartedAt, _ = parseTime(started)
	if completed.Valid {
		t, _ := parseTime(completed.String)
		b.CompletedAt = &t
	}
	return &b, nil
}
