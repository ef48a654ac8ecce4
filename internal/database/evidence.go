package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// CreateEvidence validates and stores one evidence record. A second call
// with the same (source_system, source_record_id) returns the existing id.
func (db *DB) CreateEvidence(ctx context.Context, in EvidenceInput) (EvidenceResult, error) {
	var res EvidenceResult
	err := db.inTx(ctx, func(t *txn) error {
		var err error
		res, err = db.createEvidence(ctx, t, in)
		return err
	})
	if err != nil {
		return EvidenceResult{}, err
	}
	db.observeEvidence(in.SourceSystem, res.Created)
	return res, nil
}

// CreateEvidenceBatch stores several records in one transaction. Any
// invalid record aborts the whole batch.
func (db *DB) CreateEvidenceBatch(ctx context.Context, ins []EvidenceInput) ([]EvidenceResult, error) {
	out := make([]EvidenceResult, 0, len(ins))
	err := db.inTx(ctx, func(t *txn) error {
		for i, in := range ins {
			res, err := db.createEvidence(ctx, t, in)
			if err != nil {
				return fmt.Errorf("evidence %d (%s/%s): %w", i, in.SourceSystem, in.SourceRecordID, err)
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, in := range ins {
		db.observeEvidence(in.SourceSystem, out[i].Created)
	}
	return out, nil
}

func (db *DB) createEvidence(ctx context.Context, t *txn, in EvidenceInput) (EvidenceResult, error) {
	if err := db.validateEvidence(&in); err != nil {
		return EvidenceResult{}, err
	}
	sum, err := evidenceChecksum(in)
	if err != nil {
		return EvidenceResult{}, err
	}

	var id int64
	err = t.queryRow(ctx, `
INSERT INTO evidence (source_system, source_record_id, observed_at, retrieved_at, license, locator,
    excerpt, base_confidence, checksum, batch_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_system, source_record_id) DO NOTHING
RETURNING evidence_id`,
		in.SourceSystem, in.SourceRecordID, formatTime(in.ObservedAt), formatTime(in.RetrievedAt),
		in.License, nullString(in.Locator), nullString(in.Excerpt), nullFloat(in.BaseConfidence),
		sum, nullString(in.BatchID), formatTime(db.Now()),
	).Scan(&id)
	if err == nil {
		return EvidenceResult{ID: id, Created: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return EvidenceResult{}, fmt.Errorf("inserting evidence: %w", err)
	}

	var existing string
	err = t.queryRow(ctx, `SELECT evidence_id, checksum FROM evidence WHERE source_system = ? AND source_record_id = ?`,
		in.SourceSystem, in.SourceRecordID).Scan(&id, &existing)
	if err != nil {
		return EvidenceResult{}, fmt.Errorf("reading existing evidence: %w", err)
	}
	if existing != sum {
		db.log.Debug("evidence resubmitted with different content",
			zap.String("source_system", in.SourceSystem),
			zap.String("source_record_id", in.SourceRecordID),
			zap.Int64("evidence_id", id))
	}
	return EvidenceResult{ID: id}, nil
}

// validateEvidence runs the license gate and the field checks, and fills
// defaults on in.
func (db *DB) validateEvidence(in *EvidenceInput) error {
	in.SourceSystem = strings.TrimSpace(in.SourceSystem)
	in.SourceRecordID = strings.TrimSpace(in.SourceRecordID)
	fields := []zap.Field{zap.String("source_system", in.SourceSystem), zap.String("source_record_id", in.SourceRecordID)}

	if err := db.licenses.Validate(in.License); err != nil {
		return db.reject(err, "license", fields...)
	}
	if in.SourceSystem == "" || in.SourceRecordID == "" {
		return db.reject(guard.Invalid("source_system and source_record_id are required"), "invalid", fields...)
	}
	now := db.Now()
	if err := guard.ObservedNotFuture(in.ObservedAt, now); err != nil {
		return db.reject(err, "invalid", fields...)
	}
	if in.RetrievedAt.IsZero() {
		in.RetrievedAt = now
	}
	if err := guard.Locator(in.Locator); err != nil {
		return db.reject(err, "invalid", fields...)
	}
	if err := guard.Excerpt(in.Excerpt, db.licenses.ExcerptLimit(in.License)); err != nil {
		var lv *guard.LicenseViolation
		if errors.As(err, &lv) {
			lv.License = in.License
			return db.reject(lv, "license", fields...)
		}
		return db.reject(err, "invalid", fields...)
	}
	if in.BaseConfidence != nil {
		if err := guard.Score("base_confidence", *in.BaseConfidence); err != nil {
			return db.reject(err, "invalid", fields...)
		}
	}
	return nil
}

// evidenceChecksum hashes the canonical JSON of the substantive fields so
// re-submissions can be compared regardless of key order or retrieval time.
func evidenceChecksum(in EvidenceInput) (string, error) {
	doc := map[string]any{
		"source_system":    in.SourceSystem,
		"source_record_id": in.SourceRecordID,
		"observed_at":      formatTime(in.ObservedAt),
		"license":          in.License,
		"locator":          in.Locator,
		"excerpt":          in.Excerpt,
	}
	if in.BaseConfidence != nil {
		doc["base_confidence"] = *in.BaseConfidence
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing evidence: %w", err)
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

const evidenceSelect = `
SELECT e.evidence_id, e.source_system, e.source_record_id, e.observed_at, e.retrieved_at, e.license,
       e.locator, e.excerpt, e.base_confidence, e.checksum, e.batch_id, e.created_at
FROM evidence e`

// GetEvidence returns an evidence record, or nil if it does not exist.
func (db *DB) GetEvidence(ctx context.Context, id int64) (*Evidence, error) {
	ev, err := scanEvidence(db.queryRow(ctx, evidenceSelect+` WHERE e.evidence_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// FindEvidence looks a record up by its source key.
func (db *DB) FindEvidence(ctx context.Context, source, recordID string) (*Evidence, error) {
	ev, err := scanEvidence(db.queryRow(ctx, evidenceSelect+` WHERE e.source_system = ? AND e.source_record_id = ?`, source, recordID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// EvidenceForAssertion returns the evidence linked to an assertion.
func (db *DB) EvidenceForAssertion(ctx context.Context, assertionID int64) ([]Evidence, error) {
	rows, err := db.query(ctx, evidenceSelect+`
JOIN assertion_evidence ae ON ae.evidence_id = e.evidence_id
WHERE ae.assertion_id = ? ORDER BY e.evidence_id`, assertionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// scoringEvidence loads what the confidence formula needs for one assertion.
func scoringEvidence(ctx context.Context, t *txn, assertionID int64) ([]confidence.Evidence, error) {
	rows, err := t.query(ctx, `
SELECT e.evidence_id, e.source_system, e.observed_at, e.base_confidence
FROM evidence e JOIN assertion_evidence ae ON ae.evidence_id = e.evidence_id
WHERE ae.assertion_id = ?`, assertionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []confidence.Evidence
	for rows.Next() {
		var ev confidence.Evidence
		var observed string
		var base sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.SourceSystem, &observed, &base); err != nil {
			return nil, err
		}
		ev.ObservedAt, _ = parseTime(observed)
		if base.Valid {
			v := base.Float64
			ev.BaseConfidence = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvidence(s scanner) (*Evidence, error) {
	var ev Evidence
	var observed, retrieved, created string
	var locator, excerpt, batch sql.NullString
	var base sql.NullFloat64
	if err := s.Scan(&ev.ID, &ev.SourceSystem, &ev.SourceRecordID, &observed, &retrieved, &ev.License,
		&locator, &excerpt, &base, &ev.Checksum, &batch, &created); err != nil {
		return nil, err
	}
	ev.Locator, ev.Excerpt, ev.BatchID = locator.String, excerpt.String, batch.String
	ev.ObservedAt, _ = parseTime(observed)
	ev.RetrievedAt, _ = parseTime(retrieved)
	ev.CreatedAt, _ = parseTime(created)
	if base.Valid {
		v := base.Float64
		ev.BaseConfidence = &v
	}
	return &ev, nil
}
