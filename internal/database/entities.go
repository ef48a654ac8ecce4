package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/guard"
)

// IssuerInput creates an issuer. ID is generated when empty.
type IssuerInput struct {
	ID                string
	PrimaryExternalID string
	Name              string
	Notes             string
	Actor             string
}

// CreateIssuer inserts an issuer, or returns the existing one with the same
// primary external identifier. The bool reports whether a row was created.
func (db *DB) CreateIssuer(ctx context.Context, in IssuerInput) (*Issuer, bool, error) {
	in.PrimaryExternalID = strings.TrimSpace(in.PrimaryExternalID)
	if in.PrimaryExternalID == "" || strings.TrimSpace(in.Name) == "" {
		return nil, false, guard.Invalid("issuer requires a primary external id and a name")
	}
	if err := guard.Actor(in.Actor); err != nil {
		return nil, false, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	var created bool
	var id string
	err := db.inTx(ctx, func(t *txn) error {
		now := formatTime(db.Now())
		err := t.queryRow(ctx, `
INSERT INTO issuer (issuer_id, primary_external_id, name, notes, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (primary_external_id) DO NOTHING
RETURNING issuer_id`,
			in.ID, in.PrimaryExternalID, in.Name, nullString(in.Notes), in.Actor, now,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return t.queryRow(ctx, `SELECT issuer_id FROM issuer WHERE primary_external_id = ?`,
				in.PrimaryExternalID).Scan(&id)
		}
		if err != nil {
			return fmt.Errorf("inserting issuer: %w", err)
		}
		created = true
		if _, err := t.exec(ctx, `
INSERT INTO issuer_identifier (issuer_id, id_type, id_value, effective_from, recorded_by)
VALUES (?, 'primary', ?, ?, ?)`, id, in.PrimaryExternalID, now, in.Actor); err != nil {
			return fmt.Errorf("recording identifier: %w", err)
		}
		return appendHistory(ctx, t, TypeIssuer, id, 1, "created", in, in.Actor, now)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		db.log.Info("issuer created", zap.String("issuer_id", id), zap.String("external_id", in.PrimaryExternalID))
	}
	iss, err := db.GetIssuer(ctx, id)
	return iss, created, err
}

// GetIssuer returns an issuer by id, or nil if it does not exist.
func (db *DB) GetIssuer(ctx context.Context, id string) (*Issuer, error) {
	row := db.queryRow(ctx, `
SELECT issuer_id, primary_external_id, name, notes, created_by, created_at
FROM issuer WHERE issuer_id = ?`, id)
	iss, err := scanIssuer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return iss, err
}

// ListIssuers returns all issuers ordered by name.
func (db *DB) ListIssuers(ctx context.Context) ([]Issuer, error) {
	rows, err := db.query(ctx, `
SELECT issuer_id, primary_external_id, name, notes, created_by, created_at
FROM issuer ORDER BY name, issuer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Issuer
	for rows.Next() {
		iss, err := scanIssuer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *iss)
	}
	return out, rows.Err()
}

// IssuerIDs returns every issuer id in a stable order.
func (db *DB) IssuerIDs(ctx context.Context) ([]string, error) {
	rows, err := db.query(ctx, `SELECT issuer_id FROM issuer ORDER BY issuer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetIssuerNotes replaces the free-text notes of an issuer.
func (db *DB) SetIssuerNotes(ctx context.Context, issuerID, notes, actor string) error {
	if err := guard.Actor(actor); err != nil {
		return err
	}
	return db.inTx(ctx, func(t *txn) error {
		res, err := t.exec(ctx, `UPDATE issuer SET notes = ? WHERE issuer_id = ?`, nullString(notes), issuerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return guard.NotFound("issuer", issuerID)
		}
		return appendHistory(ctx, t, TypeIssuer, issuerID, 0, "notes_updated", map[string]string{"notes": notes}, actor, formatTime(db.Now()))
	})
}

// RecordIssuerIdentifier records a new value for an identifier type,
// closing the currently open value of the same type.
func (db *DB) RecordIssuerIdentifier(ctx context.Context, issuerID, idType, value string, from time.Time, actor string) error {
	if idType == "" || value == "" {
		return guard.Invalid("identifier type and value are required")
	}
	if err := guard.Actor(actor); err != nil {
		return err
	}
	if from.IsZero() {
		from = db.Now()
	}
	return db.inTx(ctx, func(t *txn) error {
		if ok, err := entityExists(ctx, t, EntityRef{Type: TypeIssuer, ID: issuerID}); err != nil {
			return err
		} else if !ok {
			return guard.NotFound("issuer", issuerID)
		}
		f := formatTime(from)
		if _, err := t.exec(ctx, `
UPDATE issuer_identifier SET effective_to = ?
WHERE issuer_id = ? AND id_type = ? AND effective_to IS NULL`, f, issuerID, idType); err != nil {
			return fmt.Errorf("closing identifier: %w", err)
		}
		_, err := t.exec(ctx, `
INSERT INTO issuer_identifier (issuer_id, id_type, id_value, effective_from, recorded_by)
VALUES (?, ?, ?, ?, ?)`, issuerID, idType, value, f, actor)
		return err
	})
}

// IssuerIdentifiers returns the identifier history of an issuer.
func (db *DB) IssuerIdentifiers(ctx context.Context, issuerID string) ([]IssuerIdentifier, error) {
	rows, err := db.query(ctx, `
SELECT issuer_id, id_type, id_value, effective_from, effective_to, recorded_by
FROM issuer_identifier WHERE issuer_id = ? ORDER BY id_type, effective_from`, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IssuerIdentifier
	for rows.Next() {
		var ii IssuerIdentifier
		var from string
		var to sql.NullString
		if err := rows.Scan(&ii.IssuerID, &ii.Type, &ii.Value, &from, &to, &ii.RecordedBy); err != nil {
			return nil, err
		}
		ii.EffectiveFrom, _ = parseTime(from)
		if to.Valid {
			t, _ := parseTime(to.String)
			ii.EffectiveTo = &t
		}
		out = append(out, ii)
	}
	return out, rows.Err()
}

// FindIssuerByIdentifier resolves an external identifier valid at time at.
func (db *DB) FindIssuerByIdentifier(ctx context.Context, idType, value string, at time.Time) (*Issuer, error) {
	a := formatTime(at)
	var id string
	err := db.queryRow(ctx, `
SELECT issuer_id FROM issuer_identifier
WHERE id_type = ? AND id_value = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)
ORDER BY effective_from DESC LIMIT 1`, idType, value, a, a).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return db.GetIssuer(ctx, id)
}

// CreateDrugProgram creates a drug program under its issuer, or returns the
// existing program with the same slug for that issuer.
func (db *DB) CreateDrugProgram(ctx context.Context, in DrugProgramInput) (*DrugProgram, bool, error) {
	var id string
	var created bool
	err := db.inTx(ctx, func(t *txn) error {
		var err error
		id, created, err = db.createDrugProgram(ctx, t, in)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	dp, err := db.GetDrugProgram(ctx, id)
	return dp, created, err
}

func (db *DB) createDrugProgram(ctx context.Context, t *txn, in DrugProgramInput) (string, bool, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", false, guard.Invalid("drug program requires a name")
	}
	if err := guard.Actor(in.Actor); err != nil {
		return "", false, err
	}
	slug := in.Slug
	if slug == "" {
		slug = Slugify(in.Name)
	}
	if slug == "" {
		return "", false, guard.Invalid("drug program name %q has no usable characters", in.Name)
	}
	if ok, err := entityExists(ctx, t, EntityRef{Type: TypeIssuer, ID: in.IssuerID}); err != nil {
		return "", false, err
	} else if !ok {
		return "", false, guard.NotFound("issuer", in.IssuerID)
	}

	now := formatTime(db.Now())
	id := DrugProgramID(in.IssuerID, slug)
	var got string
	err := t.queryRow(ctx, `
INSERT INTO drug_program (drug_program_id, issuer_id, slug, name, modality, stage, external_catalog_id,
    created_by, created_at, updated_at, batch_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (issuer_id, slug) DO NOTHING
RETURNING drug_program_id`,
		id, in.IssuerID, slug, in.Name, nullString(in.Modality), nullString(in.Stage),
		nullString(in.ExternalCatalogID), in.Actor, now, now, nullString(in.BatchID),
	).Scan(&got)
	if err == sql.ErrNoRows {
		return existingDrugProgram(ctx, t, in.IssuerID, slug, in.Name)
	}
	if err != nil {
		return "", false, fmt.Errorf("inserting drug program: %w", err)
	}
	if err := appendHistory(ctx, t, TypeDrugProgram, id, 1, "created", in, in.Actor, now); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// existingDrugProgram resolves a slug collision. The row is reused only when
// it is live and carries the same name; a different name under the same slug
// is a distinct asset and must not be folded into it.
func existingDrugProgram(ctx context.Context, t *txn, issuerID, slug, name string) (string, bool, error) {
	var (
		id, existing string
		deletedAt    sql.NullString
	)
	err := t.queryRow(ctx, `SELECT drug_program_id, name, deleted_at FROM drug_program WHERE issuer_id = ? AND slug = ?`,
		issuerID, slug).Scan(&id, &existing, &deletedAt)
	if err != nil {
		return "", false, fmt.Errorf("reading drug program %s: %w", slug, err)
	}
	if deletedAt.Valid {
		return "", false, fmt.Errorf("drug program %s was deleted: %w", id, guard.ErrInvalidState)
	}
	if !sameName(existing, name) {
		return "", false, guard.Identity("drug program %q collides with %s (%q)", name, id, existing)
	}
	return id, false, nil
}

// GetDrugProgram returns a drug program by id, or nil if it does not exist.
func (db *DB) GetDrugProgram(ctx context.Context, id string) (*DrugProgram, error) {
	row := db.queryRow(ctx, drugProgramSelect+` WHERE drug_program_id = ?`, id)
	dp, err := scanDrugProgram(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dp, err
}

// ListDrugPrograms returns the programs of an issuer.
func (db *DB) ListDrugPrograms(ctx context.Context, issuerID string, includeDeleted bool) ([]DrugProgram, error) {
	query := drugProgramSelect + ` WHERE issuer_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY slug`
	rows, err := db.query(ctx, query, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DrugProgram
	for rows.Next() {
		dp, err := scanDrugProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dp)
	}
	return out, rows.Err()
}

// DrugProgramUpdate changes attributes of a drug program. Nil fields are
// left untouched. Identity (issuer, slug) never changes.
type DrugProgramUpdate struct {
	Name              *string
	Modality          *string
	Stage             *string
	ExternalCatalogID *string
}

// UpdateDrugProgram applies an update, bumps the version and appends the
// change to the entity history.
func (db *DB) UpdateDrugProgram(ctx context.Context, id string, upd DrugProgramUpdate, actor string) (*DrugProgram, error) {
	if err := guard.Actor(actor); err != nil {
		return nil, err
	}
	err := db.inTx(ctx, func(t *txn) error {
		cur, err := scanDrugProgram(t.queryRow(ctx, drugProgramSelect+` WHERE drug_program_id = ?`, id))
		if err == sql.ErrNoRows {
			return guard.NotFound("drug program", id)
		}
		if err != nil {
			return err
		}
		if cur.DeletedAt != nil {
			return fmt.Errorf("drug program %s is deleted: %w", id, guard.ErrInvalidState)
		}
		if upd.Name != nil {
			cur.Name = *upd.Name
		}
		if upd.Modality != nil {
			cur.Modality = *upd.Modality
		}
		if upd.Stage != nil {
			cur.Stage = *upd.Stage
		}
		if upd.ExternalCatalogID != nil {
			cur.ExternalCatalogID = *upd.ExternalCatalogID
		}
		now := formatTime(db.Now())
		version := cur.Version + 1
		if _, err := t.exec(ctx, `
UPDATE drug_program SET name = ?, modality = ?, stage = ?, external_catalog_id = ?, version = ?, updated_at = ?
WHERE drug_program_id = ?`,
			cur.Name, nullString(cur.Modality), nullString(cur.Stage), nullString(cur.ExternalCatalogID),
			version, now, id); err != nil {
			return fmt.Errorf("updating drug program: %w", err)
		}
		return appendHistory(ctx, t, TypeDrugProgram, id, version, "updated", upd, actor, now)
	})
	if err != nil {
		return nil, err
	}
	return db.GetDrugProgram(ctx, id)
}

// SoftDeleteDrugProgram marks a drug program deleted. Its chains disappear
// from explanations materialized after the deletion.
func (db *DB) SoftDeleteDrugProgram(ctx context.Context, id, actor, reason string) error {
	if err := guard.Actor(actor); err != nil {
		return err
	}
	var issuerID string
	err := db.inTx(ctx, func(t *txn) error {
		var version int
		var deleted sql.NullString
		err := t.queryRow(ctx, `SELECT issuer_id, version, deleted_at FROM drug_program WHERE drug_program_id = ?`, id).
			Scan(&issuerID, &version, &deleted)
		if err == sql.ErrNoRows {
			return guard.NotFound("drug program", id)
		}
		if err != nil {
			return err
		}
		if deleted.Valid {
			return nil
		}
		now := formatTime(db.Now())
		if _, err := t.exec(ctx, `UPDATE drug_program SET deleted_at = ?, version = ?, updated_at = ? WHERE drug_program_id = ?`,
			now, version+1, now, id); err != nil {
			return err
		}
		return appendHistory(ctx, t, TypeDrugProgram, id, version+1, "deleted", map[string]string{"reason": reason}, actor, now)
	})
	if err != nil {
		return err
	}
	db.notify(ctx, []string{issuerID})
	return nil
}

// UpsertTarget creates a target or refreshes its whitelisted attributes.
func (db *DB) UpsertTarget(ctx context.Context, tg Target, actor string) error {
	if tg.ID == "" || tg.Name == "" {
		return guard.Invalid("target requires an id and a name")
	}
	if err := guard.Actor(actor); err != nil {
		return err
	}
	return db.inTx(ctx, func(t *txn) error {
		now := formatTime(db.Now())
		_, err := t.exec(ctx, `
INSERT INTO target (target_id, symbol, name, target_class, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (target_id) DO UPDATE SET
    symbol = excluded.symbol, name = excluded.name, target_class = excluded.target_class`,
			tg.ID, nullString(tg.Symbol), tg.Name, nullString(tg.TargetClass), actor, now)
		if err != nil {
			return fmt.Errorf("upserting target: %w", err)
		}
		return appendHistory(ctx, t, TypeTarget, tg.ID, 0, "upserted", tg, actor, now)
	})
}

// GetTarget returns a target, or nil if it does not exist.
func (db *DB) GetTarget(ctx context.Context, id string) (*Target, error) {
	var tg Target
	var symbol, class sql.NullString
	var created string
	err := db.queryRow(ctx, `SELECT target_id, symbol, name, target_class, created_by, created_at FROM target WHERE target_id = ?`, id).
		Scan(&tg.ID, &symbol, &tg.Name, &class, &tg.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tg.Symbol, tg.TargetClass = symbol.String, class.String
	tg.CreatedAt, _ = parseTime(created)
	return &tg, nil
}

// UpsertDisease creates a disease or refreshes its whitelisted attributes.
func (db *DB) UpsertDisease(ctx context.Context, ds Disease, actor string) error {
	if ds.ID == "" || ds.Name == "" {
		return guard.Invalid("disease requires an id and a name")
	}
	if err := guard.Actor(actor); err != nil {
		return err
	}
	return db.inTx(ctx, func(t *txn) error {
		now := formatTime(db.Now())
		_, err := t.exec(ctx, `
INSERT INTO disease (disease_id, name, therapeutic_area, created_by, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (disease_id) DO UPDATE SET
    name = excluded.name, therapeutic_area = excluded.therapeutic_area`,
			ds.ID, ds.Name, nullString(ds.TherapeuticArea), actor, now)
		if err != nil {
			return fmt.Errorf("upserting disease: %w", err)
		}
		return appendHistory(ctx, t, TypeDisease, ds.ID, 0, "upserted", ds, actor, now)
	})
}

// GetDisease returns a disease, or nil if it does not exist.
func (db *DB) GetDisease(ctx context.Context, id string) (*Disease, error) {
	var ds Disease
	var area sql.NullString
	var created string
	err := db.queryRow(ctx, `SELECT disease_id, name, therapeutic_area, created_by, created_at FROM disease WHERE disease_id = ?`, id).
		Scan(&ds.ID, &ds.Name, &area, &ds.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ds.TherapeuticArea = area.String
	ds.CreatedAt, _ = parseTime(created)
	return &ds, nil
}

// UpsertLocation creates or renames a location.
func (db *DB) UpsertLocation(ctx context.Context, loc Location) error {
	if loc.ID == "" || loc.Name == "" {
		return guard.Invalid("location requires an id and a name")
	}
	_, err := db.exec(ctx, `
INSERT INTO location (location_id, name, country_code, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (location_id) DO UPDATE SET name = excluded.name, country_code = excluded.country_code`,
		loc.ID, loc.Name, nullString(loc.CountryCode), formatTime(db.Now()))
	return err
}

// UpsertCompany creates or updates a company.
func (db *DB) UpsertCompany(ctx context.Context, c Company) error {
	if c.ID == "" || c.Name == "" {
		return guard.Invalid("company requires an id and a name")
	}
	_, err := db.exec(ctx, `
INSERT INTO company (company_id, name, ticker, exchange, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (company_id) DO UPDATE SET name = excluded.name, ticker = excluded.ticker, exchange = excluded.exchange`,
		c.ID, c.Name, nullString(c.Ticker), nullString(c.Exchange), formatTime(db.Now()))
	return err
}

// EntityHistory returns the event log of one entity, oldest first.
func (db *DB) EntityHistory(ctx context.Context, entityType, id string) ([]HistoryEvent, error) {
	rows, err := db.query(ctx, `
SELECT history_id, entity_type, entity_id, version, event, payload_json, actor, recorded_at
FROM entity_history WHERE entity_type = ? AND entity_id = ? ORDER BY history_id`, entityType, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEvent
	for rows.Next() {
		var h HistoryEvent
		var payload sql.NullString
		var at string
		if err := rows.Scan(&h.ID, &h.EntityType, &h.EntityID, &h.Version, &h.Event, &payload, &h.Actor, &at); err != nil {
			return nil, err
		}
		h.PayloadJSON = payload.String
		h.RecordedAt, _ = parseTime(at)
		out = append(out, h)
	}
	return out, rows.Err()
}

func appendHistory(ctx context.Context, t *txn, entityType, id string, version int, event string, payload any, actor, at string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding history payload: %w", err)
	}
	_, err = t.exec(ctx, `
INSERT INTO entity_history (entity_type, entity_id, version, event, payload_json, actor, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, entityType, id, version, event, string(b), actor, at)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

var entityTables = map[string]struct{ table, column string }{
	TypeIssuer:      {"issuer", "issuer_id"},
	TypeDrugProgram: {"drug_program", "drug_program_id"},
	TypeTarget:      {"target", "target_id"},
	TypeDisease:     {"disease", "disease_id"},
	TypeLocation:    {"location", "location_id"},
	TypeCompany:     {"company", "company_id"},
}

// entityExists reports whether a live entity exists. Deleted drug programs
// do not count.
func entityExists(ctx context.Context, t *txn, ref EntityRef) (bool, error) {
	tbl, ok := entityTables[ref.Type]
	if !ok {
		return false, guard.Invalid("unknown entity type %q", ref.Type)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, tbl.table, tbl.column)
	if ref.Type == TypeDrugProgram {
		query += ` AND deleted_at IS NULL`
	}
	var n int
	if err := t.queryRow(ctx, query, ref.ID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking %s %s: %w", ref.Type, ref.ID, err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssuer(s scanner) (*Issuer, error) {
	var iss Issuer
	var notes sql.NullString
	var created string
	if err := s.Scan(&iss.ID, &iss.PrimaryExternalID, &iss.Name, &notes, &iss.CreatedBy, &created); err != nil {
		return nil, err
	}
	iss.Notes = notes.String
	iss.CreatedAt, _ = parseTime(created)
	return &iss, nil
}

const drugProgramSelect = `
SELECT drug_program_id, issuer_id, slug, name, modality, stage, external_catalog_id, version,
       created_by, created_at, updated_at, deleted_at, batch_id
FROM drug_program`

func scanDrugProgram(s scanner) (*DrugProgram, error) {
	var dp DrugProgram
	var modality, stage, ext, deleted, batch sql.NullString
	var created, updated string
	if err := s.Scan(&dp.ID, &dp.IssuerID, &dp.Slug, &dp.Name, &modality, &stage, &ext, &dp.Version,
		&dp.CreatedBy, &created, &updated, &deleted, &batch); err != nil {
		return nil, err
	}
	dp.Modality, dp.Stage, dp.ExternalCatalogID, dp.BatchID = modality.String, stage.String, ext.String, batch.String
	dp.CreatedAt, _ = parseTime(created)
	dp.UpdatedAt, _ = parseTime(updated)
	if deleted.Valid {
		t, _ := parseTime(deleted.String)
		dp.DeletedAt = &t
	}
	return &dp, nil
}
