package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx, d dialect) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "license registry and entity registries",
		Up: execDDL(`
CREATE TABLE IF NOT EXISTS license_registry (
    license TEXT PRIMARY KEY,
    commercial_safe INTEGER NOT NULL,
    attribution_required INTEGER NOT NULL DEFAULT 0,
    excerpt_limit INTEGER NOT NULL DEFAULT 0,
    notes TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issuer (
    issuer_id TEXT PRIMARY KEY,
    primary_external_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    notes TEXT,
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issuer_identifier (
    id {{serial}},
    issuer_id TEXT NOT NULL REFERENCES issuer(issuer_id),
    id_type TEXT NOT NULL,
    id_value TEXT NOT NULL,
    effective_from TEXT NOT NULL,
    effective_to TEXT,
    recorded_by TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issuer_identifier_value ON issuer_identifier(id_type, id_value);

CREATE TABLE IF NOT EXISTS drug_program (
    drug_program_id TEXT PRIMARY KEY,
    issuer_id TEXT NOT NULL REFERENCES issuer(issuer_id),
    slug TEXT NOT NULL,
    name TEXT NOT NULL,
    modality TEXT,
    stage TEXT,
    external_catalog_id TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    batch_id TEXT,
    UNIQUE (issuer_id, slug),
    UNIQUE (issuer_id, drug_program_id)
);

CREATE TABLE IF NOT EXISTS target (
    target_id TEXT PRIMARY KEY,
    symbol TEXT,
    name TEXT NOT NULL,
    target_class TEXT,
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS disease (
    disease_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    therapeutic_area TEXT,
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS location (
    location_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    country_code TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS company (
    company_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    ticker TEXT,
    exchange TEXT,
    created_at TEXT NOT NULL
);
`),
	},
	{
		Version:     2,
		Description: "evidence and assertions",
		Up: execDDL(`
CREATE TABLE IF NOT EXISTS evidence (
    evidence_id {{serial}},
    source_system TEXT NOT NULL,
    source_record_id TEXT NOT NULL,
    observed_at TEXT NOT NULL,
    retrieved_at TEXT NOT NULL,
    license TEXT NOT NULL REFERENCES license_registry(license),
    locator TEXT,
    excerpt TEXT,
    base_confidence DOUBLE PRECISION CHECK (base_confidence IS NULL OR (base_confidence >= 0 AND base_confidence <= 1)),
    checksum TEXT NOT NULL,
    batch_id TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (source_system, source_record_id)
);

CREATE TABLE IF NOT EXISTS assertion (
    assertion_id {{serial}},
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object_type TEXT NOT NULL,
    object_id TEXT NOT NULL,
    effective_from TEXT NOT NULL,
    retracted_at TEXT,
    retraction_reason TEXT,
    computed_confidence DOUBLE PRECISION CHECK (computed_confidence IS NULL OR (computed_confidence >= 0 AND computed_confidence <= 1)),
    confidence_band TEXT,
    link_method TEXT NOT NULL,
    rationale_json TEXT,
    curator_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
    curator_justification TEXT,
    batch_id TEXT,
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_assertion_open
    ON assertion (subject_type, subject_id, predicate, object_type, object_id)
    WHERE retracted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_assertion_subject ON assertion(subject_type, subject_id);
CREATE INDEX IF NOT EXISTS idx_assertion_object ON assertion(object_type, object_id);

CREATE TABLE IF NOT EXISTS assertion_evidence (
    assertion_id BIGINT NOT NULL REFERENCES assertion(assertion_id),
    evidence_id BIGINT NOT NULL REFERENCES evidence(evidence_id),
    weight DOUBLE PRECISION NOT NULL DEFAULT 1,
    rationale TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (assertion_id, evidence_id)
);
CREATE INDEX IF NOT EXISTS idx_assertion_evidence_evidence ON assertion_evidence(evidence_id);
`),
	},
	{
		Version:     3,
		Description: "explanations, snapshots and materialization locks",
		Up: execDDL(`
CREATE TABLE IF NOT EXISTS explanation (
    explanation_id {{serial}},
    issuer_id TEXT NOT NULL REFERENCES issuer(issuer_id),
    drug_program_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    disease_id TEXT NOT NULL,
    as_of_date TEXT NOT NULL,
    strength_score DOUBLE PRECISION NOT NULL,
    issuer_drug_assertion_id BIGINT NOT NULL REFERENCES assertion(assertion_id),
    drug_target_assertion_id BIGINT NOT NULL REFERENCES assertion(assertion_id),
    target_disease_assertion_id BIGINT NOT NULL REFERENCES assertion(assertion_id),
    materialized_at TEXT NOT NULL,
    UNIQUE (issuer_id, drug_program_id, target_id, disease_id, as_of_date)
);
CREATE INDEX IF NOT EXISTS idx_explanation_scope ON explanation(issuer_id, as_of_date);

CREATE TABLE IF NOT EXISTS explanation_snapshot (
    issuer_id TEXT NOT NULL REFERENCES issuer(issuer_id),
    as_of_date TEXT NOT NULL,
    explanation_count INTEGER NOT NULL,
    strategy TEXT NOT NULL,
    materialized_at TEXT NOT NULL,
    PRIMARY KEY (issuer_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS materialization_lock (
    lock_key TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    acquired_at TEXT NOT NULL
);
`),
	},
	{
		Version:     4,
		Description: "curation staging and aliases",
		Up: execDDL(`
CREATE TABLE IF NOT EXISTS candidate (
    candidate_id TEXT PRIMARY KEY,
    issuer_id TEXT NOT NULL REFERENCES issuer(issuer_id),
    candidate_type TEXT NOT NULL CHECK (candidate_type IN ('drug_program', 'target', 'disease')),
    proposed_name TEXT NOT NULL,
    external_id TEXT,
    evidence_id BIGINT NOT NULL REFERENCES evidence(evidence_id),
    proposed_by TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'rejected')),
    decided_by TEXT,
    decided_at TEXT,
    notes TEXT,
    created_entity_id TEXT,
    created_assertion_id BIGINT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidate_status ON candidate(status, issuer_id);

CREATE TABLE IF NOT EXISTS duplicate_suggestion (
    suggestion_id TEXT PRIMARY KEY,
    issuer_id TEXT NOT NULL,
    entity1_id TEXT NOT NULL,
    entity2_id TEXT NOT NULL,
    similarity DOUBLE PRECISION NOT NULL,
    features_json TEXT,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'rejected')),
    decided_by TEXT,
    decided_at TEXT,
    notes TEXT,
    created_at TEXT NOT NULL,
    CHECK (entity1_id <> entity2_id),
    UNIQUE (issuer_id, entity1_id, entity2_id),
    FOREIGN KEY (issuer_id, entity1_id) REFERENCES drug_program(issuer_id, drug_program_id),
    FOREIGN KEY (issuer_id, entity2_id) REFERENCES drug_program(issuer_id, drug_program_id)
);

CREATE TABLE IF NOT EXISTS drug_program_alias (
    alias_id {{serial}},
    issuer_id TEXT NOT NULL,
    canonical_id TEXT NOT NULL,
    alias_of_id TEXT NOT NULL,
    suggestion_id TEXT REFERENCES duplicate_suggestion(suggestion_id),
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (issuer_id, canonical_id, alias_of_id),
    FOREIGN KEY (issuer_id, canonical_id) REFERENCES drug_program(issuer_id, drug_program_id),
    FOREIGN KEY (issuer_id, alias_of_id) REFERENCES drug_program(issuer_id, drug_program_id)
);
`),
	},
	{
		Version:     5,
		Description: "batch operations and entity history",
		Up: execDDL(`
CREATE TABLE IF NOT EXISTS batch_operation (
    batch_id TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    issuer_id TEXT,
    status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'rolled_back')),
    actor TEXT NOT NULL,
    metadata_json TEXT,
    started_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS entity_history (
    history_id {{serial}},
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    event TEXT NOT NULL,
    payload_json TEXT,
    actor TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_history_entity ON entity_history(entity_type, entity_id);
`),
	},
	{
		Version:     6,
		Description: "chain link views and quality views",
		Up: execDDL(`
{{create_view}} link_issuer_drug AS
SELECT a.assertion_id, a.subject_id AS issuer_id, a.object_id AS drug_program_id,
       a.computed_confidence, a.effective_from, a.retracted_at
FROM assertion a
WHERE a.subject_type = 'issuer' AND a.object_type = 'drug_program' AND a.predicate = 'develops';

{{create_view}} link_drug_target AS
SELECT a.assertion_id, a.subject_id AS drug_program_id, a.object_id AS target_id,
       a.computed_confidence, a.effective_from, a.retracted_at
FROM assertion a
WHERE a.subject_type = 'drug_program' AND a.object_type = 'target';

{{create_view}} link_target_disease AS
SELECT a.assertion_id, a.subject_id AS target_id, a.object_id AS disease_id,
       a.computed_confidence, a.effective_from, a.retracted_at
FROM assertion a
WHERE a.subject_type = 'target' AND a.object_type = 'disease';

{{create_view}} q_assertion_without_evidence AS
SELECT a.assertion_id FROM assertion a
WHERE NOT EXISTS (SELECT 1 FROM assertion_evidence ae WHERE ae.assertion_id = a.assertion_id);

{{create_view}} q_assertion_missing_confidence AS
SELECT a.assertion_id FROM assertion a
WHERE a.retracted_at IS NULL AND a.computed_confidence IS NULL;

{{create_view}} q_evidence_unsafe_license AS
SELECT e.evidence_id, e.license FROM evidence e
LEFT JOIN license_registry l ON l.license = e.license
WHERE l.license IS NULL OR l.commercial_safe = 0;

{{create_view}} q_explanation_stale_link AS
SELECT x.explanation_id FROM explanation x
JOIN assertion a1 ON a1.assertion_id = x.issuer_drug_assertion_id
JOIN assertion a2 ON a2.assertion_id = x.drug_target_assertion_id
JOIN assertion a3 ON a3.assertion_id = x.target_disease_assertion_id
WHERE (a1.retracted_at IS NOT NULL AND a1.retracted_at < (x.as_of_date || 'T99'))
   OR (a2.retracted_at IS NOT NULL AND a2.retracted_at < (x.as_of_date || 'T99'))
   OR (a3.retracted_at IS NOT NULL AND a3.retracted_at < (x.as_of_date || 'T99'));
`),
	},
}

func execDDL(stmt string) func(tx *sql.Tx, d dialect) error {
	return func(tx *sql.Tx, d dialect) error {
		_, err := tx.Exec(d.ddl(stmt))
		return err
	}
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
