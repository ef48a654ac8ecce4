package database

import (
	"time"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
)

// Entity types that may appear as assertion subjects or objects.
const (
	TypeIssuer      = "issuer"
	TypeDrugProgram = "drug_program"
	TypeTarget      = "target"
	TypeDisease     = "disease"
	TypeLocation    = "location"
	TypeCompany     = "company"
)

// Issuer is a stable economic entity.
type Issuer struct {
	ID                string
	PrimaryExternalID string
	Name              string
	Notes             string
	CreatedBy         string
	CreatedAt         time.Time
}

// IssuerIdentifier is one effective-dated external identifier of an issuer.
type IssuerIdentifier struct {
	IssuerID      string
	Type          string
	Value         string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	RecordedBy    string
}

// DrugProgram is a therapeutic asset owned by exactly one issuer.
type DrugProgram struct {
	ID                string
	IssuerID          string
	Slug              string
	Name              string
	Modality          string
	Stage             string
	ExternalCatalogID string
	Version           int
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
	BatchID           string
}

// DrugProgramInput creates a drug program.
type DrugProgramInput struct {
	IssuerID          string
	Name              string
	Slug              string
	Modality          string
	Stage             string
	ExternalCatalogID string
	Actor             string
	BatchID           string
}

// Target is a molecular target from an external ontology.
type Target struct {
	ID          string
	Symbol      string
	Name        string
	TargetClass string
	CreatedBy   string
	CreatedAt   time.Time
}

// Disease is a condition from an external ontology.
type Disease struct {
	ID              string
	Name            string
	TherapeuticArea string
	CreatedBy       string
	CreatedAt       time.Time
}

// Location is a place an issuer is located in.
type Location struct {
	ID          string
	Name        string
	CountryCode string
}

// Company is a non-issuer corporate entity.
type Company struct {
	ID       string
	Name     string
	Ticker   string
	Exchange string
}

// EvidenceInput is what loaders hand to CreateEvidence.
type EvidenceInput struct {
	SourceSystem   string
	SourceRecordID string
	ObservedAt     time.Time
	// RetrievedAt defaults to the store clock.
	RetrievedAt    time.Time
	License        string
	Locator        string
	Excerpt        string
	BaseConfidence *float64
	BatchID        string
}

// EvidenceResult reports the id and whether a new row was written.
type EvidenceResult struct {
	ID      int64
	Created bool
}

// Evidence is an immutable provenance record.
type Evidence struct {
	ID             int64
	SourceSystem   string
	SourceRecordID string
	ObservedAt     time.Time
	RetrievedAt    time.Time
	License        string
	Locator        string
	Excerpt        string
	BaseConfidence *float64
	Checksum       string
	BatchID        string
	CreatedAt      time.Time
}

// EntityRef names an entity by type and id.
type EntityRef struct {
	Type string
	ID   string
}

// EvidenceLink is one evidence id supplied to an assertion, with its
// per-link weight and rationale.
type EvidenceLink struct {
	EvidenceID int64
	Weight     float64
	Rationale  string
}

// AssertionInput is the request to create_assertion.
type AssertionInput struct {
	Subject   EntityRef
	Predicate string
	Object    EntityRef
	Evidence  []EvidenceLink
	Method    confidence.Method
	// EffectiveFrom defaults to the store clock.
	EffectiveFrom time.Time
	Actor         string
	BatchID       string
}

// AssertionResult reports the assertion id and whether it was new.
type AssertionResult struct {
	ID         int64
	Created    bool
	Confidence float64
	Band       confidence.Band
}

// Assertion is an evidence-mediated statement.
type Assertion struct {
	ID                   int64
	Subject              EntityRef
	Predicate            string
	Object               EntityRef
	EffectiveFrom        time.Time
	RetractedAt          *time.Time
	RetractionReason     string
	Confidence           *float64
	Band                 confidence.Band
	Method               confidence.Method
	RationaleJSON        string
	CuratorDelta         float64
	CuratorJustification string
	BatchID              string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Key renders the (subject, predicate, object) key for messages.
func (a AssertionInput) Key() string {
	return a.Subject.Type + ":" + a.Subject.ID + " " + a.Predicate + " " + a.Object.Type + ":" + a.Object.ID
}

// Explanation is one materialized Issuer→Drug→Target→Disease chain.
type Explanation struct {
	ID                       int64
	IssuerID                 string
	DrugProgramID            string
	TargetID                 string
	DiseaseID                string
	AsOf                     string
	Strength                 float64
	IssuerDrugAssertionID    int64
	DrugTargetAssertionID    int64
	TargetDiseaseAssertionID int64
	MaterializedAt           time.Time
}

// TupleKey identifies an explanation within a snapshot.
func (e Explanation) TupleKey() string {
	return e.DrugProgramID + "|" + e.TargetID + "|" + e.DiseaseID
}

// ExplanationFilter narrows ListExplanations.
type ExplanationFilter struct {
	IssuerID  string
	AsOf      time.Time
	DiseaseID string
	TargetID  string
}

// Snapshot records one materialization pass for an issuer and date.
type Snapshot struct {
	IssuerID       string
	AsOf           string
	Count          int
	Strategy       string
	MaterializedAt time.Time
}

// MaterializeStats summarizes one per-issuer pass.
type MaterializeStats struct {
	IssuerID  string
	AsOf      string
	Count     int
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
}

// EvidenceSummary is the audit view of evidence shown in drill-downs.
type EvidenceSummary struct {
	ID           int64
	SourceSystem string
	License      string
	Locator      string
	ObservedAt   time.Time
}

// ChainLink is one assertion of an explanation with its evidence.
type ChainLink struct {
	Assertion Assertion
	Evidence  []EvidenceSummary
}

// Candidate statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Candidate is a machine-proposed entity waiting for a curator.
type Candidate struct {
	ID                 string
	IssuerID           string
	Type               string
	ProposedName       string
	ExternalID         string
	EvidenceID         int64
	ProposedBy         string
	Status             string
	DecidedBy          string
	DecidedAt          *time.Time
	Notes              string
	CreatedEntityID    string
	CreatedAssertionID int64
	CreatedAt          time.Time
}

// CandidateInput proposes a candidate.
type CandidateInput struct {
	IssuerID     string
	Type         string
	ProposedName string
	ExternalID   string
	EvidenceID   int64
	ProposedBy   string
}

// Acceptance carries a curator's accept decision. ParentID is the existing
// entity the new fact attaches to: the candidate's issuer for drug programs,
// a drug program of that issuer for targets, a target for diseases.
type Acceptance struct {
	CandidateID      string
	Actor            string
	ParentID         string
	EntityID         string
	Name             string
	ExtraEvidenceIDs []int64
	Notes            string
}

// AcceptResult reports what an accepted candidate created.
type AcceptResult struct {
	EntityID    string
	AssertionID int64
	Confidence  float64
}

// DuplicateSuggestion proposes that two drug programs of one issuer are the
// same asset.
type DuplicateSuggestion struct {
	ID           string
	IssuerID     string
	Entity1ID    string
	Entity2ID    string
	Similarity   float64
	FeaturesJSON string
	Status       string
	DecidedBy    string
	DecidedAt    *time.Time
	Notes        string
	CreatedAt    time.Time
}

// Alias links an alias drug program to its canonical one.
type Alias struct {
	ID           int64
	IssuerID     string
	CanonicalID  string
	AliasOfID    string
	SuggestionID string
	CreatedBy    string
	CreatedAt    time.Time
}

// Batch statuses.
const (
	BatchRunning    = "running"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchRolledBack = "rolled_back"
)

// Batch tracks a bulk load so it can be rolled back.
type Batch struct {
	ID            string
	OperationType string
	IssuerID      string
	Status        string
	Actor         string
	MetadataJSON  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// HistoryEvent is one entry of the append-only entity log.
type HistoryEvent struct {
	ID          int64
	EntityType  string
	EntityID    string
	Version     int
	Event       string
	PayloadJSON string
	Actor       string
	RecordedAt  time.Time
}

// Stats holds database statistics.
type Stats struct {
	Issuers             int
	DrugPrograms        int
	Targets             int
	Diseases            int
	Evidence            int
	Assertions          int
	RetractedAssertions int
	Explanations        int
	PendingCandidates   int
	PendingDuplicates   int
	LatestMaterialized  string
}

// QualityReport counts rows in each quality view. Every field should be 0.
type QualityReport struct {
	AssertionsWithoutEvidence int
	MissingConfidence         int
	UnsafeLicenseEvidence     int
	ContextualOnlyAssertions  int
	StaleExplanationLinks     int
}

// OK reports whether every check passed.
func (q QualityReport) OK() bool {
	return q == QualityReport{}
}
