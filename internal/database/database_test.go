package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/license"
	"github.com/TobiSchelling/BioGraph/internal/strength"
)

var day0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testRegistry(t *testing.T) *license.Registry {
	t.Helper()
	reg, err := license.NewRegistry([]license.Entry{
		{ID: "CC0", CommercialSafe: true},
		{ID: "US_GOV_PUBLIC", CommercialSafe: true},
		{ID: "NEWS_METADATA_ONLY", CommercialSafe: true, ExcerptLimit: 200},
		{ID: "CC-BY-NC-4.0", CommercialSafe: false},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func openTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	clock := &testClock{now: day0}
	db, err := Open(Options{
		Target:   filepath.Join(t.TempDir(), "test.db"),
		Licenses: testRegistry(t),
		Rubric:   confidence.DefaultRubric(),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, clock
}

func product(t *testing.T) strength.Strategy {
	t.Helper()
	s, err := strength.Parse(strength.Product, "")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	return s
}

func mustIssuer(t *testing.T, db *DB, id string) {
	t.Helper()
	if _, _, err := db.CreateIssuer(context.Background(), IssuerInput{ID: id, PrimaryExternalID: "EXT-" + id, Name: id + " Inc", Actor: "tester"}); err != nil {
		t.Fatalf("CreateIssuer(%s): %v", id, err)
	}
}

func mustDrug(t *testing.T, db *DB, issuerID, name string) string {
	t.Helper()
	dp, _, err := db.CreateDrugProgram(context.Background(), DrugProgramInput{IssuerID: issuerID, Name: name, Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateDrugProgram(%s): %v", name, err)
	}
	return dp.ID
}

func mustEvidence(t *testing.T, db *DB, source, record string) int64 {
	t.Helper()
	lic := "CC0"
	if strings.HasPrefix(source, "news") {
		lic = "NEWS_METADATA_ONLY"
	}
	res, err := db.CreateEvidence(context.Background(), EvidenceInput{
		SourceSystem:   source,
		SourceRecordID: record,
		ObservedAt:     db.Now(),
		License:        lic,
		Locator:        "https://example.org/" + record,
	})
	if err != nil {
		t.Fatalf("CreateEvidence(%s/%s): %v", source, record, err)
	}
	return res.ID
}

func mustAssert(t *testing.T, db *DB, subject EntityRef, predicate string, object EntityRef, evidence ...int64) AssertionResult {
	t.Helper()
	in := AssertionInput{Subject: subject, Predicate: predicate, Object: object, Actor: "tester"}
	for _, id := range evidence {
		in.Evidence = append(in.Evidence, EvidenceLink{EvidenceID: id})
	}
	res, err := db.CreateAssertion(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateAssertion(%s): %v", in.Key(), err)
	}
	return res
}

type chainIDs struct {
	issuer, drug, target, disease string
	develops, targets, associated int64
}

// seedChain builds ISS_1 → zolbetuximab → CLDN18.2 → gastric cancer.
func seedChain(t *testing.T, db *DB) chainIDs {
	t.Helper()
	ctx := context.Background()
	c := chainIDs{issuer: "ISS_1", target: "ENSG00000066405", disease: "EFO_0000503"}
	mustIssuer(t, db, c.issuer)
	c.drug = mustDrug(t, db, c.issuer, "Zolbetuximab")
	if err := db.UpsertTarget(ctx, Target{ID: c.target, Symbol: "CLDN18", Name: "Claudin 18"}, "loader"); err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if err := db.UpsertDisease(ctx, Disease{ID: c.disease, Name: "Gastric cancer"}, "loader"); err != nil {
		t.Fatalf("UpsertDisease: %v", err)
	}
	c.develops = mustAssert(t, db, EntityRef{TypeIssuer, c.issuer}, "develops", EntityRef{TypeDrugProgram, c.drug},
		mustEvidence(t, db, "sec_edgar", "10-K-2025")).ID
	c.targets = mustAssert(t, db, EntityRef{TypeDrugProgram, c.drug}, "targets", EntityRef{TypeTarget, c.target},
		mustEvidence(t, db, "chembl", "CHEMBL-1")).ID
	c.associated = mustAssert(t, db, EntityRef{TypeTarget, c.target}, "associated_with", EntityRef{TypeDisease, c.disease},
		mustEvidence(t, db, "opentargets", "OT-1")).ID
	return c
}

func TestOpenSyncsLicenses(t *testing.T) {
	db, _ := openTestDB(t)
	var n int
	if err := db.queryRow(context.Background(), `SELECT COUNT(*) FROM license_registry`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 licenses, got %d", n)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql", Licenses: testRegistry(t)})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestCreateIssuerIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	a, created, err := db.CreateIssuer(ctx, IssuerInput{PrimaryExternalID: "LEI-1", Name: "Astellas", Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateIssuer: %v", err)
	}
	if !created {
		t.Error("expected first call to create")
	}
	b, created, err := db.CreateIssuer(ctx, IssuerInput{PrimaryExternalID: "LEI-1", Name: "Other", Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateIssuer again: %v", err)
	}
	if created || b.ID != a.ID {
		t.Errorf("expected existing issuer %s, got %s (created=%v)", a.ID, b.ID, created)
	}
}

func TestIssuerIdentifierHistory(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")
	if err := db.RecordIssuerIdentifier(ctx, "ISS_1", "ticker", "ALPMY", time.Time{}, "tester"); err != nil {
		t.Fatalf("RecordIssuerIdentifier: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if err := db.RecordIssuerIdentifier(ctx, "ISS_1", "ticker", "ALPMF", time.Time{}, "tester"); err != nil {
		t.Fatalf("RecordIssuerIdentifier: %v", err)
	}

	old, err := db.FindIssuerByIdentifier(ctx, "ticker", "ALPMY", day0.Add(time.Hour))
	if err != nil || old == nil || old.ID != "ISS_1" {
		t.Fatalf("expected old ticker to resolve at day0, got %v, %v", old, err)
	}
	gone, err := db.FindIssuerByIdentifier(ctx, "ticker", "ALPMY", clock.Now())
	if err != nil {
		t.Fatalf("FindIssuerByIdentifier: %v", err)
	}
	if gone != nil {
		t.Error("expected old ticker to be closed")
	}

	ids, err := db.IssuerIdentifiers(ctx, "ISS_1")
	if err != nil {
		t.Fatalf("IssuerIdentifiers: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("expected primary + 2 tickers, got %d", len(ids))
	}
}

func TestCreateDrugProgramScopedToIssuer(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")
	mustIssuer(t, db, "ISS_2")

	a := mustDrug(t, db, "ISS_1", "Zolbetuximab")
	b := mustDrug(t, db, "ISS_2", "Zolbetuximab")
	if a == b {
		t.Fatalf("same name under two issuers must give two ids, got %s", a)
	}
	if a != "ISS_1:PROG:zolbetuximab" {
		t.Errorf("unexpected id %s", a)
	}

	again, created, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "ISS_1", Name: "zolbetuximab", Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateDrugProgram: %v", err)
	}
	if created || again.ID != a {
		t.Errorf("expected existing program, got %s created=%v", again.ID, created)
	}

	if _, _, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "NOPE", Name: "X", Actor: "tester"}); !errors.Is(err, guard.ErrNotFound) {
		t.Errorf("expected not found for unknown issuer, got %v", err)
	}
}

func TestUpdateDrugProgramVersionsAndHistory(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")
	id := mustDrug(t, db, "ISS_1", "Zolbetuximab")

	stage := "Phase 3"
	dp, err := db.UpdateDrugProgram(ctx, id, DrugProgramUpdate{Stage: &stage}, "curator")
	if err != nil {
		t.Fatalf("UpdateDrugProgram: %v", err)
	}
	if dp.Version != 2 || dp.Stage != "Phase 3" {
		t.Errorf("expected version 2 at Phase 3, got %d %q", dp.Version, dp.Stage)
	}

	if err := db.SoftDeleteDrugProgram(ctx, id, "curator", "withdrawn"); err != nil {
		t.Fatalf("SoftDeleteDrugProgram: %v", err)
	}
	if _, err := db.UpdateDrugProgram(ctx, id, DrugProgramUpdate{Stage: &stage}, "curator"); !errors.Is(err, guard.ErrInvalidState) {
		t.Errorf("expected invalid state updating a deleted program, got %v", err)
	}

	hist, err := db.EntityHistory(ctx, TypeDrugProgram, id)
	if err != nil {
		t.Fatalf("EntityHistory: %v", err)
	}
	var events []string
	for _, h := range hist {
		events = append(events, h.Event)
	}
	if strings.Join(events, ",") != "created,updated,deleted" {
		t.Errorf("unexpected history %v", events)
	}
}

func TestDrugProgramSlugCollisions(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")

	alpha := mustDrug(t, db, "ISS_1", "IFN-α")
	beta, created, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "ISS_1", Name: "IFN-β", Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateDrugProgram(IFN-β): %v", err)
	}
	if !created || beta.ID == alpha {
		t.Fatalf("expected a second program, got %s created=%v", beta.ID, created)
	}

	mustDrug(t, db, "ISS_1", "IMAB-362")
	if _, _, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "ISS_1", Name: "IMAB 362", Actor: "tester"}); !errors.Is(err, guard.ErrIdentityViolation) {
		t.Errorf("expected identity violation for a different name on the same slug, got %v", err)
	}
	if again, created, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "ISS_1", Name: "imab-362 ", Actor: "tester"}); err != nil || created {
		t.Errorf("expected the existing program for a case variant, got %+v created=%v err=%v", again, created, err)
	}

	if err := db.SoftDeleteDrugProgram(ctx, alpha, "curator", "withdrawn"); err != nil {
		t.Fatalf("SoftDeleteDrugProgram: %v", err)
	}
	if _, _, err := db.CreateDrugProgram(ctx, DrugProgramInput{IssuerID: "ISS_1", Name: "IFN-α", Actor: "tester"}); !errors.Is(err, guard.ErrInvalidState) {
		t.Errorf("expected invalid state reusing a deleted program, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Zolbetuximab":           "zolbetuximab",
		"Zolbetuximab (IMAB362)": "zolbetuximab-imab362",
		"  ASP-2138  ":           "asp-2138",
		"Ménière's therapy":      "meniere-s-therapy",
		"!!!":                    "",
		"IFN-α":                  "ifn-α",
		"IFN-β":                  "ifn-β",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateEvidenceIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	in := EvidenceInput{SourceSystem: "sec_edgar", SourceRecordID: "10-K", ObservedAt: day0.Add(-time.Hour), License: "US_GOV_PUBLIC"}
	first, err := db.CreateEvidence(ctx, in)
	if err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}
	second, err := db.CreateEvidence(ctx, in)
	if err != nil {
		t.Fatalf("CreateEvidence again: %v", err)
	}
	if !first.Created || second.Created || first.ID != second.ID {
		t.Errorf("expected one row, got %+v then %+v", first, second)
	}
	ev, err := db.GetEvidence(ctx, first.ID)
	if err != nil || ev == nil {
		t.Fatalf("GetEvidence: %v", err)
	}
	if len(ev.Checksum) != 64 {
		t.Errorf("expected sha256 checksum, got %q", ev.Checksum)
	}
}

func TestCreateEvidenceLicenseGate(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	for _, lic := range []string{"CC-BY-NC-4.0", "PROPRIETARY", ""} {
		_, err := db.CreateEvidence(ctx, EvidenceInput{SourceSystem: "x", SourceRecordID: "r-" + lic, ObservedAt: day0, License: lic})
		var lv *guard.LicenseViolation
		if !errors.As(err, &lv) {
			t.Errorf("license %q: expected LicenseViolation, got %v", lic, err)
		}
	}
	s, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if s.Evidence != 0 {
		t.Errorf("rejected evidence must not be stored, got %d rows", s.Evidence)
	}
}

func TestCreateEvidenceValidation(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	base := func() EvidenceInput {
		return EvidenceInput{SourceSystem: "news", SourceRecordID: "n1", ObservedAt: day0, License: "NEWS_METADATA_ONLY"}
	}

	future := base()
	future.ObservedAt = day0.Add(24 * time.Hour)
	if _, err := db.CreateEvidence(ctx, future); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("future observation: expected invalid input, got %v", err)
	}

	long := base()
	long.Excerpt = strings.Repeat("a", 201)
	_, err := db.CreateEvidence(ctx, long)
	var lv *guard.LicenseViolation
	if !errors.As(err, &lv) || lv.License != "NEWS_METADATA_ONLY" {
		t.Errorf("long excerpt: expected license violation naming the license, got %v", err)
	}

	badLocator := base()
	badLocator.Locator = "not a uri"
	if _, err := db.CreateEvidence(ctx, badLocator); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("relative locator: expected invalid input, got %v", err)
	}

	bad := 1.5
	badScore := base()
	badScore.BaseConfidence = &bad
	if _, err := db.CreateEvidence(ctx, badScore); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("base confidence 1.5: expected invalid input, got %v", err)
	}
}

func TestCreateEvidenceBatchIsAtomic(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateEvidenceBatch(ctx, []EvidenceInput{
		{SourceSystem: "chembl", SourceRecordID: "a", ObservedAt: day0, License: "CC0"},
		{SourceSystem: "chembl", SourceRecordID: "b", ObservedAt: day0, License: "CC-BY-NC-4.0"},
	})
	if !errors.Is(err, guard.ErrLicenseViolation) {
		t.Fatalf("expected license violation, got %v", err)
	}
	ev, err := db.FindEvidence(ctx, "chembl", "a")
	if err != nil {
		t.Fatalf("FindEvidence: %v", err)
	}
	if ev != nil {
		t.Error("batch must roll back the valid record too")
	}
}

func TestRemovedLicenseIsFlaggedAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "licenses.db")
	open := func(entries []license.Entry) *DB {
		t.Helper()
		reg, err := license.NewRegistry(entries)
		if err != nil {
			t.Fatalf("registry: %v", err)
		}
		db, err := Open(Options{Target: path, Licenses: reg, Rubric: confidence.DefaultRubric(), Clock: (&testClock{now: day0}).Now})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return db
	}

	db := open([]license.Entry{{ID: "CC0", CommercialSafe: true}, {ID: "OLD", CommercialSafe: true}})
	if _, err := db.CreateEvidence(ctx, EvidenceInput{SourceSystem: "sec_edgar", SourceRecordID: "10-K", ObservedAt: day0, License: "OLD"}); err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}
	if q, _ := db.Quality(ctx); q.UnsafeLicenseEvidence != 0 {
		t.Fatalf("expected no unsafe evidence yet, got %d", q.UnsafeLicenseEvidence)
	}
	db.Close()

	db = open([]license.Entry{{ID: "CC0", CommercialSafe: true}})
	defer db.Close()
	q, err := db.Quality(ctx)
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if q.UnsafeLicenseEvidence != 1 {
		t.Errorf("expected evidence under the removed license flagged, got %d", q.UnsafeLicenseEvidence)
	}
}

func TestQualityCleanAfterScenario(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)
	if _, err := db.MaterializeIssuer(ctx, c.issuer, day0, product(t), 0); err != nil {
		t.Fatalf("MaterializeIssuer: %v", err)
	}
	q, err := db.Quality(ctx)
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if !q.OK() {
		t.Errorf("expected clean report, got %+v", q)
	}
}

func TestQualityFlagsStaleExplanation(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)
	if _, err := db.MaterializeIssuer(ctx, c.issuer, day0, product(t), 0); err != nil {
		t.Fatalf("MaterializeIssuer: %v", err)
	}
	if err := db.RetractAssertion(ctx, c.targets, "wrong target", "curator"); err != nil {
		t.Fatalf("RetractAssertion: %v", err)
	}
	q, err := db.Quality(ctx)
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if q.StaleExplanationLinks != 1 {
		t.Errorf("expected 1 stale explanation, got %+v", q)
	}
}

func TestGetStats(t *testing.T) {
	db, _ := openTestDB(t)
	seedChain(t, db)
	s, err := db.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if s.Issuers != 1 || s.DrugPrograms != 1 || s.Evidence != 3 || s.Assertions != 3 {
		t.Errorf("unexpected stats %+v", s)
	}
}
