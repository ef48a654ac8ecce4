package database

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/guard"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCreateAssertionScoresSynchronously(t *testing.T) {
	db, _ := openTestDB(t)
	c := seedChain(t, db)

	a, err := db.GetAssertion(context.Background(), c.develops)
	if err != nil || a == nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if a.Confidence == nil {
		t.Fatal("expected confidence to be set on create")
	}
	if !near(*a.Confidence, 0.98) {
		t.Errorf("expected 0.95 + 0.01 + 0.02 = 0.98, got %v", *a.Confidence)
	}
	if a.Band != confidence.BandHigh || a.Method != confidence.MethodDeterministic {
		t.Errorf("unexpected band/method %s/%s", a.Band, a.Method)
	}
	if a.RationaleJSON == "" {
		t.Error("expected rationale to be stored")
	}
}

func TestCreateAssertionRequiresEvidence(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")
	drug := mustDrug(t, db, "ISS_1", "Zolbetuximab")
	in := AssertionInput{
		Subject:   EntityRef{TypeIssuer, "ISS_1"},
		Predicate: "develops",
		Object:    EntityRef{TypeDrugProgram, drug},
		Actor:     "tester",
	}

	_, err := db.CreateAssertion(ctx, in)
	var me *guard.MissingEvidence
	if !errors.As(err, &me) || me.Reason != guard.NoEvidence {
		t.Fatalf("empty evidence: expected MissingEvidence/no_evidence, got %v", err)
	}

	in.Evidence = []EvidenceLink{{EvidenceID: 9999}}
	_, err = db.CreateAssertion(ctx, in)
	if !errors.As(err, &me) || me.Reason != guard.UnknownEvidence {
		t.Fatalf("unknown evidence: expected MissingEvidence/unknown_evidence, got %v", err)
	}

	list, err := db.ListAssertions(ctx, AssertionFilter{SubjectID: "ISS_1", IncludeRetracted: true})
	if err != nil {
		t.Fatalf("ListAssertions: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected assertions must leave no row, found %d", len(list))
	}
}

func TestCreateAssertionRejectsContextualOnly(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	mustIssuer(t, db, "ISS_1")
	drug := mustDrug(t, db, "ISS_1", "Zolbetuximab")
	news := mustEvidence(t, db, "news", "article-1")

	_, err := db.CreateAssertion(ctx, AssertionInput{
		Subject:   EntityRef{TypeIssuer, "ISS_1"},
		Predicate: "develops",
		Object:    EntityRef{TypeDrugProgram, drug},
		Evidence:  []EvidenceLink{{EvidenceID: news}},
	})
	var me *guard.MissingEvidence
	if !errors.As(err, &me) || me.Reason != guard.ContextualOnly {
		t.Fatalf("expected contextual-only rejection, got %v", err)
	}

	sec := mustEvidence(t, db, "sec_edgar", "10-K")
	res := mustAssert(t, db, EntityRef{TypeIssuer, "ISS_1"}, "develops", EntityRef{TypeDrugProgram, drug}, news, sec)
	if !res.Created {
		t.Error("expected assertion with primary evidence to be created")
	}
}

func TestCreateAssertionIdempotentOnOpenKey(t *testing.T) {
	db, _ := openTestDB(t)
	c := seedChain(t, db)
	extra := mustEvidence(t, db, "sec_edgar", "8-K")

	again := mustAssert(t, db, EntityRef{TypeIssuer, c.issuer}, "develops", EntityRef{TypeDrugProgram, c.drug}, extra)
	if again.Created || again.ID != c.develops {
		t.Fatalf("expected existing assertion %d, got %+v", c.develops, again)
	}
	evs, err := db.EvidenceForAssertion(context.Background(), c.develops)
	if err != nil {
		t.Fatalf("EvidenceForAssertion: %v", err)
	}
	if len(evs) != 2 {
		t.Errorf("expected supplied evidence to be attached, got %d links", len(evs))
	}
	if !near(again.Confidence, 0.99) {
		t.Errorf("expected 0.95 + 0.02 + 0.02 capped at 0.99, got %v", again.Confidence)
	}
}

func TestCreateAssertionDevelopsMustStayWithinIssuer(t *testing.T) {
	db, _ := openTestDB(t)
	mustIssuer(t, db, "ISS_1")
	mustIssuer(t, db, "ISS_2")
	drug := mustDrug(t, db, "ISS_2", "Other")
	ev := mustEvidence(t, db, "sec_edgar", "10-K")

	_, err := db.CreateAssertion(context.Background(), AssertionInput{
		Subject:   EntityRef{TypeIssuer, "ISS_1"},
		Predicate: "develops",
		Object:    EntityRef{TypeDrugProgram, drug},
		Evidence:  []EvidenceLink{{EvidenceID: ev}},
	})
	if !errors.Is(err, guard.ErrIdentityViolation) {
		t.Fatalf("expected identity violation, got %v", err)
	}
}

func TestCreateAssertionChecksPredicateTypes(t *testing.T) {
	db, _ := openTestDB(t)
	c := seedChain(t, db)
	ev := mustEvidence(t, db, "chembl", "x")
	_, err := db.CreateAssertion(context.Background(), AssertionInput{
		Subject:   EntityRef{TypeIssuer, c.issuer},
		Predicate: "targets",
		Object:    EntityRef{TypeTarget, c.target},
		Evidence:  []EvidenceLink{{EvidenceID: ev}},
	})
	if !errors.Is(err, guard.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLocationAndCompanyAssertions(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)

	ev := mustEvidence(t, db, "sec_edgar", "10-K-2025-loc")
	_, err := db.CreateAssertion(ctx, AssertionInput{
		Subject:   EntityRef{TypeIssuer, c.issuer},
		Predicate: "located_in",
		Object:    EntityRef{TypeLocation, "GEO_JP_TOKYO"},
		Evidence:  []EvidenceLink{{EvidenceID: ev}},
		Actor:     "tester",
	})
	if !errors.Is(err, guard.ErrInvalidInput) && !errors.Is(err, guard.ErrNotFound) {
		t.Fatalf("expected unknown location to be rejected, got %v", err)
	}

	if err := db.UpsertLocation(ctx, Location{ID: "GEO_JP_TOKYO", Name: "Tokyo", CountryCode: "JP"}); err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}
	if err := db.UpsertCompany(ctx, Company{ID: "CO_1", Name: "Astellas Subsidiary", Ticker: "ALPMY"}); err != nil {
		t.Fatalf("UpsertCompany: %v", err)
	}
	if err := db.UpsertCompany(ctx, Company{ID: "CO_2"}); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("expected invalid input for nameless company, got %v", err)
	}

	loc := mustAssert(t, db, EntityRef{TypeIssuer, c.issuer}, "located_in", EntityRef{TypeLocation, "GEO_JP_TOKYO"}, ev)
	sub := mustAssert(t, db, EntityRef{TypeCompany, "CO_1"}, "subsidiary_of", EntityRef{TypeIssuer, c.issuer},
		mustEvidence(t, db, "sec_edgar", "10-K-2025-sub"))
	if !loc.Created || !sub.Created {
		t.Fatalf("expected both assertions to be created, got %+v %+v", loc, sub)
	}
}

func TestDetachEvidenceKeepsQualifyingLink(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)
	evs, _ := db.EvidenceForAssertion(ctx, c.develops)
	sec := evs[0].ID

	_, err := db.DetachEvidence(ctx, c.develops, sec, "curator")
	var me *guard.MissingEvidence
	if !errors.As(err, &me) || me.Reason != guard.LastQualifying {
		t.Fatalf("detaching the only evidence: expected last_qualifying, got %v", err)
	}

	news := mustEvidence(t, db, "news", "n1")
	if _, err := db.AttachEvidence(ctx, c.develops, []EvidenceLink{{EvidenceID: news}}, "curator"); err != nil {
		t.Fatalf("AttachEvidence: %v", err)
	}
	_, err = db.DetachEvidence(ctx, c.develops, sec, "curator")
	if !errors.As(err, &me) || me.Reason != guard.LastQualifying {
		t.Fatalf("leaving only news: expected last_qualifying, got %v", err)
	}
	if _, err := db.DetachEvidence(ctx, c.develops, news, "curator"); err != nil {
		t.Fatalf("detaching news: %v", err)
	}
}

func TestAttachEvidenceChecksWeight(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)
	ev := mustEvidence(t, db, "sec_edgar", "8-K")

	for _, w := range []float64{-0.5, 1.5} {
		if _, err := db.AttachEvidence(ctx, c.develops, []EvidenceLink{{EvidenceID: ev, Weight: w}}, "curator"); !errors.Is(err, guard.ErrInvalidInput) {
			t.Errorf("weight %v: expected invalid input, got %v", w, err)
		}
	}
	evs, _ := db.EvidenceForAssertion(ctx, c.develops)
	if len(evs) != 1 {
		t.Errorf("expected the rejected links not stored, got %d evidence", len(evs))
	}
}

func TestCuratorOverrideIsBounded(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)

	if _, err := db.SetCuratorOverride(ctx, c.targets, 0.2, "too much", "curator"); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("expected delta 0.2 to be rejected, got %v", err)
	}
	if _, err := db.SetCuratorOverride(ctx, c.targets, -0.05, "", "curator"); !errors.Is(err, guard.ErrInvalidInput) {
		t.Errorf("expected missing justification to be rejected, got %v", err)
	}
	if _, err := db.SetCuratorOverride(ctx, c.targets, -0.05, "weak assay", ""); !errors.Is(err, guard.ErrIdentityViolation) {
		t.Errorf("expected missing actor to be rejected, got %v", err)
	}
	r, err := db.SetCuratorOverride(ctx, c.targets, -0.05, "weak assay", "curator")
	if err != nil {
		t.Fatalf("SetCuratorOverride: %v", err)
	}
	if !near(r.Score, 0.88) {
		t.Errorf("expected 0.93 - 0.05 = 0.88, got %v", r.Score)
	}
}

func TestRetractAssertion(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)

	if err := db.RetractAssertion(ctx, c.targets, "superseded", ""); !errors.Is(err, guard.ErrIdentityViolation) {
		t.Fatalf("expected actor requirement, got %v", err)
	}
	if err := db.RetractAssertion(ctx, c.targets, "superseded", "curator"); err != nil {
		t.Fatalf("RetractAssertion: %v", err)
	}
	if err := db.RetractAssertion(ctx, c.targets, "again", "curator"); !errors.Is(err, guard.ErrInvalidState) {
		t.Errorf("expected invalid state on second retraction, got %v", err)
	}

	// The key is free again once the old assertion is closed.
	ev := mustEvidence(t, db, "chembl", "CHEMBL-2")
	res := mustAssert(t, db, EntityRef{TypeDrugProgram, c.drug}, "targets", EntityRef{TypeTarget, c.target}, ev)
	if !res.Created || res.ID == c.targets {
		t.Errorf("expected a new assertion, got %+v", res)
	}
}

func TestChangeHooksReceiveAffectedIssuers(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)
	mustIssuer(t, db, "ISS_2")
	other := mustDrug(t, db, "ISS_2", "Second")
	mustAssert(t, db, EntityRef{TypeDrugProgram, other}, "inhibits", EntityRef{TypeTarget, c.target}, mustEvidence(t, db, "chembl", "CHEMBL-9"))

	var got [][]string
	db.OnChange(func(_ context.Context, ids []string) { got = append(got, ids) })

	if err := db.RetractAssertion(ctx, c.associated, "wrong disease", "curator"); err != nil {
		t.Fatalf("RetractAssertion: %v", err)
	}
	if len(got) != 1 || len(got[0]) != 2 || got[0][0] != "ISS_1" || got[0][1] != "ISS_2" {
		t.Errorf("expected both issuers behind the target, got %v", got)
	}
}

func TestRecomputeAllConfidenceAppliesDecay(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	c := seedChain(t, db)

	n, err := db.RecomputeAllConfidence(ctx)
	if err != nil {
		t.Fatalf("RecomputeAllConfidence: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no change on the same day, got %d", n)
	}

	clock.Advance(365 * 24 * time.Hour)
	n, err = db.RecomputeAllConfidence(ctx)
	if err != nil {
		t.Fatalf("RecomputeAllConfidence: %v", err)
	}
	if n != 3 {
		t.Errorf("expected all 3 assertions to decay, got %d", n)
	}
	a, _ := db.GetAssertion(ctx, c.develops)
	want := 0.95 + 0.01 + 0.02*math.Exp(-1)
	if math.Abs(*a.Confidence-want) > 1e-6 {
		t.Errorf("expected %v after one year, got %v", want, *a.Confidence)
	}
}
