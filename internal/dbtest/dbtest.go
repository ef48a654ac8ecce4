// Package dbtest opens throwaway stores and seeds fixtures for tests in
// other packages.
package dbtest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/license"
)

// Day0 is the clock start of every store opened by Open.
var Day0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// Clock is a settable test clock, safe for use from worker goroutines.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Registry is the license registry used by test stores.
func Registry(t testing.TB) *license.Registry {
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

// Open creates a SQLite store in a temp dir, closed on cleanup.
func Open(t testing.TB) (*database.DB, *Clock) {
	t.Helper()
	clock := &Clock{now: Day0}
	db, err := database.Open(database.Options{
		Target:   filepath.Join(t.TempDir(), "test.db"),
		Licenses: Registry(t),
		Rubric:   confidence.DefaultRubric(),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, clock
}

func Issuer(t testing.TB, db *database.DB, id string) {
	t.Helper()
	if _, _, err := db.CreateIssuer(context.Background(), database.IssuerInput{
		ID: id, PrimaryExternalID: "EXT-" + id, Name: id + " Inc", Actor: "tester",
	}); err != nil {
		t.Fatalf("CreateIssuer(%s): %v", id, err)
	}
}

func Drug(t testing.TB, db *database.DB, issuerID, name string) string {
	t.Helper()
	dp, _, err := db.CreateDrugProgram(context.Background(), database.DrugProgramInput{IssuerID: issuerID, Name: name, Actor: "tester"})
	if err != nil {
		t.Fatalf("CreateDrugProgram(%s): %v", name, err)
	}
	return dp.ID
}

// Evidence records evidence observed now. Sources starting with "news"
// carry the metadata-only news license, all others CC0.
func Evidence(t testing.TB, db *database.DB, source, record string) int64 {
	t.Helper()
	lic := "CC0"
	if strings.HasPrefix(source, "news") {
		lic = "NEWS_METADATA_ONLY"
	}
	res, err := db.CreateEvidence(context.Background(), database.EvidenceInput{
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

func Assert(t testing.TB, db *database.DB, subject database.EntityRef, predicate string, object database.EntityRef, evidence ...int64) database.AssertionResult {
	t.Helper()
	in := database.AssertionInput{Subject: subject, Predicate: predicate, Object: object, Actor: "tester"}
	for _, id := range evidence {
		in.Evidence = append(in.Evidence, database.EvidenceLink{EvidenceID: id})
	}
	res, err := db.CreateAssertion(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateAssertion(%s): %v", in.Key(), err)
	}
	return res
}

// Chain holds the ids of a seeded Issuer→Drug→Target→Disease chain.
type Chain struct {
	Issuer, Drug, Target, Disease string
	Develops, Targets, Associated int64
}

// SeedChain builds issuer → Zolbetuximab → CLDN18 → gastric cancer, backed
// by SEC, ChEMBL and Open Targets evidence.
func SeedChain(t testing.TB, db *database.DB, issuerID string) Chain {
	t.Helper()
	ctx := context.Background()
	c := Chain{Issuer: issuerID, Target: "ENSG00000066405", Disease: "EFO_0000503"}
	Issuer(t, db, issuerID)
	c.Drug = Drug(t, db, issuerID, "Zolbetuximab")
	if err := db.UpsertTarget(ctx, database.Target{ID: c.Target, Symbol: "CLDN18", Name: "Claudin 18"}, "loader"); err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if err := db.UpsertDisease(ctx, database.Disease{ID: c.Disease, Name: "Gastric cancer"}, "loader"); err != nil {
		t.Fatalf("UpsertDisease: %v", err)
	}
	c.Develops = Assert(t, db, database.EntityRef{Type: database.TypeIssuer, ID: issuerID}, "develops",
		database.EntityRef{Type: database.TypeDrugProgram, ID: c.Drug},
		Evidence(t, db, "sec_edgar", issuerID+"-10-K")).ID
	c.Targets = Assert(t, db, database.EntityRef{Type: database.TypeDrugProgram, ID: c.Drug}, "targets",
		database.EntityRef{Type: database.TypeTarget, ID: c.Target},
		Evidence(t, db, "chembl", issuerID+"-CHEMBL")).ID
	c.Associated = Assert(t, db, database.EntityRef{Type: database.TypeTarget, ID: c.Target}, "associated_with",
		database.EntityRef{Type: database.TypeDisease, ID: c.Disease},
		Evidence(t, db, "opentargets", "OT-"+c.Target+"-"+c.Disease)).ID
	return c
}
