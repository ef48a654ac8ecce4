package curation

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/dbtest"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

func TestSimilarityRules(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
		rule string
	}{
		{"Zolbetuximab", "ZOLBETUXIMAB", 1.0, "exact"},
		{"Zolbetuximab", "Zolbetuximabb", 0.9, "levenshtein"},
		{"anti CLDN18.2 antibody zolbetuximab", "zolbetuximab anti CLDN18.2 antibody", 0.8, "token_overlap"},
		{"Enfortumab vedotin", "Enfortumab vedotin-ejfv", 0.6, "partial_overlap"},
		{"ASP2138", "Gilteritinib", 0, "none"},
	}
	for _, tt := range tests {
		f := Similarity(tt.a, tt.b)
		if f.Similarity != tt.want || f.Rule != tt.rule {
			t.Errorf("Similarity(%q, %q) = %v (%s), want %v (%s)", tt.a, tt.b, f.Similarity, f.Rule, tt.want, tt.rule)
		}
	}
}

func TestTokenOverlapIgnoresSingleCharacters(t *testing.T) {
	assert.Equal(t, 1.0, tokenOverlap("il 2 inhibitor", "il inhibitor"))
	assert.Equal(t, 0.0, tokenOverlap("a", "b"))
}

func TestScanDuplicatesStaysWithinIssuer(t *testing.T) {
	db, _ := dbtest.Open(t)
	ctx := context.Background()
	dbtest.Issuer(t, db, "ISS_1")
	dbtest.Issuer(t, db, "ISS_2")
	a := dbtest.Drug(t, db, "ISS_1", "Zolbetuximab")
	b := dbtest.Drug(t, db, "ISS_1", "Zolbetuximabb")
	dbtest.Drug(t, db, "ISS_1", "Gilteritinib")
	dbtest.Drug(t, db, "ISS_2", "Zolbetuximab")

	mt := metrics.New()
	g := New(db, Options{Metrics: mt})
	res, err := g.ScanDuplicates(ctx, "ISS_1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Programs)
	assert.Equal(t, 3, res.Compared)
	require.Len(t, res.Suggested, 1)
	assert.Equal(t, a, res.Suggested[0].Entity1ID)
	assert.Equal(t, b, res.Suggested[0].Entity2ID)
	assert.Equal(t, 0.9, res.Suggested[0].Similarity)
	assert.Contains(t, res.Suggested[0].FeaturesJSON, `"rule":"levenshtein"`)

	again, err := g.ScanDuplicates(ctx, "ISS_1")
	require.NoError(t, err)
	assert.Empty(t, again.Suggested, "a pair is suggested once")

	other, err := g.ScanDuplicates(ctx, "ISS_2")
	require.NoError(t, err)
	assert.Empty(t, other.Suggested)

	n, err := testutil.GatherAndCount(mt.Registry(), "biograph_curation_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanSkipsAliasedPairs(t *testing.T) {
	db, _ := dbtest.Open(t)
	ctx := context.Background()
	dbtest.Issuer(t, db, "ISS_1")
	a := dbtest.Drug(t, db, "ISS_1", "Zolbetuximab")
	b := dbtest.Drug(t, db, "ISS_1", "Zolbetuximabb")
	g := New(db, Options{})

	res, err := g.ScanDuplicates(ctx, "ISS_1")
	require.NoError(t, err)
	require.Len(t, res.Suggested, 1)
	_, err = g.AcceptDuplicate(ctx, res.Suggested[0].ID, b, "alice", "same asset")
	require.NoError(t, err)

	res, err = g.ScanDuplicates(ctx, "ISS_1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Compared)

	aliases, err := db.Aliases(ctx, "ISS_1")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, b, aliases[0].CanonicalID)
	assert.Equal(t, a, aliases[0].AliasOfID)
}

func TestSuggestDuplicateAcrossIssuersRejected(t *testing.T) {
	db, _ := dbtest.Open(t)
	dbtest.Issuer(t, db, "ISS_1")
	dbtest.Issuer(t, db, "ISS_2")
	a := dbtest.Drug(t, db, "ISS_1", "Zolbetuximab")
	b := dbtest.Drug(t, db, "ISS_2", "Zolbetuximab")

	_, _, err := New(db, Options{}).SuggestDuplicate(context.Background(), "ISS_1", a, b)
	var iv *guard.IdentityViolation
	assert.True(t, errors.As(err, &iv), "identical names under different issuers must be rejected, got %v", err)
}

func TestAcceptAndRejectCandidates(t *testing.T) {
	db, _ := dbtest.Open(t)
	ctx := context.Background()
	dbtest.Issuer(t, db, "ISS_1")
	ev := dbtest.Evidence(t, db, "sec_edgar", "10-K")
	g := New(db, Options{})

	c, err := g.Propose(ctx, database.CandidateInput{IssuerID: "ISS_1", Type: database.TypeDrugProgram, ProposedName: "ASP2138", EvidenceID: ev, ProposedBy: "ner"})
	require.NoError(t, err)
	res, err := g.Accept(ctx, c.ID, "alice", Selection{Name: "ASP 2138"}, "confirmed in 10-K")
	require.NoError(t, err)
	assert.Equal(t, "ISS_1:PROG:asp-2138", res.EntityID)

	noise, err := g.Propose(ctx, database.CandidateInput{IssuerID: "ISS_1", Type: database.TypeDrugProgram, ProposedName: "Annual Report", EvidenceID: ev, ProposedBy: "ner"})
	require.NoError(t, err)
	require.NoError(t, g.Reject(ctx, noise.ID, "alice", "not a drug"))
	assert.ErrorIs(t, g.Reject(ctx, noise.ID, "bob", ""), guard.ErrInvalidState)
}

func TestAcceptFailureLeavesCandidatePending(t *testing.T) {
	db, _ := dbtest.Open(t)
	ctx := context.Background()
	dbtest.Issuer(t, db, "ISS_1")
	news := dbtest.Evidence(t, db, "news", "press")
	g := New(db, Options{})

	c, err := g.Propose(ctx, database.CandidateInput{IssuerID: "ISS_1", Type: database.TypeDrugProgram, ProposedName: "ASP2138", EvidenceID: news, ProposedBy: "ner"})
	require.NoError(t, err)
	_, err = g.Accept(ctx, c.ID, "alice", Selection{}, "")
	assert.ErrorIs(t, err, guard.ErrMissingEvidence)

	got, err := db.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, got.Status)
	progs, err := db.ListDrugPrograms(ctx, "ISS_1", true)
	require.NoError(t, err)
	assert.Empty(t, progs)
}
