package materialize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/dbtest"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
	"github.com/TobiSchelling/BioGraph/internal/strength"
)

func newMaterializer(t *testing.T, db *database.DB, opts Options) *Materializer {
	t.Helper()
	if opts.Parallelism == 0 {
		opts.Parallelism = 2
	}
	return New(db, opts)
}

func TestRunAllMaterializesEveryIssuer(t *testing.T) {
	db, _ := dbtest.Open(t)
	dbtest.SeedChain(t, db, "ISS_1")
	dbtest.SeedChain(t, db, "ISS_2")
	mt := metrics.New()
	m := newMaterializer(t, db, Options{Metrics: mt})

	report, err := m.RunAll(context.Background(), dbtest.Day0)
	require.NoError(t, err)
	require.Len(t, report.Completed, 2)
	assert.Equal(t, "ISS_1", report.Completed[0].IssuerID)
	assert.Equal(t, "ISS_2", report.Completed[1].IssuerID)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 2, report.Explanations())

	n, err := testutil.GatherAndCount(mt.Registry(), "biograph_explanations")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunAllCancelledStartsNothing(t *testing.T) {
	db, _ := dbtest.Open(t)
	dbtest.SeedChain(t, db, "ISS_1")
	dbtest.SeedChain(t, db, "ISS_2")
	m := newMaterializer(t, db, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.RunAll(ctx, dbtest.Day0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Completed)
	assert.Equal(t, []string{"ISS_1", "ISS_2"}, report.Skipped)

	snap, err := db.GetSnapshot(context.Background(), "ISS_1", dbtest.Day0)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRunUsesConfiguredStrategy(t *testing.T) {
	db, _ := dbtest.Open(t)
	c := dbtest.SeedChain(t, db, "ISS_1")
	strat, err := strength.Parse(strength.Min, "")
	require.NoError(t, err)
	m := newMaterializer(t, db, Options{Strategy: strat})

	stats, err := m.Run(context.Background(), c.Issuer, dbtest.Day0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	xs, err := db.ListExplanations(context.Background(), database.ExplanationFilter{IssuerID: c.Issuer, AsOf: dbtest.Day0})
	require.NoError(t, err)
	require.Len(t, xs, 1)
	assert.InDelta(t, 0.93, xs[0].Strength, 1e-6)
}

func TestRunWrapsIssuerAndDate(t *testing.T) {
	db, _ := dbtest.Open(t)
	m := newMaterializer(t, db, Options{})
	_, err := m.Run(context.Background(), "NOPE", dbtest.Day0)
	require.ErrorIs(t, err, guard.ErrNotFound)
	assert.Contains(t, err.Error(), "NOPE")
	assert.Contains(t, err.Error(), "2026-06-01")
}

func TestChangesAddedAndRemoved(t *testing.T) {
	db, clock := dbtest.Open(t)
	ctx := context.Background()
	c := dbtest.SeedChain(t, db, "ISS_1")
	m := newMaterializer(t, db, Options{DiffMinDelta: 0.05})

	clock.Advance(48 * time.Hour)
	day2 := clock.Now()
	next := dbtest.Drug(t, db, c.Issuer, "ASP2138")
	dbtest.Assert(t, db, database.EntityRef{Type: database.TypeIssuer, ID: c.Issuer}, "develops",
		database.EntityRef{Type: database.TypeDrugProgram, ID: next}, dbtest.Evidence(t, db, "sec_edgar", "8-K"))
	dbtest.Assert(t, db, database.EntityRef{Type: database.TypeDrugProgram, ID: next}, "targets",
		database.EntityRef{Type: database.TypeTarget, ID: c.Target}, dbtest.Evidence(t, db, "chembl", "CHEMBL-2"))
	require.NoError(t, db.RetractAssertion(ctx, c.Develops, "out-licensed", "curator"))

	d, err := m.Changes(ctx, c.Issuer, dbtest.Day0, day2)
	require.NoError(t, err)
	require.Len(t, d.Added, 1)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, next, d.Added[0].DrugProgramID)
	assert.Equal(t, c.Drug, d.Removed[0].DrugProgramID)
	assert.Empty(t, d.Changed)

	for _, at := range []time.Time{dbtest.Day0, day2} {
		snap, err := db.GetSnapshot(ctx, c.Issuer, at)
		require.NoError(t, err)
		assert.NotNil(t, snap, "snapshot %s should have been materialized", at)
	}
}

func TestChangesRespectsMinDelta(t *testing.T) {
	db, clock := dbtest.Open(t)
	ctx := context.Background()
	c := dbtest.SeedChain(t, db, "ISS_1")
	_, err := newMaterializer(t, db, Options{}).Run(ctx, c.Issuer, dbtest.Day0)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = db.SetCuratorOverride(ctx, c.Associated, 0.05, "replicated in phase 3", "curator")
	require.NoError(t, err)

	loose, err := newMaterializer(t, db, Options{DiffMinDelta: 0.05}).Changes(ctx, c.Issuer, dbtest.Day0, clock.Now())
	require.NoError(t, err)
	assert.True(t, loose.Empty(), "a 0.046 move is below 0.05: %+v", loose)

	strict, err := newMaterializer(t, db, Options{DiffMinDelta: 0.01}).Changes(ctx, c.Issuer, dbtest.Day0, clock.Now())
	require.NoError(t, err)
	require.Len(t, strict.Changed, 1)
	ch := strict.Changed[0]
	assert.InDelta(t, 0.98*0.93*0.93, ch.Before, 1e-6)
	assert.InDelta(t, 0.98*0.93*0.98, ch.After, 1e-3)
	assert.Greater(t, ch.Delta(), 0.0)
}

func TestChangesRejectsReversedRange(t *testing.T) {
	db, _ := dbtest.Open(t)
	c := dbtest.SeedChain(t, db, "ISS_1")
	m := newMaterializer(t, db, Options{})
	_, err := m.Changes(context.Background(), c.Issuer, dbtest.Day0.Add(48*time.Hour), dbtest.Day0)
	assert.True(t, errors.Is(err, guard.ErrInvalidInput), "got %v", err)
}
