package materialize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/dbtest"
)

func TestRefresherQueueDeduplicatesIssuers(t *testing.T) {
	db, _ := dbtest.Open(t)
	m := newMaterializer(t, db, Options{})
	r, err := NewRefresher(m, ModeQueue, nil)
	require.NoError(t, err)
	r.Attach(db)

	c := dbtest.SeedChain(t, db, "ISS_1")
	assert.Equal(t, []string{"ISS_1"}, r.Pending(), "three writes for one issuer queue it once")

	assert.Equal(t, 1, r.Drain(context.Background()))
	assert.Empty(t, r.Pending())
	xs, err := db.ListExplanations(context.Background(), database.ExplanationFilter{IssuerID: c.Issuer, AsOf: dbtest.Day0})
	require.NoError(t, err)
	assert.Len(t, xs, 1)
}

func TestRefresherSyncMaterializesOnWrite(t *testing.T) {
	db, _ := dbtest.Open(t)
	m := newMaterializer(t, db, Options{})
	r, err := NewRefresher(m, ModeSync, nil)
	require.NoError(t, err)
	r.Attach(db)

	c := dbtest.SeedChain(t, db, "ISS_1")
	assert.Empty(t, r.Pending())
	xs, err := db.ListExplanations(context.Background(), database.ExplanationFilter{IssuerID: c.Issuer, AsOf: dbtest.Day0})
	require.NoError(t, err)
	assert.Len(t, xs, 1)

	require.NoError(t, db.RetractAssertion(context.Background(), c.Targets, "wrong target", "curator"))
	xs, err = db.ListExplanations(context.Background(), database.ExplanationFilter{IssuerID: c.Issuer, AsOf: dbtest.Day0})
	require.NoError(t, err)
	assert.Empty(t, xs, "retraction should refresh today's explanations")
}

func TestRefresherOffIgnoresChanges(t *testing.T) {
	db, _ := dbtest.Open(t)
	r, err := NewRefresher(newMaterializer(t, db, Options{}), ModeOff, nil)
	require.NoError(t, err)
	r.Attach(db)

	c := dbtest.SeedChain(t, db, "ISS_1")
	snap, err := db.GetSnapshot(context.Background(), c.Issuer, dbtest.Day0)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRefresherRunWorksQueue(t *testing.T) {
	db, _ := dbtest.Open(t)
	r, err := NewRefresher(newMaterializer(t, db, Options{}), ModeQueue, nil)
	require.NoError(t, err)
	r.Attach(db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	c := dbtest.SeedChain(t, db, "ISS_1")
	require.Eventually(t, func() bool {
		xs, err := db.ListExplanations(context.Background(), database.ExplanationFilter{IssuerID: c.Issuer, AsOf: dbtest.Day0})
		return err == nil && len(xs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewRefresherRejectsUnknownMode(t *testing.T) {
	db, _ := dbtest.Open(t)
	_, err := NewRefresher(newMaterializer(t, db, Options{}), "eventually", nil)
	assert.Error(t, err)
}

func TestSchedulerRunOnce(t *testing.T) {
	db, _ := dbtest.Open(t)
	c := dbtest.SeedChain(t, db, "ISS_1")
	s, err := NewScheduler(context.Background(), newMaterializer(t, db, Options{}), "@daily")
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.RunOnce()
	snap, err := db.GetSnapshot(context.Background(), c.Issuer, dbtest.Day0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Count)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	db, _ := dbtest.Open(t)
	_, err := NewScheduler(context.Background(), newMaterializer(t, db, Options{}), "every tuesday")
	assert.Error(t, err)
}
