// Package materialize recomputes the Issuer→Drug→Target→Disease
// explanations of issuers and keeps them fresh after assertion changes.
package materialize

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/logging"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
	"github.com/TobiSchelling/BioGraph/internal/strength"
)

// Options configures a Materializer.
type Options struct {
	Strategy     strength.Strategy
	Parallelism  int
	LockWait     time.Duration
	DiffMinDelta float64
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Materializer runs per-issuer materialization passes.
type Materializer struct {
	db          *database.DB
	strat       strength.Strategy
	parallelism int
	lockWait    time.Duration
	minDelta    float64
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// New creates a materializer. A nil strategy means product.
func New(db *database.DB, opts Options) *Materializer {
	m := &Materializer{
		db:          db,
		strat:       opts.Strategy,
		parallelism: opts.Parallelism,
		lockWait:    opts.LockWait,
		minDelta:    opts.DiffMinDelta,
		log:         logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
	}
	if m.strat == nil {
		m.strat, _ = strength.Parse(strength.Product, "")
	}
	if m.parallelism < 1 {
		m.parallelism = 1
	}
	return m
}

// Strategy returns the chain strength strategy in use.
func (m *Materializer) Strategy() strength.Strategy {
	return m.strat
}

// Today returns the store's current date, the as-of used by triggered runs.
func (m *Materializer) Today() time.Time {
	return m.db.Now()
}

// Run materializes one issuer for one as-of date.
func (m *Materializer) Run(ctx context.Context, issuerID string, asOf time.Time) (database.MaterializeStats, error) {
	start := time.Now()
	stats, err := m.db.MaterializeIssuer(ctx, issuerID, asOf, m.strat, m.lockWait)
	if m.metrics != nil {
		m.metrics.Materialized(issuerID, stats.Count, time.Since(start), err)
	}
	if err != nil {
		return stats, fmt.Errorf("materializing %s as of %s: %w", issuerID, database.FormatDate(asOf), err)
	}
	return stats, nil
}

// Report summarizes a RunAll pass.
type Report struct {
	AsOf      string
	Completed []database.MaterializeStats
	Failed    map[string]error
	// Skipped lists issuers never started because the context ended.
	Skipped []string
}

// Explanations returns the total row count over completed issuers.
func (r Report) Explanations() int {
	n := 0
	for _, s := range r.Completed {
		n += s.Count
	}
	return n
}

// RunAll materializes every issuer, at most Parallelism at a time. Each
// issuer commits independently: a failing issuer does not stop the others,
// and a cancelled context stops new issuers from starting while completed
// ones stay committed.
func (m *Materializer) RunAll(ctx context.Context, asOf time.Time) (Report, error) {
	report := Report{AsOf: database.FormatDate(asOf), Failed: map[string]error{}}
	// The issuer list is read even when ctx is already done so the report
	// can name every issuer that was skipped.
	ids, err := m.db.IssuerIDs(context.WithoutCancel(ctx))
	if err != nil {
		return report, fmt.Errorf("listing issuers: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for i, id := range ids {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, ids[i:]...)
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Skipped = append(report.Skipped, id)
				mu.Unlock()
				return nil
			}
			stats, err := m.Run(ctx, id, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				m.log.Warn("materialization failed", zap.String("issuer_id", id), zap.Error(err))
				return nil
			}
			report.Completed = append(report.Completed, stats)
			return nil
		})
	}
	g.Wait()

	sort.Slice(report.Completed, func(i, j int) bool { return report.Completed[i].IssuerID < report.Completed[j].IssuerID })
	sort.Strings(report.Skipped)
	m.log.Info("materialization pass finished",
		zap.String("as_of", report.AsOf),
		zap.Int("completed", len(report.Completed)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("explanations", report.Explanations()))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
