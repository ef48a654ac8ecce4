package materialize

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

// Refresh modes, matching the materialization.mode config values.
const (
	ModeSync  = "sync"
	ModeQueue = "queue"
	ModeOff   = "off"
)

// Refresher re-materializes issuers for today after assertion changes. In
// queue mode each issuer is pending at most once, however many changes
// arrive before the worker reaches it.
type Refresher struct {
	m       *Materializer
	mode    string
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	order   []string
	pending map[string]bool
	wake    chan struct{}
}

// NewRefresher creates a refresher for the given mode.
func NewRefresher(m *Materializer, mode string, mt *metrics.Metrics) (*Refresher, error) {
	switch mode {
	case ModeSync, ModeQueue, ModeOff:
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", mode)
	}
	return &Refresher{
		m:       m,
		mode:    mode,
		log:     m.log.Named("refresh"),
		metrics: mt,
		pending: map[string]bool{},
		wake:    make(chan struct{}, 1),
	}, nil
}

// Attach registers the refresher as a change hook on db. Off mode
// registers nothing.
func (r *Refresher) Attach(db *database.DB) {
	if r.mode == ModeOff {
		return
	}
	db.OnChange(r.Notify)
}

// Notify handles a change for issuerIDs: materialized immediately in sync
// mode, queued otherwise.
func (r *Refresher) Notify(ctx context.Context, issuerIDs []string) {
	switch r.mode {
	case ModeSync:
		for _, id := range issuerIDs {
			r.refresh(ctx, id)
		}
	case ModeQueue:
		r.enqueue(issuerIDs)
	}
}

func (r *Refresher) enqueue(issuerIDs []string) {
	r.mu.Lock()
	for _, id := range issuerIDs {
		if !r.pending[id] {
			r.pending[id] = true
			r.order = append(r.order, id)
		}
	}
	depth := len(r.order)
	r.mu.Unlock()
	r.observeDepth(depth)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Refresher) pop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", false
	}
	id := r.order[0]
	r.order = r.order[1:]
	delete(r.pending, id)
	r.observeDepth(len(r.order))
	return id, true
}

// Pending returns the issuers waiting in the queue, oldest first.
func (r *Refresher) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Run works the queue until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			r.Drain(ctx)
		}
	}
}

// Drain materializes every queued issuer and returns how many it processed.
func (r *Refresher) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		id, ok := r.pop()
		if !ok {
			break
		}
		r.refresh(ctx, id)
		n++
	}
	return n
}

// refresh logs failures rather than returning them: the assertion write
// that triggered it has already committed.
func (r *Refresher) refresh(ctx context.Context, issuerID string) {
	stats, err := r.m.Run(ctx, issuerID, r.m.Today())
	if err != nil {
		r.log.Warn("refresh failed", zap.String("issuer_id", issuerID), zap.Error(err))
		return
	}
	r.log.Debug("issuer refreshed",
		zap.String("issuer_id", issuerID),
		zap.String("as_of", stats.AsOf),
		zap.Int("count", stats.Count))
}

func (r *Refresher) observeDepth(n int) {
	if r.metrics != nil {
		r.metrics.QueueDepth(n)
	}
}
