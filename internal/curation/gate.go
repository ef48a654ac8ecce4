// Package curation is the human-in-the-loop gate between machine proposals
// and canonical data. Candidates and duplicate suggestions never become
// canonical on their own; only a named curator's decision promotes them.
package curation

import (
	"context"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/logging"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

// Decision kinds and outcomes reported to metrics.
const (
	kindCandidate = "candidate"
	kindDuplicate = "duplicate"

	decisionProposed = "proposed"
	decisionAccepted = "accepted"
	decisionRejected = "rejected"
	decisionFailed   = "failed"
)

// Options configures a Gate.
type Options struct {
	// DuplicateThreshold is the minimum similarity that becomes a
	// suggestion. Defaults to 0.7.
	DuplicateThreshold float64
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// Gate wraps the store's curation operations with logging and metrics and
// runs the within-issuer duplicate scan.
type Gate struct {
	db        *database.DB
	threshold float64
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a curation gate.
func New(db *database.DB, opts Options) *Gate {
	g := &Gate{
		db:        db,
		threshold: opts.DuplicateThreshold,
		log:       logging.OrNop(opts.Logger).Named("curation"),
		metrics:   opts.Metrics,
	}
	if g.threshold <= 0 {
		g.threshold = 0.7
	}
	return g
}

func (g *Gate) decided(kind, decision string) {
	if g.metrics != nil {
		g.metrics.CurationDecided(kind, decision)
	}
}

// Propose records a machine-suggested entity as a pending candidate.
func (g *Gate) Propose(ctx context.Context, in database.CandidateInput) (*database.Candidate, error) {
	c, err := g.db.ProposeCandidate(ctx, in)
	if err != nil {
		return nil, err
	}
	g.decided(kindCandidate, decisionProposed)
	g.log.Debug("candidate proposed",
		zap.String("candidate_id", c.ID),
		zap.String("issuer_id", c.IssuerID),
		zap.String("type", c.Type),
		zap.String("name", c.ProposedName))
	return c, nil
}

// Selection is what the curator chose when accepting a candidate.
type Selection struct {
	// ParentID is the entity the new fact hangs off: a drug program of the
	// candidate's issuer for targets, a target for diseases. Unused for
	// drug program candidates.
	ParentID string
	// EntityID overrides the candidate's ontology id.
	EntityID string
	// Name overrides the proposed name.
	Name string
	// ExtraEvidenceIDs are linked alongside the candidate's own evidence,
	// e.g. a primary source when the candidate came from news.
	ExtraEvidenceIDs []int64
}

// Accept promotes a candidate. The entity, the linking assertion and the
// decision are committed together or not at all.
func (g *Gate) Accept(ctx context.Context, candidateID, actor string, sel Selection, notes string) (database.AcceptResult, error) {
	res, err := g.db.AcceptCandidate(ctx, database.Acceptance{
		CandidateID:      candidateID,
		Actor:            actor,
		ParentID:         sel.ParentID,
		EntityID:         sel.EntityID,
		Name:             sel.Name,
		ExtraEvidenceIDs: sel.ExtraEvidenceIDs,
		Notes:            notes,
	})
	if err != nil {
		g.decided(kindCandidate, decisionFailed)
		g.log.Warn("candidate acceptance failed",
			zap.String("candidate_id", candidateID),
			zap.String("actor", actor),
			zap.Error(err))
		return res, err
	}
	g.decided(kindCandidate, decisionAccepted)
	g.log.Info("candidate accepted",
		zap.String("candidate_id", candidateID),
		zap.String("actor", actor),
		zap.String("entity_id", res.EntityID),
		zap.Int64("assertion_id", res.AssertionID),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// Reject records a curator's rejection of a candidate.
func (g *Gate) Reject(ctx context.Context, candidateID, actor, notes string) error {
	if err := g.db.RejectCandidate(ctx, candidateID, actor, notes); err != nil {
		return err
	}
	g.decided(kindCandidate, decisionRejected)
	g.log.Info("candidate rejected", zap.String("candidate_id", candidateID), zap.String("actor", actor))
	return nil
}

// SuggestDuplicate records a manual duplicate suggestion. Both drug
// programs must belong to issuerID.
func (g *Gate) SuggestDuplicate(ctx context.Context, issuerID, a, b string) (*database.DuplicateSuggestion, bool, error) {
	pa, err := g.drugProgram(ctx, a)
	if err != nil {
		return nil, false, err
	}
	pb, err := g.drugProgram(ctx, b)
	if err != nil {
		return nil, false, err
	}
	f := Similarity(pa.Name, pb.Name)
	s, created, err := g.db.CreateDuplicateSuggestion(ctx, issuerID, a, b, f.Similarity, f.Map())
	if err != nil {
		return nil, false, err
	}
	if created {
		g.decided(kindDuplicate, decisionProposed)
	}
	return s, created, nil
}

func (g *Gate) drugProgram(ctx context.Context, id string) (*database.DrugProgram, error) {
	dp, err := g.db.GetDrugProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if dp == nil {
		return nil, guard.NotFound("drug program", id)
	}
	return dp, nil
}

// AcceptDuplicate records that two drug programs are the same asset. The
// result is an alias row; neither program is merged or deleted.
func (g *Gate) AcceptDuplicate(ctx context.Context, suggestionID, canonicalID, actor, notes string) (*database.Alias, error) {
	alias, err := g.db.AcceptDuplicateSuggestion(ctx, suggestionID, canonicalID, actor, notes)
	if err != nil {
		return nil, err
	}
	g.decided(kindDuplicate, decisionAccepted)
	g.log.Info("duplicate accepted",
		zap.String("suggestion_id", suggestionID),
		zap.String("canonical_id", alias.CanonicalID),
		zap.String("alias_of_id", alias.AliasOfID),
		zap.String("actor", actor))
	return alias, nil
}

// RejectDuplicate records that a suggested pair is not a duplicate.
func (g *Gate) RejectDuplicate(ctx context.Context, suggestionID, actor, notes string) error {
	if err := g.db.RejectDuplicateSuggestion(ctx, suggestionID, actor, notes); err != nil {
		return err
	}
	g.decided(kindDuplicate, decisionRejected)
	g.log.Info("duplicate rejected", zap.String("suggestion_id", suggestionID), zap.String("actor", actor))
	return nil
}
