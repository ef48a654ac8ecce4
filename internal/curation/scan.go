package curation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
)

// ScanResult summarizes a duplicate scan of one issuer.
type ScanResult struct {
	IssuerID  string
	Programs  int
	Compared  int
	Suggested []database.DuplicateSuggestion
}

// ScanDuplicates compares every pair of live drug programs of one issuer
// and records a pending suggestion for pairs at or above the threshold.
// Programs of other issuers are never compared. Pairs already aliased are
// skipped; pairs already suggested are left as they are.
func (g *Gate) ScanDuplicates(ctx context.Context, issuerID string) (ScanResult, error) {
	res := ScanResult{IssuerID: issuerID}
	programs, err := g.db.ListDrugPrograms(ctx, issuerID, false)
	if err != nil {
		return res, fmt.Errorf("listing drug programs: %w", err)
	}
	res.Programs = len(programs)
	if len(programs) < 2 {
		return res, nil
	}

	aliases, err := g.db.Aliases(ctx, issuerID)
	if err != nil {
		return res, fmt.Errorf("listing aliases: %w", err)
	}
	aliased := map[[2]string]bool{}
	for _, a := range aliases {
		aliased[pairKey(a.CanonicalID, a.AliasOfID)] = true
	}

	for i := range programs {
		for j := i + 1; j < len(programs); j++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			a, b := programs[i], programs[j]
			if aliased[pairKey(a.ID, b.ID)] {
				continue
			}
			res.Compared++
			f := Similarity(a.Name, b.Name)
			if f.Similarity < g.threshold {
				continue
			}
			s, created, err := g.db.CreateDuplicateSuggestion(ctx, issuerID, a.ID, b.ID, f.Similarity, f.Map())
			if err != nil {
				return res, err
			}
			if !created {
				continue
			}
			g.decided(kindDuplicate, decisionProposed)
			g.log.Debug("duplicate suggested",
				zap.String("issuer_id", issuerID),
				zap.String("entity1", s.Entity1ID),
				zap.String("entity2", s.Entity2ID),
				zap.String("rule", f.Rule),
				zap.Float64("similarity", f.Similarity))
			res.Suggested = append(res.Suggested, *s)
		}
	}
	g.log.Info("duplicate scan completed",
		zap.String("issuer_id", issuerID),
		zap.Int("programs", res.Programs),
		zap.Int("suggested", len(res.Suggested)))
	return res, nil
}

// ScanAll runs ScanDuplicates for every issuer, one issuer at a time.
func (g *Gate) ScanAll(ctx context.Context) ([]ScanResult, error) {
	ids, err := g.db.IssuerIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ScanResult, 0, len(ids))
	for _, id := range ids {
		res, err := g.ScanDuplicates(ctx, id)
		if err != nil {
			return out, fmt.Errorf("scanning %s: %w", id, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
