package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/curation"
	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/ingest"
	"github.com/TobiSchelling/BioGraph/internal/logging"
	"github.com/TobiSchelling/BioGraph/internal/materialize"
)

// ErrQualityChecks is returned in the quality step when any check has rows.
var ErrQualityChecks = errors.New("quality checks failed")

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	AsOf  string
	Steps []StepResult
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline runs the daily refresh: news ingest, duplicate scan,
// materialization and quality checks.
type Pipeline struct {
	db       *database.DB
	ingester *ingest.Ingester
	gate     *curation.Gate
	mat      *materialize.Materializer
	log      *zap.Logger
}

// New creates a pipeline. A nil ingester skips the news step.
func New(db *database.DB, in *ingest.Ingester, gate *curation.Gate, mat *materialize.Materializer, log *zap.Logger) *Pipeline {
	return &Pipeline{
		db:       db,
		ingester: in,
		gate:     gate,
		mat:      mat,
		log:      logging.OrNop(log).Named("pipeline"),
	}
}

// Run executes the full pipeline for asOf. A failed ingest stops the run;
// later steps always run so that partial materialization is still checked.
func (p *Pipeline) Run(ctx context.Context, actor string, asOf time.Time) *Result {
	r := &Result{AsOf: database.FormatDate(asOf)}

	step := p.runIngest(ctx, actor)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	r.Steps = append(r.Steps, p.runDuplicates(ctx))
	r.Steps = append(r.Steps, p.runMaterialize(ctx, asOf))
	r.Steps = append(r.Steps, p.runQuality(ctx))
	return r
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(ctx context.Context, asOf time.Time) *Result {
	r := &Result{AsOf: database.FormatDate(asOf)}

	if p.ingester == nil {
		r.Steps = append(r.Steps, StepResult{Name: "Ingest", Summary: "[dry-run] news ingest disabled"})
	} else {
		r.Steps = append(r.Steps, StepResult{
			Name:    "Ingest",
			Summary: fmt.Sprintf("[dry-run] would read %d feeds", p.ingester.Feeds()),
		})
	}

	ids, err := p.db.IssuerIDs(ctx)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Duplicates", Err: err})
		return r
	}
	programs := 0
	for _, id := range ids {
		list, err := p.db.ListDrugPrograms(ctx, id, false)
		if err != nil {
			r.Steps = append(r.Steps, StepResult{Name: "Duplicates", Err: err})
			return r
		}
		programs += len(list)
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Duplicates",
		Summary: fmt.Sprintf("[dry-run] %d drug programs across %d issuers to compare", programs, len(ids)),
	})

	fresh := 0
	for _, id := range ids {
		snap, err := p.db.GetSnapshot(ctx, id, asOf)
		if err == nil && snap != nil {
			fresh++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Materialize",
		Summary: fmt.Sprintf("[dry-run] %d issuers, %d already materialized for %s",
			len(ids), fresh, database.FormatDate(asOf)),
	})

	r.Steps = append(r.Steps, StepResult{Name: "Quality", Summary: "[dry-run] would run quality checks"})
	return r
}

func (p *Pipeline) runIngest(ctx context.Context, actor string) StepResult {
	if p.ingester == nil {
		return StepResult{Name: "Ingest", Summary: "News ingest disabled"}
	}
	p.log.Info("step 1/4: ingesting news")
	res, err := p.ingester.Run(ctx, actor)
	if err != nil {
		return StepResult{Name: "Ingest", Err: err}
	}
	return StepResult{
		Name: "Ingest",
		Summary: fmt.Sprintf("Recorded %d new items (%d found, %d existing, %d failed), %d candidates proposed",
			res.Created, res.Found, res.Existing, res.Failed, res.Candidates),
	}
}

func (p *Pipeline) runDuplicates(ctx context.Context) StepResult {
	p.log.Info("step 2/4: scanning for duplicate drug programs")
	results, err := p.gate.ScanAll(ctx)
	if err != nil {
		return StepResult{Name: "Duplicates", Err: err}
	}
	compared, suggested := 0, 0
	for _, s := range results {
		compared += s.Compared
		suggested += len(s.Suggested)
	}
	return StepResult{
		Name:    "Duplicates",
		Summary: fmt.Sprintf("Compared %d pairs across %d issuers, %d new suggestions", compared, len(results), suggested),
	}
}

func (p *Pipeline) runMaterialize(ctx context.Context, asOf time.Time) StepResult {
	p.log.Info("step 3/4: materializing explanations", zap.String("as_of", database.FormatDate(asOf)))
	report, err := p.mat.RunAll(ctx, asOf)
	summary := fmt.Sprintf("Materialized %d issuers, %d explanations", len(report.Completed), report.Explanations())
	if err != nil {
		return StepResult{Name: "Materialize", Summary: summary, Err: err}
	}
	if len(report.Failed) > 0 {
		ids := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return StepResult{
			Name:    "Materialize",
			Summary: summary,
			Err:     fmt.Errorf("%d issuers failed: %s", len(ids), strings.Join(ids, ", ")),
		}
	}
	return StepResult{Name: "Materialize", Summary: summary}
}

func (p *Pipeline) runQuality(ctx context.Context) StepResult {
	p.log.Info("step 4/4: running quality checks")
	q, err := p.db.Quality(ctx)
	if err != nil {
		return StepResult{Name: "Quality", Err: err}
	}
	summary := fmt.Sprintf("without evidence %d, missing confidence %d, unsafe license %d, contextual only %d, stale links %d",
		q.AssertionsWithoutEvidence, q.MissingConfidence, q.UnsafeLicenseEvidence,
		q.ContextualOnlyAssertions, q.StaleExplanationLinks)
	if !q.OK() {
		return StepResult{Name: "Quality", Summary: summary, Err: ErrQualityChecks}
	}
	return StepResult{Name: "Quality", Summary: summary}
}
