// Package ingest turns news feeds into contextual-tier evidence. News never
// qualifies an assertion on its own; it is recorded with a metadata-only
// license and a bounded excerpt, and may seed curation candidates.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/logging"
)

// BatchOperation is the batch type recorded for news loads.
const BatchOperation = "news_ingest"

// Proposer receives drug program candidates spotted in news items.
// curation.Gate implements it.
type Proposer interface {
	Propose(ctx context.Context, in database.CandidateInput) (*database.Candidate, error)
}

// Options configures an Ingester.
type Options struct {
	Feeds        []Feed
	SourceSystem string
	License      string
	DaysBack     int
	// FetchContent downloads each article for a longer excerpt.
	FetchContent bool
	Articles     *ArticleReader
	// Proposer, when set, receives candidates for unknown drug codes that
	// appear next to a known issuer name.
	Proposer Proposer
	Logger   *zap.Logger
}

// Result summarizes one ingest run.
type Result struct {
	BatchID    string
	Found      int
	Created    int
	Existing   int
	Failed     int
	Candidates int
	// Sources counts new evidence per feed label.
	Sources map[string]int
	// FailedFeeds lists feeds that could not be read.
	FailedFeeds []string
}

// Ingester loads news entries as evidence inside a batch.
type Ingester struct {
	db       *database.DB
	feeds    []Feed
	reader   *Reader
	articles *ArticleReader
	proposer Proposer
	source   string
	license  string
	daysBack int
	log      *zap.Logger
}

// New creates an ingester.
func New(db *database.DB, opts Options) *Ingester {
	log := logging.OrNop(opts.Logger).Named("ingest")
	in := &Ingester{
		db:       db,
		feeds:    opts.Feeds,
		reader:   NewReader(opts.Feeds, log),
		proposer: opts.Proposer,
		source:   opts.SourceSystem,
		license:  opts.License,
		daysBack: opts.DaysBack,
		log:      log,
	}
	if in.source == "" {
		in.source = "news"
	}
	if in.license == "" {
		in.license = "NEWS_METADATA_ONLY"
	}
	if in.daysBack <= 0 {
		in.daysBack = 7
	}
	if opts.FetchContent {
		in.articles = opts.Articles
		if in.articles == nil {
			in.articles = NewArticleReader(0)
		}
	}
	return in
}

// Feeds returns the number of configured feeds.
func (in *Ingester) Feeds() int {
	return len(in.feeds)
}

// Run reads every feed and records the entries as evidence in one batch.
// The configured license must pass the license gate; if it does not,
// nothing is written and the batch is marked failed.
func (in *Ingester) Run(ctx context.Context, actor string) (*Result, error) {
	if err := in.db.Licenses().Validate(in.license); err != nil {
		return nil, fmt.Errorf("news license: %w", err)
	}
	batch, err := in.db.StartBatch(ctx, BatchOperation, "", actor, map[string]any{
		"feeds":         len(in.feeds),
		"source_system": in.source,
		"days_back":     in.daysBack,
	})
	if err != nil {
		return nil, err
	}
	r := &Result{BatchID: batch.ID, Sources: map[string]int{}}

	if err := in.load(ctx, batch.ID, r); err != nil {
		if ferr := in.db.FailBatch(context.WithoutCancel(ctx), batch.ID, err); ferr != nil {
			in.log.Error("marking batch failed", zap.String("batch_id", batch.ID), zap.Error(ferr))
		}
		return r, err
	}
	if err := in.db.CompleteBatch(ctx, batch.ID); err != nil {
		return r, err
	}
	in.log.Info("news ingest complete",
		zap.String("batch_id", batch.ID),
		zap.Int("found", r.Found),
		zap.Int("created", r.Created),
		zap.Int("existing", r.Existing),
		zap.Int("failed", r.Failed),
		zap.Int("candidates", r.Candidates),
		zap.Strings("failed_feeds", r.FailedFeeds))
	return r, nil
}

func (in *Ingester) load(ctx context.Context, batchID string, r *Result) error {
	now := in.db.Now()
	items, failed := in.reader.Read(ctx, now.AddDate(0, 0, -in.daysBack))
	r.Found = len(items)
	for _, f := range failed {
		r.FailedFeeds = append(r.FailedFeeds, f.Feed)
	}
	if len(in.feeds) > 0 && len(failed) == len(in.feeds) {
		return fmt.Errorf("none of the %d feeds could be read", len(in.feeds))
	}

	var matcher *mentionMatcher
	if in.proposer != nil {
		issuers, err := in.db.ListIssuers(ctx)
		if err != nil {
			return err
		}
		matcher = newMentionMatcher(issuers)
	}

	limit := in.db.Licenses().ExcerptLimit(in.license)
	refusing := map[string]bool{}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := it.Summary
		if in.articles != nil && !refusing[hostOf(it.Locator)] {
			body, err := in.articles.Text(ctx, it.Locator)
			var se *StatusError
			switch {
			case errors.As(err, &se):
				refusing[se.Host] = true
				in.log.Debug("host refused article fetch", zap.String("url", it.Locator), zap.Error(err))
			case err != nil:
				in.log.Debug("article fetch failed", zap.String("url", it.Locator), zap.Error(err))
			case body != "":
				text = body
			}
		}

		observed := it.Published
		if observed.IsZero() || observed.After(now) {
			observed = now
		}
		res, err := in.db.CreateEvidence(ctx, database.EvidenceInput{
			SourceSystem:   in.source,
			SourceRecordID: it.Locator,
			ObservedAt:     observed,
			RetrievedAt:    now,
			License:        in.license,
			Locator:        it.Locator,
			Excerpt:        excerpt(it.Title, text, limit),
			BatchID:        batchID,
		})
		if err != nil {
			if errors.Is(err, guard.ErrLicenseViolation) {
				return err
			}
			r.Failed++
			in.log.Warn("news item rejected", zap.String("url", it.Locator), zap.Error(err))
			continue
		}
		if !res.Created {
			r.Existing++
			continue
		}
		r.Created++
		r.Sources[it.Feed]++

		if matcher != nil {
			r.Candidates += in.propose(ctx, matcher, it, res.ID)
		}
	}
	return nil
}

func (in *Ingester) propose(ctx context.Context, m *mentionMatcher, it Item, evidenceID int64) int {
	n := 0
	for _, mention := range m.Find(it.Title + " " + it.Summary) {
		known, err := in.db.GetDrugProgram(ctx, database.DrugProgramID(mention.IssuerID, database.Slugify(mention.Code)))
		if err != nil || known != nil {
			continue
		}
		if _, err := in.proposer.Propose(ctx, database.CandidateInput{
			IssuerID:     mention.IssuerID,
			Type:         database.TypeDrugProgram,
			ProposedName: mention.Code,
			EvidenceID:   evidenceID,
			ProposedBy:   BatchOperation,
		}); err != nil {
			in.log.Warn("proposing candidate", zap.String("code", mention.Code), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// excerpt builds "title: text" cut to limit runes (0 means no license
// limit, in which case the global bound applies).
func excerpt(title, text string, limit int) string {
	s := title
	if text != "" && text != title {
		s = title + ": " + text
	}
	if limit <= 0 || limit > guard.MaxExcerptRunes {
		limit = guard.MaxExcerptRunes
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}
