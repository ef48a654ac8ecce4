package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/materialize"
	"github.com/TobiSchelling/BioGraph/internal/pipeline"
	"github.com/TobiSchelling/BioGraph/internal/server"
)

// --- batch command ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect and roll back load batches",
}

var batchLimit int

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.db.ListBatches(cmd.Context(), batchLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No batches.")
			return nil
		}
		for _, b := range list {
			fmt.Printf("  %s  %-12s %-11s %s by %s\n", b.ID, b.OperationType, b.Status, b.StartedAt.Format(time.RFC3339), b.Actor)
		}
		return nil
	},
}

var batchRollbackCmd = &cobra.Command{
	Use:   "rollback [batch-id]",
	Short: "Retract a batch's assertions and soft-delete its drug programs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.db.RollbackBatch(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back %s: %d assertions retracted, %d drug programs deleted\n",
			args[0], res.RetractedAssertions, res.DeletedDrugPrograms)
		return nil
	},
}

func init() {
	batchListCmd.Flags().IntVar(&batchLimit, "limit", 20, "Number of batches to show")
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchRollbackCmd)
	rootCmd.AddCommand(batchCmd)
}

// --- quality command ---

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Run the data quality checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.db.Quality(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("  Assertions without evidence:  %d\n", q.AssertionsWithoutEvidence)
		fmt.Printf("  Missing confidence:           %d\n", q.MissingConfidence)
		fmt.Printf("  Unsafe-license evidence:      %d\n", q.UnsafeLicenseEvidence)
		fmt.Printf("  Contextual-only assertions:   %d\n", q.ContextualOnlyAssertions)
		fmt.Printf("  Stale explanation links:      %d\n", q.StaleExplanationLinks)
		if !q.OK() {
			return pipeline.ErrQualityChecks
		}
		fmt.Println("\nAll checks passed.")
		return nil
	},
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load evidence from external sources",
}

var ingestNewsCmd = &cobra.Command{
	Use:   "news",
	Short: "Record configured news feeds as contextual evidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("Reading news feeds...")
		res, err := a.ingester().Run(cmd.Context(), actor)
		if err != nil {
			return err
		}

		fmt.Printf("\nIngest complete (batch %s):\n", res.BatchID)
		fmt.Printf("  Found: %d\n", res.Found)
		fmt.Printf("  New evidence: %d\n", res.Created)
		fmt.Printf("  Already recorded: %d\n", res.Existing)
		fmt.Printf("  Failed: %d\n", res.Failed)
		fmt.Printf("  Candidates proposed: %d\n", res.Candidates)
		for _, f := range res.FailedFeeds {
			fmt.Printf("  Unreadable feed: %s\n", f)
		}

		if len(res.Sources) > 0 {
			fmt.Println("\nItems by source:")
			type kv struct {
				key string
				val int
			}
			var sorted []kv
			for k, v := range res.Sources {
				sorted = append(sorted, kv{k, v})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
			for _, s := range sorted {
				fmt.Printf("  %s: %d\n", s.key, s.val)
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.AddCommand(ingestNewsCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(qualityCmd)
}

// --- run command ---

var (
	dryRun  bool
	runAsOf string
	noNews  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the refresh pipeline: ingest -> duplicates -> materialize -> quality",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.materializer()
		if err != nil {
			return err
		}
		asOf, err := dateFlag(runAsOf, a.db.Now())
		if err != nil {
			return err
		}
		in := a.ingester()
		if noNews || len(cfg.News.Feeds) == 0 {
			in = nil
		}
		pipe := pipeline.New(a.db, in, a.gate(), m, a.log)

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(cmd.Context(), asOf)
		} else {
			result = pipe.Run(cmd.Context(), actor, asOf)
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/4: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			}
			if step.Summary != "" {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if result.Failed() {
			return errors.New("pipeline finished with errors")
		}
		if !dryRun {
			fmt.Printf("\nPipeline complete for %s. Run 'biograph serve' to browse explanations.\n", result.AsOf)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().StringVar(&runAsOf, "as-of", "", "As-of date (YYYY-MM-DD, default today)")
	runCmd.Flags().BoolVar(&noNews, "no-news", false, "Skip the news ingest step")
	rootCmd.AddCommand(runCmd)
}

// --- serve command ---

var (
	servePort     int
	serveSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server with background refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.materializer()
		if err != nil {
			return err
		}

		refresher, err := materialize.NewRefresher(m, cfg.Materialization.Mode, a.metrics)
		if err != nil {
			return err
		}
		if cfg.Materialization.Mode != materialize.ModeOff {
			if err := a.bus.Subscribe(refresher.Notify); err != nil {
				return err
			}
		}
		if cfg.Materialization.Mode == materialize.ModeQueue {
			go func() {
				if err := refresher.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
					a.log.Error("refresh worker stopped", zap.Error(err))
				}
			}()
		}

		if serveSchedule && cfg.Materialization.Schedule != "" {
			sched, err := materialize.NewScheduler(ctx, m, cfg.Materialization.Schedule)
			if err != nil {
				return err
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()
		}

		srv, err := server.New(a.db, server.Options{
			Materializer: m,
			Metrics:      a.metrics,
			AdminSecret:  cfg.Server.AdminSecret,
			Logger:       a.log,
		})
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue an admin API bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.AdminSecret == "" {
			return errors.New("server.admin_secret (or BIOGRAPH_ADMIN_SECRET) is not set")
		}
		tok, err := server.IssueToken([]byte(cfg.Server.AdminSecret), args[0], tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", true, "Run the configured materialization schedule")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
