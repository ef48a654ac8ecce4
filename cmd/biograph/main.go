package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/config"
	"github.com/TobiSchelling/BioGraph/internal/curation"
	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/events"
	"github.com/TobiSchelling/BioGraph/internal/ingest"
	"github.com/TobiSchelling/BioGraph/internal/logging"
	"github.com/TobiSchelling/BioGraph/internal/materialize"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	actor      string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "biograph",
	Short:   "Evidence-gated assertion store for biotech issuers",
	Long:    "BioGraph records issuer, drug program, target and disease assertions backed by licensed evidence, and materializes Issuer→Drug→Target→Disease explanations.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.LogLevel()
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "Actor recorded on writes")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(licensesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("biograph", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/biograph/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the database, licenses, rubric and news feeds.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s (%s)\n", a.db.Path(), a.db.Driver())
		fmt.Printf("Today: %s\n\n", database.FormatDate(a.db.Now()))
		fmt.Println("Entities:")
		fmt.Printf("  Issuers: %d\n", stats.Issuers)
		fmt.Printf("  Drug programs: %d\n", stats.DrugPrograms)
		fmt.Printf("  Targets: %d\n", stats.Targets)
		fmt.Printf("  Diseases: %d\n", stats.Diseases)
		fmt.Println("\nProvenance:")
		fmt.Printf("  Evidence: %d\n", stats.Evidence)
		fmt.Printf("  Assertions: %d open, %d retracted\n", stats.Assertions, stats.RetractedAssertions)
		fmt.Println("\nOutput:")
		fmt.Printf("  Explanations: %d\n", stats.Explanations)
		if stats.LatestMaterialized != "" {
			fmt.Printf("  Last materialized: %s\n", stats.LatestMaterialized)
		}
		fmt.Println("\nCuration:")
		fmt.Printf("  Pending candidates: %d\n", stats.PendingCandidates)
		fmt.Printf("  Pending duplicates: %d\n", stats.PendingDuplicates)
		return nil
	},
}

var licensesCmd = &cobra.Command{
	Use:   "licenses",
	Short: "List the license registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		for _, e := range reg.Entries() {
			safe := "unsafe"
			if e.CommercialSafe {
				safe = "commercial-safe"
			}
			line := fmt.Sprintf("  %-22s %s", e.ID, safe)
			if e.AttributionRequired {
				line += ", attribution"
			}
			if e.ExcerptLimit > 0 {
				line += fmt.Sprintf(", excerpt ≤ %d", e.ExcerptLimit)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// app bundles the components a command needs, built from cfg.
type app struct {
	db      *database.DB
	metrics *metrics.Metrics
	bus     *events.Bus
	log     *zap.Logger
}

func openApp() (*app, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	driver, target := cfg.DatabaseTarget()
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	mt := metrics.New()
	db, err := database.Open(database.Options{
		Driver:   driver,
		Target:   target,
		Licenses: reg,
		Rubric:   cfg.Rubric,
		Logger:   logger,
		Observer: mt,
		LockTTL:  cfg.Materialization.LockTTL,
	})
	if err != nil {
		return nil, err
	}

	bus, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	db.OnChange(bus.Publish)
	return &app{db: db, metrics: mt, bus: bus, log: logger}, nil
}

func (a *app) Close() {
	if err := a.bus.Close(); err != nil {
		a.log.Warn("closing event bus", zap.Error(err))
	}
	a.db.Close()
}

func (a *app) materializer() (*materialize.Materializer, error) {
	strat, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	return materialize.New(a.db, materialize.Options{
		Strategy:     strat,
		Parallelism:  cfg.Materialization.Parallelism,
		LockWait:     cfg.Materialization.LockWait,
		DiffMinDelta: cfg.Materialization.DiffMinDelta,
		Logger:       a.log,
		Metrics:      a.metrics,
	}), nil
}

func (a *app) gate() *curation.Gate {
	return curation.New(a.db, curation.Options{
		DuplicateThreshold: cfg.Curation.DuplicateThreshold,
		Logger:             a.log,
		Metrics:            a.metrics,
	})
}

func (a *app) ingester() *ingest.Ingester {
	feeds := make([]ingest.Feed, 0, len(cfg.News.Feeds))
	for _, f := range cfg.News.Feeds {
		feeds = append(feeds, ingest.Feed{URL: f.URL, Name: f.Name})
	}
	return ingest.New(a.db, ingest.Options{
		Feeds:        feeds,
		SourceSystem: cfg.News.SourceSystem,
		License:      cfg.News.License,
		DaysBack:     cfg.News.DaysBack,
		FetchContent: cfg.News.FetchContent,
		Proposer:     a.gate(),
		Logger:       a.log,
	})
}
