package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/BioGraph/internal/database"
)

var (
	materializeIssuer string
	materializeAsOf   string
)

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Materialize Issuer→Drug→Target→Disease explanations",
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
		asOf, err := dateFlag(materializeAsOf, a.db.Now())
		if err != nil {
			return err
		}

		if materializeIssuer != "" {
			s, err := m.Run(cmd.Context(), materializeIssuer, asOf)
			if err != nil {
				return err
			}
			printStats(s)
			return nil
		}

		report, err := m.RunAll(cmd.Context(), asOf)
		for _, s := range report.Completed {
			printStats(s)
		}
		failed := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		for _, id := range failed {
			fmt.Printf("  %s: FAILED: %v\n", id, report.Failed[id])
		}
		if len(report.Skipped) > 0 {
			fmt.Printf("  Skipped %d issuers\n", len(report.Skipped))
		}
		fmt.Printf("\nMaterialized %d issuers as of %s: %d explanations\n", len(report.Completed), report.AsOf, report.Explanations())
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d issuers failed", len(failed))
		}
		return nil
	},
}

func printStats(s database.MaterializeStats) {
	fmt.Printf("  %s @ %s: %d explanations (+%d ~%d -%d =%d)\n",
		s.IssuerID, s.AsOf, s.Count, s.Inserted, s.Updated, s.Deleted, s.Unchanged)
}

var (
	explainAsOf      string
	explainDisease   string
	explainTarget    string
	explainDrilldown bool
)

var explainCmd = &cobra.Command{
	Use:   "explain [issuer]",
	Short: "Show an issuer's materialized explanations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		asOf, err := dateFlag(explainAsOf, a.db.Now())
		if err != nil {
			return err
		}
		snap, err := a.db.GetSnapshot(ctx, args[0], asOf)
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Printf("%s has not been materialized for %s. Run 'biograph materialize --issuer %s --as-of %s'.\n",
				args[0], database.FormatDate(asOf), args[0], database.FormatDate(asOf))
			return nil
		}

		rows, err := a.db.ListExplanations(ctx, database.ExplanationFilter{
			IssuerID:  args[0],
			AsOf:      asOf,
			DiseaseID: explainDisease,
			TargetID:  explainTarget,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s as of %s (%s): %d explanations\n", args[0], snap.AsOf, snap.Strategy, len(rows))
		for _, x := range rows {
			fmt.Printf("\n  %.3f  %s → %s → %s\n", x.Strength, x.DrugProgramID, x.TargetID, x.DiseaseID)
			if !explainDrilldown {
				continue
			}
			chain, err := a.db.ExplanationChain(ctx, x)
			if err != nil {
				return err
			}
			for _, l := range chain {
				score := "n/a"
				if l.Assertion.Confidence != nil {
					score = fmt.Sprintf("%.3f", *l.Assertion.Confidence)
				}
				fmt.Printf("    [%d] %s %s (%s)\n", l.Assertion.ID, l.Assertion.Predicate, score, l.Assertion.Band)
				for _, e := range l.Evidence {
					fmt.Printf("        %s %s %s %s\n", e.SourceSystem, e.License, database.FormatDate(e.ObservedAt), e.Locator)
				}
			}
		}
		return nil
	},
}

var (
	changesSince string
	changesAsOf  string
)

var changesCmd = &cobra.Command{
	Use:   "changes [issuer]",
	Short: "Show what changed in an issuer's explanations between two dates",
	Args:  cobra.ExactArgs(1),
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
		since, err := database.ParseDate(changesSince)
		if err != nil {
			return err
		}
		asOf, err := dateFlag(changesAsOf, a.db.Now())
		if err != nil {
			return err
		}

		d, err := m.Changes(cmd.Context(), args[0], since, asOf)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s → %s\n", d.IssuerID, d.Since, d.AsOf)
		if d.Empty() {
			fmt.Println("  No changes.")
			return nil
		}
		for _, x := range d.Added {
			fmt.Printf("  + %.3f  %s → %s → %s\n", x.Strength, x.DrugProgramID, x.TargetID, x.DiseaseID)
		}
		for _, x := range d.Removed {
			fmt.Printf("  - %.3f  %s → %s → %s\n", x.Strength, x.DrugProgramID, x.TargetID, x.DiseaseID)
		}
		for _, c := range d.Changed {
			fmt.Printf("  ~ %.3f → %.3f (%+.3f)  %s → %s → %s\n", c.Before, c.After, c.Delta(), c.DrugProgramID, c.TargetID, c.DiseaseID)
		}
		return nil
	},
}

func init() {
	materializeCmd.Flags().StringVar(&materializeIssuer, "issuer", "", "Materialize one issuer only")
	materializeCmd.Flags().StringVar(&materializeAsOf, "as-of", "", "As-of date (YYYY-MM-DD, default today)")

	explainCmd.Flags().StringVar(&explainAsOf, "as-of", "", "As-of date (YYYY-MM-DD, default today)")
	explainCmd.Flags().StringVar(&explainDisease, "disease", "", "Only explanations for this disease")
	explainCmd.Flags().StringVar(&explainTarget, "target", "", "Only explanations through this target")
	explainCmd.Flags().BoolVar(&explainDrilldown, "drilldown", false, "Show assertions and evidence behind each explanation")

	changesCmd.Flags().StringVar(&changesSince, "since", "", "Earlier as-of date (YYYY-MM-DD)")
	changesCmd.Flags().StringVar(&changesAsOf, "as-of", "", "Later as-of date (YYYY-MM-DD, default today)")
	_ = changesCmd.MarkFlagRequired("since")

	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(changesCmd)
}
