package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/BioGraph/internal/confidence"
	"github.com/TobiSchelling/BioGraph/internal/database"
)

var assertCmd = &cobra.Command{
	Use:   "assert",
	Short: "Create, inspect and retract assertions",
}

var (
	assertEvidence  []int64
	assertMethod    string
	assertEffective string
)

var assertAddCmd = &cobra.Command{
	Use:   "add [subject] [predicate] [object]",
	Short: "Create an assertion backed by evidence",
	Long: `Create an assertion. Subject and object are type:id, for example

  biograph assert add issuer:ISS_ASTELLAS develops drug_program:ISS_ASTELLAS:PROG:zolbetuximab --evidence 12

Use "-" as the predicate to infer it from the entity types.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := parseRef(args[0])
		if err != nil {
			return err
		}
		object, err := parseRef(args[2])
		if err != nil {
			return err
		}
		predicate := args[1]
		if predicate == "-" {
			p, ok := database.PredicateFor(subject.Type, object.Type)
			if !ok {
				return fmt.Errorf("no predicate links %s to %s", subject.Type, object.Type)
			}
			predicate = p
		}
		method, err := confidence.ParseMethod(assertMethod)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		effective, err := dateFlag(assertEffective, a.db.Now())
		if err != nil {
			return err
		}
		links := make([]database.EvidenceLink, 0, len(assertEvidence))
		for _, id := range assertEvidence {
			links = append(links, database.EvidenceLink{EvidenceID: id, Weight: 1})
		}
		res, err := a.db.CreateAssertion(cmd.Context(), database.AssertionInput{
			Subject:       subject,
			Predicate:     predicate,
			Object:        object,
			Evidence:      links,
			Method:        method,
			EffectiveFrom: effective,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		verb := "Created"
		if !res.Created {
			verb = "Updated"
		}
		fmt.Printf("%s assertion %d: confidence %.3f (%s)\n", verb, res.ID, res.Confidence, res.Band)
		return nil
	},
}

var assertShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an assertion with its confidence rationale and evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid assertion ID: %s", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		as, err := a.db.GetAssertion(ctx, id)
		if err != nil {
			return err
		}
		if as == nil {
			return fmt.Errorf("assertion %d not found", id)
		}
		fmt.Printf("[%d] %s:%s %s %s:%s\n", as.ID, as.Subject.Type, as.Subject.ID, as.Predicate, as.Object.Type, as.Object.ID)
		fmt.Printf("  Effective from: %s\n", database.FormatDate(as.EffectiveFrom))
		if as.RetractedAt != nil {
			fmt.Printf("  Retracted: %s (%s)\n", database.FormatDate(*as.RetractedAt), as.RetractionReason)
		}
		if as.Confidence != nil {
			fmt.Printf("  Confidence: %.3f (%s, %s)\n", *as.Confidence, as.Band, as.Method)
		}
		var r confidence.Rationale
		if as.RationaleJSON != "" && json.Unmarshal([]byte(as.RationaleJSON), &r) == nil {
			for _, b := range confidence.Bullets(r) {
				fmt.Printf("    - %s\n", b)
			}
		}
		if as.CuratorJustification != "" {
			fmt.Printf("  Curator: %+.2f, %s\n", as.CuratorDelta, as.CuratorJustification)
		}

		evs, err := a.db.EvidenceForAssertion(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("\n  Evidence (%d):\n", len(evs))
		for _, e := range evs {
			fmt.Printf("    [%d] %s %s (%s, observed %s)\n", e.ID, e.SourceSystem, e.SourceRecordID, e.License, database.FormatDate(e.ObservedAt))
			if e.Locator != "" {
				fmt.Printf("         %s\n", e.Locator)
			}
		}
		return nil
	},
}

var retractReason string

var assertRetractCmd = &cobra.Command{
	Use:   "retract [id]",
	Short: "Retract an assertion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid assertion ID: %s", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.RetractAssertion(cmd.Context(), id, retractReason, actor); err != nil {
			return err
		}
		fmt.Printf("Retracted assertion %d\n", id)
		return nil
	},
}

var overrideJustification string

var assertOverrideCmd = &cobra.Command{
	Use:   "override [id] [delta]",
	Short: "Apply a bounded curator adjustment to an assertion's confidence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid assertion ID: %s", args[0])
		}
		delta, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid delta: %s", args[1])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.db.SetCuratorOverride(cmd.Context(), id, delta, overrideJustification, actor)
		if err != nil {
			return err
		}
		fmt.Printf("Assertion %d: confidence %.3f (%s)\n", id, res.Score, res.Band)
		return nil
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute confidence of every open assertion under the current rubric",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.db.RecomputeAllConfidence(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Recomputed confidence: %d assertions changed\n", n)
		return nil
	},
}

func init() {
	assertAddCmd.Flags().Int64SliceVarP(&assertEvidence, "evidence", "e", nil, "Evidence ids (comma-separated or repeated)")
	assertAddCmd.Flags().StringVar(&assertMethod, "method", "", "Link method: DETERMINISTIC, CURATED or ML_SUGGESTED_APPROVED")
	assertAddCmd.Flags().StringVar(&assertEffective, "effective-from", "", "Effective date (YYYY-MM-DD, default today)")
	assertRetractCmd.Flags().StringVar(&retractReason, "reason", "", "Retraction reason")
	_ = assertRetractCmd.MarkFlagRequired("reason")
	assertOverrideCmd.Flags().StringVar(&overrideJustification, "justification", "", "Why the adjustment is warranted")
	_ = assertOverrideCmd.MarkFlagRequired("justification")

	assertCmd.AddCommand(assertAddCmd)
	assertCmd.AddCommand(assertShowCmd)
	assertCmd.AddCommand(assertRetractCmd)
	assertCmd.AddCommand(assertOverrideCmd)
	rootCmd.AddCommand(assertCmd)
	rootCmd.AddCommand(recomputeCmd)
}
