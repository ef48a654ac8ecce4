package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/BioGraph/internal/curation"
	"github.com/TobiSchelling/BioGraph/internal/database"
)

// --- candidates command ---

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Review machine-proposed entities",
}

var (
	candidateStatus string
	candidateIssuer string
)

var candidatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.db.ListCandidates(cmd.Context(), candidateStatus, candidateIssuer)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Printf("No %s candidates.\n", candidateStatus)
			return nil
		}
		for _, c := range list {
			fmt.Printf("  %s  %s %-14s %s (evidence %d, by %s)\n", c.ID, c.IssuerID, c.Type, c.ProposedName, c.EvidenceID, c.ProposedBy)
			if c.CreatedEntityID != "" {
				fmt.Printf("      → %s\n", c.CreatedEntityID)
			}
		}
		return nil
	},
}

var (
	acceptParent   string
	acceptEntityID string
	acceptName     string
	acceptEvidence []int64
	decisionNotes  string
)

var candidatesAcceptCmd = &cobra.Command{
	Use:   "accept [candidate-id]",
	Short: "Accept a candidate, creating its entity and linking assertion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.gate().Accept(cmd.Context(), args[0], actor, curation.Selection{
			ParentID:         acceptParent,
			EntityID:         acceptEntityID,
			Name:             acceptName,
			ExtraEvidenceIDs: acceptEvidence,
		}, decisionNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Accepted: created %s, assertion %d (confidence %.3f)\n", res.EntityID, res.AssertionID, res.Confidence)
		return nil
	},
}

var candidatesRejectCmd = &cobra.Command{
	Use:   "reject [candidate-id]",
	Short: "Reject a candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gate().Reject(cmd.Context(), args[0], actor, decisionNotes); err != nil {
			return err
		}
		fmt.Printf("Rejected candidate %s\n", args[0])
		return nil
	},
}

func init() {
	candidatesListCmd.Flags().StringVar(&candidateStatus, "status", database.StatusPending, "pending, accepted or rejected")
	candidatesListCmd.Flags().StringVar(&candidateIssuer, "issuer", "", "Only this issuer's candidates")
	candidatesAcceptCmd.Flags().StringVar(&acceptParent, "parent", "", "Drug program (for targets) or target (for diseases) to link to")
	candidatesAcceptCmd.Flags().StringVar(&acceptEntityID, "entity-id", "", "Override the proposed ontology id")
	candidatesAcceptCmd.Flags().StringVar(&acceptName, "name", "", "Override the proposed name")
	candidatesAcceptCmd.Flags().Int64SliceVarP(&acceptEvidence, "evidence", "e", nil, "Additional evidence ids (needed when the candidate came from news)")
	for _, c := range []*cobra.Command{candidatesAcceptCmd, candidatesRejectCmd} {
		c.Flags().StringVar(&decisionNotes, "notes", "", "Decision notes")
	}

	candidatesCmd.AddCommand(candidatesListCmd)
	candidatesCmd.AddCommand(candidatesAcceptCmd)
	candidatesCmd.AddCommand(candidatesRejectCmd)
	rootCmd.AddCommand(candidatesCmd)
}

// --- duplicates command ---

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find and decide duplicate drug programs within an issuer",
}

var duplicatesIssuer string

var duplicatesScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Compare drug program names and record duplicate suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		g := a.gate()

		var results []curation.ScanResult
		if duplicatesIssuer != "" {
			r, err := g.ScanDuplicates(cmd.Context(), duplicatesIssuer)
			if err != nil {
				return err
			}
			results = append(results, r)
		} else {
			results, err = g.ScanAll(cmd.Context())
			if err != nil {
				return err
			}
		}
		for _, r := range results {
			fmt.Printf("  %s: %d programs, %d pairs compared, %d new suggestions\n", r.IssuerID, r.Programs, r.Compared, len(r.Suggested))
			for _, s := range r.Suggested {
				fmt.Printf("      %s  %s ~ %s (%.2f)\n", s.ID, s.Entity1ID, s.Entity2ID, s.Similarity)
			}
		}
		return nil
	},
}

var duplicatesStatus string

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.db.ListDuplicateSuggestions(cmd.Context(), duplicatesStatus, duplicatesIssuer)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Printf("No %s duplicate suggestions.\n", duplicatesStatus)
			return nil
		}
		for _, s := range list {
			fmt.Printf("  %s  %s ~ %s (%.2f)\n", s.ID, s.Entity1ID, s.Entity2ID, s.Similarity)
		}
		return nil
	},
}

var duplicatesAcceptCmd = &cobra.Command{
	Use:   "accept [suggestion-id] [canonical-id]",
	Short: "Accept a suggestion, aliasing the other program to canonical-id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		alias, err := a.gate().AcceptDuplicate(cmd.Context(), args[0], args[1], actor, decisionNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Aliased %s → %s\n", alias.AliasOfID, alias.CanonicalID)
		return nil
	},
}

var duplicatesRejectCmd = &cobra.Command{
	Use:   "reject [suggestion-id]",
	Short: "Reject a duplicate suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gate().RejectDuplicate(cmd.Context(), args[0], actor, decisionNotes); err != nil {
			return err
		}
		fmt.Printf("Rejected duplicate suggestion %s\n", args[0])
		return nil
	},
}

func init() {
	duplicatesScanCmd.Flags().StringVar(&duplicatesIssuer, "issuer", "", "Scan one issuer only")
	duplicatesListCmd.Flags().StringVar(&duplicatesIssuer, "issuer", "", "Only this issuer's suggestions")
	duplicatesListCmd.Flags().StringVar(&duplicatesStatus, "status", database.StatusPending, "pending, accepted or rejected")
	for _, c := range []*cobra.Command{duplicatesAcceptCmd, duplicatesRejectCmd} {
		c.Flags().StringVar(&decisionNotes, "notes", "", "Decision notes")
	}

	duplicatesCmd.AddCommand(duplicatesScanCmd)
	duplicatesCmd.AddCommand(duplicatesListCmd)
	duplicatesCmd.AddCommand(duplicatesAcceptCmd)
	duplicatesCmd.AddCommand(duplicatesRejectCmd)
	rootCmd.AddCommand(duplicatesCmd)
}
