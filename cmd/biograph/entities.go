package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/BioGraph/internal/database"
)

// --- issuer command ---

var issuerCmd = &cobra.Command{
	Use:   "issuer",
	Short: "Manage issuers",
}

var (
	issuerExternalID string
	issuerNotes      string
)

var issuerAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add an issuer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		iss, created, err := a.db.CreateIssuer(cmd.Context(), database.IssuerInput{
			ID:                args[0],
			PrimaryExternalID: issuerExternalID,
			Name:              args[1],
			Notes:             issuerNotes,
			Actor:             actor,
		})
		if err != nil {
			return err
		}
		if !created {
			fmt.Printf("Issuer already exists: %s (%s)\n", iss.ID, iss.Name)
			return nil
		}
		fmt.Printf("Added issuer %s (%s)\n", iss.ID, iss.Name)
		return nil
	},
}

var issuerShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an issuer with its drug programs and identifiers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		iss, err := a.db.GetIssuer(ctx, args[0])
		if err != nil {
			return err
		}
		if iss == nil {
			return fmt.Errorf("issuer %s not found", args[0])
		}
		fmt.Printf("%s  %s\n", iss.ID, iss.Name)
		fmt.Printf("  External ID: %s\n", iss.PrimaryExternalID)

		ids, err := a.db.IssuerIdentifiers(ctx, iss.ID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			until := "now"
			if id.EffectiveTo != nil {
				until = database.FormatDate(*id.EffectiveTo)
			}
			fmt.Printf("  %s %s (%s → %s)\n", id.Type, id.Value, database.FormatDate(id.EffectiveFrom), until)
		}

		programs, err := a.db.ListDrugPrograms(ctx, iss.ID, true)
		if err != nil {
			return err
		}
		fmt.Printf("\nDrug programs (%d):\n", len(programs))
		for _, p := range programs {
			deleted := ""
			if p.DeletedAt != nil {
				deleted = " [deleted]"
			}
			fmt.Printf("  %s  %s v%d%s\n", p.ID, p.Name, p.Version, deleted)
		}
		if iss.Notes != "" {
			fmt.Printf("\nNotes:\n%s\n", iss.Notes)
		}
		return nil
	},
}

var identifierFrom string

var issuerIdentifierCmd = &cobra.Command{
	Use:   "identifier [issuer] [type] [value]",
	Short: "Record an external identifier (ticker, LEI, CIK) for an issuer",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		from, err := dateFlag(identifierFrom, a.db.Now())
		if err != nil {
			return err
		}
		if err := a.db.RecordIssuerIdentifier(cmd.Context(), args[0], args[1], args[2], from, actor); err != nil {
			return err
		}
		fmt.Printf("Recorded %s %s for %s from %s\n", args[1], args[2], args[0], database.FormatDate(from))
		return nil
	},
}

func init() {
	issuerAddCmd.Flags().StringVar(&issuerExternalID, "external-id", "", "Primary external identifier (e.g. LEI)")
	issuerAddCmd.Flags().StringVar(&issuerNotes, "notes", "", "Markdown notes")
	issuerIdentifierCmd.Flags().StringVar(&identifierFrom, "from", "", "Effective date (YYYY-MM-DD, default today)")

	issuerCmd.AddCommand(issuerAddCmd)
	issuerCmd.AddCommand(issuerShowCmd)
	issuerCmd.AddCommand(issuerIdentifierCmd)
	rootCmd.AddCommand(issuerCmd)
}

// --- drug / target / disease commands ---

var (
	drugModality string
	drugStage    string
	drugCatalog  string
)

var drugCmd = &cobra.Command{
	Use:   "drug",
	Short: "Manage drug programs",
}

var drugAddCmd = &cobra.Command{
	Use:   "add [issuer] [name]",
	Short: "Add a drug program to an issuer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, created, err := a.db.CreateDrugProgram(cmd.Context(), database.DrugProgramInput{
			IssuerID:          args[0],
			Name:              args[1],
			Modality:          drugModality,
			Stage:             drugStage,
			ExternalCatalogID: drugCatalog,
			Actor:             actor,
		})
		if err != nil {
			return err
		}
		verb := "Added"
		if !created {
			verb = "Exists"
		}
		fmt.Printf("%s drug program %s\n", verb, p.ID)
		return nil
	},
}

var targetSymbol, targetClass string

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add or update a target (e.g. an Ensembl gene id)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tg := database.Target{ID: args[0], Name: args[1], Symbol: targetSymbol, TargetClass: targetClass}
		if err := a.db.UpsertTarget(cmd.Context(), tg, actor); err != nil {
			return err
		}
		fmt.Printf("Saved target %s\n", tg.ID)
		return nil
	},
}

var diseaseArea string

var diseaseCmd = &cobra.Command{
	Use:   "disease",
	Short: "Manage diseases",
}

var diseaseAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add or update a disease (e.g. an EFO id)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ds := database.Disease{ID: args[0], Name: args[1], TherapeuticArea: diseaseArea}
		if err := a.db.UpsertDisease(cmd.Context(), ds, actor); err != nil {
			return err
		}
		fmt.Printf("Saved disease %s\n", ds.ID)
		return nil
	},
}

func init() {
	drugAddCmd.Flags().StringVar(&drugModality, "modality", "", "Modality (e.g. antibody, small molecule)")
	drugAddCmd.Flags().StringVar(&drugStage, "stage", "", "Development stage")
	drugAddCmd.Flags().StringVar(&drugCatalog, "catalog-id", "", "External catalog id (e.g. ChEMBL)")
	drugCmd.AddCommand(drugAddCmd)

	targetAddCmd.Flags().StringVar(&targetSymbol, "symbol", "", "Gene symbol")
	targetAddCmd.Flags().StringVar(&targetClass, "class", "", "Target class")
	targetCmd.AddCommand(targetAddCmd)

	diseaseAddCmd.Flags().StringVar(&diseaseArea, "area", "", "Therapeutic area")
	diseaseCmd.AddCommand(diseaseAddCmd)

	rootCmd.AddCommand(drugCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(diseaseCmd)
}

// --- location / company commands ---

var locationCountry string

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Manage locations",
}

var locationAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add or update a location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		loc := database.Location{ID: args[0], Name: args[1], CountryCode: locationCountry}
		if err := a.db.UpsertLocation(cmd.Context(), loc); err != nil {
			return err
		}
		fmt.Printf("Saved location %s\n", loc.ID)
		return nil
	},
}

var companyTicker, companyExchange string

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Manage non-issuer companies",
}

var companyAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add or update a company",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		co := database.Company{ID: args[0], Name: args[1], Ticker: companyTicker, Exchange: companyExchange}
		if err := a.db.UpsertCompany(cmd.Context(), co); err != nil {
			return err
		}
		fmt.Printf("Saved company %s\n", co.ID)
		return nil
	},
}

func init() {
	locationAddCmd.Flags().StringVar(&locationCountry, "country", "", "ISO country code")
	locationCmd.AddCommand(locationAddCmd)

	companyAddCmd.Flags().StringVar(&companyTicker, "ticker", "", "Ticker symbol")
	companyAddCmd.Flags().StringVar(&companyExchange, "exchange", "", "Listing exchange")
	companyCmd.AddCommand(companyAddCmd)

	rootCmd.AddCommand(locationCmd)
	rootCmd.AddCommand(companyCmd)
}

// --- evidence command ---

var (
	evidenceObserved string
	evidenceLicense  string
	evidenceLocator  string
	evidenceExcerpt  string
	evidenceBase     float64
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage evidence",
}

var evidenceAddCmd = &cobra.Command{
	Use:   "add [source-system] [source-record-id]",
	Short: "Record an evidence item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		observed, err := dateFlag(evidenceObserved, a.db.Now())
		if err != nil {
			return err
		}
		in := database.EvidenceInput{
			SourceSystem:   args[0],
			SourceRecordID: args[1],
			ObservedAt:     observed,
			License:        evidenceLicense,
			Locator:        evidenceLocator,
			Excerpt:        evidenceExcerpt,
		}
		if cmd.Flags().Changed("base") {
			in.BaseConfidence = &evidenceBase
		}
		res, err := a.db.CreateEvidence(cmd.Context(), in)
		if err != nil {
			return err
		}
		if res.Created {
			fmt.Printf("Recorded evidence %d\n", res.ID)
		} else {
			fmt.Printf("Evidence already recorded: %d\n", res.ID)
		}
		return nil
	},
}

func init() {
	evidenceAddCmd.Flags().StringVar(&evidenceObserved, "observed", "", "Observation date (YYYY-MM-DD, default today)")
	evidenceAddCmd.Flags().StringVar(&evidenceLicense, "license", "", "License tag (must be in the registry)")
	evidenceAddCmd.Flags().StringVar(&evidenceLocator, "locator", "", "URL or document locator")
	evidenceAddCmd.Flags().StringVar(&evidenceExcerpt, "excerpt", "", "Short excerpt")
	evidenceAddCmd.Flags().Float64Var(&evidenceBase, "base", 0, "Base confidence for sources the rubric does not know")
	_ = evidenceAddCmd.MarkFlagRequired("license")
	evidenceCmd.AddCommand(evidenceAddCmd)
	rootCmd.AddCommand(evidenceCmd)
}

// dateFlag parses a YYYY-MM-DD flag value, or returns def when empty.
func dateFlag(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	return database.ParseDate(v)
}

// parseRef parses "type:id". Drug program ids contain colons themselves,
// so only the first one separates the type.
func parseRef(s string) (database.EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return database.EntityRef{}, fmt.Errorf("entity %q: want type:id", s)
	}
	return database.EntityRef{Type: typ, ID: id}, nil
}
