package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/preprint-harvester/internal/api"
)

func newPDFsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pdfs",
		Short: "Download every missing PDF",
		Long: `Downloads the PDF of every current revision without one. Records whose
last attempt failed wait out their backoff first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			off := false
			return runBackfill(cmd, api.BackfillRequest{Enrichment: &off})
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var pdfs, enrichment bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fill in missing PDFs and enrichments",
		Long: `Runs the PDF pass and then computes every missing summary, keyword set
and critique.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, api.BackfillRequest{PDFs: &pdfs, Enrichment: &enrichment})
		},
	}
	cmd.Flags().BoolVar(&pdfs, "pdfs", true, "run the PDF pass")
	cmd.Flags().BoolVar(&enrichment, "enrichment", true, "run the enrichment pass")
	return cmd
}

func runBackfill(cmd *cobra.Command, req api.BackfillRequest) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Jobs().Backfill(cmd.Context(), req); err != nil {
		return err
	}
	appInstance.Logger().Info("backfill command finished")
	return nil
}
