package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

func newAnalyzeCmd() *cobra.Command {
	var fetchPDF, commit, force bool
	cmd := &cobra.Command{
		Use:   "analyze <id>...",
		Short: "Summarize, extract keywords and critique publications",
		Long: `Computes missing enrichments for each id and saves them. --commit=false
previews without saving. One id prints its analysis; several ids run as one
batch and print a report.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid publication id %q", arg)
				}
				ids = append(ids, id)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pubs := make([]publication.Publication, 0, len(ids))
			for _, id := range ids {
				pub, err := appInstance.Store().Fetch(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("fetch publication %d: %w", id, err)
				}
				pubs = append(pubs, pub)
			}

			if len(pubs) == 1 {
				out, err := appInstance.Pipeline().Analyze(cmd.Context(), pubs[0], fetchPDF, commit, force)
				if err != nil {
					return fmt.Errorf("analyze publication %d: %w", ids[0], err)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			rep, err := appInstance.Pipeline().AnalyzeAll(cmd.Context(), publication.FromSlice(pubs), fetchPDF, commit, force)
			if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil && err == nil {
				err = werr
			}
			if err != nil {
				return fmt.Errorf("analyze: %w", err)
			}
			if rep.Failed > 0 {
				return fmt.Errorf("analyze: %d of %d publication(s) failed", rep.Failed, rep.Seen)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fetchPDF, "pdf", false, "also download the PDF")
	cmd.Flags().BoolVar(&commit, "commit", true, "save computed enrichments")
	cmd.Flags().BoolVar(&force, "force", false, "recompute stored enrichments")
	return cmd
}
