package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/preprint-harvester/internal/api"
)

func newSyncCmd() *cobra.Command {
	var req api.SyncRequest
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync catalog days into the store",
		Long: `Fetches every day from --start (default: resume from the watermark) to
--end (default: today) for one server and upserts the records. Days that
fail are retried on the next sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("cache-first") {
				v, _ := flags.GetBool("cache-first")
				req.CacheFirst = &v
			}
			if flags.Changed("pdfs") {
				v, _ := flags.GetBool("pdfs")
				req.FetchPDFs = &v
			}
			res, err := appInstance.Jobs().RunSync(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if failed := res.FailedDays(); failed > 0 {
				return fmt.Errorf("%d day(s) failed to sync", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Server, "server", "", "catalog server (default: first configured)")
	cmd.Flags().StringVar(&req.Start, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.End, "end", "", "last day, YYYY-MM-DD")
	cmd.Flags().Bool("cache-first", false, "skip days that already have stored records")
	cmd.Flags().Bool("pdfs", false, "download the PDF of every new record")
	return cmd
}
