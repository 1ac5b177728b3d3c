package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

func newSearchCmd() *cobra.Command {
	var (
		mode     string
		format   string
		from, to string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <keyword>...",
		Short: "Find current revisions by keyword",
		Long: `Matches keywords case-insensitively against titles, abstracts and
extracted keywords, newest first. --mode all requires every keyword.
--format markdown prints each match as a heading followed by its abstract.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := publication.SearchQuery{Keywords: args, From: from, To: to, Limit: limit}
			switch strings.ToLower(mode) {
			case "", string(publication.MatchAny):
				q.Mode = publication.MatchAny
			case string(publication.MatchAll):
				q.Mode = publication.MatchAll
			default:
				return fmt.Errorf("mode must be any or all, got %q", mode)
			}
			format = strings.ToLower(format)
			if format != "table" && format != "markdown" {
				return fmt.Errorf("format must be table or markdown, got %q", format)
			}
			for _, d := range []string{from, to} {
				if d == "" {
					continue
				}
				if _, err := publication.ParseDay(d); err != nil {
					return err
				}
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			results := appInstance.Store().SearchFor(cmd.Context(), q)
			var n int
			if format == "markdown" {
				n, err = writeMarkdown(cmd.OutOrStdout(), results)
			} else {
				n, err = writeTable(cmd.OutOrStdout(), results)
			}
			if err != nil {
				return err
			}
			appInstance.Logger().Debug("search finished", zap.Int("matches", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "any", "any or all")
	cmd.Flags().StringVar(&format, "format", "table", "table or markdown")
	cmd.Flags().StringVar(&from, "from", "", "earliest day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "latest day, YYYY-MM-DD")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results, 0 for all")
	return cmd
}

func writeTable(w io.Writer, results publication.Stream) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tSERVER\tDOI\tTITLE")
	n := 0
	for pub, err := range results {
		if err != nil {
			return n, fmt.Errorf("search: %w", err)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s v%d\t%s\n", pub.ID, pub.Date, pub.Server, pub.DOI, pub.Version, pub.Title)
		n++
	}
	return n, tw.Flush()
}

func writeMarkdown(w io.Writer, results publication.Stream) (int, error) {
	n := 0
	for pub, err := range results {
		if err != nil {
			return n, fmt.Errorf("search: %w", err)
		}
		if _, err := fmt.Fprintf(w, "### %s\n\n%s\n\n", pub.Title, pub.Abstract); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
