// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/config"
	"github.com/JakeFAU/preprint-harvester/internal/enrich"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 15 * time.Second

// App defines the application surface the commands use, so tests can
// inject their own.
type App interface {
	Logger() *zap.Logger
	Store() publication.Store
	Jobs() *server.Jobs
	Pipeline() *enrich.Pipeline
	Migrate(ctx context.Context) error
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// AppFactory builds the App from the --config path.
type AppFactory func(ctx context.Context, cfgPath string) (App, error)

func buildApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type session struct {
	cfgFile string
	app     App
}

// newRootCmd creates the root command. The app is built once before any
// subcommand runs and stored in the command context.
func newRootCmd(factory AppFactory, s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests preprint metadata, PDFs and enrichments.",
		Long: `harvester mirrors the medRxiv/bioRxiv catalog into a local store,
downloads publication PDFs, and computes summaries, keywords and critiques
for every current revision.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := factory(cmd.Context(), s.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newMigrateCmd(),
		newSyncCmd(),
		newPDFsCmd(),
		newBackfillCmd(),
		newAnalyzeCmd(),
		newSearchCmd(),
		newServeCmd(),
	)
	return cmd
}

// run executes args and closes the app afterwards, whether or not the
// command failed.
func run(ctx context.Context, args []string, out io.Writer, factory AppFactory) error {
	s := &session{}
	root := newRootCmd(factory, s)
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if s.app != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := s.app.Close(closeCtx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, buildApp); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
