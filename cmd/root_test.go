package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/enrich"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/scraper"
	"github.com/JakeFAU/preprint-harvester/internal/server"
	"github.com/JakeFAU/preprint-harvester/internal/storage/memory"
	"github.com/JakeFAU/preprint-harvester/internal/textproc/static"
)

type stubCatalog struct {
	records map[string][]publication.Publication
}

func (s stubCatalog) Fetch(_ context.Context, day time.Time) ([]publication.Publication, error) {
	return s.records[publication.FormatDay(day)], nil
}

type testApp struct {
	store    *memory.PublicationStore
	jobs     *server.Jobs
	pipeline *enrich.Pipeline
	migrated bool
	ran      bool
	closed   bool
}

func (a *testApp) Logger() *zap.Logger        { return zap.NewNop() }
func (a *testApp) Store() publication.Store   { return a.store }
func (a *testApp) Jobs() *server.Jobs         { return a.jobs }
func (a *testApp) Pipeline() *enrich.Pipeline { return a.pipeline }

func (a *testApp) Migrate(context.Context) error {
	a.migrated = true
	return nil
}

func (a *testApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *testApp) Close(context.Context) error {
	a.closed = true
	return nil
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := memory.NewPublicationStore()
	catalog := stubCatalog{records: map[string][]publication.Publication{
		"2024-01-01": {{
			DOI:      "10.1101/2024.01.01.000001",
			Version:  1,
			Date:     "2024-01-01",
			Title:    "Sepsis outcomes in rural hospitals",
			Abstract: "Sepsis remains deadly. Rural hospitals see worse outcomes.",
			Server:   "medrxiv",
		}},
	}}
	engine, err := scraper.New(scraper.Config{Server: "medrxiv", DefaultStart: "2024-01-01"}, catalog, store,
		scraper.WithClock(system.At(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))),
	)
	require.NoError(t, err)
	pipeline, err := enrich.New(enrich.Config{Workers: 1}, store, static.New(5))
	require.NoError(t, err)
	engines := map[string]*scraper.Engine{"medrxiv": engine}
	return &testApp{
		store:    store,
		jobs:     server.NewJobs(engines, []string{"medrxiv"}, nil, pipeline, nil),
		pipeline: pipeline,
	}
}

func factoryFor(app *testApp) AppFactory {
	return func(context.Context, string) (App, error) { return app, nil }
}

func execute(t *testing.T, app *testApp, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, factoryFor(app))
	return out.String(), err
}

func TestSyncCommandThenSearchAndAnalyze(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	out, err := execute(t, app, "sync", "--start", "2024-01-01", "--end", "2024-01-01")
	require.NoError(t, err)
	require.True(t, app.closed)
	var res scraper.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "medrxiv", res.Server)
	require.Len(t, res.Days, 1)
	require.Equal(t, publication.DayFetchedNew, res.Days[0].Status)

	out, err = execute(t, app, "search", "sepsis", "--mode", "all")
	require.NoError(t, err)
	require.Contains(t, out, "10.1101/2024.01.01.000001 v1")
	require.Contains(t, out, "Sepsis outcomes in rural hospitals")

	out, err = execute(t, app, "search", "cardiology")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1, "only the header row")

	out, err = execute(t, app, "analyze", "1", "--commit")
	require.NoError(t, err)
	var analysis enrich.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &analysis))
	require.NotEmpty(t, analysis.Summary.Text)
	require.NotEmpty(t, analysis.Keywords.Keywords)
}

func TestSearchMarkdownFormat(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)
	_, err := execute(t, app, "sync", "--start", "2024-01-01", "--end", "2024-01-01")
	require.NoError(t, err)

	out, err := execute(t, app, "search", "sepsis", "--format", "markdown")
	require.NoError(t, err)
	require.Equal(t, "### Sepsis outcomes in rural hospitals\n\nSepsis remains deadly. Rural hospitals see worse outcomes.\n\n", out)

	_, err = execute(t, app, "search", "sepsis", "--format", "html")
	require.ErrorContains(t, err, "format must be table or markdown")
}

func TestAnalyzeCommitsByDefaultAndPreviewsOnRequest(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)
	_, err := execute(t, app, "sync", "--start", "2024-01-01", "--end", "2024-01-01")
	require.NoError(t, err)
	second, err := app.store.Upsert(context.Background(), publication.Publication{
		DOI:      "10.1101/2024.01.01.000002",
		Version:  1,
		Date:     "2024-01-01",
		Title:    "Rural maternity closures",
		Abstract: "Closures lengthen travel. Outcomes worsen with distance.",
		Server:   "medrxiv",
	})
	require.NoError(t, err)

	_, err = execute(t, app, "analyze", fmt.Sprint(second.ID), "--commit=false")
	require.NoError(t, err)
	_, ok, err := app.store.Enrichment(context.Background(), second.ID, publication.KindSummary)
	require.NoError(t, err)
	require.False(t, ok, "preview must not save")

	out, err := execute(t, app, "analyze", "1", fmt.Sprint(second.ID))
	require.NoError(t, err)
	var rep enrich.AnalyzeReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Equal(t, 2, rep.Seen)
	require.Zero(t, rep.Failed)
	require.Len(t, rep.Analyses, 2)
	require.Equal(t, int64(1), rep.Analyses[0].Publication.ID)
	require.Equal(t, second.ID, rep.Analyses[1].Publication.ID)
	for _, id := range []int64{1, second.ID} {
		_, ok, err := app.store.Enrichment(context.Background(), id, publication.KindSummary)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err = execute(t, app, "analyze", "1", "x")
	require.ErrorContains(t, err, "invalid publication id \"x\"")
	_, err = execute(t, app, "analyze", "1", "42")
	require.ErrorIs(t, err, publication.ErrNotFound)
}

func TestCommandValidation(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	_, err := execute(t, app, "analyze", "abc")
	require.ErrorContains(t, err, "invalid publication id")

	_, err = execute(t, app, "analyze", "42")
	require.ErrorIs(t, err, publication.ErrNotFound)

	_, err = execute(t, app, "search", "x", "--mode", "some")
	require.ErrorContains(t, err, "mode must be any or all")

	_, err = execute(t, app, "sync", "--server", "arxiv")
	require.ErrorContains(t, err, "unknown server")

	_, err = execute(t, app, "pdfs")
	require.ErrorContains(t, err, "pdf backfill unavailable")
}

func TestBackfillServeAndMigrate(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	_, err := execute(t, app, "backfill", "--pdfs=false")
	require.NoError(t, err)

	_, err = execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)

	_, err = execute(t, app, "migrate")
	require.NoError(t, err)
	require.True(t, app.migrated)
}

func TestFactoryErrorIsReported(t *testing.T) {
	t.Parallel()
	failing := func(context.Context, string) (App, error) { return nil, errors.New("db unreachable") }
	err := run(context.Background(), []string{"migrate"}, &bytes.Buffer{}, failing)
	require.ErrorContains(t, err, "db unreachable")
}
