package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/config"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Assets.Backend = "memory"
	cfg.Progress.Prometheus = false
	cfg.Catalog.Servers = []string{"medrxiv", "biorxiv"}
	return &cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	app, err := build(ctx, memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Equal(t, []string{"medrxiv", "biorxiv"}, app.Jobs().Servers())
	require.NotNil(t, app.Store())
	require.NotNil(t, app.Runs())
	require.NotNil(t, app.Assets())
	require.NotNil(t, app.Pipeline())
	require.Nil(t, app.scheduler)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	require.ErrorContains(t, app.Migrate(ctx), "db.dsn")
}

func TestBuildArmsSchedule(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig(t)
	cfg.Schedule.Enabled = true
	cfg.Schedule.SyncCron = "0 4 * * *"

	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.scheduler)
	require.Contains(t, app.scheduler.Next(), "sync")
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig(t)
	cfg.Schedule.Enabled = true
	cfg.Schedule.SyncCron = "every tuesday"

	_, err := build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "schedule")
}
