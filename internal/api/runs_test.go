package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/storage/memory"
	"github.com/JakeFAU/preprint-harvester/internal/store"
)

func TestRunHandlerListRunsFiltersStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewRunStore()
	done, running := uuid.New(), uuid.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.StartRun(ctx, done, "sync", "medrxiv", start))
	require.NoError(t, repo.FinishRun(ctx, done, start.Add(time.Minute), store.RunSuccess, nil))
	require.NoError(t, repo.StartRun(ctx, running, "backfill", "", start.Add(time.Hour)))
	handler := NewRunHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=success&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, done.String(), body.Runs[0].ID)
	require.Equal(t, "success", body.Runs[0].Status)
	require.NotNil(t, body.Runs[0].FinishedAt)
}

func TestRunHandlerListRunsRejectsBadParams(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(memory.NewRunStore(), zap.NewNop())
	for _, query := range []string{"?status=paused", "?limit=-1", "?offset=-2", "?limit=abc"} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestRunHandlerListRunsRepoError(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(&failingRunRepo{err: errors.New("boom")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunHandlerGetRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewRunStore()
	id := uuid.New()
	require.NoError(t, repo.StartRun(ctx, id, "sync", "biorxiv", time.Now()))
	require.NoError(t, repo.AddRunProgress(ctx, id, 3, 1, 120))
	handler := NewRunHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+id.String(), nil), id.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "biorxiv", body.Run.Server)
	require.Equal(t, int64(3), body.Run.Days)
	require.Equal(t, int64(1), body.Run.FailedDays)
	require.Equal(t, int64(120), body.Run.Ingested)
	require.Equal(t, "running", body.Run.Status)
}

func TestRunHandlerGetRunErrors(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(memory.NewRunStore(), zap.NewNop())

	rec := httptest.NewRecorder()
	missing := uuid.NewString()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+missing, nil), missing))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil), "nope"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerRoutesRunLookupToRunHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := uuid.New()
	require.NoError(t, h.runs.StartRun(context.Background(), id, "enrich", "summary", time.Now()))

	rec := h.do(t, http.MethodGet, "/v1/runs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"kind":"enrich"`)
}

type failingRunRepo struct {
	err error
}

func (f *failingRunRepo) StartRun(context.Context, uuid.UUID, string, string, time.Time) error {
	return f.err
}

func (f *failingRunRepo) AddRunProgress(context.Context, uuid.UUID, int64, int64, int64) error {
	return f.err
}

func (f *failingRunRepo) FinishRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return f.err
}

func (f *failingRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, f.err
}

func (f *failingRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, f.err
}

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
