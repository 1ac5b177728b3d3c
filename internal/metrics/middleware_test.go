package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/publications/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	r.Post("/v1/sync", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	counter := func(method, route, code string) float64 {
		return testutil.ToFloat64(httpRequestsTotal.WithLabelValues(method, route, code))
	}
	beforeGet := counter(http.MethodGet, "/v1/publications/{id}", "200")
	beforePost := counter(http.MethodPost, "/v1/sync", "202")
	beforeMiss := counter(http.MethodGet, unmatchedRoute, "404")

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/publications/7", nil),
		httptest.NewRequest(http.MethodGet, "/v1/publications/8", nil),
		httptest.NewRequest(http.MethodPost, "/v1/sync", nil),
		httptest.NewRequest(http.MethodGet, "/wp-login.php", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, beforeGet+2, counter(http.MethodGet, "/v1/publications/{id}", "200"), 0)
	require.InDelta(t, beforePost+1, counter(http.MethodPost, "/v1/sync", "202"), 0)
	require.InDelta(t, beforeMiss+1, counter(http.MethodGet, unmatchedRoute, "404"), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	t.Parallel()

	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	require.Equal(t, http.StatusOK, rec.code())
	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusTeapot, rec.code())
}
