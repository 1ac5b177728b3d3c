package catalog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/preprint-harvester/internal/catalog"
	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

const base = "https://api.test/details/medrxiv"

type stubFetcher struct {
	mu        sync.Mutex
	responses map[string][]fetcher.Response
	calls     []string
}

func (s *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.URL)
	queue := s.responses[req.URL]
	if len(queue) == 0 {
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		s.responses[req.URL] = queue[1:]
	}
	resp.URL = req.URL
	return resp, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func pageBody(t *testing.T, total int, dois ...string) []byte {
	t.Helper()
	collection := make([]map[string]any, 0, len(dois))
	for _, doi := range dois {
		collection = append(collection, map[string]any{
			"doi": doi, "title": "T " + doi, "date": "2024-01-01", "version": "1",
			"authors": "A; B", "abstract": "abs", "server": "medRxiv", "published": "NA",
		})
	}
	body, err := json.Marshal(map[string]any{
		"messages":   []map[string]any{{"status": "ok", "count": len(dois), "total": fmt.Sprint(total)}},
		"collection": collection,
	})
	require.NoError(t, err)
	return body
}

func ok(body []byte) fetcher.Response {
	return fetcher.Response{StatusCode: http.StatusOK, Body: body}
}

func pageURL(cursor int) string {
	return fmt.Sprintf("%s/2024-01-01/2024-01-01/%d/json", base, cursor)
}

func newClient(t *testing.T, f fetcher.Fetcher, n publication.Notifier) *catalog.Client {
	t.Helper()
	c, err := catalog.New(catalog.Config{BaseURL: base + "/"}, f,
		catalog.WithRetryPolicy(retry.New(retry.Config{}).WithoutDelay()),
		catalog.WithNotifier(n),
	)
	require.NoError(t, err)
	return c
}

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFetchWalksAllPages(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{responses: map[string][]fetcher.Response{
		pageURL(0): {ok(pageBody(t, 5, "10.1101/a", "10.1101/b"))},
		pageURL(2): {ok(pageBody(t, 5, "10.1101/c", "10.1101/d"))},
		pageURL(4): {ok(pageBody(t, 5, "10.1101/e"))},
	}}

	recs, err := newClient(t, stub, nil).Fetch(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	require.Equal(t, []string{pageURL(0), pageURL(2), pageURL(4)}, stub.calls)
	require.Equal(t, "medrxiv", recs[0].Server)
	require.Equal(t, []string{"A", "B"}, recs[0].Authors)
}

func TestFetchEmptyDay(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{responses: map[string][]fetcher.Response{
		pageURL(0): {ok([]byte(`{"messages":[{"status":"no posts found","total":0}],"collection":[]}`))},
	}}
	recs, err := newClient(t, stub, nil).Fetch(context.Background(), day)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Len(t, stub.calls, 1)
}

func TestFetchStopsOnFailureAndKeepsAccumulated(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	stub := &stubFetcher{responses: map[string][]fetcher.Response{
		pageURL(0): {ok(pageBody(t, 6, "10.1101/a", "10.1101/b"))},
		pageURL(2): {{StatusCode: http.StatusServiceUnavailable}},
	}}

	recs, err := newClient(t, stub, notifier).Fetch(context.Background(), day)
	require.ErrorIs(t, err, catalog.ErrIncomplete)
	require.Len(t, recs, 2)
	// one call for page 0, three attempts for page 2
	require.Len(t, stub.calls, 4)
	require.Len(t, notifier.msgs, 1)
	require.Contains(t, notifier.msgs[0], "cursor 2")
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{responses: map[string][]fetcher.Response{
		pageURL(0): {
			{StatusCode: http.StatusBadGateway},
			ok(pageBody(t, 1, "10.1101/a")),
		},
	}}
	recs, err := newClient(t, stub, nil).Fetch(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, stub.calls, 2)
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{responses: map[string][]fetcher.Response{}}
	recs, err := newClient(t, stub, nil).Fetch(context.Background(), day)
	require.ErrorIs(t, err, catalog.ErrIncomplete)
	require.Empty(t, recs)
	require.Len(t, stub.calls, 1)
}

func TestFetchSkipsMalformedRecords(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	body := `{"messages":[{"count":3,"total":3}],"collection":[
		{"doi":"10.1101/good","title":"Good","date":"2024-01-01","version":2},
		{"doi":"","title":"No doi","date":"2024-01-01","version":1},
		{"doi":"10.1101/bad","title":"Bad","date":"2024-01-01","version":{"x":1}}
	]}`
	stub := &stubFetcher{responses: map[string][]fetcher.Response{pageURL(0): {ok([]byte(body))}}}

	recs, err := newClient(t, stub, notifier).Fetch(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 2, recs[0].Version)
	require.Len(t, notifier.msgs, 2)
	for _, msg := range notifier.msgs {
		require.True(t, strings.HasPrefix(msg, "skipped malformed"), msg)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := catalog.New(catalog.Config{BaseURL: base}, nil)
	require.Error(t, err)
	_, err = catalog.New(catalog.Config{}, &stubFetcher{})
	require.Error(t, err)
}
