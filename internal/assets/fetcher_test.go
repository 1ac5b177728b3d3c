package assets_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/preprint-harvester/internal/assets"
	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/hash/sha256"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/storage/memory"
)

const host = "https://www.medrxiv.test"

type countingFetcher struct {
	mu     sync.Mutex
	calls  []string
	status int
	body   []byte
	err    error
}

func (c *countingFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req.URL)
	if c.err != nil {
		return fetcher.Response{}, c.err
	}
	return fetcher.Response{URL: req.URL, StatusCode: c.status, Body: c.body}, nil
}

func (c *countingFetcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
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

type fixture struct {
	store    *memory.PublicationStore
	blobs    *memory.BlobStore
	remote   *countingFetcher
	notifier *recordingNotifier
	pauses   *[]time.Duration
	fetcher  *assets.Fetcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fx := fixture{
		store:    memory.NewPublicationStore(),
		blobs:    memory.NewBlobStore(),
		remote:   &countingFetcher{status: http.StatusOK, body: []byte("%PDF-1.7 body")},
		notifier: &recordingNotifier{},
		pauses:   &[]time.Duration{},
	}
	pacer := assets.NewPacer(time.Second, 6*time.Second).WithSleep(func(_ context.Context, d time.Duration) error {
		*fx.pauses = append(*fx.pauses, d)
		return nil
	})
	f, err := assets.New(assets.Config{Host: host + "/"}, fx.remote, fx.blobs, fx.store,
		assets.WithNotifier(fx.notifier),
		assets.WithRetryPolicy(retry.New(retry.Config{MaxAttempts: 1})),
		assets.WithPacer(pacer),
	)
	require.NoError(t, err)
	fx.fetcher = f
	return fx
}

func (fx fixture) seed(t *testing.T, dois ...string) []publication.Publication {
	t.Helper()
	out := make([]publication.Publication, 0, len(dois))
	for _, doi := range dois {
		p := publication.Publication{DOI: doi, Version: 1, Date: "2024-01-01", Title: doi, Server: "medrxiv"}
		res, err := fx.store.Upsert(context.Background(), p)
		require.NoError(t, err)
		p.ID = res.ID
		out = append(out, p)
	}
	return out
}

func TestFetchSkipsNetworkWhenFileExists(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pub := fx.seed(t, "10.1101/2024.01.01.000001")[0]
	ctx := context.Background()

	uri, ok := fx.fetcher.Fetch(ctx, pub)
	require.True(t, ok)
	require.Equal(t, "memory://10.1101-2024.01.01.000001.pdf", uri)

	uri, ok = fx.fetcher.Fetch(ctx, pub)
	require.True(t, ok)
	require.Equal(t, "memory://10.1101-2024.01.01.000001.pdf", uri)

	require.Equal(t, 1, fx.remote.count())
	require.Equal(t, []string{host + "/content/10.1101/2024.01.01.000001.full.pdf"}, fx.remote.calls)

	name, linked, err := fx.store.PDFPath(ctx, pub.ID)
	require.NoError(t, err)
	require.True(t, linked)
	require.Equal(t, "10.1101-2024.01.01.000001.pdf", name)
}

func TestFetchLinksFileAlreadyOnDisk(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pub := fx.seed(t, "10.1101/x")[0]
	ctx := context.Background()
	_, err := fx.blobs.PutObject(ctx, pub.PDFFilename(), "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)
	require.NoError(t, fx.store.RecordPDFFailure(ctx, pub.ID, "reset", time.Hour, time.Hour))

	_, ok := fx.fetcher.Fetch(ctx, pub)
	require.True(t, ok)
	require.Zero(t, fx.remote.count())
	require.Zero(t, fx.store.PDFAttempts(pub.ID))
}

func TestFetchFailureReturnsFalseAndRecordsBackoff(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pub := fx.seed(t, "10.1101/missing")[0]
	fx.remote.status = http.StatusNotFound

	uri, ok := fx.fetcher.Fetch(context.Background(), pub)
	require.False(t, ok)
	require.Empty(t, uri)
	require.Equal(t, 1, fx.store.PDFAttempts(pub.ID))
	require.Len(t, fx.notifier.msgs, 1)
	require.Contains(t, fx.notifier.msgs[0], "10.1101/missing")

	_, stored := fx.blobs.Object(pub.PDFFilename())
	require.False(t, stored)
}

func TestFetchRejectsNonPDFBody(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pub := fx.seed(t, "10.1101/html")[0]
	fx.remote.body = []byte("<html>challenge</html>")

	_, ok := fx.fetcher.Fetch(context.Background(), pub)
	require.False(t, ok)
	require.Equal(t, 1, fx.store.PDFAttempts(pub.ID))
}

func TestFetchTransportErrorDoesNotPanic(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pub := fx.seed(t, "10.1101/down")[0]
	fx.remote.err = errors.New("connection refused")

	_, ok := fx.fetcher.Fetch(context.Background(), pub)
	require.False(t, ok)
	require.Len(t, fx.notifier.msgs, 1)
}

func TestFetchAllMissingPacesOnlyDownloads(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pubs := fx.seed(t, "10.1101/a", "10.1101/b", "10.1101/c")
	ctx := context.Background()

	// b is on disk but not yet linked.
	_, err := fx.blobs.PutObject(ctx, pubs[1].PDFFilename(), "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)

	rep, err := fx.fetcher.FetchAllMissing(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, assets.Report{Considered: 3, Downloaded: 2, Linked: 1}, rep)
	require.Equal(t, 2, fx.remote.count())
	require.Len(t, *fx.pauses, 1)
	require.GreaterOrEqual(t, (*fx.pauses)[0], time.Second)
	require.Less(t, (*fx.pauses)[0], 6*time.Second)

	rep, err = fx.fetcher.FetchAllMissing(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, assets.Report{}, rep)
	require.Equal(t, 2, fx.remote.count())
}

func TestFetchAllMissingSkipsLinkedRecords(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pubs := fx.seed(t, "10.1101/a", "10.1101/b")
	ctx := context.Background()
	require.NoError(t, fx.store.RecordPDF(ctx, pubs[0].ID, pubs[0].PDFFilename()))

	rep, err := fx.fetcher.FetchAllMissing(ctx, publication.FromSlice(pubs))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Considered)
}

func TestFetchAllMissingCountsFailuresAndBacksOff(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, "10.1101/a", "10.1101/b")
	fx.remote.status = http.StatusServiceUnavailable
	ctx := context.Background()

	rep, err := fx.fetcher.FetchAllMissing(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, assets.Report{Considered: 2, Failed: 2}, rep)

	rep, err = fx.fetcher.FetchAllMissing(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, rep.Considered, "failed records wait out their backoff")
}

func TestFetchAllMissingStopsOnCancel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, "10.1101/a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.fetcher.FetchAllMissing(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, fx.remote.count())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestFetchAllMissingReportsRun(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, "10.1101/a", "10.1101/b")
	rec := &recordingEmitter{}
	f, err := assets.New(assets.Config{Host: host}, fx.remote, fx.blobs, fx.store,
		assets.WithEmitter(rec),
		assets.WithPacer(assets.NewPacer(0, 0).WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	require.NoError(t, err)

	runID := uuid.New()
	ctx := progress.WithRunID(context.Background(), runID)
	rep, err := f.FetchAllMissing(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Downloaded)

	require.NotEmpty(t, rec.events)
	first, last := rec.events[0], rec.events[len(rec.events)-1]
	require.Equal(t, progress.StageRunStart, first.Stage)
	require.Equal(t, "pdfs", first.Kind)
	require.Equal(t, runID, first.RunUUID())
	require.Equal(t, progress.StageRunDone, last.Stage)
	require.Equal(t, int64(2), last.Records)
	for _, evt := range rec.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, runID, evt.RunUUID())
	}
}

func TestFetchAllMissingStampsRunWithClock(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, "10.1101/a")
	rec := &recordingEmitter{}
	pinned := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := assets.New(assets.Config{Host: host}, fx.remote, fx.blobs, fx.store,
		assets.WithEmitter(rec),
		assets.WithClock(system.At(pinned)),
		assets.WithClock(nil),
		assets.WithPacer(assets.NewPacer(0, 0).WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	require.NoError(t, err)

	_, err = f.FetchAllMissing(context.Background(), nil)
	require.NoError(t, err)

	require.NotEmpty(t, rec.events)
	first, last := rec.events[0], rec.events[len(rec.events)-1]
	require.Equal(t, progress.StageRunStart, first.Stage)
	require.True(t, first.TS.Equal(pinned))
	require.Equal(t, progress.StageRunDone, last.Stage)
	require.True(t, last.TS.Equal(pinned))
	require.Zero(t, last.Dur)
}

func TestFetchAllMissingReportsCancellation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seed(t, "10.1101/a")
	rec := &recordingEmitter{}
	f, err := assets.New(assets.Config{Host: host}, fx.remote, fx.blobs, fx.store, assets.WithEmitter(rec))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.FetchAllMissing(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	last := rec.events[len(rec.events)-1]
	require.Equal(t, progress.StageRunError, last.Stage)
	require.NotEmpty(t, last.Note)
}

func TestFetchLogsDigest(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	pubs := fx.seed(t, "10.1101/a")
	core, logs := observer.New(zap.InfoLevel)
	f, err := assets.New(assets.Config{Host: host}, fx.remote, fx.blobs, fx.store,
		assets.WithHasher(sha256.New()),
		assets.WithLogger(zap.New(core)),
	)
	require.NoError(t, err)

	_, ok := f.Fetch(context.Background(), pubs[0])
	require.True(t, ok)
	stored := logs.FilterMessage("pdf stored").All()
	require.Len(t, stored, 1)
	want, err := sha256.New().Hash(fx.remote.body)
	require.NoError(t, err)
	require.Equal(t, want, stored[0].ContextMap()["sha256"])
}

func TestURLUsesServerHost(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	f, err := assets.New(assets.Config{
		Host:  host,
		Hosts: map[string]string{"BioRxiv": "https://www.biorxiv.test/"},
	}, fx.remote, fx.blobs, fx.store)
	require.NoError(t, err)

	bio := publication.Publication{DOI: "10.1101/x", Server: "biorxiv"}
	med := publication.Publication{DOI: "10.1101/y", Server: "medrxiv"}
	require.Equal(t, "https://www.biorxiv.test/content/10.1101/x.full.pdf", f.URL(bio))
	require.Equal(t, host+"/content/10.1101/y.full.pdf", f.URL(med))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	store := memory.NewPublicationStore()
	blobs := memory.NewBlobStore()
	remote := &countingFetcher{}

	_, err := assets.New(assets.Config{}, remote, blobs, store)
	require.Error(t, err)
	_, err = assets.New(assets.Config{Host: host}, nil, blobs, store)
	require.Error(t, err)
	_, err = assets.New(assets.Config{Host: host}, remote, nil, store)
	require.Error(t, err)
	_, err = assets.New(assets.Config{Host: host}, remote, blobs, nil)
	require.Error(t, err)
}

func TestPacerBounds(t *testing.T) {
	t.Parallel()
	p := assets.NewPacer(0, 0)
	for range 100 {
		d := p.Next()
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 6*time.Second)
	}
}
