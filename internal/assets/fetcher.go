// Package assets downloads preprint PDFs and links them to their publication
// rows.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// ErrNotPDF is returned when a 2xx response does not carry a PDF body.
var ErrNotPDF = errors.New("response is not a pdf")

var pdfMagic = []byte("%PDF-")

// BlobStore persists downloaded files.
type BlobStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	URI(path string) string
}

// Hasher digests downloaded files for the audit log.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config holds the download settings.
type Config struct {
	// Host is the publications host; PDFs live at {Host}/content/{doi}.full.pdf.
	Host string `mapstructure:"host"`
	// Hosts overrides Host for the records of one server.
	Hosts map[string]string `mapstructure:"hosts"`
	// FailureBackoff is the first wait after a failed download.
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
	// FailureBackoffMax caps the doubling wait.
	FailureBackoffMax time.Duration `mapstructure:"failure_backoff_max"`
	// MinPause and MaxPause bound the jittered sleep between downloads in a
	// batch.
	MinPause time.Duration `mapstructure:"min_pause"`
	MaxPause time.Duration `mapstructure:"max_pause"`
}

// Fetcher implements publication.AssetFetcher.
type Fetcher struct {
	host       string
	hosts      map[string]string
	backoff    time.Duration
	backoffMax time.Duration
	fetcher    fetcher.Fetcher
	blobs      BlobStore
	store      publication.AssetStore
	retry      *retry.Policy
	pacer      *Pacer
	notifier   publication.Notifier
	emitter    progress.Emitter
	hasher     Hasher
	clock      publication.Clock
	logger     *zap.Logger
}

var _ publication.AssetFetcher = (*Fetcher)(nil)

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithNotifier routes failure messages to n.
func WithNotifier(n publication.Notifier) Option {
	return func(f *Fetcher) {
		if n != nil {
			f.notifier = n
		}
	}
}

// WithEmitter reports FetchAllMissing runs to e.
func WithEmitter(e progress.Emitter) Option {
	return func(f *Fetcher) {
		if e != nil {
			f.emitter = e
		}
	}
}

// WithHasher logs a digest of every stored PDF.
func WithHasher(h Hasher) Option {
	return func(f *Fetcher) { f.hasher = h }
}

// WithClock sets the clock used to stamp run events.
func WithClock(c publication.Clock) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRetryPolicy overrides the per-download retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.retry = p
		}
	}
}

// WithPacer overrides the batch pacer.
func WithPacer(p *Pacer) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.pacer = p
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, f fetcher.Fetcher, blobs BlobStore, store publication.AssetStore, opts ...Option) (*Fetcher, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	switch {
	case host == "":
		return nil, errors.New("assets: host is required")
	case f == nil:
		return nil, errors.New("assets: fetcher is required")
	case blobs == nil:
		return nil, errors.New("assets: blob store is required")
	case store == nil:
		return nil, errors.New("assets: asset store is required")
	}
	hosts := make(map[string]string, len(cfg.Hosts))
	for server, h := range cfg.Hosts {
		if h = strings.TrimRight(strings.TrimSpace(h), "/"); h != "" {
			hosts[strings.ToLower(server)] = h
		}
	}
	a := &Fetcher{
		host:       host,
		hosts:      hosts,
		backoff:    cfg.FailureBackoff,
		backoffMax: cfg.FailureBackoffMax,
		fetcher:    f,
		blobs:      blobs,
		store:      store,
		retry:      retry.New(retry.Config{}),
		pacer:      NewPacer(cfg.MinPause, cfg.MaxPause),
		notifier:   nopNotifier{},
		emitter:    progress.Discard,
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	if a.backoff <= 0 {
		a.backoff = time.Hour
	}
	if a.backoffMax < a.backoff {
		a.backoffMax = max(a.backoff, 7*24*time.Hour)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// URL returns the download location for pub.
func (a *Fetcher) URL(pub publication.Publication) string {
	host, ok := a.hosts[pub.Server]
	if !ok {
		host = a.host
	}
	return fmt.Sprintf("%s/content/%s.full.pdf", host, pub.DOI)
}

// Fetch returns the stored location of pub's PDF, downloading it only when
// the file does not exist yet. Failures are logged, notified and recorded
// for backoff; they never propagate.
func (a *Fetcher) Fetch(ctx context.Context, pub publication.Publication) (string, bool) {
	uri, _, err := a.fetch(ctx, pub, nil)
	if err != nil {
		return "", false
	}
	return uri, true
}

// fetch reports whether the network was used. gate runs right before the
// download so batch callers can pace real requests only.
func (a *Fetcher) fetch(ctx context.Context, pub publication.Publication, gate func(context.Context) error) (string, bool, error) {
	name := pub.PDFFilename()
	log := a.logger.With(zap.String("doi", pub.DOI), zap.Int64("id", pub.ID))

	exists, err := a.blobs.Exists(ctx, name)
	if err != nil {
		log.Warn("checking stored pdf failed, downloading", zap.Error(err))
	}
	if exists {
		if err := a.store.RecordPDF(ctx, pub.ID, name); err != nil {
			a.fail(ctx, pub, fmt.Errorf("link existing pdf: %w", err), false)
			return "", false, err
		}
		log.Debug("pdf already stored", zap.String("file", name))
		return a.blobs.URI(name), false, nil
	}

	if gate != nil {
		if err := gate(ctx); err != nil {
			return "", false, err
		}
	}
	body, err := a.download(ctx, a.URL(pub))
	if err != nil {
		a.fail(ctx, pub, err, true)
		return "", true, err
	}
	uri, err := a.blobs.PutObject(ctx, name, "application/pdf", bytes.NewReader(body))
	if err != nil {
		a.fail(ctx, pub, fmt.Errorf("store pdf: %w", err), true)
		return "", true, err
	}
	if err := a.store.RecordPDF(ctx, pub.ID, name); err != nil {
		a.fail(ctx, pub, fmt.Errorf("link pdf: %w", err), false)
		return "", true, err
	}
	fields := []zap.Field{zap.String("uri", uri), zap.Int("bytes", len(body))}
	if a.hasher != nil {
		if sum, err := a.hasher.Hash(body); err == nil {
			fields = append(fields, zap.String("sha256", sum))
		}
	}
	log.Info("pdf stored", fields...)
	return uri, true, nil
}

func (a *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := a.fetcher.Fetch(ctx, fetcher.Request{
			URL:     url,
			Headers: http.Header{"Accept": {"application/pdf"}},
		})
		if err != nil {
			return fmt.Errorf("fetch pdf: %w", err)
		}
		if err := fetcher.CheckStatus(resp); err != nil {
			return err
		}
		if !bytes.HasPrefix(resp.Body, pdfMagic) {
			return fmt.Errorf("%w: %s", ErrNotPDF, url)
		}
		body = resp.Body
		return nil
	})
	return body, err
}

// fail logs and notifies. Download failures also enter the retry backoff;
// cancellation does not count as an attempt.
func (a *Fetcher) fail(ctx context.Context, pub publication.Publication, err error, countAttempt bool) {
	a.logger.Warn("pdf fetch failed", zap.String("doi", pub.DOI), zap.Int64("id", pub.ID), zap.Error(err))
	a.notifier.Notify(fmt.Sprintf("PDF fetch failed for %s: %v", pub.DOI, err))
	if !countAttempt || ctx.Err() != nil {
		return
	}
	if recErr := a.store.RecordPDFFailure(ctx, pub.ID, err.Error(), a.backoff, a.backoffMax); recErr != nil {
		a.logger.Warn("recording pdf failure", zap.Int64("id", pub.ID), zap.Error(recErr))
	}
}

// Report summarizes a batch run.
type Report struct {
	Considered int
	Downloaded int
	Linked     int
	Failed     int
}

// FetchAllMissing fetches PDFs for records lacking a linked asset. A nil
// stream means every current revision the store reports as missing. Real
// downloads are separated by a jittered pause; files already on disk are
// linked without one. Only cancellation or a stream error is returned. The
// batch reports as one "pdfs" run, under the context's run ID when present.
func (a *Fetcher) FetchAllMissing(ctx context.Context, records publication.Stream) (Report, error) {
	if records == nil {
		records = a.store.MissingPDFs(ctx)
	}
	id, ok := progress.RunIDFromContext(ctx)
	if !ok {
		id = uuid.New()
	}
	runID := progress.UUIDToBytes(id)
	started := a.clock.Now()
	a.emitter.Emit(progress.Event{RunID: runID, TS: started, Stage: progress.StageRunStart, Kind: "pdfs"})

	rep, err := a.fetchAll(ctx, progress.Track(records, a.emitter, runID, "pdfs", 25))

	now := a.clock.Now()
	evt := progress.Event{
		RunID:   runID,
		TS:      now,
		Stage:   progress.StageRunDone,
		Kind:    "pdfs",
		Records: int64(rep.Downloaded + rep.Linked),
		Dur:     max(now.Sub(started), 0),
	}
	switch {
	case err != nil:
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	case rep.Failed > 0:
		evt.Note = fmt.Sprintf("%d download(s) failed", rep.Failed)
	}
	a.emitter.Emit(evt)
	a.logger.Info("pdf backfill finished",
		zap.String("run_id", id.String()),
		zap.Int("considered", rep.Considered),
		zap.Int("downloaded", rep.Downloaded),
		zap.Int("linked", rep.Linked),
		zap.Int("failed", rep.Failed),
		zap.Error(err),
	)
	return rep, err
}

func (a *Fetcher) fetchAll(ctx context.Context, records publication.Stream) (Report, error) {
	var (
		rep      Report
		requests int
	)
	gate := func(ctx context.Context) error {
		requests++
		if requests == 1 {
			return nil
		}
		return a.pacer.Wait(ctx)
	}
	for pub, err := range records {
		if err != nil {
			return rep, fmt.Errorf("list missing pdfs: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, linked, err := a.store.PDFPath(ctx, pub.ID); err == nil && linked {
			continue
		}
		rep.Considered++
		_, networked, err := a.fetch(ctx, pub, gate)
		switch {
		case err != nil && ctx.Err() != nil:
			return rep, ctx.Err()
		case err != nil:
			rep.Failed++
		case networked:
			rep.Downloaded++
		default:
			rep.Linked++
		}
	}
	return rep, nil
}

// Pacer sleeps a random duration in [min, max) between requests.
type Pacer struct {
	min, max time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPacer builds a pacer; zero bounds fall back to one to six seconds.
func NewPacer(minPause, maxPause time.Duration) *Pacer {
	if minPause <= 0 {
		minPause = time.Second
	}
	if maxPause <= minPause {
		maxPause = max(minPause+time.Second, 6*time.Second)
	}
	return &Pacer{min: minPause, max: maxPause, sleep: sleepContext}
}

// WithSleep replaces the sleep function, for tests.
func (p *Pacer) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Pacer {
	cp := *p
	cp.sleep = fn
	return &cp
}

// Next returns the next pause length.
func (p *Pacer) Next() time.Duration {
	return p.min + rand.N(p.max-p.min)
}

// Wait sleeps for Next() or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.sleep(ctx, p.Next())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}
