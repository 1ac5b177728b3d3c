// Package scraper runs the incremental catalog sync: it walks a range of
// days, fetches each missing day from the catalog, upserts the records and
// optionally downloads their PDFs.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// Config holds per-server sync defaults.
type Config struct {
	// Server is the catalog server name, e.g. medrxiv.
	Server string `mapstructure:"server"`
	// DefaultStart is the first day synced into an empty store.
	DefaultStart string `mapstructure:"default_start"`
	// CacheFirst skips days that already have stored rows.
	CacheFirst bool `mapstructure:"cache_first"`
	// FetchPDFs downloads the PDF of every newly ingested record.
	FetchPDFs bool `mapstructure:"fetch_pdfs"`
	// Topic receives one message per newly ingested record.
	Topic string `mapstructure:"topic"`
}

// Options override the configured defaults for one run. Zero values keep the
// defaults; a zero Start means "resume from the watermark".
type Options struct {
	Start      time.Time
	End        time.Time
	CacheFirst *bool
	FetchPDFs  *bool
}

// DayReport is the outcome of one day.
type DayReport struct {
	Day     string                `json:"day"`
	Status  publication.DayStatus `json:"status"`
	Fetched int                   `json:"fetched"`
	New     int                   `json:"new"`
	Error   string                `json:"error,omitempty"`
}

// Result summarizes a run.
type Result struct {
	RunID    uuid.UUID                 `json:"run_id"`
	Server   string                    `json:"server"`
	Start    string                    `json:"start"`
	End      string                    `json:"end"`
	Days     []DayReport               `json:"days"`
	Ingested []publication.Publication `json:"-"`
}

// FailedDays counts days that ended fetch-failed.
func (r Result) FailedDays() int {
	n := 0
	for _, d := range r.Days {
		if d.Status == publication.DayFetchFailed {
			n++
		}
	}
	return n
}

// IngestedMessage is published for every newly inserted revision.
type IngestedMessage struct {
	RunID   string `json:"run_id"`
	ID      int64  `json:"id"`
	DOI     string `json:"doi"`
	Version int    `json:"version"`
	Date    string `json:"date"`
	Server  string `json:"server"`
	Title   string `json:"title"`
}

// Engine orchestrates one catalog and one store.
type Engine struct {
	cfg       Config
	catalog   publication.CatalogClient
	store     publication.SyncStore
	assets    publication.AssetFetcher
	publisher publication.Publisher
	clock     publication.Clock
	ids       publication.IDGenerator
	emitter   progress.Emitter
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAssetFetcher enables PDF downloads for new records.
func WithAssetFetcher(a publication.AssetFetcher) Option {
	return func(e *Engine) { e.assets = a }
}

// WithPublisher announces new records on cfg.Topic.
func WithPublisher(p publication.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the time source.
func WithClock(c publication.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g publication.IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithEmitter routes progress events.
func WithEmitter(em progress.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine.
func New(cfg Config, catalog publication.CatalogClient, store publication.SyncStore, opts ...Option) (*Engine, error) {
	cfg.Server = strings.ToLower(strings.TrimSpace(cfg.Server))
	switch {
	case cfg.Server == "":
		return nil, errors.New("scraper: server is required")
	case catalog == nil:
		return nil, errors.New("scraper: catalog client is required")
	case store == nil:
		return nil, errors.New("scraper: store is required")
	}
	if cfg.DefaultStart == "" {
		cfg.DefaultStart = "2019-06-01"
	}
	if _, err := publication.ParseDay(cfg.DefaultStart); err != nil {
		return nil, fmt.Errorf("scraper: default start: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		clock:   system.New(),
		ids:     randomIDs{},
		emitter: progress.Discard,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Server returns the server this engine syncs.
func (e *Engine) Server() string { return e.cfg.Server }

type plan struct {
	start, end time.Time
	watermark  string
	cacheFirst bool
	fetchPDFs  bool
}

// resolve picks the range. Without an explicit start the run resumes at the
// latest stored day, or earlier when an older day previously failed.
func (e *Engine) resolve(ctx context.Context, opts Options) (plan, error) {
	p := plan{
		end:        opts.End,
		cacheFirst: e.cfg.CacheFirst,
		fetchPDFs:  e.cfg.FetchPDFs,
	}
	if opts.CacheFirst != nil {
		p.cacheFirst = *opts.CacheFirst
	}
	if opts.FetchPDFs != nil {
		p.fetchPDFs = *opts.FetchPDFs
	}
	if p.end.IsZero() {
		p.end = e.clock.Now()
	}

	latest, ok, err := e.store.LatestStoredDate(ctx, e.cfg.Server)
	if err != nil {
		return plan{}, fmt.Errorf("resolve watermark: %w", err)
	}
	if ok {
		p.watermark = latest
	}
	if !opts.Start.IsZero() {
		p.start = opts.Start
		return p, nil
	}

	startDay := e.cfg.DefaultStart
	if ok {
		startDay = latest
	}
	failed, hasFailed, err := e.store.EarliestFailedDay(ctx, e.cfg.Server)
	if err != nil {
		return plan{}, fmt.Errorf("resolve failed days: %w", err)
	}
	if hasFailed && failed < startDay {
		startDay = failed
	}
	p.start, err = publication.ParseDay(startDay)
	if err != nil {
		return plan{}, err
	}
	return p, nil
}

// Run syncs the resolved range day by day in ascending order. A failed day
// is recorded and the run moves on; store errors and cancellation abort.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	runID := e.newRunID(ctx)
	runBytes := progress.UUIDToBytes(runID)
	notifier := progress.NewNotifier(e.emitter, runBytes, "sync")
	started := e.clock.Now()
	res := Result{RunID: runID, Server: e.cfg.Server}

	e.emitter.Emit(progress.Event{RunID: runBytes, TS: started, Stage: progress.StageRunStart, Kind: "sync", Server: e.cfg.Server})
	finish := func(err error) (Result, error) {
		evt := progress.Event{
			RunID:  runBytes,
			TS:     e.clock.Now(),
			Stage:  progress.StageRunDone,
			Kind:   "sync",
			Server: e.cfg.Server,
			Dur:    max(e.clock.Now().Sub(started), 0),
		}
		if err != nil {
			evt.Stage = progress.StageRunError
			evt.Note = err.Error()
		} else if n := res.FailedDays(); n > 0 {
			evt.Note = fmt.Sprintf("%d day(s) failed", n)
		}
		e.emitter.Emit(evt)
		return res, err
	}

	p, err := e.resolve(ctx, opts)
	if err != nil {
		return finish(err)
	}
	days := publication.SplitDays(p.start, p.end)
	if len(days) == 0 {
		return finish(nil)
	}
	res.Start = publication.FormatDay(days[0])
	res.End = publication.FormatDay(days[len(days)-1])
	log := e.logger.With(zap.String("run_id", runID.String()), zap.String("server", e.cfg.Server))
	log.Info("sync started", zap.String("start", res.Start), zap.String("end", res.End), zap.Int("days", len(days)))

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		dayStr := publication.FormatDay(day)
		final := i == len(days)-1
		dayStart := e.clock.Now()

		report, ingested, err := e.syncDay(ctx, day, p, final, notifier, runID)
		if err != nil {
			return finish(err)
		}
		res.Days = append(res.Days, report)
		res.Ingested = append(res.Ingested, ingested...)

		e.emitter.Emit(progress.Event{
			RunID:     runBytes,
			TS:        e.clock.Now(),
			Stage:     progress.StageDayDone,
			Kind:      "sync",
			Server:    e.cfg.Server,
			Day:       dayStr,
			DayStatus: string(report.Status),
			Records:   int64(report.New),
			Dur:       max(e.clock.Now().Sub(dayStart), 0),
			Note:      report.Error,
		})
		log.Debug("sync day done",
			zap.String("day", dayStr),
			zap.String("status", string(report.Status)),
			zap.Int("fetched", report.Fetched),
			zap.Int("new", report.New),
		)
	}
	log.Info("sync finished", zap.Int("ingested", len(res.Ingested)), zap.Int("failed_days", res.FailedDays()))
	return finish(nil)
}

func (e *Engine) syncDay(
	ctx context.Context,
	day time.Time,
	p plan,
	final bool,
	notifier publication.Notifier,
	runID uuid.UUID,
) (DayReport, []publication.Publication, error) {
	dayStr := publication.FormatDay(day)
	report := DayReport{Day: dayStr}

	// The watermark day and the last day can still gain records, so they are
	// always refetched. So is a day whose last fetch failed partway.
	if p.cacheFirst && !final && dayStr != p.watermark {
		cached, n, err := e.cached(ctx, dayStr)
		if err != nil {
			return report, nil, err
		}
		if cached {
			report.Status = publication.DayCached
			report.Fetched = n
			if err := e.store.RecordSyncDay(ctx, e.cfg.Server, dayStr, report.Status, n); err != nil {
				return report, nil, fmt.Errorf("record sync day %s: %w", dayStr, err)
			}
			return report, nil, nil
		}
	}

	records, fetchErr := e.catalog.Fetch(ctx, day)
	if fetchErr != nil && ctx.Err() != nil {
		return report, nil, ctx.Err()
	}
	records = publication.ExcludeDuplicates(records)
	report.Fetched = len(records)

	var ingested []publication.Publication
	for _, rec := range records {
		up, err := e.store.Upsert(ctx, rec)
		if errors.Is(err, publication.ErrInvalidRecord) {
			notifier.Notify(fmt.Sprintf("skipped invalid record on %s: %v", dayStr, err))
			continue
		}
		if err != nil {
			return report, ingested, fmt.Errorf("upsert %s: %w", rec.DOI, err)
		}
		if !up.Inserted {
			continue
		}
		rec.ID = up.ID
		rec.Server = strings.ToLower(rec.Server)
		ingested = append(ingested, rec)
		e.publish(ctx, runID, rec, notifier)
	}
	report.New = len(ingested)

	report.Status = publication.DayFetchedNew
	if fetchErr != nil {
		report.Status = publication.DayFetchFailed
		report.Error = fetchErr.Error()
	}
	if err := e.store.RecordSyncDay(ctx, e.cfg.Server, dayStr, report.Status, report.Fetched); err != nil {
		return report, ingested, fmt.Errorf("record sync day %s: %w", dayStr, err)
	}

	if p.fetchPDFs && e.assets != nil {
		for _, rec := range ingested {
			if ctx.Err() != nil {
				return report, ingested, ctx.Err()
			}
			e.assets.Fetch(ctx, rec)
		}
	}
	return report, ingested, nil
}

// cached reports whether day already holds records from a complete fetch.
func (e *Engine) cached(ctx context.Context, day string) (bool, int, error) {
	status, ok, err := e.store.SyncDayStatus(ctx, e.cfg.Server, day)
	if err != nil {
		return false, 0, fmt.Errorf("sync status %s: %w", day, err)
	}
	if ok && status == publication.DayFetchFailed {
		return false, 0, nil
	}
	n, err := e.store.CountOnDate(ctx, e.cfg.Server, day)
	if err != nil {
		return false, 0, fmt.Errorf("count %s: %w", day, err)
	}
	return n > 0, n, nil
}

func (e *Engine) publish(ctx context.Context, runID uuid.UUID, rec publication.Publication, notifier publication.Notifier) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	msg := IngestedMessage{
		RunID:   runID.String(),
		ID:      rec.ID,
		DOI:     rec.DOI,
		Version: rec.Version,
		Date:    rec.Date,
		Server:  rec.Server,
		Title:   rec.Title,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, msg); err != nil {
		e.logger.Warn("publish ingested record", zap.String("doi", rec.DOI), zap.Error(err))
		notifier.Notify(fmt.Sprintf("publish %s failed: %v", rec.DOI, err))
	}
}

func (e *Engine) newRunID(ctx context.Context) uuid.UUID {
	if id, ok := progress.RunIDFromContext(ctx); ok {
		return id
	}
	raw, err := e.ids.NewID()
	if err == nil {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	e.logger.Warn("run id generator failed, using random id", zap.Error(err))
	return uuid.New()
}

type randomIDs struct{}

func (randomIDs) NewID() (string, error) { return uuid.NewString(), nil }
