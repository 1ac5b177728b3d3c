package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/api"
	"github.com/JakeFAU/preprint-harvester/internal/assets"
	"github.com/JakeFAU/preprint-harvester/internal/enrich"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/queue"
	"github.com/JakeFAU/preprint-harvester/internal/scraper"
)

// SyncRunner is one server's sync engine.
type SyncRunner interface {
	Run(ctx context.Context, opts scraper.Options) (scraper.Result, error)
}

// PDFBackfiller downloads every missing PDF.
type PDFBackfiller interface {
	FetchAllMissing(ctx context.Context, records publication.Stream) (assets.Report, error)
}

// EnrichmentBackfiller computes every missing enrichment.
type EnrichmentBackfiller interface {
	BackfillMissing(ctx context.Context) ([]enrich.Stats, error)
}

const enqueueScheduledTimeout = 30 * time.Second

var _ api.Jobs = (*Jobs)(nil)

// Jobs runs syncs and backfills on behalf of the API, the scheduler and the
// CLI. The run ID comes from the context when one is attached.
type Jobs struct {
	engines map[string]SyncRunner
	servers []string
	pdfs    PDFBackfiller
	enrich  EnrichmentBackfiller
	logger  *zap.Logger
}

// NewJobs wires the engines, keyed by server, and the backfill passes. The
// first server is the default.
func NewJobs[E SyncRunner](engines map[string]E, servers []string, pdfs PDFBackfiller, enrich EnrichmentBackfiller, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	runners := make(map[string]SyncRunner, len(engines))
	for name, e := range engines {
		runners[name] = e
	}
	return &Jobs{
		engines: runners,
		servers: slices.Clone(servers),
		pdfs:    pdfs,
		enrich:  enrich,
		logger:  logger,
	}
}

// Servers lists the syncable servers.
func (j *Jobs) Servers() []string { return slices.Clone(j.servers) }

// Sync runs one server's sync. Empty dates keep the engine defaults.
func (j *Jobs) Sync(ctx context.Context, req api.SyncRequest) error {
	_, err := j.RunSync(ctx, req)
	return err
}

// RunSync is Sync returning the engine result.
func (j *Jobs) RunSync(ctx context.Context, req api.SyncRequest) (scraper.Result, error) {
	server := req.Server
	if server == "" && len(j.servers) > 0 {
		server = j.servers[0]
	}
	engine, ok := j.engines[server]
	if !ok {
		return scraper.Result{}, fmt.Errorf("unknown server %q", server)
	}
	opts := scraper.Options{CacheFirst: req.CacheFirst, FetchPDFs: req.FetchPDFs}
	var err error
	if opts.Start, err = parseOptionalDay(req.Start); err != nil {
		return scraper.Result{}, fmt.Errorf("start: %w", err)
	}
	if opts.End, err = parseOptionalDay(req.End); err != nil {
		return scraper.Result{}, fmt.Errorf("end: %w", err)
	}

	res, err := engine.Run(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("sync %s: %w", server, err)
	}
	j.logger.Info("sync finished",
		zap.String("run_id", res.RunID.String()),
		zap.String("server", server),
		zap.String("start", res.Start),
		zap.String("end", res.End),
		zap.Int("days", len(res.Days)),
		zap.Int("failed_days", res.FailedDays()),
		zap.Int("ingested", len(res.Ingested)),
	)
	return res, nil
}

// Backfill runs the PDF pass and then the enrichment pass. The first pass
// takes the context's run ID; when both run, enrichment reports under a
// fresh one. A failed PDF pass does not stop enrichment unless the context
// is done.
func (j *Jobs) Backfill(ctx context.Context, req api.BackfillRequest) error {
	var errs []error
	if req.WantPDFs() {
		if j.pdfs == nil {
			return errors.New("pdf backfill unavailable")
		}
		if _, err := j.pdfs.FetchAllMissing(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("pdf backfill: %w", err))
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
		}
		ctx = progress.WithRunID(ctx, uuid.New())
	}
	if req.WantEnrichment() {
		if j.enrich == nil {
			return errors.Join(append(errs, errors.New("enrichment backfill unavailable"))...)
		}
		stats, err := j.enrich.BackfillMissing(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrichment backfill: %w", err))
		}
		for _, s := range stats {
			j.logger.Info("enrichment backfill pass",
				zap.String("kind", string(s.Kind)),
				zap.Int("seen", s.Seen),
				zap.Int("computed", s.Computed),
				zap.Int("failed", s.Failed),
			)
		}
	}
	return errors.Join(errs...)
}

// RunScheduled syncs every server in order, each under its own run, then
// backfills when asked. One server failing does not skip the rest.
func (j *Jobs) RunScheduled(ctx context.Context, backfill bool) error {
	var errs []error
	for _, server := range j.servers {
		runCtx := progress.WithRunID(ctx, uuid.New())
		if err := j.Sync(runCtx, api.SyncRequest{Server: server}); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
		}
	}
	if backfill {
		if err := j.Backfill(progress.WithRunID(ctx, uuid.New()), api.BackfillRequest{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnqueueScheduled hands one scheduled round to the dispatcher so it shares
// the worker pool with API-triggered jobs.
func (j *Jobs) EnqueueScheduled(ctx context.Context, enq api.Enqueuer, backfill bool) error {
	job := queue.Job{
		ID:        uuid.New(),
		Kind:      "scheduled",
		Key:       "scheduled",
		Submitted: time.Now().UTC(),
		Run: func(ctx context.Context) error {
			return j.RunScheduled(ctx, backfill)
		},
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueScheduledTimeout)
	defer cancel()
	if err := enq.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			j.logger.Info("scheduled round already queued, skipping")
			return nil
		}
		return fmt.Errorf("enqueue scheduled round: %w", err)
	}
	j.logger.Info("scheduled round queued", zap.String("job_id", job.ID.String()))
	return nil
}

func parseOptionalDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return publication.ParseDay(s)
}
