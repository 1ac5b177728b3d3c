// Package enrich derives summaries, keyword sets and critiques from
// publication abstracts and stores them.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/preprint-harvester/internal/clock/system"
	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/textproc"
)

// ErrNoText marks a publication with nothing to enrich from.
var ErrNoText = errors.New("publication has no abstract")

// Config tunes the pipeline.
type Config struct {
	Workers           int    `mapstructure:"workers"`
	MaxSentences      int    `mapstructure:"max_sentences"`
	SummaryMethodID   int    `mapstructure:"summary_method_id"`
	SummaryMethodName string `mapstructure:"summary_method_name"`
	ProgressEvery     int    `mapstructure:"progress_every"`
}

// Stats counts the outcome of one ProcessAll pass.
type Stats struct {
	Kind     publication.EnrichmentKind `json:"kind"`
	Seen     int                        `json:"seen"`
	Computed int                        `json:"computed"`
	Reused   int                        `json:"reused"`
	Skipped  int                        `json:"skipped"`
	Failed   int                        `json:"failed"`
}

// Analysis is the combined output of Analyze.
type Analysis struct {
	Publication publication.Publication `json:"publication"`
	Summary     publication.Enrichment  `json:"summary"`
	Keywords    publication.Enrichment  `json:"keywords"`
	Critique    publication.Enrichment  `json:"critique"`
	PDF         string                  `json:"pdf,omitempty"`
}

// AnalyzeReport is the outcome of AnalyzeAll. Analyses keep input order and
// omit the records that failed.
type AnalyzeReport struct {
	Seen     int        `json:"seen"`
	Failed   int        `json:"failed"`
	Analyses []Analysis `json:"analyses"`
}

// Pipeline runs the three enrichment stages over a store.
type Pipeline struct {
	cfg     Config
	store   publication.EnrichmentStore
	proc    publication.TextProcessor
	assets  publication.AssetFetcher
	emitter progress.Emitter
	clock   publication.Clock
	logger  *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithAssetFetcher lets Analyze download PDFs.
func WithAssetFetcher(a publication.AssetFetcher) Option {
	return func(p *Pipeline) { p.assets = a }
}

// WithEmitter routes progress events.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithClock overrides the time source for run events.
func WithClock(c publication.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a Pipeline. Zero config fields default to 4 workers, 3
// sentences, summary method 1 and a progress event every 50 records.
func New(cfg Config, store publication.EnrichmentStore, proc publication.TextProcessor, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("enrich: store is required")
	}
	if proc == nil {
		return nil, errors.New("enrich: text processor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	if cfg.SummaryMethodID <= 0 {
		cfg.SummaryMethodID = 1
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 50
	}
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		proc:    proc,
		emitter: progress.Discard,
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process returns the stored artifact of kind unless force is set or none
// exists; otherwise it computes one and, when commit is set, stores it.
func (p *Pipeline) Process(
	ctx context.Context,
	kind publication.EnrichmentKind,
	pub publication.Publication,
	commit, force bool,
) (publication.Enrichment, error) {
	out, _, err := p.process(ctx, kind, pub, commit, force)
	return out, err
}

func (p *Pipeline) process(
	ctx context.Context,
	kind publication.EnrichmentKind,
	pub publication.Publication,
	commit, force bool,
) (publication.Enrichment, bool, error) {
	if !force {
		existing, ok, err := p.store.Enrichment(ctx, pub.ID, kind)
		if err != nil {
			return publication.Enrichment{}, false, err
		}
		if ok {
			return existing, false, nil
		}
	}
	out, err := p.compute(ctx, kind, pub)
	if err != nil {
		return publication.Enrichment{}, false, err
	}
	if commit {
		if err := p.store.SaveEnrichments(ctx, pub.ID, []publication.Enrichment{out}); err != nil {
			return publication.Enrichment{}, false, fmt.Errorf("save %s for %d: %w", kind, pub.ID, err)
		}
	}
	return out, true, nil
}

func (p *Pipeline) compute(ctx context.Context, kind publication.EnrichmentKind, pub publication.Publication) (publication.Enrichment, error) {
	text := strings.TrimSpace(pub.Abstract)
	if text == "" {
		return publication.Enrichment{}, fmt.Errorf("%w: %s", ErrNoText, pub.DOI)
	}
	out := publication.Enrichment{Kind: kind}
	switch kind {
	case publication.KindSummary:
		summary, err := p.proc.Summarize(ctx, text, p.cfg.MaxSentences)
		if err != nil {
			return publication.Enrichment{}, err
		}
		out.MethodID = p.cfg.SummaryMethodID
		out.Text = summary
	case publication.KindKeywords:
		keywords, err := p.proc.ExtractKeywords(ctx, text)
		if err != nil {
			return publication.Enrichment{}, err
		}
		out.Keywords = textproc.NormalizeKeywords(keywords)
	case publication.KindCritique:
		critique, err := p.proc.Critique(ctx, text)
		if err != nil {
			return publication.Enrichment{}, err
		}
		out.Text = critique
	default:
		return publication.Enrichment{}, fmt.Errorf("unknown enrichment kind %q", kind)
	}
	return out, nil
}

// ProcessAll runs Process with commit on every record of the stream, or of
// the whole store when records is nil. Per-record failures are counted and
// reported, not returned.
func (p *Pipeline) ProcessAll(ctx context.Context, kind publication.EnrichmentKind, records publication.Stream, force bool) (Stats, error) {
	if records == nil {
		records = p.store.Current(ctx)
	}
	r := p.startRun(ctx, "enrich", string(kind))
	stats, err := p.drain(ctx, r, kind, records, force)
	r.finish([]Stats{stats}, err)
	return stats, err
}

// BackfillMissing processes, for each kind, exactly the current revisions
// that lack that kind. The three passes report as one run.
func (p *Pipeline) BackfillMissing(ctx context.Context) ([]Stats, error) {
	r := p.startRun(ctx, "backfill", "all")
	out := make([]Stats, 0, len(publication.Kinds))
	for _, kind := range publication.Kinds {
		stats, err := p.drain(ctx, r, kind, p.store.MissingEnrichment(ctx, kind), false)
		out = append(out, stats)
		if err != nil {
			err = fmt.Errorf("backfill %s: %w", kind, err)
			r.finish(out, err)
			return out, err
		}
	}
	r.finish(out, nil)
	return out, nil
}

type run struct {
	id       [16]byte
	kind     string
	label    string
	started  time.Time
	notifier publication.Notifier
	emitter  progress.Emitter
	clock    publication.Clock
	log      *zap.Logger
}

func (p *Pipeline) startRun(ctx context.Context, kind, label string) *run {
	id, ok := progress.RunIDFromContext(ctx)
	if !ok {
		id = newRunID()
	}
	r := &run{
		id:      progress.UUIDToBytes(id),
		kind:    kind,
		label:   label,
		started: p.clock.Now(),
		emitter: p.emitter,
		clock:   p.clock,
		log:     p.logger.With(zap.String("run_id", id.String()), zap.String("run_kind", kind)),
	}
	r.notifier = progress.NewNotifier(p.emitter, r.id, kind)
	r.emitter.Emit(progress.Event{RunID: r.id, TS: r.started, Stage: progress.StageRunStart, Kind: kind, Label: label})
	return r
}

func (r *run) finish(stats []Stats, err error) {
	var computed, failed int
	for _, s := range stats {
		computed += s.Computed
		failed += s.Failed
		r.log.Info("enrichment pass finished",
			zap.String("kind", string(s.Kind)),
			zap.Int("seen", s.Seen),
			zap.Int("computed", s.Computed),
			zap.Int("reused", s.Reused),
			zap.Int("skipped", s.Skipped),
			zap.Int("failed", s.Failed),
		)
	}
	now := r.clock.Now()
	evt := progress.Event{
		RunID:   r.id,
		TS:      now,
		Stage:   progress.StageRunDone,
		Kind:    r.kind,
		Label:   r.label,
		Records: int64(computed),
		Dur:     max(now.Sub(r.started), 0),
	}
	if err != nil {
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	} else if failed > 0 {
		evt.Note = fmt.Sprintf("%d record(s) failed", failed)
	}
	r.emitter.Emit(evt)
}

type counters struct {
	seen, computed, reused, skipped, failed atomic.Int64
}

func (c *counters) stats(kind publication.EnrichmentKind) Stats {
	return Stats{
		Kind:     kind,
		Seen:     int(c.seen.Load()),
		Computed: int(c.computed.Load()),
		Reused:   int(c.reused.Load()),
		Skipped:  int(c.skipped.Load()),
		Failed:   int(c.failed.Load()),
	}
}

// drain feeds records to a bounded worker pool and waits for every task.
func (p *Pipeline) drain(
	ctx context.Context,
	r *run,
	kind publication.EnrichmentKind,
	records publication.Stream,
	force bool,
) (Stats, error) {
	var c counters
	pool, err := ants.NewPool(p.cfg.Workers)
	if err != nil {
		return c.stats(kind), fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		loopErr error
	)
	label := r.kind + "_" + string(kind)
	for pub, err := range progress.Track(records, p.emitter, r.id, label, p.cfg.ProgressEvery) {
		if err != nil {
			loopErr = fmt.Errorf("read records: %w", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		c.seen.Add(1)
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			p.processOne(ctx, kind, pub, force, &c, r.notifier, r.log)
		})
		if submitErr != nil {
			wg.Done()
			c.failed.Add(1)
			r.log.Error("submit enrichment task", zap.Int64("publication_id", pub.ID), zap.Error(submitErr))
		}
	}
	wg.Wait()
	if loopErr == nil {
		loopErr = ctx.Err()
	}
	return c.stats(kind), loopErr
}

func (p *Pipeline) processOne(
	ctx context.Context,
	kind publication.EnrichmentKind,
	pub publication.Publication,
	force bool,
	c *counters,
	notifier publication.Notifier,
	log *zap.Logger,
) {
	_, computed, err := p.process(ctx, kind, pub, true, force)
	switch {
	case err == nil && computed:
		c.computed.Add(1)
	case err == nil:
		c.reused.Add(1)
	case errors.Is(err, ErrNoText):
		c.skipped.Add(1)
	case ctx.Err() != nil:
		c.skipped.Add(1)
	default:
		c.failed.Add(1)
		log.Warn("enrichment failed",
			zap.Int64("publication_id", pub.ID),
			zap.String("doi", pub.DOI),
			zap.Error(err),
		)
		notifier.Notify(fmt.Sprintf("%s for %s failed: %v", kind, pub.DOI, err))
	}
}

// Analyze runs all three stages for one publication concurrently, plus the
// PDF download when fetchPDF is set, and writes the computed artifacts in
// one store call.
func (p *Pipeline) Analyze(ctx context.Context, pub publication.Publication, fetchPDF, commit, force bool) (Analysis, error) {
	out := Analysis{Publication: pub}
	results := make([]publication.Enrichment, len(publication.Kinds))
	computed := make([]bool, len(publication.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range publication.Kinds {
		g.Go(func() error {
			enr, fresh, err := p.process(gctx, kind, pub, false, force)
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			results[i], computed[i] = enr, fresh
			return nil
		})
	}
	if fetchPDF && p.assets != nil {
		g.Go(func() error {
			if uri, ok := p.assets.Fetch(gctx, pub); ok {
				out.PDF = uri
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("analyze %s: %w", pub.DOI, err)
	}
	out.Summary, out.Keywords, out.Critique = results[0], results[1], results[2]

	if !commit {
		return out, nil
	}
	var items []publication.Enrichment
	for i, enr := range results {
		if computed[i] {
			items = append(items, enr)
		}
	}
	if len(items) == 0 {
		return out, nil
	}
	if err := p.store.SaveEnrichments(ctx, pub.ID, items); err != nil {
		return out, fmt.Errorf("save analysis for %d: %w", pub.ID, err)
	}
	return out, nil
}

// AnalyzeAll runs Analyze over every record of the stream, or of the whole
// store when records is nil, on the worker pool. A record that fails is
// logged, reported and left out of the result.
func (p *Pipeline) AnalyzeAll(ctx context.Context, records publication.Stream, fetchPDF, commit, force bool) (AnalyzeReport, error) {
	if records == nil {
		records = p.store.Current(ctx)
	}
	r := p.startRun(ctx, "analyze", "all")
	pool, err := ants.NewPool(p.cfg.Workers)
	if err != nil {
		err = fmt.Errorf("create worker pool: %w", err)
		r.finish(nil, err)
		return AnalyzeReport{}, err
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		done    = make(map[int]Analysis)
		failed  atomic.Int64
		seen    int
		loopErr error
	)
	for pub, err := range progress.Track(records, p.emitter, r.id, "analyze", p.cfg.ProgressEvery) {
		if err != nil {
			loopErr = fmt.Errorf("read records: %w", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		i := seen
		seen++
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			out, err := p.Analyze(ctx, pub, fetchPDF, commit, force)
			if err != nil {
				if ctx.Err() == nil {
					failed.Add(1)
					r.log.Warn("analysis failed", zap.Int64("publication_id", pub.ID), zap.String("doi", pub.DOI), zap.Error(err))
					r.notifier.Notify(fmt.Sprintf("analysis of %s failed: %v", pub.DOI, err))
				}
				return
			}
			mu.Lock()
			done[i] = out
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			failed.Add(1)
			r.log.Error("submit analysis task", zap.Int64("publication_id", pub.ID), zap.Error(submitErr))
		}
	}
	wg.Wait()
	if loopErr == nil {
		loopErr = ctx.Err()
	}

	report := AnalyzeReport{Seen: seen, Failed: int(failed.Load()), Analyses: make([]Analysis, 0, len(done))}
	for i := range seen {
		if out, ok := done[i]; ok {
			report.Analyses = append(report.Analyses, out)
		}
	}
	r.finish([]Stats{{
		Kind:     "analysis",
		Seen:     report.Seen,
		Computed: len(report.Analyses),
		Failed:   report.Failed,
	}}, loopErr)
	return report, loopErr
}

func newRunID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
