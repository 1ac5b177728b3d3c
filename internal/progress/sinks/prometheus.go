package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns all collectors
// for runs started/completed/running and the per-server day counters.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	days          *prometheus.CounterVec
	ingested      *prometheus.CounterVec
	dayDuration   *prometheus.HistogramVec
	notices       *prometheus.CounterVec
	itemsObserved *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total runs that have started, by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total runs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"kind", "result"}),
		days: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sync_days_total",
			Help: "Days processed by the sync engine, by server and outcome.",
		}, []string{"server", "status"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sync_records_ingested_total",
			Help: "Newly inserted publication revisions, by server.",
		}, []string{"server"}),
		dayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_sync_day_duration_seconds",
			Help:    "Time spent on one sync day, by server.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"server"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_notices_total",
			Help: "Operator notifications emitted, by run kind.",
		}, []string{"kind"}),
		itemsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_tracked_items_total",
			Help: "Items reported by tracked sequences, by label.",
		}, []string{"label"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.days,
		s.ingested,
		s.dayDuration,
		s.notices,
		s.itemsObserved,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageDayDone:
		s.handleDayEvent(evt)
	case progress.StageNotice:
		s.notices.WithLabelValues(labelOr(evt.Kind)).Inc()
	case progress.StageItems:
		s.itemsObserved.WithLabelValues(evt.Label).Add(float64(s.tracker.itemsDelta(evt)))
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	kind := labelOr(evt.Kind)
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(kind, "success").Inc()
		s.observeRuntime(evt, kind, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues(kind, "error").Inc()
		s.observeRuntime(evt, kind, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, kind, result string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleDayEvent(evt progress.Event) {
	server := labelOr(evt.Server)
	s.days.WithLabelValues(server, evt.DayStatus).Inc()
	if evt.Records > 0 {
		s.ingested.WithLabelValues(server).Add(float64(evt.Records))
	}
	if evt.Dur > 0 {
		s.dayDuration.WithLabelValues(server).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

type itemKey struct {
	run   [16]byte
	label string
}

// runTracker remembers running runs and the last count per tracked label so
// cumulative ITEMS counts become counter deltas.
type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
	items   map[itemKey]int64
}

func newRunTracker() *runTracker {
	return &runTracker{
		running: make(map[[16]byte]struct{}),
		items:   make(map[itemKey]int64),
	}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.items {
		if key.run == id {
			delete(t.items, key)
		}
	}
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

func (t *runTracker) itemsDelta(evt progress.Event) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := itemKey{run: evt.RunID, label: evt.Label}
	delta := evt.Records - t.items[key]
	if delta < 0 {
		delta = evt.Records
	}
	t.items[key] = evt.Records
	return delta
}
