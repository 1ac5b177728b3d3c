package progress

import (
	"iter"
	"time"
)

// Notifier turns operator messages into NOTICE events for one run.
type Notifier struct {
	emitter Emitter
	runID   [16]byte
	kind    string
}

// NewNotifier binds a notifier to a run. A nil emitter discards messages.
func NewNotifier(e Emitter, runID [16]byte, kind string) *Notifier {
	if e == nil {
		e = Discard
	}
	return &Notifier{emitter: e, runID: runID, kind: kind}
}

// Notify emits msg as a NOTICE event.
func (n *Notifier) Notify(msg string) {
	if n == nil || msg == "" {
		return
	}
	n.emitter.Emit(Event{
		RunID: n.runID,
		TS:    time.Now().UTC(),
		Stage: StageNotice,
		Kind:  n.kind,
		Note:  msg,
	})
}

// NopNotifier drops every message.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(string) {}

// Track wraps seq so every `every` items, and once at the end, an ITEMS event
// with the running count is emitted. Values, errors and early termination
// pass through untouched.
func Track[T any](seq iter.Seq2[T, error], e Emitter, runID [16]byte, label string, every int) iter.Seq2[T, error] {
	if e == nil {
		return seq
	}
	if every <= 0 {
		every = 100
	}
	return func(yield func(T, error) bool) {
		var count int64
		report := func() {
			e.Emit(Event{
				RunID:   runID,
				TS:      time.Now().UTC(),
				Stage:   StageItems,
				Label:   label,
				Records: count,
			})
		}
		reported := true
		defer func() {
			if !reported {
				report()
			}
		}()
		for v, err := range seq {
			if err == nil {
				count++
				reported = false
				if count%int64(every) == 0 {
					report()
					reported = true
				}
			}
			if !yield(v, err) {
				return
			}
		}
	}
}
