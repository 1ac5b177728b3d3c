// Package progress defines the event structures emitted by long-running
// operations.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
	StageDayDone  Stage = "DAY_DONE"
	StageItems    Stage = "ITEMS"
	StageNotice   Stage = "NOTICE"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Kind names the operation (sync, pdfs, backfill).
	Kind string
	// Server scopes sync events to one preprint server.
	Server string
	// Day is the YYYY-MM-DD day a DAY_DONE event reports on.
	Day string
	// DayStatus is cached, fetched-new or fetch-failed.
	DayStatus string
	// Records counts new rows for a day, or items seen for ITEMS events.
	Records int64
	// Label names the tracked sequence for ITEMS events.
	Label string
	// Dur captures elapsed time for days and finished runs.
	Dur time.Duration
	// Note carries operator messages and error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageDayDone:
		if e.Day == "" || e.DayStatus == "" {
			return errors.New("day done requires day and status")
		}
	case StageItems:
		if e.Label == "" {
			return errors.New("items event requires label")
		}
	case StageNotice:
		if e.Note == "" {
			return errors.New("notice requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether e ends its run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
