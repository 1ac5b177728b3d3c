package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
)

// LogSink emits structured logs for progress streams. NOTICE events are
// logged at warn level since they carry operator-facing failures.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Server != "" {
			fields = append(fields, zap.String("server", evt.Server))
		}
		switch evt.Stage {
		case progress.StageDayDone:
			fields = append(fields,
				zap.String("day", evt.Day),
				zap.String("status", evt.DayStatus),
				zap.Int64("records", evt.Records),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageItems:
			fields = append(fields, zap.String("label", evt.Label), zap.Int64("count", evt.Records))
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		switch evt.Stage {
		case progress.StageNotice:
			s.logger.Warn(evt.Note, fields...)
		case progress.StageRunError:
			s.logger.Error("run failed", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
