package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

// LogSink writes each event to the structured logger at debug level, with
// terminal job events promoted to info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("subject", evt.Subject),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindProgress, progress.KindCompleted, progress.KindFailed:
			fields = append(fields,
				zap.String("job_id", evt.JobID.String()),
				zap.String("stage", string(evt.Stage)),
				zap.Int("progress", evt.Progress),
			)
		case progress.KindMetricUpdate:
			fields = append(fields, zap.String("metric", evt.Metric), zap.Float64("value", evt.Value))
		case progress.KindPersona:
			fields = append(fields, zap.String("persona", evt.Persona))
		case progress.KindConnectivity:
			fields = append(fields, zap.Bool("reachable", evt.Reachable))
		}
		if evt.Terminal {
			s.logger.Info("job reached terminal stage", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
