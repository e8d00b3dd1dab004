package report

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/observability"
)

// Recorder persists records to a primary sink and forwards them to optional
// secondary sinks. Only the primary write can fail a run.
type Recorder struct {
	primary     Sink
	secondaries []Sink
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewRecorder creates a recorder.
func NewRecorder(primary Sink, logger *zap.Logger, metrics *observability.Metrics, secondaries ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		primary:     primary,
		secondaries: secondaries,
		logger:      logger,
		metrics:     metrics,
	}
}

// Record writes rec to every sink.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	if err := r.primary.Write(ctx, rec); err != nil {
		r.metrics.ReportWritten(r.primary.Name(), "error")
		return fmt.Errorf("writing report to %s: %w", r.primary.Name(), err)
	}
	r.metrics.ReportWritten(r.primary.Name(), "success")

	for _, sink := range r.secondaries {
		if err := sink.Write(ctx, rec); err != nil {
			r.metrics.ReportWritten(sink.Name(), "error")
			r.logger.Warn("Report forwarding failed",
				zap.String("sink", sink.Name()),
				zap.String("report_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.ReportWritten(sink.Name(), "success")
	}

	return nil
}
