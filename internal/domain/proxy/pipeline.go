package proxy

import (
	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/logentry"
)

// NewPipeline assembles the full interception chain: Classifier ->
// Correlator -> TokenEstimator -> EventBusPublisher -> RecorderAppender ->
// Passthrough.
func NewPipeline(corr *correlator.Correlator, seq *logentry.SequenceAllocator, bus Publisher, rec Appender) Interceptor {
	return Chain(
		NewClassifierStage(seq),
		NewCorrelatorStage(corr, seq),
		NewTokenEstimatorStage(),
		NewEventBusPublisherStage(bus),
		NewRecorderAppenderStage(rec),
	)
}

// Run pushes one observed frame through the pipeline and returns the
// resulting primary entry (synthetic entries, if any, are reachable via
// pc.Synthetic for callers that need them — e.g. tests).
func Run(pipeline Interceptor, pc *PipelineContext) (*logentry.LogEntry, error) {
	if err := pipeline.Intercept(pc, nil); err != nil {
		return nil, err
	}
	return pc.Entry, nil
}
