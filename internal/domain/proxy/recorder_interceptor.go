package proxy

import "github.com/reticlehq/reticle/internal/domain/logentry"

// Appender is the narrow capability the pipeline needs from the session
// recorder: append-if-recording. Queueing/durability/flush policy all live
// in the recorder service implementation.
type Appender interface {
	// Append enqueues entry for durable storage if a recording is active for
	// entry.SessionID. It is a no-op (and must not block the caller) if no
	// recording is active.
	Append(entry *logentry.LogEntry)
}

// RecorderAppenderStage hands pc.Entry and any synthetic entries to the
// recorder; the recorder itself drops them unless a recording is active for
// the session.
type RecorderAppenderStage struct {
	Recorder Appender
}

func NewRecorderAppenderStage(rec Appender) *RecorderAppenderStage {
	return &RecorderAppenderStage{Recorder: rec}
}

func (s *RecorderAppenderStage) Intercept(pc *PipelineContext, next Interceptor) error {
	for _, synth := range pc.Synthetic {
		s.Recorder.Append(synth)
	}
	s.Recorder.Append(pc.Entry)

	if next != nil {
		return next.Intercept(pc, nil)
	}
	return nil
}
