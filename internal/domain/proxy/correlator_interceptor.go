package proxy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/logentry"
)

// tracer emits one span per correlation decision, parented on
// pc.Ctx. Uses the globally configured TracerProvider; a no-op provider
// (the default until cmd/reticle installs one) makes every call here free.
var tracer = otel.Tracer("github.com/reticlehq/reticle/internal/domain/proxy")

// overflowMessage is the synthetic stderr entry emitted when a session's
// pending-request table is exceeded.
const overflowMessage = "[reticle] correlator table overflow, oldest requests discarded"

// CorrelatorStage pairs JSON-RPC responses with their originating request
// and stamps duration_micros. Anomalies (duplicate id, overflow) are turned
// into synthetic stderr entries on pc.Synthetic rather than mutating the
// triggering entry's content.
type CorrelatorStage struct {
	Correlator *correlator.Correlator
	Sequence   *logentry.SequenceAllocator
}

func NewCorrelatorStage(c *correlator.Correlator, seq *logentry.SequenceAllocator) *CorrelatorStage {
	return &CorrelatorStage{Correlator: c, Sequence: seq}
}

func (s *CorrelatorStage) Intercept(pc *PipelineContext, next Interceptor) error {
	entry := pc.Entry

	ctx := pc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := tracer.Start(ctx, "correlator.observe",
		trace.WithAttributes(
			attribute.String("session_id", entry.SessionID),
			attribute.String("message_type", string(entry.MessageType)),
		),
	)
	pc.Ctx = spanCtx
	defer span.End()

	switch {
	case entry.IsRequest() && entry.RPCID != nil:
		rpcID := string(*entry.RPCID)
		span.SetAttributes(attribute.String("rpc_id", rpcID), attribute.Bool("request", true))
		warnings := s.Correlator.ObserveRequest(entry.SessionID, rpcID, entry.EntryID, entry.TimestampTime())
		for _, w := range warnings {
			span.AddEvent(string(w.Kind))
			pc.AddSynthetic(s.syntheticFor(entry, w))
		}
	case entry.IsResponse() && entry.RPCID != nil:
		rpcID := string(*entry.RPCID)
		span.SetAttributes(attribute.String("rpc_id", rpcID), attribute.Bool("request", false))
		if reqTS, found := s.Correlator.ObserveResponse(entry.SessionID, rpcID); found {
			d := entry.Timestamp - reqTS.UnixMicro()
			entry.DurationMicros = &d
			span.SetAttributes(attribute.Int64("duration_micros", d))
		}
	}

	if next != nil {
		return next.Intercept(pc, nil)
	}
	return nil
}

func (s *CorrelatorStage) syntheticFor(trigger *logentry.LogEntry, w correlator.Warning) *logentry.LogEntry {
	var content string
	switch w.Kind {
	case correlator.WarningDuplicateID:
		content = fmt.Sprintf("[reticle] duplicate request id evicted entry %s", w.RelatedEntryID)
	case correlator.WarningOverflow:
		content = overflowMessage
	default:
		content = "[reticle] correlator warning"
	}

	return &logentry.LogEntry{
		EntryID:     uuid.NewString(),
		Sequence:    s.Sequence.Next(trigger.SessionID),
		SessionID:   trigger.SessionID,
		Timestamp:   trigger.Timestamp,
		Direction:   trigger.Direction,
		Content:     content,
		MessageType: logentry.Stderr,
		Warning:     string(w.Kind),
	}
}
