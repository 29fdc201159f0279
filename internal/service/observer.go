// Package service holds the orchestration layer: components that wire
// domain logic to ports but own no business rules of their own.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/observability"
	"github.com/reticlehq/reticle/pkg/mcp"
)

// DefaultObservationChannelSize bounds the queue between the forwarding
// path and the pipeline. Sized generously since the consequence of filling
// it is a dropped observation, never a stalled forward.
const DefaultObservationChannelSize = 2048

// observationJob is one frame queued for pipeline processing.
type observationJob struct {
	session *session.Session
	frame   mcp.Frame
}

// Observer decouples the forwarding path from the interception pipeline.
// The client<->server byte path must never await anything except the peer
// transport's write, so Observe is always non-blocking; a full channel
// drops the observation rather than ever applying backpressure to the
// caller.
type Observer struct {
	pipeline proxy.Interceptor
	bus      proxy.Publisher
	recorder proxy.Appender
	seq      *logentry.SequenceAllocator
	logger   *slog.Logger
	metrics  *observability.Metrics

	ch   chan observationJob
	done chan struct{}
	wg   sync.WaitGroup

	dropCount   atomic.Int64
	lastWarning atomic.Int64
}

// NewObserver creates an Observer with the given channel capacity (0 uses
// DefaultObservationChannelSize). metrics may be nil, in which case no
// Prometheus metrics are recorded.
func NewObserver(pipeline proxy.Interceptor, bus proxy.Publisher, recorder proxy.Appender, seq *logentry.SequenceAllocator, channelSize int, metrics *observability.Metrics, logger *slog.Logger) *Observer {
	if channelSize <= 0 {
		channelSize = DefaultObservationChannelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		pipeline: pipeline,
		bus:      bus,
		recorder: recorder,
		seq:      seq,
		logger:   logger,
		metrics:  metrics,
		ch:       make(chan observationJob, channelSize),
		done:     make(chan struct{}),
	}
}

// Start launches the background worker. Must be called once before Observe.
func (o *Observer) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.worker(ctx)
}

// Observe enqueues a frame for pipeline processing. Never blocks: on a full
// channel it drops the observation, increments the drop counter, and emits
// a rate-limited (at most once per second) "observation-dropped" synthetic
// stderr entry.
func (o *Observer) Observe(sess *session.Session, frame mcp.Frame) {
	if o.metrics != nil {
		o.metrics.FramesObservedTotal.WithLabelValues(frame.Direction.String()).Inc()
	}
	select {
	case o.ch <- observationJob{session: sess, frame: frame}:
	default:
		o.recordDrop(sess)
	}
}

// DroppedCount returns the total number of dropped observations, for
// metrics and tests.
func (o *Observer) DroppedCount() int64 {
	return o.dropCount.Load()
}

func (o *Observer) recordDrop(sess *session.Session) {
	drops := o.dropCount.Add(1)
	o.logger.Warn("observation dropped", "session_id", sess.ID, "total_drops", drops)
	if o.metrics != nil {
		o.metrics.ObservationsDroppedTotal.Inc()
	}
	o.warnRateLimited(sess)
}

func (o *Observer) warnRateLimited(sess *session.Session) {
	now := time.Now().UnixNano()
	last := o.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if !o.lastWarning.CompareAndSwap(last, now) {
		return
	}

	entry := &logentry.LogEntry{
		EntryID:     uuid.NewString(),
		Sequence:    o.seq.Next(sess.ID),
		SessionID:   sess.ID,
		Timestamp:   time.Now().UnixMicro(),
		Direction:   mcp.Out,
		Content:     "[reticle] observation-dropped: forwarding path is outrunning the pipeline",
		MessageType: logentry.Stderr,
		Warning:     "observation-dropped",
	}
	o.bus.Publish(event.NewLogEvent(entry))
	o.recorder.Append(entry)
}

// Close stops accepting new work and waits for the worker to drain the
// channel.
func (o *Observer) Close() {
	close(o.done)
	close(o.ch)
	o.wg.Wait()
}

func (o *Observer) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case job, ok := <-o.ch:
			if !ok {
				return
			}
			pc := &proxy.PipelineContext{Ctx: ctx, Session: job.session, Frame: job.frame}
			if _, err := proxy.Run(o.pipeline, pc); err != nil {
				o.logger.Error("pipeline error", "error", err, "session_id", job.session.ID)
			}
		case <-ctx.Done():
			o.drain(ctx)
			return
		case <-o.done:
			o.drain(context.Background())
			return
		}
	}
}

// drain processes whatever remains in the channel before returning, without
// blocking indefinitely.
func (o *Observer) drain(ctx context.Context) {
	for {
		select {
		case job, ok := <-o.ch:
			if !ok {
				return
			}
			pc := &proxy.PipelineContext{Ctx: ctx, Session: job.session, Frame: job.frame}
			_, _ = proxy.Run(o.pipeline, pc)
		default:
			return
		}
	}
}
