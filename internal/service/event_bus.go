package service

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/observability"
)

// DefaultUIChannelSize bounds each UI subscriber's queue.
const DefaultUIChannelSize = 4096

// EventBus is the single-producer/multi-consumer broadcast feeding UI
// subscribers. It implements proxy.Publisher so the pipeline can publish to
// it directly. A slow subscriber drops the OLDEST queued event to make room
// for the newest, since a debugging UI cares about "what's happening now"
// more than "what happened a few seconds ago".
type EventBus struct {
	mu          sync.Mutex
	subscribers map[string]*uiSubscriber

	seq     *logentry.SequenceAllocator
	logger  *slog.Logger
	metrics *observability.Metrics

	lastUIWarning atomic.Int64
}

type uiSubscriber struct {
	ch      chan event.Event
	dropped atomic.Int64
}

// NewEventBus creates an EventBus. metrics may be nil.
func NewEventBus(seq *logentry.SequenceAllocator, metrics *observability.Metrics, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[string]*uiSubscriber),
		seq:         seq,
		metrics:     metrics,
		logger:      logger,
	}
}

// Subscribe registers a new UI subscriber and returns its id and the channel
// to read events from. Callers must call Unsubscribe when done.
func (b *EventBus) Subscribe() (string, <-chan event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	sub := &uiSubscriber{ch: make(chan event.Event, DefaultUIChannelSize)}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish fans e out to every UI subscriber, dropping the oldest queued
// event for a subscriber whose channel is full rather than blocking the
// publisher (the pipeline is the only producer).
func (b *EventBus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// Drop the oldest queued event to make room, best-effort.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
			sub.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.UIBackpressureDropped.Inc()
			}
			b.warnUIBackpressure()
		}
	}
}

// warnUIBackpressure emits a rate-limited (at most once per second)
// synthetic stderr entry when a UI subscriber drops events.
func (b *EventBus) warnUIBackpressure() {
	now := time.Now().UnixNano()
	last := b.lastUIWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if !b.lastUIWarning.CompareAndSwap(last, now) {
		return
	}

	entry := &logentry.LogEntry{
		EntryID:     uuid.NewString(),
		Sequence:    b.seq.Next(""),
		Timestamp:   time.Now().UnixMicro(),
		Direction:   0,
		Content:     "[reticle] ui-backpressure: dropping oldest events for a slow subscriber",
		MessageType: logentry.Stderr,
		Warning:     "ui-backpressure",
	}
	b.logger.Warn("ui subscriber backpressure", "entry_id", entry.EntryID)
	// Publish directly to subscriber channels rather than recursing through
	// Publish (which holds b.mu), avoiding a self-deadlock on re-entry.
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event.NewLogEvent(entry):
		default:
		}
	}
}

var _ proxy.Publisher = (*EventBus)(nil)
