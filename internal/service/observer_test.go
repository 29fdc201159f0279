package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/pkg/mcp"
)

type capturingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *capturingBus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *capturingBus) logEntries() []*logentry.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*logentry.LogEntry
	for _, e := range b.events {
		if e.Kind == event.KindLogEvent {
			out = append(out, e.LogEvent)
		}
	}
	return out
}

type capturingAppender struct {
	mu      sync.Mutex
	entries []*logentry.LogEntry
}

func (a *capturingAppender) Append(e *logentry.LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *capturingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func newTestObserver(channelSize int) (*Observer, *capturingBus, *capturingAppender) {
	seq := logentry.NewSequenceAllocator()
	bus := &capturingBus{}
	rec := &capturingAppender{}
	pipeline := proxy.NewPipeline(correlator.New(0), seq, bus, rec)
	return NewObserver(pipeline, bus, rec, seq, channelSize, nil, nil), bus, rec
}

func TestObserverProcessesFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, bus, rec := newTestObserver(16)
	o.Start(context.Background())

	s, err := session.New(session.Stdio)
	if err != nil {
		t.Fatal(err)
	}

	o.Observe(s, mcp.Frame{
		Raw:       []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
		Direction: mcp.In,
		Timestamp: time.Now(),
	})
	o.Close()

	entries := bus.logEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 published entry, got %d", len(entries))
	}
	if entries[0].Method == nil || *entries[0].Method != "ping" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if rec.count() != 1 {
		t.Errorf("expected 1 appended entry, got %d", rec.count())
	}
}

func TestObserverDropsInsteadOfBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Worker not started: the channel fills and stays full, so every
	// Observe past the capacity must return immediately and count a drop.
	o, bus, _ := newTestObserver(2)

	s, err := session.New(session.Stdio)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		o.Observe(s, mcp.Frame{Raw: []byte(`{}`), Direction: mcp.In, Timestamp: time.Now()})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Observe blocked the caller for %v", elapsed)
	}

	if got := o.DroppedCount(); got != 8 {
		t.Errorf("expected 8 drops, got %d", got)
	}

	// The drop surfaces as a rate-limited synthetic stderr entry.
	var warnings int
	for _, e := range bus.logEntries() {
		if e.Warning == "observation-dropped" {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("expected exactly 1 rate-limited warning, got %d", warnings)
	}

	// Drain the queued jobs so Close does not leak them.
	o.Start(context.Background())
	o.Close()
}

func TestObserverDrainsQueueOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, bus, _ := newTestObserver(64)
	o.Start(context.Background())

	s, err := session.New(session.Stdio)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		o.Observe(s, mcp.Frame{Raw: []byte(`{"jsonrpc":"2.0","method":"note"}`), Direction: mcp.Out, Timestamp: time.Now()})
	}
	o.Close()

	if got := len(bus.logEntries()); got != 20 {
		t.Errorf("expected all 20 entries processed before Close returned, got %d", got)
	}
}
