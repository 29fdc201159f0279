package service

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
)

func testLogEvent(sessionID string, n int64) event.Event {
	return event.NewLogEvent(&logentry.LogEntry{
		EntryID:     "e",
		Sequence:    n,
		SessionID:   sessionID,
		MessageType: logentry.JSONRPC,
	})
}

func TestEventBusFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(logentry.NewSequenceAllocator(), nil, nil)

	id1, ch1 := bus.Subscribe()
	id2, ch2 := bus.Subscribe()
	defer bus.Unsubscribe(id1)
	defer bus.Unsubscribe(id2)

	bus.Publish(testLogEvent("s", 0))

	for _, ch := range []<-chan event.Event{ch1, ch2} {
		e := <-ch
		if e.Kind != event.KindLogEvent || e.LogEvent.SessionID != "s" {
			t.Errorf("unexpected event: %+v", e)
		}
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(logentry.NewSequenceAllocator(), nil, nil)
	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(testLogEvent("s", 0))
}

func TestEventBusSlowSubscriberDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(logentry.NewSequenceAllocator(), nil, nil)
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	// Fill the subscriber queue past its bound without draining it.
	total := int64(DefaultUIChannelSize + 10)
	for i := int64(0); i < total; i++ {
		bus.Publish(testLogEvent("s", i))
	}

	// The newest events must have survived; the oldest were shed. The first
	// event read is no longer sequence 0.
	first := <-ch
	if first.Kind == event.KindLogEvent && first.LogEvent.Sequence == 0 {
		t.Error("expected the oldest events to have been dropped")
	}

	// Drain: the newest published event must be present near the tail.
	var sawNewest bool
	for {
		select {
		case e := <-ch:
			if e.Kind == event.KindLogEvent && e.LogEvent.Sequence == total-1 {
				sawNewest = true
			}
			continue
		default:
		}
		break
	}
	if !sawNewest {
		t.Error("expected the newest event to survive back-pressure")
	}
}
