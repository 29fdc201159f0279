package proxy

import "github.com/reticlehq/reticle/internal/domain/event"

// Publisher is the narrow capability the pipeline needs from the event bus:
// fire-and-forget publication. Declared here rather than importing the
// service package so the domain layer stays free of orchestration and
// adapter dependencies.
type Publisher interface {
	Publish(e event.Event)
}

// EventBusPublisherStage publishes pc.Entry (and any synthetic entries
// accumulated so far) to the event bus, then delegates. Publication is
// always non-blocking from the bus's perspective; back-pressure policy
// lives in the bus implementation (service.EventBus), not here.
type EventBusPublisherStage struct {
	Bus Publisher
}

func NewEventBusPublisherStage(bus Publisher) *EventBusPublisherStage {
	return &EventBusPublisherStage{Bus: bus}
}

func (s *EventBusPublisherStage) Intercept(pc *PipelineContext, next Interceptor) error {
	for _, synth := range pc.Synthetic {
		s.Bus.Publish(event.NewLogEvent(synth))
	}
	s.Bus.Publish(event.NewLogEvent(pc.Entry))

	if next != nil {
		return next.Intercept(pc, nil)
	}
	return nil
}
