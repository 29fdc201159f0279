// Package proxy composes the interception pipeline as a chain of
// responsibility: Classifier -> Correlator -> TokenEstimator ->
// EventBusPublisher -> RecorderAppender -> Passthrough. Every stage always
// delegates to the next; none short-circuits or denies, since the core
// observes traffic and never polices it.
package proxy

import (
	"context"

	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/pkg/mcp"
)

// PipelineContext threads one observed frame through the interceptor chain.
// Entry is filled in by the Classifier stage and enriched by each stage
// after it; Synthetic accumulates extra entries (duplicate-id and overflow
// warnings) that must be published alongside Entry.
type PipelineContext struct {
	Ctx     context.Context
	Session *session.Session
	Frame   mcp.Frame

	Entry     *logentry.LogEntry
	Synthetic []*logentry.LogEntry
}

// AddSynthetic appends a synthetic entry (a warning or notice manufactured
// by the core, not observed on the wire) to be published alongside Entry.
func (pc *PipelineContext) AddSynthetic(e *logentry.LogEntry) {
	pc.Synthetic = append(pc.Synthetic, e)
}

// Interceptor is one stage of the pipeline. It may inspect and enrich
// pc.Entry, append synthetic entries, then must delegate to next (nil at the
// chain's terminus, where Passthrough is a no-op).
type Interceptor interface {
	Intercept(pc *PipelineContext, next Interceptor) error
}

// InterceptorFunc adapts a plain function to the Interceptor interface.
type InterceptorFunc func(pc *PipelineContext, next Interceptor) error

func (f InterceptorFunc) Intercept(pc *PipelineContext, next Interceptor) error {
	return f(pc, next)
}

// Passthrough is the terminal interceptor: it does nothing and never calls
// next.
var Passthrough Interceptor = InterceptorFunc(func(pc *PipelineContext, next Interceptor) error {
	return nil
})

// Chain links interceptors in order, returning the head. Calling
// head.Intercept(pc, nil) runs the whole chain; each stage is responsible
// for forwarding to its own next, which Chain supplies via closures.
func Chain(stages ...Interceptor) Interceptor {
	if len(stages) == 0 {
		return Passthrough
	}
	var build func(i int) Interceptor
	build = func(i int) Interceptor {
		if i >= len(stages) {
			return Passthrough
		}
		stage := stages[i]
		return InterceptorFunc(func(pc *PipelineContext, _ Interceptor) error {
			return stage.Intercept(pc, build(i+1))
		})
	}
	return build(0)
}
