// Package inbound defines the inbound port interfaces for the interception
// core. Inbound adapters (stdio, SSE-legacy, Streamable HTTP, WebSocket)
// implement this interface; the CLI commands in cmd/reticle depend only on
// it, never on a concrete adapter type.
package inbound

import "context"

// Transport is the inbound port every wire-mode adapter implements. All
// four adapters reduce to the same attach/forward/close lifecycle.
type Transport interface {
	// Start attaches the transport and begins forwarding. Blocks until ctx
	// is cancelled or a fatal transport error occurs. Returns nil on
	// graceful shutdown.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport; idempotent.
	Close() error
}
