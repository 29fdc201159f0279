package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reticlehq/reticle/pkg/mcp"
)

// RawWriter is the narrow capability a transport adapter exposes to the
// Injector: write one already-framed outbound-to-server line into its
// client->server byte path, exactly as if the real client had sent it. Each
// transport adapter registers itself on Start and unregisters on finalize.
type RawWriter interface {
	WriteRaw(raw []byte) error
}

// Injector implements send_raw_message: a user-initiated outbound message
// path that re-enters the pipeline exactly like real client traffic, tagged
// Injected so the UI can suppress its optimistic echo.
type Injector struct {
	registry *SessionRegistry
	observer *Observer

	mu      sync.RWMutex
	writers map[string]RawWriter
}

// NewInjector creates an Injector bound to the given session registry and
// observer.
func NewInjector(registry *SessionRegistry, observer *Observer) *Injector {
	return &Injector{
		registry: registry,
		observer: observer,
		writers:  make(map[string]RawWriter),
	}
}

// Register associates sessionID with the transport's raw-write capability.
// Must be called once the transport has attached.
func (i *Injector) Register(sessionID string, w RawWriter) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writers[sessionID] = w
}

// Unregister removes sessionID, e.g. on transport finalize.
func (i *Injector) Unregister(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.writers, sessionID)
}

// ErrNoActiveTransport is returned by SendRaw when sessionID has no
// registered writer.
var ErrNoActiveTransport = fmt.Errorf("injector: no active transport for session")

// SendRaw writes raw (plus a newline, matching the stdio/line-framed wire
// format) to sessionID's transport as if the client had sent it, then feeds
// the same bytes through the observation path tagged Injected.
func (i *Injector) SendRaw(ctx context.Context, sessionID string, raw []byte) error {
	i.mu.RLock()
	w, ok := i.writers[sessionID]
	i.mu.RUnlock()
	if !ok {
		return ErrNoActiveTransport
	}

	sess, err := i.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := w.WriteRaw(append(append([]byte(nil), raw...), '\n')); err != nil {
		return fmt.Errorf("injector: write failed: %w", err)
	}

	i.observer.Observe(sess, mcp.Frame{
		Raw:        raw,
		Direction:  mcp.In,
		StreamKind: mcp.Stdout,
		Timestamp:  time.Now(),
		Injected:   true,
	})
	return nil
}
