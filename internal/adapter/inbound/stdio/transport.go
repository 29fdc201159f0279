// Package stdio implements the stdio transport adapter: it spawns a child
// MCP server process and relays JSON-RPC lines between the proxy's own
// stdin/stdout (the real client) and the child's stdin/stdout, observing
// every line plus the child's stderr stream along the way.
package stdio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/port/inbound"
	"github.com/reticlehq/reticle/internal/port/outbound"
	"github.com/reticlehq/reticle/internal/service"
	"github.com/reticlehq/reticle/pkg/mcp"

	"github.com/reticlehq/reticle/internal/domain/framer"
)

// Transport wires a spawned child process to the client's stdin/stdout.
// Three streams are pumped: client stdin into the child, child stdout back
// to the client, and child stderr observed but never forwarded.
type Transport struct {
	child      outbound.ChildProcess
	serverName string

	registry *service.SessionRegistry
	observer *service.Observer
	bus      *service.EventBus
	injector *service.Injector

	clientIn  io.Reader
	clientOut io.Writer

	logger *slog.Logger

	mu      sync.Mutex
	session *session.Session
	childIn io.WriteCloser
	closed  bool
	ready   chan struct{}

	// writeMu serializes writes to childIn between the client->server pump
	// and injected messages so two concurrent writers can never interleave
	// partial lines on the wire.
	writeMu sync.Mutex
}

// New creates a stdio Transport. injector may be nil, in which case
// send_raw_message is unavailable for sessions on this transport.
func New(child outbound.ChildProcess, serverName string, registry *service.SessionRegistry, observer *service.Observer, bus *service.EventBus, injector *service.Injector, clientIn io.Reader, clientOut io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		child:      child,
		serverName: serverName,
		registry:   registry,
		observer:   observer,
		bus:        bus,
		injector:   injector,
		clientIn:   clientIn,
		clientOut:  clientOut,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready closes once the session is created and registered, letting a caller
// that started Start in a goroutine learn the session ID without waiting
// for the transport's entire lifetime to elapse.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// SessionID returns the attached session's ID, or "" before Ready closes.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

// WriteRaw implements service.RawWriter: it writes directly to the spawned
// child's stdin, the same destination the client->server pump writes to,
// so an injected message is indistinguishable on the wire from one the real
// client sent.
func (t *Transport) WriteRaw(raw []byte) error {
	t.mu.Lock()
	childIn := t.childIn
	t.mu.Unlock()
	if childIn == nil {
		return fmt.Errorf("stdio: transport not attached")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := childIn.Write(raw)
	return err
}

// Start attaches the transport: spawns the child, creates the session,
// relays bytes until EOF/error/cancellation, then finalizes.
func (t *Transport) Start(ctx context.Context) error {
	sess, err := session.New(session.Stdio)
	if err != nil {
		return fmt.Errorf("stdio: create session: %w", err)
	}
	sess.ServerName = t.serverName

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	// Spawn before announcing the session: a command that fails to start
	// must surface as a spawn error, not as a session that dies instantly.
	childIn, childOut, err := t.child.Start(ctx)
	if err != nil {
		return fmt.Errorf("stdio: spawn: %w", err)
	}
	childErr := t.child.Stderr()

	t.registry.Register(ctx, sess)
	t.bus.Publish(event.NewSessionStart(sess.ID, string(session.Stdio), t.serverName, sess.StartedAt))
	close(t.ready)

	t.mu.Lock()
	t.childIn = childIn
	t.mu.Unlock()
	if t.injector != nil {
		t.injector.Register(sess.ID, t)
		defer t.injector.Unregister(sess.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		t.pump(runCtx, sess, t.clientIn, childIn, mcp.In, mcp.Stdout, true)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		t.pump(runCtx, sess, childOut, t.clientOut, mcp.Out, mcp.Stdout, true)
	}()
	go func() {
		defer wg.Done()
		t.pump(runCtx, sess, childErr, nil, mcp.Out, mcp.Stderr, false)
	}()

	wg.Wait()

	code, waitErr := t.child.Wait()
	if waitErr != nil {
		t.logger.Warn("child process wait error", "error", waitErr, "session_id", sess.ID)
	}
	t.finalize(ctx, sess, fmt.Sprintf("[process exited with code %d]", code))

	return nil
}

// pump reads frames from src and, if dst is non-nil, forwards each frame's
// exact wire bytes (terminator included, never truncated or marker-tagged)
// to dst before observing its display copy. Forwarding happens first and
// unconditionally — the observation path must never gate it.
func (t *Transport) pump(ctx context.Context, sess *session.Session, src io.Reader, dst io.Writer, dir mcp.Direction, kind mcp.StreamKind, forward bool) {
	lf := framer.NewLineFramer(src)
	for {
		line, err := lf.Next()
		if len(line.Wire) > 0 && forward && dst != nil {
			var werr error
			if dir == mcp.In {
				t.writeMu.Lock()
				_, werr = dst.Write(line.Wire)
				t.writeMu.Unlock()
			} else {
				_, werr = dst.Write(line.Wire)
			}
			if werr != nil {
				t.logger.Warn("forward write failed", "error", werr, "session_id", sess.ID)
			}
		}
		if len(line.Display) > 0 {
			t.observer.Observe(sess, mcp.Frame{
				Raw:        line.Display,
				Direction:  dir,
				StreamKind: kind,
				Timestamp:  time.Now(),
				Truncated:  line.Truncated,
			})
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (t *Transport) finalize(ctx context.Context, sess *session.Session, exitMessage string) {
	t.observer.Observe(sess, mcp.Frame{
		Raw:        []byte(exitMessage),
		Direction:  mcp.Out,
		StreamKind: mcp.Stderr,
		Timestamp:  time.Now(),
		Synthetic:  true,
	})
	sess.End(time.Now())
	t.bus.Publish(event.NewSessionStopped(sess.ID, *sess.EndedAt))
	t.registry.Unregister(ctx, sess.ID)
}

// Close gracefully shuts down the transport; idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.child.Close()
}

var _ inbound.Transport = (*Transport)(nil)
