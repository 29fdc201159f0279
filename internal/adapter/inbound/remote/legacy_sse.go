package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/port/inbound"
	"github.com/reticlehq/reticle/internal/service"
	"github.com/reticlehq/reticle/pkg/mcp"
)

const maxMessageBodyBytes = 16 * 1024 * 1024

// LegacyTransport implements the MCP 2024-11-05 HTTP+SSE transport:
// POST /message relayed request/response, GET /events an upstream SSE
// stream re-emitted line by line.
type LegacyTransport struct {
	listenAddr string
	upstream   string

	registry *service.SessionRegistry
	observer *service.Observer
	bus      *service.EventBus
	injector *service.Injector
	logger   *slog.Logger

	client *http.Client
	server *http.Server

	serverName string

	mu      sync.Mutex
	session *session.Session
	ready   chan struct{}
}

// NewLegacy creates a LegacyTransport bound to listenAddr, relaying to
// upstream (e.g. "http://127.0.0.1:4000").
func NewLegacy(listenAddr, upstream string, registry *service.SessionRegistry, observer *service.Observer, bus *service.EventBus, injector *service.Injector, logger *slog.Logger) *LegacyTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyTransport{
		listenAddr: listenAddr,
		upstream:   strings.TrimRight(upstream, "/"),
		registry:   registry,
		observer:   observer,
		bus:        bus,
		injector:   injector,
		logger:     logger,
		client:     newUpstreamClient(),
		ready:      make(chan struct{}),
	}
}

// SetServerName sets the display name recorded on the session. Must be
// called before Start.
func (t *LegacyTransport) SetServerName(name string) {
	t.serverName = name
}

// Ready closes once the session is created and registered.
func (t *LegacyTransport) Ready() <-chan struct{} {
	return t.ready
}

// SessionID returns the attached session's ID, or "" before Ready closes.
func (t *LegacyTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

// WriteRaw implements service.RawWriter: it posts raw directly to the
// upstream's /message endpoint, the same path a real client's POST would
// take, and lets the normal response handling observe the reply.
func (t *LegacyTransport) WriteRaw(raw []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.upstream+"/message", strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Start implements inbound.Transport: binds listenAddr and serves until ctx
// is canceled or Close is called.
func (t *LegacyTransport) Start(ctx context.Context) error {
	sess, err := session.New(session.SSELegacy)
	if err != nil {
		return fmt.Errorf("remote: create session: %w", err)
	}

	sess.ServerName = t.serverName

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	// Bind before announcing the session: a port that cannot be bound must
	// surface as a bind error, not as a session that dies instantly.
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("remote: bind %s: %w", t.listenAddr, err)
	}

	t.registry.Register(ctx, sess)
	t.bus.Publish(event.NewSessionStart(sess.ID, string(session.SSELegacy), t.serverName, sess.StartedAt))
	close(t.ready)
	if t.injector != nil {
		t.injector.Register(sess.ID, t)
		defer t.injector.Unregister(sess.ID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/message", t.handleMessage(sess))
	mux.HandleFunc("/events", t.handleEvents(sess))

	t.server = &http.Server{Addr: t.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = t.server.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil {
			t.finalize(ctx, sess, fmt.Sprintf("[transport] listen failed: %v", err))
			return err
		}
	}

	t.finalize(ctx, sess, "[process exited with code 0]")
	return nil
}

func (t *LegacyTransport) handleMessage(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		t.observer.Observe(sess, mcp.Frame{Raw: body, Direction: mcp.In, StreamKind: mcp.Stdout, Timestamp: time.Now()})

		upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, t.upstream+"/message", strings.NewReader(string(body)))
		if err != nil {
			http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
			return
		}
		upReq.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(upReq)
		if err != nil {
			t.logger.Warn("legacy sse: upstream /message failed", "error", err, "session_id", sess.ID)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBodyBytes))
		if err != nil {
			http.Error(w, "failed to read upstream response", http.StatusBadGateway)
			return
		}
		t.observer.Observe(sess, mcp.Frame{Raw: respBody, Direction: mcp.Out, StreamKind: mcp.Stdout, Timestamp: time.Now()})

		stripHopByHop(resp.Header)
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
	}
}

func (t *LegacyTransport) handleEvents(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		upReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, t.upstream+"/events", nil)
		if err != nil {
			http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
			return
		}
		resp, err := t.client.Do(upReq)
		if err != nil {
			t.logger.Warn("legacy sse: upstream /events failed", "error", err, "session_id", sess.ID)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBodyBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if payload := strings.TrimPrefix(line, "data:"); payload != line {
				t.observer.Observe(sess, mcp.Frame{
					Raw:        []byte(strings.TrimSpace(payload)),
					Direction:  mcp.Out,
					StreamKind: mcp.Stdout,
					Timestamp:  time.Now(),
				})
			}
			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	}
}

func (t *LegacyTransport) finalize(ctx context.Context, sess *session.Session, exitMessage string) {
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

// Close implements inbound.Transport; idempotent via http.Server.Shutdown's
// own idempotence.
func (t *LegacyTransport) Close() error {
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(context.Background())
}

var _ inbound.Transport = (*LegacyTransport)(nil)
var _ service.RawWriter = (*LegacyTransport)(nil)
