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

// StreamableTransport implements the MCP 2025-03-26 Streamable HTTP
// transport: a single POST / endpoint whose response is either one JSON
// object or an SSE-encoded stream of JSON-RPC messages, content-type and
// transfer-encoding preserved verbatim.
type StreamableTransport struct {
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

// NewStreamable creates a StreamableTransport bound to listenAddr, relaying
// to upstream's root endpoint.
func NewStreamable(listenAddr, upstream string, registry *service.SessionRegistry, observer *service.Observer, bus *service.EventBus, injector *service.Injector, logger *slog.Logger) *StreamableTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableTransport{
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
func (t *StreamableTransport) SetServerName(name string) {
	t.serverName = name
}

// Ready closes once the session is created and registered.
func (t *StreamableTransport) Ready() <-chan struct{} {
	return t.ready
}

// SessionID returns the attached session's ID, or "" before Ready closes.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

// WriteRaw implements service.RawWriter by posting raw to the upstream root
// endpoint, same as a real client request.
func (t *StreamableTransport) WriteRaw(raw []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.upstream+"/", strings.NewReader(string(raw)))
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

// Start implements inbound.Transport.
func (t *StreamableTransport) Start(ctx context.Context) error {
	sess, err := session.New(session.StreamableHTTP)
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
	t.bus.Publish(event.NewSessionStart(sess.ID, string(session.StreamableHTTP), t.serverName, sess.StartedAt))
	close(t.ready)
	if t.injector != nil {
		t.injector.Register(sess.ID, t)
		defer t.injector.Unregister(sess.ID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRoot(sess))
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

func (t *StreamableTransport) handleRoot(sess *session.Session) http.HandlerFunc {
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

		upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, t.upstream+"/", strings.NewReader(string(body)))
		if err != nil {
			http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
			return
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				upReq.Header.Add(k, v)
			}
		}
		stripHopByHop(upReq.Header)

		resp, err := t.client.Do(upReq)
		if err != nil {
			t.logger.Warn("streamable http: upstream failed", "error", err, "session_id", sess.ID)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		stripHopByHop(resp.Header)
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)

		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			t.relaySSE(sess, w, resp.Body)
			return
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBodyBytes))
		if err != nil {
			return
		}
		t.observer.Observe(sess, mcp.Frame{Raw: respBody, Direction: mcp.Out, StreamKind: mcp.Stdout, Timestamp: time.Now()})
		_, _ = w.Write(respBody)
	}
}

// relaySSE relays an upstream SSE body line by line, observing each data:
// payload as one direction=out frame.
func (t *StreamableTransport) relaySSE(sess *session.Session, w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(body)
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
	}
}

func (t *StreamableTransport) finalize(ctx context.Context, sess *session.Session, exitMessage string) {
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

// Close implements inbound.Transport.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(context.Background())
}

var _ inbound.Transport = (*StreamableTransport)(nil)
var _ service.RawWriter = (*StreamableTransport)(nil)
