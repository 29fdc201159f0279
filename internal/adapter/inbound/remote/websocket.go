package remote

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
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

// WebSocket frame opcodes (RFC 6455 Section 5.2).
const (
	wsOpText   byte = 0x1
	wsOpBinary byte = 0x2
	wsOpClose  byte = 0x8
	wsOpPing   byte = 0x9
	wsOpPong   byte = 0xA
)

// WebSocketTransport hijacks the inbound HTTP upgrade, dials the upstream
// WebSocket, relays the handshake, then relays frames bidirectionally.
// Forwarded frames are observed, never inspected or blocked.
type WebSocketTransport struct {
	listenAddr string
	path       string
	upstream   string

	registry *service.SessionRegistry
	observer *service.Observer
	bus      *service.EventBus
	injector *service.Injector
	logger   *slog.Logger

	server *http.Server

	serverName string

	mu       sync.Mutex
	session  *session.Session
	upConn   net.Conn
	upConnMu sync.Mutex
	ready    chan struct{}
}

// NewWebSocket creates a WebSocketTransport bound to listenAddr/path,
// dialing upstream (a ws:// or wss:// URL) on each accepted connection.
func NewWebSocket(listenAddr, path, upstream string, registry *service.SessionRegistry, observer *service.Observer, bus *service.EventBus, injector *service.Injector, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	return &WebSocketTransport{
		listenAddr: listenAddr,
		path:       path,
		upstream:   upstream,
		registry:   registry,
		observer:   observer,
		bus:        bus,
		injector:   injector,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// SetServerName sets the display name recorded on the session. Must be
// called before Start.
func (t *WebSocketTransport) SetServerName(name string) {
	t.serverName = name
}

// Ready closes once the session is created and registered.
func (t *WebSocketTransport) Ready() <-chan struct{} {
	return t.ready
}

// SessionID returns the attached session's ID, or "" before Ready closes.
func (t *WebSocketTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID
}

// WriteRaw implements service.RawWriter: it writes raw as a single text
// frame to the upstream connection, masked as a client frame per RFC 6455.
func (t *WebSocketTransport) WriteRaw(raw []byte) error {
	t.upConnMu.Lock()
	conn := t.upConn
	t.upConnMu.Unlock()
	if conn == nil {
		return fmt.Errorf("remote: websocket not attached")
	}
	t.upConnMu.Lock()
	defer t.upConnMu.Unlock()
	return writeFrame(conn, wsOpText, raw, true)
}

// Start implements inbound.Transport: binds listenAddr and serves a single
// upgrade path until ctx is canceled or Close is called.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	sess, err := session.New(session.WebSocket)
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
	t.bus.Publish(event.NewSessionStart(sess.ID, string(session.WebSocket), t.serverName, sess.StartedAt))
	close(t.ready)
	if t.injector != nil {
		t.injector.Register(sess.ID, t)
		defer t.injector.Unregister(sess.ID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, func(w http.ResponseWriter, r *http.Request) {
		if err := t.proxy(w, r, sess); err != nil {
			t.logger.Warn("websocket proxy failed", "error", err, "session_id", sess.ID)
		}
	})

	t.mu.Lock()
	t.server = &http.Server{Addr: t.listenAddr, Handler: mux}
	t.mu.Unlock()

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

func (t *WebSocketTransport) proxy(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return fmt.Errorf("remote: ResponseWriter does not support Hijack")
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return fmt.Errorf("remote: hijack client connection: %w", err)
	}

	upstreamAddr := destURLToAddr(t.upstream)
	var upstreamConn net.Conn
	if strings.HasPrefix(t.upstream, "wss://") || strings.HasPrefix(t.upstream, "https://") {
		upstreamConn, err = tls.Dial("tcp", upstreamAddr, nil)
	} else {
		upstreamConn, err = net.Dial("tcp", upstreamAddr)
	}
	if err != nil {
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		clientConn.Close()
		return fmt.Errorf("remote: dial upstream %s: %w", upstreamAddr, err)
	}

	upgradeReq := buildUpgradeRequest(r, destURLToPath(t.upstream))
	if _, err := upstreamConn.Write([]byte(upgradeReq)); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return fmt.Errorf("remote: send upgrade to upstream: %w", err)
	}

	respBuf := make([]byte, 4096)
	n, err := upstreamConn.Read(respBuf)
	if err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return fmt.Errorf("remote: read upgrade response: %w", err)
	}
	upgradeResp := respBuf[:n]
	if !strings.Contains(string(upgradeResp), "101") {
		_, _ = clientConn.Write(upgradeResp)
		clientConn.Close()
		upstreamConn.Close()
		return fmt.Errorf("remote: upstream did not return 101: %s", string(upgradeResp))
	}
	if _, err := clientConn.Write(upgradeResp); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return fmt.Errorf("remote: forward upgrade response: %w", err)
	}

	t.upConnMu.Lock()
	t.upConn = upstreamConn
	t.upConnMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.relayFrames(sess, clientConn, upstreamConn, true, mcp.In)
		_ = writeCloseFrame(upstreamConn, true)
	}()
	go func() {
		defer wg.Done()
		t.relayFrames(sess, upstreamConn, clientConn, false, mcp.Out)
		_ = writeCloseFrame(clientConn, false)
	}()
	wg.Wait()

	clientConn.Close()
	upstreamConn.Close()
	return nil
}

// relayFrames reads frames from src and writes them to dst, observing each
// text/binary frame in dir; ping/pong frames are relayed but never logged.
func (t *WebSocketTransport) relayFrames(sess *session.Session, src, dst net.Conn, outMasked bool, dir mcp.Direction) {
	for {
		opcode, payload, err := readFrame(src)
		if err != nil {
			return
		}

		if opcode == wsOpClose {
			_ = writeFrame(dst, wsOpClose, payload, outMasked)
			return
		}
		if opcode == wsOpPing || opcode == wsOpPong {
			if err := writeFrame(dst, opcode, payload, outMasked); err != nil {
				return
			}
			continue
		}

		if outMasked {
			// client->upstream direction: serialize against WriteRaw so an
			// injected message can never interleave mid-frame.
			t.upConnMu.Lock()
			err = writeFrame(dst, opcode, payload, outMasked)
			t.upConnMu.Unlock()
		} else {
			err = writeFrame(dst, opcode, payload, outMasked)
		}
		if err != nil {
			return
		}

		t.observer.Observe(sess, mcp.Frame{
			Raw:        payload,
			Direction:  dir,
			StreamKind: mcp.Stdout,
			Timestamp:  time.Now(),
		})
	}
}

func (t *WebSocketTransport) finalize(ctx context.Context, sess *session.Session, exitMessage string) {
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
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(context.Background())
}

var _ inbound.Transport = (*WebSocketTransport)(nil)
var _ service.RawWriter = (*WebSocketTransport)(nil)

// readFrame reads a single WebSocket frame from conn.
func readFrame(conn net.Conn) (opcode byte, payload []byte, err error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}

	opcode = header[0] & 0x0F
	masked := (header[1] & 0x80) != 0
	payloadLen := uint64(header[1] & 0x7F)

	switch payloadLen {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(conn, ext); err != nil {
			return 0, nil, err
		}
		payloadLen = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(conn, ext); err != nil {
			return 0, nil, err
		}
		payloadLen = binary.BigEndian.Uint64(ext)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(conn, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	payload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}

	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return opcode, payload, nil
}

// writeFrame writes a single WebSocket frame to conn.
func writeFrame(conn net.Conn, opcode byte, payload []byte, mask bool) error {
	header := []byte{0x80 | opcode, 0}

	payloadLen := len(payload)
	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}

	switch {
	case payloadLen <= 125:
		header[1] = maskBit | byte(payloadLen)
	case payloadLen <= 65535:
		header[1] = maskBit | 126
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(payloadLen))
		header = append(header, ext...)
	default:
		header[1] = maskBit | 127
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(payloadLen))
		header = append(header, ext...)
	}

	if _, err := conn.Write(header); err != nil {
		return err
	}

	if mask {
		maskKey := make([]byte, 4)
		if _, err := rand.Read(maskKey); err != nil {
			return fmt.Errorf("remote: generate mask key: %w", err)
		}
		if _, err := conn.Write(maskKey); err != nil {
			return err
		}
		masked := make([]byte, len(payload))
		for i := range payload {
			masked[i] = payload[i] ^ maskKey[i%4]
		}
		_, err := conn.Write(masked)
		return err
	}

	if len(payload) > 0 {
		_, err := conn.Write(payload)
		return err
	}
	return nil
}

// writeCloseFrame sends a normal-closure (1000) WebSocket close frame.
func writeCloseFrame(conn net.Conn, mask bool) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, 1000)
	return writeFrame(conn, wsOpClose, payload, mask)
}

// destURLToAddr extracts host:port from a ws(s)://... or http(s)://... URL.
func destURLToAddr(destURL string) string {
	u := destURL
	scheme := "ws"

	switch {
	case strings.HasPrefix(u, "wss://"):
		scheme = "wss"
		u = u[6:]
	case strings.HasPrefix(u, "ws://"):
		u = u[5:]
	case strings.HasPrefix(u, "https://"):
		scheme = "wss"
		u = u[8:]
	case strings.HasPrefix(u, "http://"):
		u = u[7:]
	}

	if idx := strings.Index(u, "/"); idx != -1 {
		u = u[:idx]
	}
	if !strings.Contains(u, ":") {
		if scheme == "wss" {
			u += ":443"
		} else {
			u += ":80"
		}
	}
	return u
}

// destURLToPath extracts the path from destURL, defaulting to "/".
func destURLToPath(destURL string) string {
	u := destURL
	if idx := strings.Index(u, "://"); idx != -1 {
		u = u[idx+3:]
	}
	if idx := strings.Index(u, "/"); idx != -1 {
		return u[idx:]
	}
	return "/"
}

// buildUpgradeRequest constructs the HTTP upgrade request line/headers to
// send upstream.
func buildUpgradeRequest(r *http.Request, path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")

	for _, h := range []string{
		"Sec-WebSocket-Key", "Sec-WebSocket-Protocol",
		"Sec-WebSocket-Version", "Sec-WebSocket-Extensions",
	} {
		if v := r.Header.Get(h); v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", h, v)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}
