package controlapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/domain/event"
)

func startTestServer(t *testing.T, h *testHarness) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "reticle.sock")
	server := NewServer(socketPath, h.handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.After(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return socketPath
		}
		select {
		case <-deadline:
			t.Fatalf("socket never came up: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServerRequestResponse(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)
	socketPath := startTestServer(t, h)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)

	if err := enc.Encode(request{ID: 1, Command: "list_recorded_sessions"}); err != nil {
		t.Fatal(err)
	}
	if !scanner.Scan() {
		t.Fatal("no response line")
	}
	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.ID != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Malformed JSON gets a BadRequest error, and the connection survives.
	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	if !scanner.Scan() {
		t.Fatal("no error response line")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}

	if err := enc.Encode(request{ID: 2, Command: "get_recording_status"}); err != nil {
		t.Fatal(err)
	}
	if !scanner.Scan() {
		t.Fatal("connection did not survive the malformed request")
	}
}

func TestServerEventStreaming(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)
	socketPath := startTestServer(t, h)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)

	if err := enc.Encode(request{ID: 1, Command: "subscribe_events"}); err != nil {
		t.Fatal(err)
	}
	if !scanner.Scan() {
		t.Fatal("no subscribe ack")
	}
	var ack response
	if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil || !ack.OK {
		t.Fatalf("unexpected subscribe ack: %s", scanner.Text())
	}

	// Give the streaming goroutine a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	h.bus.Publish(event.NewSessionStart("sess-x", "stdio", "demo", time.Now().UnixMicro()))

	if !scanner.Scan() {
		t.Fatal("no streamed event")
	}
	var e event.Event
	if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != event.KindSessionStart || e.SessionStart == nil || e.SessionStart.SessionID != "sess-x" {
		t.Fatalf("unexpected streamed event: %s", scanner.Text())
	}
}
