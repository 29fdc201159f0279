package controlapi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/adapter/outbound/recorder"
	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/service"
)

type fakeTransport struct {
	sessionID string

	ready     chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(sessionID string) *fakeTransport {
	return &fakeTransport{
		sessionID: sessionID,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	close(f.ready)
	select {
	case <-ctx.Done():
	case <-f.stopped:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeTransport) Ready() <-chan struct{} { return f.ready }
func (f *fakeTransport) SessionID() string      { return f.sessionID }

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *fakeWriter) WriteRaw(raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), raw...))
	return nil
}

type testHarness struct {
	handler  *Handler
	manager  *service.ProxyManager
	injector *service.Injector
	observer *service.Observer
	recorder *service.RecorderService
	registry *service.SessionRegistry
	bus      *service.EventBus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := recorder.Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	seq := logentry.NewSequenceAllocator()
	bus := service.NewEventBus(seq, nil, nil)
	recorderSvc := service.NewRecorderService(store, nil)
	pipeline := proxy.NewPipeline(correlator.New(0), seq, bus, recorderSvc)
	observer := service.NewObserver(pipeline, bus, recorderSvc, seq, 64, nil, nil)
	observer.Start(context.Background())
	t.Cleanup(observer.Close)

	registry := service.NewSessionRegistry()
	injector := service.NewInjector(registry, observer)
	manager := service.NewProxyManager()

	factories := TransportFactories{
		Stdio: func(command string, args []string, serverName string) (service.ManagedTransport, error) {
			return newFakeTransport("stdio-sess"), nil
		},
		Remote: func(ctx context.Context, upstreamURL, listenAddr, serverName string) (service.ManagedTransport, error) {
			return newFakeTransport("remote-sess"), nil
		},
	}

	return &testHarness{
		handler:  NewHandler(manager, registry, recorderSvc, injector, bus, factories),
		manager:  manager,
		injector: injector,
		observer: observer,
		recorder: recorderSvc,
		registry: registry,
		bus:      bus,
	}
}

func mustSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Stdio)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *testHarness) dispatch(t *testing.T, command string, args any) json.RawMessage {
	t.Helper()
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatal(err)
		}
		rawArgs = b
	}
	result, cmdErr := h.handler.Dispatch(context.Background(), command, rawArgs)
	if cmdErr != nil {
		t.Fatalf("%s failed: %v", command, cmdErr)
	}
	return result
}

func (h *testHarness) dispatchErr(t *testing.T, command string, args any) *commandError {
	t.Helper()
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatal(err)
		}
		rawArgs = b
	}
	_, cmdErr := h.handler.Dispatch(context.Background(), command, rawArgs)
	if cmdErr == nil {
		t.Fatalf("expected %s to fail", command)
	}
	return cmdErr
}

func TestHandlerProxyLifecycle(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)

	result := h.dispatch(t, "start_proxy_stdio", map[string]any{
		"command": "npx", "args": []string{"server"},
	})
	var started map[string]string
	if err := json.Unmarshal(result, &started); err != nil {
		t.Fatal(err)
	}
	if started["session_id"] != "stdio-sess" {
		t.Errorf("unexpected session id %q", started["session_id"])
	}

	if e := h.dispatchErr(t, "start_proxy_stdio", map[string]any{"command": "npx"}); e.Code != "AlreadyRunning" {
		t.Errorf("expected AlreadyRunning, got %q", e.Code)
	}

	h.dispatch(t, "stop_proxy", nil)

	if e := h.dispatchErr(t, "stop_proxy", nil); e.Code != "NotRunning" {
		t.Errorf("expected NotRunning, got %q", e.Code)
	}
}

func TestHandlerStartProxyValidation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)

	if e := h.dispatchErr(t, "start_proxy_stdio", map[string]any{}); e.Code != "BadCommand" {
		t.Errorf("expected BadCommand for missing command, got %q", e.Code)
	}
	if e := h.dispatchErr(t, "start_proxy_remote", map[string]any{"upstream_url": "http://x", "local_port": 0}); e.Code != "BadRequest" {
		t.Errorf("expected BadRequest for bad port, got %q", e.Code)
	}
	if e := h.dispatchErr(t, "no_such_command", nil); e.Code != "UnknownCommand" {
		t.Errorf("expected UnknownCommand, got %q", e.Code)
	}
}

func TestHandlerRecordingLifecycle(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)

	if e := h.dispatchErr(t, "start_recording", map[string]any{"session_name": "x"}); e.Code != "NoActiveTransport" {
		t.Errorf("expected NoActiveTransport without a proxy, got %q", e.Code)
	}

	h.dispatch(t, "start_proxy_stdio", map[string]any{"command": "npx"})
	defer h.dispatch(t, "stop_proxy", nil)

	result := h.dispatch(t, "start_recording", map[string]any{"session_name": "capture"})
	var rec map[string]string
	if err := json.Unmarshal(result, &rec); err != nil {
		t.Fatal(err)
	}
	if rec["recording_id"] == "" {
		t.Fatal("expected a recording_id")
	}

	if e := h.dispatchErr(t, "start_recording", nil); e.Code != "AlreadyRecording" {
		t.Errorf("expected AlreadyRecording, got %q", e.Code)
	}

	var status recordingStatus
	if err := json.Unmarshal(h.dispatch(t, "get_recording_status", nil), &status); err != nil {
		t.Fatal(err)
	}
	if !status.IsRecording || status.SessionID != "stdio-sess" {
		t.Errorf("unexpected status: %+v", status)
	}

	if e := h.dispatchErr(t, "add_recording_tag", map[string]any{"tag": "not valid!"}); e.Code != "InvalidTag" {
		t.Errorf("expected InvalidTag, got %q", e.Code)
	}
	h.dispatch(t, "add_recording_tag", map[string]any{"tag": "Smoke"})

	var md struct {
		SessionID string   `json:"session_id"`
		Tags      []string `json:"tags"`
	}
	if err := json.Unmarshal(h.dispatch(t, "stop_recording", nil), &md); err != nil {
		t.Fatal(err)
	}
	if md.SessionID != "stdio-sess" {
		t.Errorf("unexpected sealed metadata: %+v", md)
	}
	if len(md.Tags) != 1 || md.Tags[0] != "smoke" {
		t.Errorf("expected normalized tag [smoke], got %v", md.Tags)
	}

	if e := h.dispatchErr(t, "stop_recording", nil); e.Code != "NotRecording" {
		t.Errorf("expected NotRecording, got %q", e.Code)
	}
}

func TestHandlerRecordedSessionQueriesAndExport(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)

	h.dispatch(t, "start_proxy_stdio", map[string]any{"command": "npx"})
	h.dispatch(t, "start_recording", map[string]any{"session_name": "short"})
	h.dispatch(t, "stop_recording", nil)
	h.dispatch(t, "stop_proxy", nil)

	var list []json.RawMessage
	if err := json.Unmarshal(h.dispatch(t, "list_recorded_sessions", nil), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 recorded session, got %d", len(list))
	}

	h.dispatch(t, "add_session_tags", map[string]any{"session_id": "stdio-sess", "tags": []string{"a", "b"}})
	h.dispatch(t, "remove_session_tags", map[string]any{"session_id": "stdio-sess", "tags": []string{"b"}})
	if e := h.dispatchErr(t, "add_session_tags", map[string]any{"session_id": "ghost", "tags": []string{"a"}}); e.Code != "UnknownSession" {
		t.Errorf("expected UnknownSession, got %q", e.Code)
	}

	var got struct {
		Metadata struct {
			Tags []string `json:"tags"`
		} `json:"metadata"`
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(h.dispatch(t, "get_recorded_session", map[string]any{"session_id": "stdio-sess"}), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Metadata.Tags) != 1 || got.Metadata.Tags[0] != "a" {
		t.Errorf("expected tags [a], got %v", got.Metadata.Tags)
	}

	exportPath := filepath.Join(t.TempDir(), "out", "session.json")
	h.dispatch(t, "export_session", map[string]any{"session_id": "stdio-sess", "path": exportPath})
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("exported file is not valid JSON: %v", err)
	}

	h.dispatch(t, "delete_recorded_session", map[string]any{"session_id": "stdio-sess"})
	if e := h.dispatchErr(t, "get_recorded_session", map[string]any{"session_id": "stdio-sess"}); e.Code != "UnknownSession" {
		t.Errorf("expected UnknownSession after delete, got %q", e.Code)
	}
}

func TestHandlerSendRawMessage(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newTestHarness(t)

	if e := h.dispatchErr(t, "send_raw_message", map[string]any{"bytes": "{}"}); e.Code != "NoActiveTransport" {
		t.Errorf("expected NoActiveTransport, got %q", e.Code)
	}

	h.dispatch(t, "start_proxy_stdio", map[string]any{"command": "npx"})
	defer h.dispatch(t, "stop_proxy", nil)

	w := &fakeWriter{}
	h.injector.Register("stdio-sess", w)
	defer h.injector.Unregister("stdio-sess")

	// The injector needs the session in the registry to observe the frame.
	sess := mustSession(t)
	sess.ID = "stdio-sess"
	h.registry.Register(context.Background(), sess)

	h.dispatch(t, "send_raw_message", map[string]any{"bytes": `{"jsonrpc":"2.0","id":1,"method":"ping"}`})

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) != 1 {
		t.Fatalf("expected 1 injected write, got %d", len(w.writes))
	}
}
