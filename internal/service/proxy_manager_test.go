package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeTransport attaches immediately and runs until Close.
type fakeTransport struct {
	sessionID string
	startErr  error

	ready    chan struct{}
	stopped  chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

func newFakeTransport(sessionID string) *fakeTransport {
	return &fakeTransport{
		sessionID: sessionID,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	close(f.ready)
	select {
	case <-ctx.Done():
	case <-f.stopped:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if !f.isClosed {
		f.isClosed = true
		close(f.stopped)
	}
	return nil
}

func (f *fakeTransport) Ready() <-chan struct{} { return f.ready }
func (f *fakeTransport) SessionID() string      { return f.sessionID }

func TestProxyManagerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewProxyManager()
	ctx := context.Background()

	ft := newFakeTransport("sess-1")
	sessionID, err := m.Start(ctx, ft)
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != "sess-1" {
		t.Errorf("expected sess-1, got %q", sessionID)
	}
	if got := m.ActiveSessionID(); got != "sess-1" {
		t.Errorf("expected active session sess-1, got %q", got)
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if m.IsRunning() {
		t.Error("expected manager to be idle after Stop")
	}
}

func TestProxyManagerRejectsSecondStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewProxyManager()
	ctx := context.Background()

	if _, err := m.Start(ctx, newFakeTransport("sess-1")); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Stop() }()

	if _, err := m.Start(ctx, newFakeTransport("sess-2")); !errors.Is(err, ErrProxyAlreadyRunning) {
		t.Fatalf("expected ErrProxyAlreadyRunning, got %v", err)
	}
}

func TestProxyManagerStopWhenIdle(t *testing.T) {
	m := NewProxyManager()
	if err := m.Stop(); !errors.Is(err, ErrProxyNotRunning) {
		t.Fatalf("expected ErrProxyNotRunning, got %v", err)
	}
}

func TestProxyManagerStartFailureLeavesManagerIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewProxyManager()
	ctx := context.Background()

	ft := newFakeTransport("sess-err")
	ft.startErr = errors.New("spawn failed")

	if _, err := m.Start(ctx, ft); err == nil {
		t.Fatal("expected start error")
	}
	if m.IsRunning() {
		t.Error("expected manager to be idle after a failed start")
	}

	// A fresh transport can attach after the failure.
	ok := newFakeTransport("sess-2")
	if _, err := m.Start(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestProxyManagerReapsSelfExitedTransport(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewProxyManager()
	ctx := context.Background()

	ft := newFakeTransport("sess-exit")
	if _, err := m.Start(ctx, ft); err != nil {
		t.Fatal(err)
	}

	// Transport ends on its own (peer EOF).
	_ = ft.Close()

	deadline := time.After(time.Second)
	for m.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("manager did not reap the exited transport")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := m.Start(ctx, newFakeTransport("sess-next")); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}
