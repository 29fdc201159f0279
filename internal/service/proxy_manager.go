package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reticlehq/reticle/internal/port/inbound"
)

// ManagedTransport is the surface the manager needs from a transport
// adapter beyond the inbound port: a readiness signal and the session id it
// attached, so start_proxy_* can return the id without waiting for the
// transport's whole lifetime.
type ManagedTransport interface {
	inbound.Transport
	Ready() <-chan struct{}
	SessionID() string
}

var (
	// ErrProxyAlreadyRunning is returned by Start when a transport is
	// already active; the daemon runs at most one proxy at a time.
	ErrProxyAlreadyRunning = errors.New("proxy: already running")
	// ErrProxyNotRunning is returned by Stop when no transport is active,
	// mirroring the Control API's NotRunning error.
	ErrProxyNotRunning = errors.New("proxy: not running")
)

// attachTimeout bounds how long Start waits for a transport to come up
// before reporting the attach as failed.
const attachTimeout = 10 * time.Second

// ProxyManager owns the lifecycle of the daemon's single active transport:
// it runs Start in a goroutine, waits for the adapter's readiness signal,
// and tears the transport down on Stop. One manager value is passed by
// reference to the Control API handlers, following the same
// registry-not-global rule as SessionRegistry.
type ProxyManager struct {
	mu      sync.Mutex
	current ManagedTransport
	done    chan error
	cancel  context.CancelFunc
}

// NewProxyManager creates an idle ProxyManager.
func NewProxyManager() *ProxyManager {
	return &ProxyManager{}
}

// Start attaches t and blocks until the transport reports ready (returning
// its session id) or fails to come up. The transport then keeps running in
// the background until Stop or its own fatal error.
func (m *ProxyManager) Start(ctx context.Context, t ManagedTransport) (string, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return "", ErrProxyAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	m.current = t
	m.done = done
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		done <- t.Start(runCtx)
	}()

	select {
	case <-t.Ready():
		return t.SessionID(), nil
	case err := <-done:
		m.clear(t)
		cancel()
		if err == nil {
			err = errors.New("proxy: transport exited before becoming ready")
		}
		return "", err
	case <-time.After(attachTimeout):
		cancel()
		_ = t.Close()
		<-done
		m.clear(t)
		return "", fmt.Errorf("proxy: attach timed out after %s", attachTimeout)
	case <-ctx.Done():
		cancel()
		_ = t.Close()
		<-done
		m.clear(t)
		return "", ctx.Err()
	}
}

// Stop closes the active transport and waits for its Start to return.
func (m *ProxyManager) Stop() error {
	m.mu.Lock()
	t := m.current
	done := m.done
	cancel := m.cancel
	m.current = nil
	m.done = nil
	m.cancel = nil
	m.mu.Unlock()

	if t == nil {
		return ErrProxyNotRunning
	}

	err := t.Close()
	cancel()
	if runErr := <-done; runErr != nil && err == nil {
		err = runErr
	}
	return err
}

// ActiveSessionID returns the running transport's session id, or "" when
// idle. A transport that exited on its own (peer EOF, fatal I/O error) is
// reaped here so a later Start does not report ErrProxyAlreadyRunning
// against a dead transport.
func (m *ProxyManager) ActiveSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	select {
	case err := <-m.done:
		_ = err
		m.current = nil
		m.done = nil
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		return ""
	default:
	}
	return m.current.SessionID()
}

// IsRunning reports whether a transport is currently active.
func (m *ProxyManager) IsRunning() bool {
	return m.ActiveSessionID() != ""
}

func (m *ProxyManager) clear(t ManagedTransport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == t {
		m.current = nil
		m.done = nil
		m.cancel = nil
	}
}
