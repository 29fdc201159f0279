package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reticlehq/reticle/internal/adapter/inbound/remote"
	"github.com/reticlehq/reticle/internal/adapter/inbound/stdio"
	mcpclient "github.com/reticlehq/reticle/internal/adapter/outbound/mcp"
	"github.com/reticlehq/reticle/internal/adapter/outbound/recorder"
	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/observability"
	"github.com/reticlehq/reticle/internal/service"
)

// defaultMaxPending caps each session's pending-request table.
const defaultMaxPending = 10_000

// core bundles the wired services every command needs: the pipeline behind
// an observer, the event bus, the recorder, and the registries.
type core struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *service.SessionRegistry
	bus      *service.EventBus
	observer *service.Observer
	recorder *service.RecorderService
	injector *service.Injector
	manager  *service.ProxyManager
	metrics  *observability.Metrics
	promReg  *prometheus.Registry
	store    *recorder.Store

	janitorID string
}

// buildCore loads config and wires the full interception core. The caller
// must call core.close when done.
func buildCore(ctx context.Context, withMetrics bool) (*core, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return buildCoreWithConfig(ctx, cfg, withMetrics)
}

func buildCoreWithConfig(ctx context.Context, cfg *config.Config, withMetrics bool) (*core, error) {
	// Logs go to stderr: stdout carries the MCP stream in stdio mode.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	var metrics *observability.Metrics
	var promReg *prometheus.Registry
	if withMetrics && cfg.Observability.MetricsEnabled {
		promReg = prometheus.NewRegistry()
		metrics = observability.NewMetrics(promReg)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Recorder.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create recorder directory: %w", err)
	}
	store, err := recorder.Open(cfg.Recorder.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder store: %w", err)
	}

	seq := logentry.NewSequenceAllocator()
	bus := service.NewEventBus(seq, metrics, logger)
	recorderSvc := service.NewRecorderService(store, logger)
	recorderSvc.SetPublisher(bus)

	corr := correlator.New(defaultMaxPending)
	pipeline := proxy.NewPipeline(corr, seq, bus, recorderSvc)

	observer := service.NewObserver(pipeline, bus, recorderSvc, seq, cfg.EventBus.ObservationChannelSize, metrics, logger)
	observer.Start(ctx)

	registry := service.NewSessionRegistry()
	injector := service.NewInjector(registry, observer)

	// Reap per-session pipeline state once a transport reaches Closed, so
	// long daemon lifetimes don't accumulate dead sessions' counters and
	// pending tables. The same subscriber keeps the lifecycle gauges
	// current when metrics are enabled.
	janitorID, events := bus.Subscribe()
	go func() {
		for e := range events {
			switch e.Kind {
			case event.KindSessionStart:
				if metrics != nil {
					metrics.ActiveSessions.Inc()
				}
			case event.KindSessionStopped:
				if e.SessionStopped != nil {
					corr.EndSession(e.SessionStopped.SessionID)
					seq.Forget(e.SessionStopped.SessionID)
				}
				if metrics != nil {
					metrics.ActiveSessions.Dec()
				}
			case event.KindRecordingStarted:
				if metrics != nil {
					metrics.RecordingsActive.Inc()
				}
			case event.KindRecordingStopped:
				if metrics != nil {
					metrics.RecordingsActive.Dec()
					if e.RecordingStopped != nil {
						metrics.EntriesRecordedTotal.Add(float64(e.RecordingStopped.MessageCount))
					}
				}
			case event.KindLogEvent:
				if metrics != nil {
					metrics.CorrelatorPendingTotal.Set(float64(corr.TotalPending()))
				}
			}
		}
	}()

	return &core{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		bus:       bus,
		observer:  observer,
		recorder:  recorderSvc,
		injector:  injector,
		manager:   service.NewProxyManager(),
		metrics:   metrics,
		promReg:   promReg,
		store:     store,
		janitorID: janitorID,
	}, nil
}

// close drains the observer and releases the store.
func (c *core) close() {
	c.observer.Close()
	c.bus.Unsubscribe(c.janitorID)
	if err := c.store.Close(); err != nil {
		c.logger.Warn("failed to close recorder store", "error", err)
	}
}

// stdioTransport builds a stdio transport that spawns command, wired to the
// core's services and this process's own stdin/stdout.
func (c *core) stdioTransport(command string, args []string, serverName string) (service.ManagedTransport, error) {
	child, err := mcpclient.NewChildProcess(command, args, c.cfg.Stdio.WorkDir, os.Environ(), c.cfg.Stdio.Allowlist)
	if err != nil {
		return nil, err
	}
	return stdio.New(child, serverName, c.registry, c.observer, c.bus, c.injector, os.Stdin, os.Stdout, c.logger), nil
}

// remoteTransport builds the HTTP-family or WebSocket transport upstreamURL
// selects by scheme, listening on listenAddr.
func (c *core) remoteTransport(ctx context.Context, upstreamURL, listenAddr, serverName string) (service.ManagedTransport, error) {
	switch remote.Detect(ctx, upstreamURL) {
	case remote.KindWebSocket:
		t := remote.NewWebSocket(listenAddr, "/", upstreamURL, c.registry, c.observer, c.bus, c.injector, c.logger)
		t.SetServerName(serverName)
		return t, nil
	case remote.KindLegacySSE:
		t := remote.NewLegacy(listenAddr, upstreamURL, c.registry, c.observer, c.bus, c.injector, c.logger)
		t.SetServerName(serverName)
		return t, nil
	default:
		t := remote.NewStreamable(listenAddr, upstreamURL, c.registry, c.observer, c.bus, c.injector, c.logger)
		t.SetServerName(serverName)
		return t, nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
