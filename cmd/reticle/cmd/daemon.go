package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/adapter/inbound/controlapi"
	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/observability"
	"github.com/reticlehq/reticle/internal/service"
)

var daemonSocketPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon --socket <path>",
	Short: "Run the control daemon on a Unix-domain socket",
	Long: `Run reticle as a long-lived daemon driven over a Unix-domain socket.

The daemon exposes the full control surface (start/stop proxies, recording
control, tagging, export, event streaming) as newline-delimited JSON
commands, one request and one response per line. A UI connects to the
socket, issues commands, and subscribes to the live event stream.

Examples:
  # Run with the default socket (~/.reticle/reticle.sock)
  reticle daemon

  # Run on an explicit socket path
  reticle daemon --socket /tmp/reticle.sock`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonSocketPath, "socket", "", "Unix-domain socket path (default: config server.socket_path)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if daemonSocketPath != "" {
		cfg.Server.SocketPath = daemonSocketPath
	}

	c, err := buildCoreWithConfig(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.close()

	if configFile := config.ConfigFileUsed(); configFile != "" {
		c.logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "reticle stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		c.logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if cfg.Observability.TracingEnabled {
		shutdownTracing, err := observability.NewTracerProvider(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	if c.promReg != nil {
		metricsSrv := observability.ServeMetrics(cfg.Observability.MetricsAddr, c.promReg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		c.logger.Info("metrics listening", "addr", cfg.Observability.MetricsAddr)
	}

	handler := controlapi.NewHandler(c.manager, c.registry, c.recorder, c.injector, c.bus, controlapi.TransportFactories{
		Stdio: func(command string, cmdArgs []string, serverName string) (service.ManagedTransport, error) {
			return c.stdioTransport(command, cmdArgs, serverName)
		},
		Remote: func(ctx context.Context, upstreamURL, listenAddr, serverName string) (service.ManagedTransport, error) {
			return c.remoteTransport(ctx, upstreamURL, listenAddr, serverName)
		},
	})

	server := controlapi.NewServer(cfg.Server.SocketPath, handler, c.logger)

	err = server.Start(ctx)

	// Tear down whatever the control surface left running.
	if stopErr := c.manager.Stop(); stopErr != nil && !errors.Is(stopErr, service.ErrProxyNotRunning) {
		c.logger.Warn("failed to stop proxy on shutdown", "error", stopErr)
	}
	if sessionID := c.recorder.AnyActiveSession(); sessionID != "" {
		if _, stopErr := c.recorder.StopRecording(context.Background(), sessionID); stopErr != nil {
			c.logger.Warn("failed to stop recording on shutdown", "error", stopErr)
		}
	}
	return err
}
