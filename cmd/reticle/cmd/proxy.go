package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	proxyServerName string
	proxyUpstream   string
	proxyListenPort int
	proxyRecordName string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy --name <name> --upstream <url> --listen <port>",
	Short: "Proxy a remote MCP server",
	Long: `Listen on a local port and relay MCP traffic to a remote server.

The upstream URL's scheme selects the transport:
  ws:// or wss://      WebSocket relay
  http:// or https://  Streamable HTTP (falling back to the legacy
                       HTTP+SSE transport when the upstream 404s on POST /)

Examples:
  # Proxy a Streamable HTTP server
  reticle proxy --name api --upstream http://localhost:4000 --listen 8765

  # Proxy a WebSocket server
  reticle proxy --name ws-api --upstream ws://localhost:4000/mcp --listen 8765`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyServerName, "name", "", "display name for the proxied server")
	proxyCmd.Flags().StringVar(&proxyUpstream, "upstream", "", "upstream MCP server URL (required)")
	proxyCmd.Flags().IntVar(&proxyListenPort, "listen", 0, "local port to listen on (required)")
	proxyCmd.Flags().StringVar(&proxyRecordName, "record", "", "start recording immediately under this session name")
	_ = proxyCmd.MarkFlagRequired("upstream")
	_ = proxyCmd.MarkFlagRequired("listen")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	c, err := buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	listenAddr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", proxyListenPort))
	t, err := c.remoteTransport(ctx, proxyUpstream, listenAddr, proxyServerName)
	if err != nil {
		return fmt.Errorf("failed to prepare remote transport: %w", err)
	}

	if proxyRecordName != "" {
		go func() {
			<-t.Ready()
			if _, err := c.recorder.StartRecording(ctx, t.SessionID(), proxyRecordName); err != nil {
				c.logger.Warn("failed to start recording", "error", err)
			}
		}()
	}

	c.logger.Info("proxy listening", "addr", listenAddr, "upstream", proxyUpstream)

	done := make(chan error, 1)
	go func() { done <- t.Start(ctx) }()

	select {
	case <-ctx.Done():
		_ = t.Close()
		err = <-done
	case err = <-done:
	}

	if sessionID := t.SessionID(); sessionID != "" && c.recorder.IsRecording(sessionID) {
		if _, stopErr := c.recorder.StopRecording(context.Background(), sessionID); stopErr != nil {
			c.logger.Warn("failed to stop recording", "error", stopErr)
		}
	}
	return err
}
