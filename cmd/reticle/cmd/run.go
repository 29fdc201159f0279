package cmd

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	runServerName string
	runRecordName string
)

var runCmd = &cobra.Command{
	Use:   "run --name <name> -- command [args...]",
	Short: "Wrap a stdio MCP server command",
	Long: `Spawn an MCP server as a subprocess and proxy its stdio through reticle.

The client (e.g. an LLM host) talks to reticle's own stdin/stdout; reticle
relays every line to and from the child process unchanged, observing the
traffic along the way. The child's stderr is captured but never forwarded.

The command must be in the stdio allowlist (npx, node, python, uvx, ...;
configurable via stdio.allowlist).

Examples:
  # Wrap the filesystem server
  reticle run --name filesystem -- npx @modelcontextprotocol/server-filesystem /tmp

  # Wrap and record the session from the start
  reticle run --name fs --record first-look -- npx @modelcontextprotocol/server-filesystem /tmp`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runServerName, "name", "", "display name for the proxied server")
	runCmd.Flags().StringVar(&runRecordName, "record", "", "start recording immediately under this session name")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	c, err := buildCore(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	command := args[0]
	t, err := c.stdioTransport(command, args[1:], runServerName)
	if err != nil {
		return fmt.Errorf("failed to prepare stdio transport: %w", err)
	}

	if runRecordName != "" {
		go func() {
			<-t.Ready()
			if _, err := c.recorder.StartRecording(ctx, t.SessionID(), runRecordName); err != nil {
				c.logger.Warn("failed to start recording", "error", err)
			}
		}()
	}

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
