// Package cmd provides the CLI commands for reticle.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reticle",
	Short: "Reticle - MCP debugging proxy",
	Long: `Reticle is a transparent debugging proxy for Model Context Protocol (MCP)
servers. It sits between an MCP client and a server, forwards every byte
unchanged, and captures the JSON-RPC traffic flowing in both directions:
classified, correlated request-to-response, and optionally recorded for
later inspection and export.

Quick start:
  # Wrap a stdio MCP server
  reticle run --name filesystem -- npx @modelcontextprotocol/server-filesystem /tmp

  # Proxy a remote MCP server
  reticle proxy --name api --upstream http://localhost:4000 --listen 8765

Configuration:
  Config is loaded from reticle.yaml in the current directory,
  $HOME/.reticle/, or /etc/reticle/.

  Environment variables can override config values with the RETICLE_ prefix.
  Example: RETICLE_RECORDER_DB_PATH=/tmp/sessions.db

Commands:
  run         Wrap a stdio MCP server command
  proxy       Proxy a remote MCP server (HTTP, SSE, or WebSocket)
  daemon      Run the control daemon on a Unix-domain socket
  stop        Stop a running daemon
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./reticle.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
