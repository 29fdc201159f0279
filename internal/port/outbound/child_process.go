// Package outbound defines the outbound port interfaces for connecting to an
// upstream MCP server.
package outbound

import (
	"context"
	"io"
)

// ChildProcess is the outbound port for the stdio adapter's spawned
// upstream server.
type ChildProcess interface {
	// Start spawns the process and returns its stdin/stdout pipes.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Stderr returns the process's stderr pipe. Must be called after Start.
	Stderr() io.ReadCloser

	// Wait blocks until the process exits and returns its exit code.
	Wait() (exitCode int, err error)

	// Close terminates the process: SIGTERM, then SIGKILL after a grace
	// period.
	Close() error
}
