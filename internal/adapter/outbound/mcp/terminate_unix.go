//go:build !windows

package mcp

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminate asks the process to exit gracefully.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

// alive reports whether the process still exists, via the null signal.
func alive(p *os.Process) bool {
	return p.Signal(unix.Signal(0)) == nil
}
