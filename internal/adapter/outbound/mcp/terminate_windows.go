//go:build windows

package mcp

import (
	"os"
	"syscall"
)

// stillActive is the exit code Windows reports for a running process.
const stillActive = 259

// terminate asks the process to exit. Windows has no SIGTERM; Kill is the
// only reliable stop.
func terminate(p *os.Process) error {
	return p.Kill()
}

// alive reports whether the process still exists.
func alive(p *os.Process) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
