//go:build windows

package cmd

import (
	"os"
	"syscall"
)

// stillActive is the exit code Windows reports for a running process.
const stillActive = 259

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Windows only os.Interrupt is deliverable.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive checks if a process is still running. Windows has no
// Signal(0), so it opens the process by pid and reports it alive while its
// exit code is still STILL_ACTIVE; any failure counts as "gone".
func processIsAlive(proc *os.Process) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(proc.Pid))
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

// sendGracefulStop has no SIGTERM equivalent on Windows; Kill is the only
// reliable stop.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
