package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// pidFilePath returns the daemon's PID file location, next to the default
// socket and database under ~/.reticle.
func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reticle", "daemon.pid")
}

// writePIDFile records this process's PID for "reticle stop".
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

// readPIDFile returns the recorded PID, or 0 when the file is missing or
// unparseable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
