package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AcquirePIDFile claims the supervisor pidfile at path. A pidfile
// naming a dead process, or this process, is reclaimed; a pidfile
// naming another live process is an error.
func AcquirePIDFile(path string) error {
	self := os.Getpid()
	data, err := os.ReadFile(path)
	if err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid != self && processAlive(pid) {
			return fmt.Errorf("supervisor already running with pid %d", pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(self)), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// ReleasePIDFile removes the pidfile if it still names this process.
func ReleasePIDFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}
