package commands

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// listProcesses enumerates running process names from /proc. On
// platforms without procfs it returns nil and the scan engine skips the
// process phase.
func listProcesses() []string {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if name := strings.TrimSpace(string(comm)); name != "" {
			names = append(names, name)
		}
	}
	return names
}
