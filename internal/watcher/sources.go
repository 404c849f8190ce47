package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Source produces the current snapshot of one OS facet.
type Source interface {
	// Name identifies the source in logs and events.
	Name() string
	// Snapshot captures the facet's current state, keyed by stable
	// entity key. It must be cheap enough to run every few seconds.
	Snapshot() (Snapshot, error)
}

// DirSource snapshots the entries of a set of directories, keyed by
// file path with a content digest as the attribute. It backs both the
// startup-entry and scheduled-task watchers: autostart directories and
// task/timer definition directories are all "a folder of small files
// whose appearance, change, or disappearance matters".
type DirSource struct {
	name     string
	dirs     []string
	maxBytes int64
}

// NewDirSource creates a directory snapshot source. Missing directories
// are skipped, not errors; an empty machine simply has no entries.
func NewDirSource(name string, dirs []string) *DirSource {
	return &DirSource{name: name, dirs: dirs, maxBytes: 1 << 20}
}

func (s *DirSource) Name() string { return s.name }

// Snapshot walks the configured directories and digests every regular
// file. The digest doubles as the modification attribute: a rewritten
// entry shows up as Modified even when its name is unchanged.
func (s *DirSource) Snapshot() (Snapshot, error) {
	snap := make(Snapshot)
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			digest, err := digestFile(path, s.maxBytes)
			if err != nil {
				// The entry may have vanished mid-walk; skip it and
				// let the next poll settle the difference.
				continue
			}
			snap[path] = digest
		}
	}
	return snap, nil
}

func digestFile(path string, maxBytes int64) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// Digest the link target path, not the content behind it.
		target, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256([]byte("symlink:" + target))
		return hex.EncodeToString(sum[:8]), nil
	}
	if info.Size() > maxBytes {
		sum := sha256.Sum256([]byte(fmt.Sprintf("large:%d:%s", info.Size(), info.ModTime().UTC())))
		return hex.EncodeToString(sum[:8]), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// DefaultStartupDirs returns the platform's autostart locations.
func DefaultStartupDirs() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("APPDATA"), "Microsoft", "Windows", "Start Menu", "Programs", "Startup"),
			filepath.Join(os.Getenv("ProgramData"), "Microsoft", "Windows", "Start Menu", "Programs", "StartUp"),
		}
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "LaunchAgents"),
			"/Library/LaunchAgents",
			"/Library/LaunchDaemons",
		}
	default:
		return []string{
			filepath.Join(home, ".config", "autostart"),
			"/etc/xdg/autostart",
		}
	}
}

// DefaultTaskDirs returns the platform's scheduled-task locations.
func DefaultTaskDirs() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		return []string{filepath.Join(os.Getenv("SystemRoot"), "System32", "Tasks")}
	case "darwin":
		return []string{filepath.Join(home, "Library", "LaunchAgents")}
	default:
		return []string{
			"/etc/cron.d",
			"/etc/systemd/system",
			filepath.Join(home, ".config", "systemd", "user"),
		}
	}
}

// DefaultHostsPath returns the platform's hosts file location.
func DefaultHostsPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("SystemRoot"), "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}
