package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/safefile"
)

// writeRetries bounds revert attempts against transient lock errors.
const writeRetries = 3

// HostsOptions configures the hosts-file watcher.
type HostsOptions struct {
	Path         string // hosts file; empty = platform default
	BackupPath   string // known-good copy used by Revert
	Debounce     time.Duration
	IgnoreWindow time.Duration
}

// Hosts watches the system hosts file via filesystem notification with
// a debounce, suppressing the change caused by its own revert writes so
// a revert cannot trigger a revert-detect-revert loop.
type Hosts struct {
	path         string
	backupPath   string
	debounce     time.Duration
	ignoreWindow time.Duration
	store        *ledger.Store
	logger       *slog.Logger

	mu              sync.Mutex
	baselineHash    string
	baselineContent string
	selfWriteHash   string
	selfWriteAt     time.Time
	running         bool

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewHosts creates the hosts-file watcher.
func NewHosts(opts HostsOptions, store *ledger.Store, logger *slog.Logger) *Hosts {
	if opts.Path == "" {
		opts.Path = DefaultHostsPath()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 1500 * time.Millisecond
	}
	if opts.IgnoreWindow <= 0 {
		opts.IgnoreWindow = 2 * time.Second
	}
	return &Hosts{
		path:         opts.Path,
		backupPath:   opts.BackupPath,
		debounce:     opts.Debounce,
		ignoreWindow: opts.IgnoreWindow,
		store:        store,
		logger:       logger,
	}
}

// Start captures the baseline content hash, writes the initial backup
// if none exists, and begins watching for changes.
func (h *Hosts) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("hosts watcher already running")
	}

	content, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("reading hosts file: %w", err)
	}
	h.baselineContent = string(content)
	h.baselineHash = hashContent(content)

	if h.backupPath != "" {
		if _, err := os.Stat(h.backupPath); os.IsNotExist(err) {
			if err := safefile.WriteAtomic(h.backupPath, content, 0o600); err != nil {
				return fmt.Errorf("writing hosts backup: %w", err)
			}
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	// Watch the parent directory: editors and revert writes replace the
	// file by rename, which drops a watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(h.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching hosts directory: %w", err)
	}

	h.fsw = fsw
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop()

	h.logger.Info("hosts watcher started", "path", h.path, "debounce", h.debounce)
	return nil
}

// Stop halts monitoring.
func (h *Hosts) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()
	<-done
}

// Running reports whether the watcher is active.
func (h *Hosts) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Hosts) loop() {
	defer close(h.done)
	defer func() { _ = h.fsw.Close() }()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-h.stop:
			return
		case ev, ok := <-h.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(h.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Restart the settle timer; bursts of writes collapse to
			// one check.
			if debounce == nil {
				debounce = time.NewTimer(h.debounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(h.debounce)
			}
		case err, ok := <-h.fsw.Errors:
			if !ok {
				return
			}
			h.logger.Warn("hosts watch error", "error", err)
		case <-fire:
			debounce = nil
			fire = nil
			h.check()
		}
	}
}

// check re-reads the hosts file and emits a change event unless the
// content matches the baseline or a recent self-initiated write.
func (h *Hosts) check() {
	content, err := os.ReadFile(h.path)
	if err != nil {
		h.logger.Warn("hosts read failed, retrying on next change", "error", err)
		return
	}
	hash := hashContent(content)

	h.mu.Lock()
	if hash == h.baselineHash {
		h.mu.Unlock()
		return
	}
	if hash == h.selfWriteHash && time.Since(h.selfWriteAt) < h.ignoreWindow {
		// Our own revert write; absorb it silently.
		h.baselineContent = string(content)
		h.baselineHash = hash
		h.mu.Unlock()
		return
	}
	oldContent := h.baselineContent
	h.baselineContent = string(content)
	h.baselineHash = hash
	h.mu.Unlock()

	h.store.AddEvent(h.buildEvent(oldContent, string(content)))
}

func (h *Hosts) buildEvent(oldContent, newContent string) ledger.Event {
	added, removed := LineDiff(oldContent, newContent)

	evidence := []ledger.EvidenceItem{
		{Key: "path", Value: h.path, IsPath: true},
		{Key: "lines_added", Value: fmt.Sprintf("%d", len(added))},
		{Key: "lines_removed", Value: fmt.Sprintf("%d", len(removed))},
	}
	for _, line := range sample(added, 3) {
		evidence = append(evidence, ledger.EvidenceItem{Key: "added", Value: line})
	}
	for _, line := range sample(removed, 3) {
		evidence = append(evidence, ledger.EvidenceItem{Key: "removed", Value: line})
	}

	ev := ledger.Event{
		Category:  ledger.CategoryHosts,
		Severity:  ledger.SeverityHigh,
		Title:     "Hosts file modified",
		Rationale: "The hosts file changed outside of this tool. Malicious edits can silently redirect trusted domains.",
		Evidence:  evidence,
		Actions: []ledger.Action{
			{Label: "Revert", Kind: ledger.ActionRevert, NeedsConfirm: true},
			{Label: "Allow", Kind: ledger.ActionAllow},
		},
	}
	if h.backupPath != "" {
		ev.Revert = &ledger.RevertPayload{
			Kind: ledger.RevertHostsFile,
			Hosts: &ledger.HostsFileRevert{
				BackupPath: h.backupPath,
				TargetPath: h.path,
			},
		}
	}
	return ev
}

// Allow accepts the current hosts content as the new known-good state
// and refreshes the backup to match.
func (h *Hosts) Allow() error {
	content, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("reading hosts file: %w", err)
	}

	h.mu.Lock()
	h.baselineContent = string(content)
	h.baselineHash = hashContent(content)
	h.mu.Unlock()

	if h.backupPath != "" {
		if err := safefile.WriteAtomic(h.backupPath, content, 0o600); err != nil {
			return fmt.Errorf("refreshing hosts backup: %w", err)
		}
	}
	return nil
}

// RestoreBackup writes the backup content back to the hosts file,
// retrying transient lock errors. The self-write hash is primed before
// the write completes so the resulting change notification is ignored.
func (h *Hosts) RestoreBackup() (string, error) {
	if h.backupPath == "" {
		return "", fmt.Errorf("no hosts backup configured")
	}
	backup, err := safefile.ReadFile(h.backupPath)
	if err != nil {
		return "", fmt.Errorf("reading hosts backup: %w", err)
	}

	// Prime the ignore window first: the notification can arrive before
	// the write call returns.
	h.mu.Lock()
	h.selfWriteHash = hashContent(backup)
	h.selfWriteAt = time.Now()
	h.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		err := safefile.WriteAtomic(h.path, backup, 0o644)
		if err == nil {
			h.mu.Lock()
			h.baselineContent = string(backup)
			h.baselineHash = hashContent(backup)
			h.mu.Unlock()
			return fmt.Sprintf("Hosts file restored from backup (%d lines)", countLines(backup)), nil
		}
		if errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("administrator privileges required to modify the hosts file")
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 150 * time.Millisecond)
	}
	return "", fmt.Errorf("hosts file locked after %d attempts: %w", writeRetries, lastErr)
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sample(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

func countLines(b []byte) int {
	return len(strings.Split(strings.TrimRight(string(b), "\n"), "\n"))
}
