// Package suite is the coordinator: it constructs and wires every
// component, executes ledger actions, runs scheduled maintenance, and
// fans notifications out to any presentation layer. Components are
// dependency-injected here rather than reached through globals so tests
// can substitute doubles.
package suite

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vigilsec/vigil/internal/activity"
	"github.com/vigilsec/vigil/internal/config"
	"github.com/vigilsec/vigil/internal/engine"
	"github.com/vigilsec/vigil/internal/intel"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
	"github.com/vigilsec/vigil/internal/sigdb"
	"github.com/vigilsec/vigil/internal/watcher"
)

// maintenanceTick is how often scheduled work is checked for being due.
const maintenanceTick = time.Minute

// Notification is the suite's outward event stream: the sole coupling
// surface between the monitoring core and any presentation layer.
type Notification struct {
	Kind     string // event_added, event_resolved, job_updated, finding_detected, activity_added
	Event    *ledger.Event
	Job      *engine.Job
	Finding  *engine.Finding
	Activity *activity.Entry
}

// Deps are the externally-supplied collaborators.
type Deps struct {
	// Deep handles Full scans. Nil leaves Full unavailable.
	Deep engine.DeepScanner
	// Processes enumerates running process names for the quick scan's
	// process phase. Nil skips that phase.
	Processes func() []string
}

// Suite owns every component of the monitoring core.
type Suite struct {
	cfg    *config.Config
	logger *slog.Logger

	Ledger      *ledger.Store
	Activity    *activity.Store
	Definitions *sigdb.Manager
	Intel       *intel.Client
	Engine      *engine.Engine
	Quarantine  *quarantine.Manager
	Hosts       *watcher.Hosts
	Startup     *watcher.Poller
	Tasks       *watcher.Poller
	Schedule    *Scheduler

	oracle     *activeOracle
	metrics    *metrics
	metricsSrv *http.Server

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan Notification]struct{}

	// lastFinishedJob dedupes terminal job notifications in the pump.
	lastFinishedJob string
}

// New constructs and wires the full suite. Nothing starts running until
// Start is called.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Suite, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	s := &Suite{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		subs:    make(map[chan Notification]struct{}),
	}

	s.Ledger = ledger.NewStore(filepath.Join(cfg.StateDir, "ledger.json"), logger)

	var err error
	s.Activity, err = activity.NewStore(filepath.Join(cfg.StateDir, "activity.db"), logger)
	if err != nil {
		return nil, err
	}

	pubKey, err := loadPublicKey(cfg.Definitions.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	s.Definitions, err = sigdb.NewManager(cfg.DefinitionsDir(), sigdb.Options{
		ManifestURL:  cfg.Definitions.ManifestURL,
		FetchTimeout: time.Duration(cfg.Definitions.FetchTimeoutSeconds) * time.Second,
		PublicKey:    pubKey,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.oracle = newActiveOracle(s.Definitions, logger)

	if cfg.Intelligence.BaseURL != "" {
		s.Intel = intel.NewClient(intel.Options{
			BaseURL:     cfg.Intelligence.BaseURL,
			APIKey:      cfg.Intelligence.APIKey,
			MinInterval: time.Duration(cfg.Intelligence.MinIntervalSeconds) * time.Second,
			CacheMax:    cfg.Intelligence.CacheMax,
			Timeout:     time.Duration(cfg.Intelligence.TimeoutSeconds) * time.Second,
		}, logger)
	}

	s.Quarantine, err = quarantine.NewManager(cfg.QuarantineDir(), cfg.Quarantine.MaxSizeBytes, logger)
	if err != nil {
		return nil, err
	}
	s.Quarantine.Notify = s.onQuarantineChange

	var intelLookup engine.IntelLookup
	if s.Intel != nil {
		intelLookup = s.Intel
	}
	s.Engine = engine.New(s.oracle, deps.Deep, intelLookup, engine.Options{
		PhaseDelay:    time.Duration(cfg.Scan.PhaseDelayMs) * time.Millisecond,
		IntelBatchMax: cfg.Scan.IntelBatchMax,
		ScanRoots:     defaultScanRoots(),
		StartupDirs:   startupDirs(cfg),
		DownloadDirs:  downloadDirs(cfg),
		JunkDirs:      junkDirs(cfg),
		BrowserDirs:   defaultBrowserDirs(),
		Processes:     deps.Processes,
	}, logger)

	pollInterval := time.Duration(cfg.Watchers.PollSeconds) * time.Second
	s.Hosts = watcher.NewHosts(watcher.HostsOptions{
		Path:         cfg.Hosts.Path,
		BackupPath:   filepath.Join(cfg.StateDir, "hosts.backup"),
		Debounce:     time.Duration(cfg.Hosts.DebounceMs) * time.Millisecond,
		IgnoreWindow: time.Duration(cfg.Hosts.IgnoreWindowMs) * time.Millisecond,
	}, s.Ledger, logger)
	s.Startup = watcher.NewStartupPoller(watcher.NewDirSource("startup", startupDirs(cfg)), pollInterval, s.Ledger, logger)
	s.Tasks = watcher.NewTaskPoller(watcher.NewDirSource("tasks", taskDirs(cfg)), pollInterval, s.Ledger, logger)

	s.Schedule = NewScheduler(filepath.Join(cfg.StateDir, "schedule.json"), logger)

	s.registerHandlers()
	return s, nil
}

// Start begins monitoring: watchers, notification pumps, scheduled
// maintenance, and the optional metrics endpoint. A hosts watcher that
// cannot start (missing file, no permission) is logged and skipped; the
// rest of the suite still runs.
func (s *Suite) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("suite already started")
	}
	s.started = true
	s.stop = make(chan struct{})

	if err := s.Hosts.Start(); err != nil {
		s.logger.Warn("hosts watcher unavailable", "error", err)
	}
	if err := s.Startup.Start(); err != nil {
		s.logger.Warn("startup watcher unavailable", "error", err)
	}
	if err := s.Tasks.Start(); err != nil {
		s.logger.Warn("task watcher unavailable", "error", err)
	}

	s.wg.Add(3)
	go s.pumpLedger()
	go s.pumpEngine()
	go s.pumpActivity()

	s.wg.Add(1)
	go s.maintenanceLoop()

	if s.cfg.Metrics.Listen != "" {
		s.metricsSrv = serveMetrics(s.cfg.Metrics.Listen, s.metrics, s.logger)
	}

	s.Activity.Log(activity.Entry{Kind: "suite", Title: "Monitoring started"})
	s.logger.Info("suite started", "state_dir", s.cfg.StateDir)
	return nil
}

// Stop halts everything. In-flight watcher ticks may still finish.
func (s *Suite) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.Engine.Cancel()
	s.Hosts.Stop()
	s.Startup.Stop()
	s.Tasks.Stop()

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.metricsSrv.Shutdown(ctx)
		cancel()
	}

	s.wg.Wait()
	if err := s.Activity.Close(); err != nil {
		s.logger.Warn("closing activity store", "error", err)
	}
	s.logger.Info("suite stopped")
}

// Close releases resources. Safe whether or not Start was called; CLI
// commands that only query state use this instead of Start/Stop.
func (s *Suite) Close() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.Stop()
		return
	}
	if err := s.Activity.Close(); err != nil {
		s.logger.Warn("closing activity store", "error", err)
	}
}

// StartScan launches a scan through the engine and records it.
func (s *Suite) StartScan(scanType engine.ScanType, paths []string) (string, error) {
	id, err := s.Engine.Start(scanType, paths)
	if err != nil {
		return "", err
	}
	s.Activity.Log(activity.Entry{
		Kind:  "scan_started",
		Title: fmt.Sprintf("%s scan started", titleCase(string(scanType))),
		RefID: id,
	})
	return id, nil
}

// ExecuteAction runs a ledger action and records the outcome.
func (s *Suite) ExecuteAction(eventID, actionLabel string) ledger.ActionResult {
	result := s.Ledger.ExecuteAction(eventID, actionLabel)
	kind := "action_failed"
	if result.Success {
		kind = "action_executed"
	}
	s.Activity.Log(activity.Entry{
		Kind:   kind,
		Title:  fmt.Sprintf("Action %q: %s", actionLabel, result.Message),
		RefID:  eventID,
		Detail: result.Message,
	})
	return result
}

// Subscribe returns the suite's notification stream.
func (s *Suite) Subscribe() chan Notification {
	ch := make(chan Notification, 128)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Suite) Unsubscribe(ch chan Notification) {
	s.subMu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Suite) broadcast(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (s *Suite) pumpLedger() {
	defer s.wg.Done()
	sub := s.Ledger.Subscribe()
	defer s.Ledger.Unsubscribe(sub)

	for {
		select {
		case <-s.stop:
			return
		case n := <-sub:
			ev := n.Event
			switch n.Type {
			case ledger.NotifyEventAdded:
				s.metrics.eventsTotal.WithLabelValues(string(ev.Category), string(ev.Severity)).Inc()
				s.Activity.Log(activity.Entry{
					Kind:     "event_added",
					Category: string(ev.Category),
					Severity: string(ev.Severity),
					Title:    ev.Title,
					RefID:    ev.ID,
				})
				s.broadcast(Notification{Kind: "event_added", Event: &ev})
			case ledger.NotifyEventResolved:
				s.metrics.eventsResolved.Inc()
				s.Activity.Log(activity.Entry{
					Kind:     "event_resolved",
					Category: string(ev.Category),
					Title:    ev.Title,
					Detail:   ev.Resolution.Result,
					RefID:    ev.ID,
				})
				s.broadcast(Notification{Kind: "event_resolved", Event: &ev})
			}
			s.metrics.unresolvedEvents.Set(float64(s.Ledger.UnresolvedCount(ledger.SeverityMedium)))
		}
	}
}

func (s *Suite) pumpEngine() {
	defer s.wg.Done()
	sub := s.Engine.Subscribe()
	defer s.Engine.Unsubscribe(sub)

	for {
		select {
		case <-s.stop:
			return
		case n := <-sub:
			job := n.Job
			switch n.Type {
			case engine.NotifyFindingDetected:
				if n.Finding != nil {
					s.metrics.findingsTotal.WithLabelValues(string(n.Finding.Severity)).Inc()
					if n.Finding.Severity.Rank() >= ledger.SeverityHigh.Rank() {
						s.Activity.Log(activity.Entry{
							Kind:     "finding",
							Severity: string(n.Finding.Severity),
							Title:    n.Finding.Title,
							Detail:   n.Finding.Path,
							RefID:    job.ID,
						})
					}
				}
				s.broadcast(Notification{Kind: "finding_detected", Job: &job, Finding: n.Finding})
			case engine.NotifyJobUpdated:
				if terminal(job.Status) && job.ID != s.lastFinishedJob {
					s.lastFinishedJob = job.ID
					s.metrics.scansTotal.WithLabelValues(string(job.Type), string(job.Status)).Inc()
					s.Activity.Log(activity.Entry{
						Kind:  "scan_finished",
						Title: fmt.Sprintf("%s scan %s", titleCase(string(job.Type)), job.Status),
						Detail: fmt.Sprintf("%d files scanned, %d findings",
							job.FilesScanned, len(job.Findings)),
						RefID: job.ID,
					})
				}
				s.broadcast(Notification{Kind: "job_updated", Job: &job})
			}
		}
	}
}

func (s *Suite) pumpActivity() {
	defer s.wg.Done()
	sub := s.Activity.Hub.Subscribe()
	defer s.Activity.Hub.Unsubscribe(sub)

	for {
		select {
		case <-s.stop:
			return
		case e := <-sub:
			s.broadcast(Notification{Kind: "activity_added", Activity: &e})
		}
	}
}

func (s *Suite) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	s.refreshGauges()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runMaintenance(time.Now().UTC())
			s.refreshGauges()
		}
	}
}

// runMaintenance executes whatever scheduled work is due.
func (s *Suite) runMaintenance(now time.Time) {
	if s.Schedule.DefinitionsCheckDue(now) {
		s.checkDefinitions()
		s.Schedule.MarkDefinitionsChecked(now)
	}

	if s.Schedule.WeeklyScanDue(now) {
		if _, err := s.StartScan(engine.ScanQuick, nil); err != nil {
			s.logger.Warn("weekly scan deferred", "error", err)
		} else {
			s.Schedule.MarkWeeklyScanRun(now)
		}
	}
}

// checkDefinitions runs an update check and applies any available
// update, reloading the oracle on success.
func (s *Suite) checkDefinitions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	check, err := s.Definitions.CheckForUpdates(ctx)
	if err != nil {
		s.logger.Warn("definitions check failed", "error", err)
		return
	}
	if !check.Available {
		return
	}
	if err := s.Definitions.ApplyUpdate(ctx, check); err != nil {
		s.Activity.Log(activity.Entry{
			Kind:   "definitions_update",
			Title:  "Definitions update failed",
			Detail: err.Error(),
		})
		return
	}
	s.oracle.Reload()
	s.Activity.Log(activity.Entry{
		Kind:   "definitions_update",
		Title:  fmt.Sprintf("Definitions updated to %s", check.TargetVersion),
		Detail: check.Source,
	})
}

func (s *Suite) refreshGauges() {
	s.metrics.protectionScore.Set(float64(s.ProtectionScore()))
	s.metrics.quarantineBytes.Set(float64(s.Quarantine.ActiveSize()))
	s.metrics.signatureCount.Set(float64(s.Definitions.Info().SignatureCount))
	s.metrics.unresolvedEvents.Set(float64(s.Ledger.UnresolvedCount(ledger.SeverityMedium)))
}

// onQuarantineChange runs inside the quarantine manager's lock; it only
// records, never calls back.
func (s *Suite) onQuarantineChange(item quarantine.Item) {
	op := map[quarantine.Status]string{
		quarantine.StatusActive:   "quarantine",
		quarantine.StatusRestored: "restore",
		quarantine.StatusDeleted:  "delete",
	}[item.Status]
	s.metrics.quarantineOps.WithLabelValues(op).Inc()
	s.Activity.Log(activity.Entry{
		Kind:     op,
		Category: "quarantine",
		Severity: string(item.Threat.Severity),
		Title:    fmt.Sprintf("Quarantine %s: %s", op, filepath.Base(item.OriginalPath)),
		Detail:   item.OriginalPath,
		RefID:    item.ID,
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func terminal(status engine.ScanStatus) bool {
	switch status {
	case engine.StatusCompleted, engine.StatusCancelled, engine.StatusFailed:
		return true
	}
	return false
}

// loadPublicKey reads an ed25519 public key, accepting raw or
// hex-encoded 32-byte files. An empty path disables verification.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions public key: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	return nil, fmt.Errorf("definitions public key must be %d raw or hex bytes", ed25519.PublicKeySize)
}

func startupDirs(cfg *config.Config) []string {
	if len(cfg.Watchers.StartupDirs) > 0 {
		return cfg.Watchers.StartupDirs
	}
	return watcher.DefaultStartupDirs()
}

func taskDirs(cfg *config.Config) []string {
	if len(cfg.Watchers.TaskDirs) > 0 {
		return cfg.Watchers.TaskDirs
	}
	return watcher.DefaultTaskDirs()
}

func downloadDirs(cfg *config.Config) []string {
	if len(cfg.Scan.DownloadDirs) > 0 {
		return cfg.Scan.DownloadDirs
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, "Downloads")}
}

func junkDirs(cfg *config.Config) []string {
	if len(cfg.Scan.JunkDirs) > 0 {
		return cfg.Scan.JunkDirs
	}
	dirs := []string{os.TempDir()}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".cache", "thumbnails"))
	}
	return dirs
}

func defaultScanRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, "Desktop"), filepath.Join(home, "Documents")}
}

func defaultBrowserDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".mozilla", "firefox"),
		filepath.Join(home, ".config", "google-chrome", "Default", "Extensions"),
		filepath.Join(home, ".config", "chromium", "Default", "Extensions"),
	}
}
