package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/internal/intel"
	"github.com/vigilsec/vigil/internal/ledger"
)

// progressEvery throttles current-item notifications so large
// directory walks do not flood subscribers.
const progressEvery = 25

// Options configures the engine.
type Options struct {
	// PhaseDelay paces quick-scan phases for progress display. Zero
	// (the default and the tested configuration) disables pacing.
	PhaseDelay time.Duration
	// IntelBatchMax bounds how many suspicious hits are escalated to
	// the intelligence client per scan.
	IntelBatchMax int
	// ScanRoots are the filesystem locations the quick scan covers.
	ScanRoots []string
	// StartupDirs are covered by the quick scan's startup phase.
	StartupDirs []string
	// DownloadDirs are covered by the quick scan's downloads phase.
	DownloadDirs []string
	// JunkDirs are the temp/cache locations the junk scan enumerates.
	JunkDirs []string
	// BrowserDirs are checked by the privacy scan and the quick scan's
	// browser phase.
	BrowserDirs []string
	// Processes enumerates running process names; nil skips the
	// process phase.
	Processes func() []string
	// MaxFilesPerPhase bounds each directory walk.
	MaxFilesPerPhase int
}

// Engine runs scans. Single-flight: starting a scan while one is
// Running is rejected, not queued.
type Engine struct {
	oracle Oracle
	deep   DeepScanner
	intel  IntelLookup
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	job    *Job
	cancel context.CancelFunc

	subMu sync.Mutex
	subs  map[chan Notification]struct{}
}

// New creates a scan engine. deep and intelClient may be nil; the Full
// scan then fails cleanly and intelligence escalation is skipped.
func New(oracle Oracle, deep DeepScanner, intelClient IntelLookup, opts Options, logger *slog.Logger) *Engine {
	if opts.IntelBatchMax <= 0 {
		opts.IntelBatchMax = 10
	}
	if opts.MaxFilesPerPhase <= 0 {
		opts.MaxFilesPerPhase = 5000
	}
	return &Engine{
		oracle: oracle,
		deep:   deep,
		intel:  intelClient,
		opts:   opts,
		logger: logger,
		subs:   make(map[chan Notification]struct{}),
	}
}

// Start begins a scan of the given type. paths applies to ScanCustom
// only. Returns the job id, or an error if a scan is already running.
func (e *Engine) Start(scanType ScanType, paths []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job != nil && e.job.Status == StatusRunning {
		return "", fmt.Errorf("a %s scan is already running", e.job.Type)
	}
	if scanType == ScanCustom && len(paths) == 0 {
		return "", fmt.Errorf("custom scan requires at least one path")
	}
	if scanType == ScanFull && e.deep == nil {
		return "", fmt.Errorf("no deep scanner configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		Type:      scanType,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	e.job = job
	e.cancel = cancel

	go e.run(ctx, scanType, paths)
	return job.ID, nil
}

// Cancel requests cancellation of the running scan. The job reaches
// Cancelled at the next phase or iteration boundary.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Job returns a snapshot of the current (or most recent) job.
func (e *Engine) Job() Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return Job{Status: StatusIdle}
	}
	return snapshotLocked(e.job)
}

func snapshotLocked(j *Job) Job {
	cp := *j
	cp.Findings = append([]Finding(nil), j.Findings...)
	return cp
}

func (e *Engine) run(ctx context.Context, scanType ScanType, paths []string) {
	var err error
	switch scanType {
	case ScanQuick:
		err = e.runQuick(ctx)
	case ScanFull:
		err = e.runFull(ctx)
	case ScanCustom:
		err = e.runCustom(ctx, paths)
	case ScanJunk:
		err = e.runJunk(ctx)
	case ScanPrivacy:
		err = e.runPrivacy(ctx)
	default:
		err = fmt.Errorf("unknown scan type %q", scanType)
	}

	// Intelligence escalation runs after the pattern pass and never
	// invalidates its results.
	if err == nil && ctx.Err() == nil {
		e.escalateSuspicious(ctx)
	}

	e.mu.Lock()
	switch {
	case ctx.Err() != nil:
		e.job.Status = StatusCancelled
	case err != nil:
		e.job.Status = StatusFailed
		e.job.Error = err.Error()
	default:
		e.job.Status = StatusCompleted
		e.job.Progress = 100
	}
	e.job.EndedAt = time.Now().UTC()
	e.job.CurrentItem = ""
	e.cancel = nil
	final := snapshotLocked(e.job)
	e.mu.Unlock()

	e.logger.Info("scan finished",
		"type", final.Type, "status", final.Status,
		"files", final.FilesScanned, "findings", len(final.Findings))
	e.broadcast(Notification{Type: NotifyJobUpdated, Job: final})
}

// escalateSuspicious hashes up to IntelBatchMax suspicious pattern hits
// and layers a higher-severity finding on top of each confirmed
// verdict. The original finding is never replaced, and a network
// failure here leaves the pattern results intact.
func (e *Engine) escalateSuspicious(ctx context.Context) {
	if e.intel == nil {
		return
	}

	e.mu.Lock()
	var batch []Finding
	for _, f := range e.job.Findings {
		if f.Path != "" && !f.Advisory && f.Severity.Rank() >= ledger.SeverityMedium.Rank() {
			batch = append(batch, f)
			if len(batch) >= e.opts.IntelBatchMax {
				break
			}
		}
	}
	e.mu.Unlock()

	for _, f := range batch {
		if ctx.Err() != nil {
			return
		}
		hash := f.Hash
		if hash == "" {
			var err error
			hash, err = intel.HashFile(f.Path)
			if err != nil {
				continue
			}
		}
		report := e.intel.Lookup(ctx, hash)
		if report.Verdict != intel.VerdictMalicious {
			continue
		}
		confirmed := Finding{
			Category:    "intelligence",
			Severity:    ledger.SeverityCritical,
			Title:       fmt.Sprintf("Threat confirmed by intelligence: %s", report.ThreatName),
			Path:        f.Path,
			Hash:        hash,
			Removable:   true,
			Confidence:  1.0,
			SignatureID: f.SignatureID,
			Evidence: []ledger.EvidenceItem{
				{Key: "path", Value: f.Path, IsPath: true},
				{Key: "sha256", Value: hash},
				{Key: "malicious_votes", Value: fmt.Sprintf("%d/%d", report.MaliciousVotes, report.TotalEngines)},
			},
		}
		e.addFinding(confirmed)
	}
}

// addFinding appends a finding to the running job and notifies.
func (e *Engine) addFinding(f Finding) {
	e.mu.Lock()
	e.job.Findings = append(e.job.Findings, f)
	snap := snapshotLocked(e.job)
	e.mu.Unlock()
	e.broadcast(Notification{Type: NotifyFindingDetected, Job: snap, Finding: &f})
}

// setProgress updates progress and current item, keeping progress
// monotonic, and notifies subscribers.
func (e *Engine) setProgress(pct int, item string) {
	e.mu.Lock()
	if pct > e.job.Progress {
		e.job.Progress = pct
	}
	e.job.CurrentItem = item
	snap := snapshotLocked(e.job)
	e.mu.Unlock()
	e.broadcast(Notification{Type: NotifyJobUpdated, Job: snap})
}

func (e *Engine) countFile(item string) {
	e.mu.Lock()
	e.job.FilesScanned++
	n := e.job.FilesScanned
	var snap Job
	notify := n%progressEvery == 0
	if notify {
		e.job.CurrentItem = item
		snap = snapshotLocked(e.job)
	}
	e.mu.Unlock()
	if notify {
		e.broadcast(Notification{Type: NotifyJobUpdated, Job: snap})
	}
}

// Subscribe returns a channel of engine notifications.
func (e *Engine) Subscribe() chan Notification {
	ch := make(chan Notification, 128)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (e *Engine) Unsubscribe(ch chan Notification) {
	e.subMu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.subMu.Unlock()
}

func (e *Engine) broadcast(n Notification) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// pace sleeps the configured phase delay, returning early on
// cancellation.
func (e *Engine) pace(ctx context.Context) {
	if e.opts.PhaseDelay <= 0 {
		return
	}
	t := time.NewTimer(e.opts.PhaseDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
