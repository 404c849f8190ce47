package sigdb

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vigilsec/vigil/defs"
	"github.com/vigilsec/vigil/internal/safefile"
)

const (
	slotActive   = "active"
	slotPrevious = "previous"
	slotStaging  = "staging"

	setFileName = "signatures.yaml"

	maxPackageBytes = 64 << 20
)

// Options configures a Manager.
type Options struct {
	ManifestURL  string
	FetchTimeout time.Duration
	PublicKey    ed25519.PublicKey // nil skips manifest signature verification
}

// UpdateCheck is the outcome of CheckForUpdates.
type UpdateCheck struct {
	Available      bool
	Source         string // "network" or "embedded"
	CurrentVersion string
	Manifest       *Manifest // nil for embedded-source checks
	TargetVersion  string
}

// Manager rotates signature sets through three slots: active,
// previous-known-good, and staging. Rotation is a manual two-phase
// commit: nothing touches the active slot until the staged set has
// passed checksum and signature verification.
type Manager struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	logger *slog.Logger
	http   *retryablehttp.Client
	status Status
}

// NewManager opens (or initializes) the definitions directory. A fresh
// directory is seeded from the embedded baseline so the scan engine
// always has an active set.
func NewManager(dir string, opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = opts.FetchTimeout
	rc.Logger = nil

	m := &Manager{
		dir:    dir,
		opts:   opts,
		logger: logger,
		http:   rc,
		status: StatusUpToDate,
	}

	for _, slot := range []string{slotActive, slotPrevious, slotStaging} {
		if err := os.MkdirAll(filepath.Join(dir, slot), 0o700); err != nil {
			return nil, fmt.Errorf("creating definitions slot %s: %w", slot, err)
		}
	}

	if _, err := os.Stat(m.slotFile(slotActive)); os.IsNotExist(err) {
		baseline, err := defs.Baseline()
		if err != nil {
			return nil, fmt.Errorf("loading embedded baseline: %w", err)
		}
		if _, err := ParseSet(baseline); err != nil {
			return nil, fmt.Errorf("embedded baseline corrupt: %w", err)
		}
		if err := safefile.WriteAtomic(m.slotFile(slotActive), baseline, 0o600); err != nil {
			return nil, fmt.Errorf("seeding active definitions: %w", err)
		}
		logger.Info("seeded definitions from embedded baseline")
	}

	return m, nil
}

func (m *Manager) slotFile(slot string) string {
	return filepath.Join(m.dir, slot, setFileName)
}

func (m *Manager) auditPath() string {
	return filepath.Join(m.dir, "audit.json")
}

// ActiveSet loads and parses the active signature set.
func (m *Manager) ActiveSet() (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadSlotLocked(slotActive)
}

func (m *Manager) loadSlotLocked(slot string) (*Set, error) {
	data, err := safefile.ReadFileMax(m.slotFile(slot), maxPackageBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %s definitions: %w", slot, err)
	}
	set, err := ParseSet(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s definitions: %w", slot, err)
	}
	return set, nil
}

// Info reports the current definitions state.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{Status: m.status}
	set, err := m.loadSlotLocked(slotActive)
	if err != nil {
		m.logger.Warn("active definitions unreadable", "error", err)
		return info
	}
	info.Version = set.Version
	info.SignatureCount = len(set.Signatures)
	info.EngineVersion = set.EngineVersion
	return info
}

// CheckForUpdates fetches the manifest and compares versions. On any
// network failure it falls back to the embedded baseline, so an update
// check succeeds even fully offline.
func (m *Manager) CheckForUpdates(ctx context.Context) (*UpdateCheck, error) {
	start := time.Now()

	m.mu.Lock()
	active, err := m.loadSlotLocked(slotActive)
	m.mu.Unlock()
	if err != nil {
		m.appendAudit(failedCheck(start, err))
		return nil, err
	}

	check := &UpdateCheck{CurrentVersion: active.Version}

	manifest, fetchErr := m.fetchManifest(ctx)
	if fetchErr == nil {
		check.Source = "network"
		check.Manifest = manifest
		check.TargetVersion = manifest.Version
		check.Available = CompareVersions(manifest.Version, active.Version) > 0
	} else {
		m.logger.Info("manifest fetch failed, comparing against embedded baseline", "error", fetchErr)
		baseline, err := defs.Baseline()
		if err != nil {
			err = fmt.Errorf("loading embedded baseline: %w", err)
			m.appendAudit(failedCheck(start, err))
			return nil, err
		}
		set, err := ParseSet(baseline)
		if err != nil {
			err = fmt.Errorf("parsing embedded baseline: %w", err)
			m.appendAudit(failedCheck(start, err))
			return nil, err
		}
		check.Source = "embedded"
		check.TargetVersion = set.Version
		check.Available = CompareVersions(set.Version, active.Version) > 0
	}

	m.mu.Lock()
	if check.Available {
		m.status = StatusUpdateAvailable
	} else if m.status != StatusFailed {
		m.status = StatusUpToDate
	}
	m.mu.Unlock()

	m.appendAudit(AuditEntry{
		Time:     time.Now().UTC(),
		Action:   "check",
		Version:  check.TargetVersion,
		Success:  true,
		Duration: time.Since(start),
	})
	return check, nil
}

// failedCheck is the audit record for a check attempt that errored
// before producing a result.
func failedCheck(start time.Time, err error) AuditEntry {
	return AuditEntry{
		Time:     time.Now().UTC(),
		Action:   "check",
		Success:  false,
		Duration: time.Since(start),
		Error:    err.Error(),
	}
}

func (m *Manager) fetchManifest(ctx context.Context) (*Manifest, error) {
	if m.opts.ManifestURL == "" {
		return nil, fmt.Errorf("no manifest URL configured")
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, m.opts.ManifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Version == "" || manifest.PackageURL == "" || manifest.Checksum == "" {
		return nil, fmt.Errorf("manifest missing required fields")
	}
	return &manifest, nil
}

// ApplyUpdate installs the set described by a previous CheckForUpdates.
// Network path: download to staging, verify checksum and signature,
// then rotate active->previous, staging->active. Any failure rolls the
// active slot back before the error surfaces.
func (m *Manager) ApplyUpdate(ctx context.Context, check *UpdateCheck) error {
	if check == nil || !check.Available {
		return fmt.Errorf("no update available to apply")
	}

	start := time.Now()
	action := "apply"
	if check.Source == "embedded" {
		action = "apply_embedded"
	}

	var err error
	if check.Source == "embedded" {
		err = m.applyEmbedded()
	} else {
		err = m.applyNetwork(ctx, check.Manifest)
	}

	m.appendAudit(AuditEntry{
		Time:     time.Now().UTC(),
		Action:   action,
		Version:  check.TargetVersion,
		Success:  err == nil,
		Duration: time.Since(start),
		Error:    errString(err),
	})
	return err
}

func (m *Manager) applyNetwork(ctx context.Context, manifest *Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = StatusUpdating

	pkg, err := m.downloadPackage(ctx, manifest.PackageURL)
	if err != nil {
		m.status = StatusFailed
		return err
	}

	// Integrity gate: nothing is staged, let alone rotated, until the
	// checksum matches.
	sum := sha256.Sum256(pkg)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), manifest.Checksum) {
		m.status = StatusFailed
		return fmt.Errorf("definitions package checksum mismatch")
	}

	if err := m.verifySignature(pkg, manifest.Signature); err != nil {
		m.status = StatusFailed
		return err
	}

	set, err := ParseSet(pkg)
	if err != nil {
		m.status = StatusFailed
		return fmt.Errorf("definitions package invalid: %w", err)
	}
	if set.Version != manifest.Version {
		m.status = StatusFailed
		return fmt.Errorf("package version %q does not match manifest %q", set.Version, manifest.Version)
	}

	if err := safefile.WriteAtomic(m.slotFile(slotStaging), pkg, 0o600); err != nil {
		m.status = StatusFailed
		return fmt.Errorf("staging definitions: %w", err)
	}

	if err := m.rotateLocked(); err != nil {
		m.status = StatusFailed
		return err
	}

	m.status = StatusUpToDate
	m.logger.Info("definitions updated", "version", set.Version, "signatures", len(set.Signatures))
	return nil
}

// rotateLocked promotes staging to active, demoting active to
// previous-known-good. On failure the previous set is restored.
func (m *Manager) rotateLocked() error {
	activeFile := m.slotFile(slotActive)
	previousFile := m.slotFile(slotPrevious)
	stagingFile := m.slotFile(slotStaging)

	if err := os.Remove(previousFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing previous slot: %w", err)
	}
	if err := os.Rename(activeFile, previousFile); err != nil {
		return fmt.Errorf("demoting active definitions: %w", err)
	}
	if err := os.Rename(stagingFile, activeFile); err != nil {
		// Rollback: restore previous-known-good as active.
		if rbErr := os.Rename(previousFile, activeFile); rbErr != nil {
			return fmt.Errorf("promoting staged definitions: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("promoting staged definitions: %w (rolled back)", err)
	}
	return nil
}

func (m *Manager) applyEmbedded() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = StatusUpdating

	baseline, err := defs.Baseline()
	if err != nil {
		m.status = StatusFailed
		return fmt.Errorf("loading embedded baseline: %w", err)
	}
	set, err := ParseSet(baseline)
	if err != nil {
		m.status = StatusFailed
		return fmt.Errorf("embedded baseline corrupt: %w", err)
	}

	// Back up the active set before overwriting it, same rollback
	// guarantee as the network path.
	active, err := safefile.ReadFileMax(m.slotFile(slotActive), maxPackageBytes)
	if err == nil {
		if err := safefile.WriteAtomic(m.slotFile(slotPrevious), active, 0o600); err != nil {
			m.status = StatusFailed
			return fmt.Errorf("backing up active definitions: %w", err)
		}
	}

	if err := safefile.WriteAtomic(m.slotFile(slotActive), baseline, 0o600); err != nil {
		m.status = StatusFailed
		return fmt.Errorf("installing embedded definitions: %w", err)
	}

	m.status = StatusUpToDate
	m.logger.Info("definitions updated from embedded baseline", "version", set.Version)
	return nil
}

// Rollback restores the previous-known-good set as active.
func (m *Manager) Rollback() error {
	start := time.Now()
	m.mu.Lock()

	var err error
	prev, readErr := safefile.ReadFileMax(m.slotFile(slotPrevious), maxPackageBytes)
	if readErr != nil {
		err = fmt.Errorf("no previous definitions to roll back to: %w", readErr)
	} else if writeErr := safefile.WriteAtomic(m.slotFile(slotActive), prev, 0o600); writeErr != nil {
		err = fmt.Errorf("restoring previous definitions: %w", writeErr)
	} else {
		m.status = StatusUpToDate
	}
	m.mu.Unlock()

	m.appendAudit(AuditEntry{
		Time:     time.Now().UTC(),
		Action:   "rollback",
		Success:  err == nil,
		Duration: time.Since(start),
		Error:    errString(err),
	})
	return err
}

func (m *Manager) downloadPackage(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading definitions package: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package download: HTTP %d", resp.StatusCode)
	}
	pkg, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading package: %w", err)
	}
	if int64(len(pkg)) > maxPackageBytes {
		return nil, fmt.Errorf("definitions package exceeds %d bytes", maxPackageBytes)
	}
	return pkg, nil
}

// verifySignature checks the ed25519 manifest signature over the
// package bytes. With no public key configured the check is skipped;
// the checksum gate still applies.
func (m *Manager) verifySignature(pkg []byte, sig string) error {
	if m.opts.PublicKey == nil {
		return nil
	}
	if sig == "" {
		return fmt.Errorf("manifest is unsigned but a public key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("decoding manifest signature: %w", err)
	}
	if !ed25519.Verify(m.opts.PublicKey, pkg, raw) {
		return fmt.Errorf("definitions package signature invalid")
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
