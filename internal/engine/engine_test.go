package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/vigil/internal/intel"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/sigdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeOracle matches any file name containing "malware" (malware
// category), any name containing "tracking-pixel" (privacy category),
// and any content containing "EVILMARK".
type fakeOracle struct{}

func (fakeOracle) MatchFileName(name string) *sigdb.Signature {
	base := strings.ToLower(filepath.Base(name))
	if strings.Contains(base, "malware") {
		return &sigdb.Signature{ID: "T-001", Name: "Test Malware", Category: "malware", Severity: "high"}
	}
	if strings.Contains(base, "tracking-pixel") {
		return &sigdb.Signature{ID: "T-004", Name: "Tracking Pixel", Category: "privacy", Severity: "low"}
	}
	return nil
}

func (fakeOracle) MatchProcessName(name string) *sigdb.Signature {
	if strings.HasPrefix(name, "cryptominer") {
		return &sigdb.Signature{ID: "T-002", Name: "Miner", Category: "miner", Severity: "critical"}
	}
	return nil
}

func (fakeOracle) MatchContent(sample []byte) *sigdb.Signature {
	if strings.Contains(string(sample), "EVILMARK") {
		return &sigdb.Signature{ID: "T-003", Name: "Marker", Category: "malware", Severity: "medium"}
	}
	return nil
}

type fakeIntel struct {
	verdict intel.Verdict
	calls   int
}

func (f *fakeIntel) Lookup(ctx context.Context, hash string) intel.Report {
	f.calls++
	return intel.Report{Hash: hash, Verdict: f.verdict, ThreatName: "Trojan.Test", MaliciousVotes: 12, TotalEngines: 70}
}

// blockingDeep holds the scan open until released.
type blockingDeep struct {
	started chan struct{}
}

func (b *blockingDeep) Scan(ctx context.Context, emit func(Finding), progress func(int, string)) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func waitForStatus(t *testing.T, e *Engine, want ScanStatus) Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job := e.Job()
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, have %s", want, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartRejectsConcurrentScan(t *testing.T) {
	deep := &blockingDeep{started: make(chan struct{})}
	e := New(fakeOracle{}, deep, nil, Options{}, testLogger())

	_, err := e.Start(ScanFull, nil)
	require.NoError(t, err)
	<-deep.started

	_, err = e.Start(ScanQuick, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	e.Cancel()
	waitForStatus(t, e, StatusCancelled)
}

func TestCancelReachesCancelledState(t *testing.T) {
	deep := &blockingDeep{started: make(chan struct{})}
	e := New(fakeOracle{}, deep, nil, Options{}, testLogger())

	id, err := e.Start(ScanFull, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	<-deep.started

	e.Cancel()
	job := waitForStatus(t, e, StatusCancelled)
	assert.False(t, job.EndedAt.IsZero())
	assert.Empty(t, job.Error)

	// A new scan may start once the previous one is terminal.
	_, err = e.Start(ScanJunk, nil)
	assert.NoError(t, err)
	waitForStatus(t, e, StatusCompleted)
}

func TestCustomScanRequiresPaths(t *testing.T) {
	e := New(fakeOracle{}, nil, nil, Options{}, testLogger())
	_, err := e.Start(ScanCustom, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one path")
}

func TestFullScanRequiresDeepScanner(t *testing.T) {
	e := New(fakeOracle{}, nil, nil, Options{}, testLogger())
	_, err := e.Start(ScanFull, nil)
	assert.Error(t, err)
}

func TestJunkScanFlagsEveryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tmp"), []byte("aaaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache", "b.log"), []byte("bbbbbbbb"), 0o644))

	e := New(fakeOracle{}, nil, nil, Options{JunkDirs: []string{dir}}, testLogger())
	_, err := e.Start(ScanJunk, nil)
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	require.Len(t, job.Findings, 2)
	var total int64
	for _, f := range job.Findings {
		assert.Equal(t, "junk", f.Category)
		assert.Equal(t, ledger.SeverityLow, f.Severity)
		assert.True(t, f.Removable)
		total += f.SizeBytes
	}
	assert.Equal(t, int64(12), total)
	assert.Equal(t, 100, job.Progress)
}

func TestCustomScanMatchesByNameAndContent(t *testing.T) {
	dir := t.TempDir()
	byName := filepath.Join(dir, "malware-dropper.bin")
	require.NoError(t, os.WriteFile(byName, []byte("harmless bytes"), 0o644))
	byContent := filepath.Join(dir, "innocuous.dat")
	require.NoError(t, os.WriteFile(byContent, []byte("prefix EVILMARK suffix"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clean.txt"), []byte("nothing here"), 0o644))

	e := New(fakeOracle{}, nil, nil, Options{}, testLogger())
	_, err := e.Start(ScanCustom, []string{dir})
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	require.Len(t, job.Findings, 2)
	assert.Equal(t, 3, job.FilesScanned)

	byPath := map[string]Finding{}
	for _, f := range job.Findings {
		byPath[f.Path] = f
	}
	require.Contains(t, byPath, byName)
	assert.Equal(t, "T-001", byPath[byName].SignatureID)
	require.Contains(t, byPath, byContent)
	assert.Equal(t, "T-003", byPath[byContent].SignatureID)
}

func TestPrivacyScanFindingsAreAdvisoryOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracking-pixel.dat"), []byte("GIF89a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bookmarks.html"), []byte("<html>"), 0o644))

	fi := &fakeIntel{verdict: intel.VerdictMalicious}
	e := New(fakeOracle{}, nil, fi, Options{BrowserDirs: []string{dir}}, testLogger())
	_, err := e.Start(ScanPrivacy, nil)
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	require.Len(t, job.Findings, 1)
	assert.Equal(t, 2, job.FilesScanned)

	f := job.Findings[0]
	assert.Equal(t, "privacy", f.Category)
	assert.Equal(t, ledger.SeverityLow, f.Severity)
	assert.Equal(t, "T-004", f.SignatureID)
	assert.True(t, f.Advisory, "privacy findings are reported, never acted on")
	assert.False(t, f.Removable)

	// Advisory findings never reach the intelligence client, even with a
	// malicious verdict waiting.
	assert.Equal(t, 0, fi.calls)
}

func TestQuickScanFlagsProcess(t *testing.T) {
	e := New(fakeOracle{}, nil, nil, Options{
		Processes: func() []string { return []string{"sshd", "cryptominer.exe"} },
	}, testLogger())
	_, err := e.Start(ScanQuick, nil)
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	require.Len(t, job.Findings, 1)
	assert.Equal(t, ledger.SeverityCritical, job.Findings[0].Severity)
	assert.Contains(t, job.Findings[0].Title, "cryptominer.exe")
}

func TestIntelEscalationLayersCriticalFinding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "malware-loader.exe")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	fi := &fakeIntel{verdict: intel.VerdictMalicious}
	e := New(fakeOracle{}, nil, fi, Options{}, testLogger())
	_, err := e.Start(ScanCustom, []string{path})
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	require.Len(t, job.Findings, 2, "pattern finding plus layered intel finding")
	assert.Equal(t, 1, fi.calls)

	// The original pattern hit is preserved.
	assert.Equal(t, "T-001", job.Findings[0].SignatureID)
	assert.Equal(t, ledger.SeverityHigh, job.Findings[0].Severity)

	layered := job.Findings[1]
	assert.Equal(t, "intelligence", layered.Category)
	assert.Equal(t, ledger.SeverityCritical, layered.Severity)
	assert.Contains(t, layered.Title, "Trojan.Test")
	assert.NotEmpty(t, layered.Hash)
}

func TestIntelCleanVerdictAddsNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "malware-sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	fi := &fakeIntel{verdict: intel.VerdictClean}
	e := New(fakeOracle{}, nil, fi, Options{}, testLogger())
	_, err := e.Start(ScanCustom, []string{path})
	require.NoError(t, err)

	job := waitForStatus(t, e, StatusCompleted)
	assert.Len(t, job.Findings, 1)
	assert.Equal(t, 1, fi.calls)
}

func TestProgressIsMonotonic(t *testing.T) {
	e := New(fakeOracle{}, nil, nil, Options{
		Processes: func() []string { return []string{"a", "b"} },
	}, testLogger())
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	_, err := e.Start(ScanQuick, nil)
	require.NoError(t, err)
	waitForStatus(t, e, StatusCompleted)

	last := 0
	deadline := time.After(2 * time.Second)
	for last < 100 {
		select {
		case n := <-sub:
			require.GreaterOrEqual(t, n.Job.Progress, last)
			last = n.Job.Progress
		case <-deadline:
			t.Fatalf("never observed full progress, last %d", last)
		}
	}
}

func TestIdleJobSnapshot(t *testing.T) {
	e := New(fakeOracle{}, nil, nil, Options{}, testLogger())
	assert.Equal(t, StatusIdle, e.Job().Status)
}
