package suite

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/vigil/internal/activity"
	"github.com/vigilsec/vigil/internal/config"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestSuite wires a suite against temp directories. Nothing is
// started; handler tests exercise the wiring directly.
func newTestSuite(t *testing.T) *Suite {
	t.Helper()

	hostsPath := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0o644))

	cfg := config.Defaults()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Hosts.Path = hostsPath
	cfg.Watchers.PollSeconds = 1
	cfg.Watchers.StartupDirs = []string{t.TempDir()}
	cfg.Watchers.TaskDirs = []string{t.TempDir()}
	cfg.Scan.JunkDirs = []string{t.TempDir()}
	cfg.Scan.DownloadDirs = []string{t.TempDir()}

	s, err := New(cfg, Deps{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func taskEvent(path string) ledger.Event {
	return ledger.Event{
		Category: ledger.CategoryTasks,
		Severity: ledger.SeverityHigh,
		Title:    "New scheduled task detected: " + filepath.Base(path),
		Evidence: []ledger.EvidenceItem{{Key: "path", Value: path, IsPath: true}},
		Revert: &ledger.RevertPayload{
			Kind: ledger.RevertTask,
			Task: &ledger.TaskRevert{
				Change: "TaskAdd",
				Name:   filepath.Base(path),
				Path:   path,
				Folder: filepath.Dir(path),
			},
		},
		Actions: []ledger.Action{
			{Label: "Disable", Kind: ledger.ActionBlock},
			{Label: "Delete", Kind: ledger.ActionDelete, NeedsConfirm: true},
			{Label: "Allow", Kind: ledger.ActionAllow},
		},
	}
}

func TestDeleteActionQuarantinesFile(t *testing.T) {
	s := newTestSuite(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.timer")
	require.NoError(t, os.WriteFile(path, []byte("[Timer]\n"), 0o644))

	ev := s.Ledger.AddEvent(taskEvent(path))
	result := s.ExecuteAction(ev.ID, "Delete")
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, "quarantine")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	items := s.Quarantine.Items()
	require.Len(t, items, 1)
	assert.Equal(t, quarantine.StatusActive, items[0].Status)
	assert.Equal(t, path, items[0].OriginalPath)

	resolved := s.Ledger.Get(ev.ID)
	require.NotNil(t, resolved)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "Delete", resolved.Resolution.ActionLabel)
}

func TestBlockActionRenamesEntryAside(t *testing.T) {
	s := newTestSuite(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.timer")
	require.NoError(t, os.WriteFile(path, []byte("[Timer]\n"), 0o644))

	ev := s.Ledger.AddEvent(taskEvent(path))
	result := s.ExecuteAction(ev.ID, "Disable")
	require.True(t, result.Success, result.Message)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + disabledSuffix)
	assert.NoError(t, err)
}

func TestRevertTaskAddDisables(t *testing.T) {
	s := newTestSuite(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "added.timer")
	require.NoError(t, os.WriteFile(path, []byte("[Timer]\n"), 0o644))

	ev := taskEvent(path)
	ev.Actions = append(ev.Actions, ledger.Action{Label: "Revert", Kind: ledger.ActionRevert})
	added := s.Ledger.AddEvent(ev)

	result := s.ExecuteAction(added.ID, "Revert")
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, "Disabled scheduled task")
	_, err := os.Stat(path + disabledSuffix)
	assert.NoError(t, err)
}

func TestRevertRemovedTaskFails(t *testing.T) {
	s := newTestSuite(t)

	ev := s.Ledger.AddEvent(ledger.Event{
		Category: ledger.CategoryTasks,
		Severity: ledger.SeverityInfo,
		Title:    "Scheduled task removed: gone.timer",
		Revert: &ledger.RevertPayload{
			Kind: ledger.RevertTask,
			Task: &ledger.TaskRevert{Change: "TaskRemove", Name: "gone.timer", Path: "/nonexistent"},
		},
		Actions: []ledger.Action{{Label: "Revert", Kind: ledger.ActionRevert}},
	})

	result := s.ExecuteAction(ev.ID, "Revert")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "without a backup")
	assert.False(t, s.Ledger.Get(ev.ID).Resolved())
}

func TestRevertWithoutPayloadFails(t *testing.T) {
	s := newTestSuite(t)
	ev := s.Ledger.AddEvent(ledger.Event{
		Category: ledger.CategoryStartup,
		Severity: ledger.SeverityHigh,
		Title:    "New startup entry detected: x",
		Actions:  []ledger.Action{{Label: "Revert", Kind: ledger.ActionRevert}},
	})

	result := s.ExecuteAction(ev.ID, "Revert")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "no revert information")
}

func TestRevertHostsFromBackup(t *testing.T) {
	s := newTestSuite(t)

	// Prime a backup the way Start would, then tamper with the file.
	backup := filepath.Join(s.cfg.StateDir, "hosts.backup")
	require.NoError(t, os.WriteFile(backup, []byte("127.0.0.1 localhost\n"), 0o600))
	require.NoError(t, os.WriteFile(s.cfg.Hosts.Path, []byte("0.0.0.0 bank.example\n"), 0o644))

	ev := s.Ledger.AddEvent(ledger.Event{
		Category: ledger.CategoryHosts,
		Severity: ledger.SeverityHigh,
		Title:    "Hosts file modified",
		Revert: &ledger.RevertPayload{
			Kind:  ledger.RevertHostsFile,
			Hosts: &ledger.HostsFileRevert{BackupPath: backup, TargetPath: s.cfg.Hosts.Path},
		},
		Actions: []ledger.Action{{Label: "Revert", Kind: ledger.ActionRevert, NeedsConfirm: true}},
	})

	result := s.ExecuteAction(ev.ID, "Revert")
	require.True(t, result.Success, result.Message)

	got, err := os.ReadFile(s.cfg.Hosts.Path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 localhost\n", string(got))
}

func TestInspectLeavesEventOpen(t *testing.T) {
	s := newTestSuite(t)
	ev := taskEvent("/tmp/x.timer")
	ev.Actions = append(ev.Actions, ledger.Action{Label: "Details", Kind: ledger.ActionInspect})
	added := s.Ledger.AddEvent(ev)

	result := s.ExecuteAction(added.ID, "Details")
	require.True(t, result.Success)
	assert.Contains(t, result.Message, "path: /tmp/x.timer")
	assert.False(t, s.Ledger.Get(added.ID).Resolved())
}

func TestProtectionScoreRespondsToState(t *testing.T) {
	s := newTestSuite(t)
	base := s.ProtectionScore()
	assert.GreaterOrEqual(t, base, 0)
	assert.LessOrEqual(t, base, 100)

	for i := 0; i < 3; i++ {
		s.Ledger.AddEvent(ledger.Event{
			Category: ledger.CategoryStartup,
			Severity: ledger.SeverityHigh,
			Title:    "open event",
		})
	}
	withOpen := s.ProtectionScore()
	assert.Less(t, withOpen, base)
	assert.GreaterOrEqual(t, withOpen, 0)
}

func TestExecuteActionRecordsActivity(t *testing.T) {
	s := newTestSuite(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "log.timer")
	require.NoError(t, os.WriteFile(path, []byte("[Timer]\n"), 0o644))

	ev := s.Ledger.AddEvent(taskEvent(path))
	result := s.ExecuteAction(ev.ID, "Disable")
	require.True(t, result.Success)
	s.Activity.Flush()

	entries, err := s.Activity.Query(activity.QueryOpts{Kind: "action_executed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ev.ID, entries[0].RefID)
	assert.Contains(t, entries[0].Title, "Disable")
}

func TestStartAndStop(t *testing.T) {
	s := newTestSuite(t)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start must fail")

	assert.True(t, s.Startup.Running())
	assert.True(t, s.Tasks.Running())
	assert.True(t, s.Hosts.Running())

	s.Stop()
	assert.False(t, s.Startup.Running())

	// Stop is idempotent.
	s.Stop()
}

func TestMaintenanceRunsDueWork(t *testing.T) {
	s := newTestSuite(t)

	// Force both tasks due and run one maintenance pass directly.
	now := time.Now().UTC().Add(10 * 24 * time.Hour)
	require.True(t, s.Schedule.DefinitionsCheckDue(now))
	require.True(t, s.Schedule.WeeklyScanDue(now))

	s.runMaintenance(now)

	assert.False(t, s.Schedule.DefinitionsCheckDue(now))
	assert.False(t, s.Schedule.WeeklyScanDue(now))

	// The weekly scan was actually started.
	job := s.Engine.Job()
	assert.NotEmpty(t, job.ID)
}
