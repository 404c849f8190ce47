package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/vigil/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	return ledger.NewStore(filepath.Join(t.TempDir(), "ledger.json"), testLogger())
}

// waitForEvents polls the ledger until it holds want events or the
// deadline expires.
func waitForEvents(t *testing.T, store *ledger.Store, want int) []ledger.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		events := store.Events()
		if len(events) >= want {
			return events
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", want, len(store.Events()))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTaskPollerEmitsSingleTaskAddEvent(t *testing.T) {
	dir := t.TempDir()
	store := newTestLedger(t)
	source := NewDirSource("tasks", []string{dir})

	p := NewTaskPoller(source, 30*time.Millisecond, store, testLogger())
	require.NoError(t, p.Start())
	defer p.Stop()

	taskPath := filepath.Join(dir, "backup-job.timer")
	require.NoError(t, os.WriteFile(taskPath, []byte("[Timer]\nOnCalendar=daily\n"), 0o644))

	events := waitForEvents(t, store, 1)
	// Give another few polls a chance to duplicate the event, then
	// confirm exactly one was emitted.
	time.Sleep(120 * time.Millisecond)
	events = store.Events()
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, ledger.CategoryTasks, ev.Category)
	assert.Contains(t, ev.Title, "New scheduled task")

	labels := make([]string, len(ev.Actions))
	for i, a := range ev.Actions {
		labels[i] = a.Label
	}
	assert.Equal(t, []string{"Disable", "Delete", "Allow"}, labels)

	require.NotNil(t, ev.Revert)
	require.NotNil(t, ev.Revert.Task)
	assert.Equal(t, ledger.RevertTask, ev.Revert.Kind)
	assert.Equal(t, "TaskAdd", ev.Revert.Task.Change)
	assert.Equal(t, "backup-job.timer", ev.Revert.Task.Name)
	assert.Equal(t, taskPath, ev.Revert.Task.Path)
	assert.Equal(t, dir, ev.Revert.Task.Folder)
}

func TestStartupPollerModifyAndRemove(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "updater.desktop")
	require.NoError(t, os.WriteFile(entry, []byte("Exec=/usr/bin/updater\n"), 0o644))

	store := newTestLedger(t)
	p := NewStartupPoller(NewDirSource("startup", []string{dir}), 30*time.Millisecond, store, testLogger())
	require.NoError(t, p.Start())
	defer p.Stop()

	// Modify the existing entry.
	require.NoError(t, os.WriteFile(entry, []byte("Exec=/tmp/evil\n"), 0o644))
	events := waitForEvents(t, store, 1)
	mod := events[0]
	assert.Equal(t, ledger.CategoryStartup, mod.Category)
	assert.Contains(t, mod.Title, "modified")
	assert.Equal(t, ledger.SeverityMedium, mod.Severity)

	labels := make([]string, len(mod.Actions))
	for i, a := range mod.Actions {
		labels[i] = a.Label
	}
	assert.Equal(t, []string{"Disable", "Allow"}, labels)
	require.NotNil(t, mod.Revert.Registry)
	assert.Equal(t, "updater.desktop", mod.Revert.Registry.Name)

	// Remove it; removal events are informational with no actions.
	require.NoError(t, os.Remove(entry))
	events = waitForEvents(t, store, 2)
	rem := events[0]
	assert.Contains(t, rem.Title, "removed")
	assert.Equal(t, ledger.SeverityInfo, rem.Severity)
	assert.Empty(t, rem.Actions)
}

func TestPollerSurvivesSourceFailure(t *testing.T) {
	store := newTestLedger(t)
	src := &flakySource{}
	p := NewStartupPoller(src, 20*time.Millisecond, store, testLogger())
	require.NoError(t, p.Start())
	defer p.Stop()

	// The source fails for a while, then recovers with a new entry.
	time.Sleep(100 * time.Millisecond)
	src.setHealthy()

	events := waitForEvents(t, store, 1)
	assert.Contains(t, events[0].Title, "New startup entry")
	assert.True(t, p.Running())
}

func TestPollerStartTwiceFails(t *testing.T) {
	p := NewStartupPoller(NewDirSource("startup", nil), time.Minute, newTestLedger(t), testLogger())
	require.NoError(t, p.Start())
	defer p.Stop()
	assert.Error(t, p.Start())
}

// flakySource errors until marked healthy, then returns an empty
// snapshot once (establishing the deferred baseline) and a single new
// entry on every call after that.
type flakySource struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) setHealthy() { f.healthy.Store(true) }

func (f *flakySource) Snapshot() (Snapshot, error) {
	if !f.healthy.Load() {
		return nil, os.ErrPermission
	}
	if f.calls.Add(1) == 1 {
		return Snapshot{}, nil
	}
	return Snapshot{"/fake/entry": "abc"}, nil
}
