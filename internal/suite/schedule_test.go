package suite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFreshInstall(t *testing.T) {
	s := NewScheduler(filepath.Join(t.TempDir(), "schedule.json"), testLogger())
	now := time.Now().UTC()

	// A definitions check is due immediately; the first weekly scan is
	// deferred an hour so startup is not dominated by a scan.
	assert.True(t, s.DefinitionsCheckDue(now))
	assert.False(t, s.WeeklyScanDue(now))
	assert.True(t, s.WeeklyScanDue(now.Add(2*time.Hour)))
}

func TestSchedulerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	now := time.Now().UTC()

	s := NewScheduler(path, testLogger())
	s.MarkDefinitionsChecked(now)
	s.MarkWeeklyScanRun(now)

	// A new scheduler over the same file sees the advanced due times.
	reloaded := NewScheduler(path, testLogger())
	assert.False(t, reloaded.DefinitionsCheckDue(now.Add(time.Hour)))
	assert.True(t, reloaded.DefinitionsCheckDue(now.Add(25*time.Hour)))
	assert.False(t, reloaded.WeeklyScanDue(now.Add(6*24*time.Hour)))
	assert.True(t, reloaded.WeeklyScanDue(now.Add(8*24*time.Hour)))

	defs, scan := reloaded.NextDue()
	assert.False(t, defs.IsZero())
	assert.False(t, scan.IsZero())
}

func TestSchedulerCorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewScheduler(path, testLogger())
	assert.True(t, s.DefinitionsCheckDue(time.Now().UTC()))
}
