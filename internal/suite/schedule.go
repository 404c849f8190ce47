package suite

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vigilsec/vigil/internal/safefile"
)

// Maintenance cadence. Next-due timestamps are absolute and persisted,
// so a restart or machine sleep never silently skips a cycle.
const (
	definitionsCheckEvery = 24 * time.Hour
	weeklyScanEvery       = 7 * 24 * time.Hour
)

type scheduleState struct {
	DefinitionsCheckDue time.Time `json:"definitions_check_due"`
	WeeklyScanDue       time.Time `json:"weekly_scan_due"`
}

// Scheduler tracks when periodic maintenance is next due.
type Scheduler struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state scheduleState
}

// NewScheduler loads persisted due times, initializing any that are
// missing so fresh installs run both tasks promptly.
func NewScheduler(path string, logger *slog.Logger) *Scheduler {
	s := &Scheduler{path: path, logger: logger}

	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &s.state); err != nil {
			logger.Warn("schedule file corrupt, resetting", "path", path, "error", err)
			s.state = scheduleState{}
		}
	}

	now := time.Now().UTC()
	changed := false
	if s.state.DefinitionsCheckDue.IsZero() {
		s.state.DefinitionsCheckDue = now
		changed = true
	}
	if s.state.WeeklyScanDue.IsZero() {
		s.state.WeeklyScanDue = now.Add(time.Hour)
		changed = true
	}
	if changed {
		s.persistLocked()
	}
	return s
}

// DefinitionsCheckDue reports whether a definitions check is due.
func (s *Scheduler) DefinitionsCheckDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.state.DefinitionsCheckDue)
}

// WeeklyScanDue reports whether the weekly quick scan is due.
func (s *Scheduler) WeeklyScanDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.state.WeeklyScanDue)
}

// MarkDefinitionsChecked advances the next definitions check.
func (s *Scheduler) MarkDefinitionsChecked(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DefinitionsCheckDue = now.Add(definitionsCheckEvery)
	s.persistLocked()
}

// MarkWeeklyScanRun advances the next weekly scan.
func (s *Scheduler) MarkWeeklyScanRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.WeeklyScanDue = now.Add(weeklyScanEvery)
	s.persistLocked()
}

// NextDue returns both due times for status display.
func (s *Scheduler) NextDue() (definitions, scan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DefinitionsCheckDue, s.state.WeeklyScanDue
}

func (s *Scheduler) persistLocked() {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return
	}
	if err := safefile.WriteAtomic(s.path, b, 0o600); err != nil {
		s.logger.Warn("persisting schedule", "path", s.path, "error", err)
	}
}
