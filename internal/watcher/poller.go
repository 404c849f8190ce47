package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigilsec/vigil/internal/ledger"
)

// revertBuilder produces the typed revert payload for one change.
type revertBuilder func(Change) *ledger.RevertPayload

// Poller watches one snapshot source on a fixed interval and appends a
// ledger event for every diffed change. A failed poll tick is logged
// and retried at the next interval; the poller never stops on error.
type Poller struct {
	name     string
	noun     string
	category ledger.Category
	source   Source
	interval time.Duration
	store    *ledger.Store
	logger   *slog.Logger
	revert   revertBuilder

	mu       sync.Mutex
	baseline Snapshot
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewStartupPoller watches startup registrations.
func NewStartupPoller(source Source, interval time.Duration, store *ledger.Store, logger *slog.Logger) *Poller {
	return &Poller{
		name:     "startup-watcher",
		noun:     "startup entry",
		category: ledger.CategoryStartup,
		source:   source,
		interval: interval,
		store:    store,
		logger:   logger,
		revert: func(c Change) *ledger.RevertPayload {
			return &ledger.RevertPayload{
				Kind: ledger.RevertRegistry,
				Registry: &ledger.RegistryRevert{
					Name:     filepath.Base(c.Key),
					Path:     c.Key,
					OldValue: c.Old,
				},
			}
		},
	}
}

// NewTaskPoller watches scheduled-task definitions.
func NewTaskPoller(source Source, interval time.Duration, store *ledger.Store, logger *slog.Logger) *Poller {
	return &Poller{
		name:     "task-watcher",
		noun:     "scheduled task",
		category: ledger.CategoryTasks,
		source:   source,
		interval: interval,
		store:    store,
		logger:   logger,
		revert: func(c Change) *ledger.RevertPayload {
			change := map[ChangeType]string{
				Added:    "TaskAdd",
				Modified: "TaskModify",
				Removed:  "TaskRemove",
			}[c.Type]
			return &ledger.RevertPayload{
				Kind: ledger.RevertTask,
				Task: &ledger.TaskRevert{
					Change: change,
					Name:   filepath.Base(c.Key),
					Path:   c.Key,
					Folder: filepath.Dir(c.Key),
				},
			}
		},
	}
}

// Start captures the baseline snapshot and begins periodic monitoring.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%s already running", p.name)
	}

	baseline, err := p.source.Snapshot()
	if err != nil {
		// Baseline capture failed; start anyway and let the first
		// healthy tick establish it without emitting events.
		p.logger.Warn("baseline capture failed, deferring to first poll", "watcher", p.name, "error", err)
		baseline = nil
	}
	p.baseline = baseline
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop()
	p.logger.Info("watcher started", "watcher", p.name, "interval", p.interval, "entries", len(baseline))
	return nil
}

// Stop halts monitoring. An in-flight tick may still finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done
}

// Running reports whether the poller is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick recomputes the snapshot, diffs it against the baseline, emits
// events, and replaces the baseline wholesale.
func (p *Poller) tick() {
	current, err := p.source.Snapshot()
	if err != nil {
		p.logger.Warn("poll failed, retrying next tick", "watcher", p.name, "error", err)
		return
	}

	p.mu.Lock()
	baseline := p.baseline
	p.baseline = current
	p.mu.Unlock()

	if baseline == nil {
		// First healthy tick after a failed baseline capture.
		return
	}

	for _, change := range Diff(baseline, current) {
		p.store.AddEvent(p.buildEvent(change))
	}
}

// Allow re-baselines one entity so an accepted change stops diffing.
// Called by the suite's Allow handler.
func (p *Poller) Allow(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.baseline == nil {
		return
	}
	if digest, err := digestFile(key, 1<<20); err == nil {
		p.baseline[key] = digest
	} else {
		delete(p.baseline, key)
	}
}

func (p *Poller) buildEvent(c Change) ledger.Event {
	base := filepath.Base(c.Key)
	ev := ledger.Event{
		Category: p.category,
		Revert:   p.revert(c),
		Evidence: []ledger.EvidenceItem{
			{Key: "path", Value: c.Key, IsPath: true},
		},
	}

	switch c.Type {
	case Added:
		ev.Severity = ledger.SeverityHigh
		ev.Title = fmt.Sprintf("New %s detected: %s", p.noun, base)
		ev.Rationale = fmt.Sprintf("A %s appeared that was not present at the last check. Malware commonly registers itself here to survive reboots.", p.noun)
		ev.Evidence = append(ev.Evidence, ledger.EvidenceItem{Key: "digest", Value: c.New})
		ev.Actions = []ledger.Action{
			{Label: "Disable", Kind: ledger.ActionBlock},
			{Label: "Delete", Kind: ledger.ActionDelete, NeedsConfirm: true},
			{Label: "Allow", Kind: ledger.ActionAllow},
		}
	case Modified:
		ev.Severity = ledger.SeverityMedium
		ev.Title = fmt.Sprintf("%s modified: %s", titleNoun(p.noun), base)
		ev.Rationale = fmt.Sprintf("An existing %s changed its contents. Verify the change was intentional.", p.noun)
		ev.Evidence = append(ev.Evidence,
			ledger.EvidenceItem{Key: "old_digest", Value: c.Old},
			ledger.EvidenceItem{Key: "new_digest", Value: c.New},
		)
		ev.Actions = []ledger.Action{
			{Label: "Disable", Kind: ledger.ActionBlock},
			{Label: "Allow", Kind: ledger.ActionAllow},
		}
	case Removed:
		ev.Severity = ledger.SeverityInfo
		ev.Title = fmt.Sprintf("%s removed: %s", titleNoun(p.noun), base)
		ev.Rationale = fmt.Sprintf("A %s was removed. Informational only.", p.noun)
		ev.Evidence = append(ev.Evidence, ledger.EvidenceItem{Key: "old_digest", Value: c.Old})
	}
	return ev
}

func titleNoun(noun string) string {
	if noun == "" {
		return noun
	}
	return string(noun[0]-'a'+'A') + noun[1:]
}
