package suite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
	"github.com/vigilsec/vigil/internal/safefile"
)

// disabledSuffix marks a neutralized startup entry or task definition.
// Renaming keeps the file recoverable while stopping the OS from
// loading it.
const disabledSuffix = ".disabled"

// registerHandlers installs one executor per action kind. Handlers
// return (message, error); the ledger converts errors and panics into
// failure results and only resolves the event on success.
func (s *Suite) registerHandlers() {
	s.Ledger.RegisterHandler(ledger.ActionRevert, s.handleRevert)
	s.Ledger.RegisterHandler(ledger.ActionBlock, s.handleBlock)
	s.Ledger.RegisterHandler(ledger.ActionDelete, s.handleDelete)
	s.Ledger.RegisterHandler(ledger.ActionAllow, s.handleAllow)
	s.Ledger.RegisterHandler(ledger.ActionInspect, s.handleInspect)
	s.Ledger.RegisterHandler(ledger.ActionDismiss, s.handleDismiss)
}

// handleRevert dispatches on the event's typed revert payload.
func (s *Suite) handleRevert(ev *ledger.Event, _ ledger.Action) (string, error) {
	if ev.Revert == nil {
		return "", fmt.Errorf("no revert information recorded for this event")
	}

	switch ev.Revert.Kind {
	case ledger.RevertHostsFile:
		return s.Hosts.RestoreBackup()

	case ledger.RevertRegistry:
		reg := ev.Revert.Registry
		if reg == nil {
			return "", fmt.Errorf("revert payload incomplete")
		}
		if err := s.disableEntry(ev.Category, reg.Path); err != nil {
			return "", err
		}
		return fmt.Sprintf("Disabled startup entry %s", reg.Name), nil

	case ledger.RevertTask:
		task := ev.Revert.Task
		if task == nil {
			return "", fmt.Errorf("revert payload incomplete")
		}
		if task.Change == "TaskRemove" {
			return "", fmt.Errorf("cannot restore a removed task without a backup copy")
		}
		if err := s.disableEntry(ev.Category, task.Path); err != nil {
			return "", err
		}
		return fmt.Sprintf("Disabled scheduled task %s", task.Name), nil

	case ledger.RevertGenericFile:
		gf := ev.Revert.File
		if gf == nil {
			return "", fmt.Errorf("revert payload incomplete")
		}
		backup, err := safefile.ReadFile(gf.BackupPath)
		if err != nil {
			return "", fmt.Errorf("reading backup: %w", err)
		}
		if err := safefile.WriteAtomic(gf.TargetPath, backup, 0o644); err != nil {
			return "", permissionError(err, "restoring file")
		}
		return fmt.Sprintf("Restored %s from backup", gf.TargetPath), nil

	default:
		return "", fmt.Errorf("unsupported revert kind %q", ev.Revert.Kind)
	}
}

// handleBlock neutralizes the flagged entry by renaming it aside.
func (s *Suite) handleBlock(ev *ledger.Event, _ ledger.Action) (string, error) {
	path, err := eventPath(ev)
	if err != nil {
		return "", err
	}
	if err := s.disableEntry(ev.Category, path); err != nil {
		return "", err
	}
	return fmt.Sprintf("Disabled %s", filepath.Base(path)), nil
}

// handleDelete moves the flagged file into quarantine rather than
// unlinking it, so the action stays reversible.
func (s *Suite) handleDelete(ev *ledger.Event, _ ledger.Action) (string, error) {
	path, err := eventPath(ev)
	if err != nil {
		return "", err
	}
	item, err := s.Quarantine.Quarantine(path, quarantine.ThreatMeta{
		Name:     ev.Title,
		Severity: ev.Severity,
	})
	if err != nil {
		return "", err
	}
	s.rebaseline(ev.Category, path)
	return fmt.Sprintf("Moved %s to quarantine (%s)", filepath.Base(path), item.ID), nil
}

// handleAllow accepts the observed change as the new known-good state.
func (s *Suite) handleAllow(ev *ledger.Event, _ ledger.Action) (string, error) {
	switch ev.Category {
	case ledger.CategoryHosts:
		if err := s.Hosts.Allow(); err != nil {
			return "", err
		}
		return "Hosts file change accepted; backup updated", nil
	case ledger.CategoryStartup, ledger.CategoryTasks:
		path, err := eventPath(ev)
		if err != nil {
			return "", err
		}
		s.rebaseline(ev.Category, path)
		return fmt.Sprintf("Change to %s accepted", filepath.Base(path)), nil
	default:
		return "Change accepted", nil
	}
}

// handleInspect summarizes the evidence. Read-only: the event stays
// open.
func (s *Suite) handleInspect(ev *ledger.Event, _ ledger.Action) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s/%s]", ev.Title, ev.Category, ev.Severity)
	for _, item := range ev.Evidence {
		fmt.Fprintf(&b, "\n  %s: %s", item.Key, item.Value)
	}
	if ev.Rationale != "" {
		fmt.Fprintf(&b, "\n  why: %s", ev.Rationale)
	}
	return b.String(), nil
}

func (s *Suite) handleDismiss(ev *ledger.Event, _ ledger.Action) (string, error) {
	return "Dismissed", nil
}

// disableEntry renames the file aside and re-baselines the owning
// watcher so neither the disappearance nor the renamed file produces a
// follow-up event.
func (s *Suite) disableEntry(category ledger.Category, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	disabled := path + disabledSuffix
	if err := os.Rename(path, disabled); err != nil {
		return permissionError(err, "disabling entry")
	}
	s.rebaseline(category, path)
	s.rebaseline(category, disabled)
	return nil
}

// rebaseline tells the owning poller to absorb the current state of one
// entity.
func (s *Suite) rebaseline(category ledger.Category, path string) {
	switch category {
	case ledger.CategoryStartup:
		s.Startup.Allow(path)
	case ledger.CategoryTasks:
		s.Tasks.Allow(path)
	}
}

// eventPath extracts the filesystem target of an event from its payload
// or evidence.
func eventPath(ev *ledger.Event) (string, error) {
	if ev.Revert != nil {
		switch {
		case ev.Revert.Registry != nil:
			return ev.Revert.Registry.Path, nil
		case ev.Revert.Task != nil:
			return ev.Revert.Task.Path, nil
		case ev.Revert.File != nil:
			return ev.Revert.File.TargetPath, nil
		case ev.Revert.Hosts != nil:
			return ev.Revert.Hosts.TargetPath, nil
		}
	}
	for _, item := range ev.Evidence {
		if item.Key == "path" && item.IsPath {
			return item.Value, nil
		}
	}
	return "", fmt.Errorf("event carries no file path")
}

func permissionError(err error, doing string) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("administrator privileges required")
	}
	return fmt.Errorf("%s: %w", doing, err)
}
