// Package watcher holds the state watchers: each maintains a baseline
// snapshot of one OS facet (hosts file, startup registrations,
// scheduled tasks), periodically recomputes it, and turns differences
// into ledger events with tailored remediation actions.
package watcher

import "sort"

// ChangeType classifies one diffed entity.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one entity-level difference between two snapshots.
type Change struct {
	Type ChangeType
	Key  string
	Old  string
	New  string
}

// Snapshot maps a stable entity key (file path, registry value name,
// task path) to its observed attributes. Replaced wholesale each poll.
type Snapshot map[string]string

// Diff compares a baseline snapshot against a fresh one and classifies
// every entity as Added, Modified, or Removed. Output is sorted by key
// so event ordering is deterministic.
func Diff(baseline, current Snapshot) []Change {
	var changes []Change

	for key, newVal := range current {
		oldVal, existed := baseline[key]
		switch {
		case !existed:
			changes = append(changes, Change{Type: Added, Key: key, New: newVal})
		case oldVal != newVal:
			changes = append(changes, Change{Type: Modified, Key: key, Old: oldVal, New: newVal})
		}
	}
	for key, oldVal := range baseline {
		if _, exists := current[key]; !exists {
			changes = append(changes, Change{Type: Removed, Key: key, Old: oldVal})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Key != changes[j].Key {
			return changes[i].Key < changes[j].Key
		}
		return changes[i].Type < changes[j].Type
	})
	return changes
}

// LineDiff computes the set difference of two newline-separated texts,
// returning lines present only in b (added) and only in a (removed).
// Duplicate lines count once; this is a summary, not a patch.
func LineDiff(a, b string) (added, removed []string) {
	oldSet := lineSet(a)
	newSet := lineSet(b)

	for line := range newSet {
		if _, ok := oldSet[line]; !ok {
			added = append(added, line)
		}
	}
	for line := range oldSet {
		if _, ok := newSet[line]; !ok {
			removed = append(removed, line)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func lineSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			line := text[start:i]
			if line != "" && line != "\r" {
				if line[len(line)-1] == '\r' {
					line = line[:len(line)-1]
				}
				set[line] = struct{}{}
			}
			start = i + 1
		}
	}
	return set
}
