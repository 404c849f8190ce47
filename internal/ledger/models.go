// Package ledger holds the capped, persisted record of detected
// system-state changes and their remediation. Watchers and the scan
// engine append events; the suite coordinator executes their actions.
package ledger

import "time"

// Severity grades an event or finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to a comparable number.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Category identifies which facet of the system an event concerns.
type Category string

const (
	CategoryHosts      Category = "hosts"
	CategoryStartup    Category = "startup"
	CategoryTasks      Category = "tasks"
	CategoryScan       Category = "scan"
	CategoryQuarantine Category = "quarantine"
)

// ActionKind enumerates what an offered action does.
type ActionKind string

const (
	ActionRevert  ActionKind = "revert"
	ActionDelete  ActionKind = "delete"
	ActionBlock   ActionKind = "block"
	ActionAllow   ActionKind = "allow"
	ActionInspect ActionKind = "inspect"
	ActionDismiss ActionKind = "dismiss"
)

// Resolves reports whether executing an action of this kind marks the
// event resolved. Inspect is read-only and leaves the event open.
func (k ActionKind) Resolves() bool {
	return k != ActionInspect
}

// Action is a remediation offered on an event.
type Action struct {
	Label        string     `json:"label"`
	Kind         ActionKind `json:"kind"`
	NeedsConfirm bool       `json:"needs_confirm,omitempty"`
}

// EvidenceItem is one key/value pair supporting an event. IsPath marks
// values that reference filesystem locations so consumers can link them.
type EvidenceItem struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	IsPath bool   `json:"is_path,omitempty"`
}

// RevertKind tags the revert payload union.
type RevertKind string

const (
	RevertHostsFile   RevertKind = "hosts_file"
	RevertRegistry    RevertKind = "registry"
	RevertTask        RevertKind = "task"
	RevertGenericFile RevertKind = "generic_file"
)

// HostsFileRevert restores the hosts file from a backup copy.
type HostsFileRevert struct {
	BackupPath string `json:"backup_path"`
	TargetPath string `json:"target_path"`
}

// RegistryRevert restores a startup registration to its previous value.
type RegistryRevert struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Hive     string `json:"hive,omitempty"`
	OldValue string `json:"old_value"`
}

// TaskRevert undoes a scheduled-task change.
type TaskRevert struct {
	Change string `json:"change"` // TaskAdd, TaskModify, TaskRemove
	Name   string `json:"name"`
	Path   string `json:"path"`
	Folder string `json:"folder,omitempty"`
}

// GenericFileRevert restores an arbitrary file from a backup copy.
type GenericFileRevert struct {
	BackupPath string `json:"backup_path"`
	TargetPath string `json:"target_path"`
}

// RevertPayload is the tagged union carried on an event so the revert
// handler can dispatch without inspecting titles or free text.
type RevertPayload struct {
	Kind     RevertKind         `json:"kind"`
	Hosts    *HostsFileRevert   `json:"hosts,omitempty"`
	Registry *RegistryRevert    `json:"registry,omitempty"`
	Task     *TaskRevert        `json:"task,omitempty"`
	File     *GenericFileRevert `json:"file,omitempty"`
}

// Resolution records how an event was closed. Write-once.
type Resolution struct {
	ActionLabel string    `json:"action_label"`
	Result      string    `json:"result"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Event is one detected change. Immutable after creation except for the
// Resolution fields, which are set exactly once by ExecuteAction.
type Event struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	Title      string         `json:"title"`
	Rationale  string         `json:"rationale,omitempty"`
	Evidence   []EvidenceItem `json:"evidence,omitempty"`
	Revert     *RevertPayload `json:"revert,omitempty"`
	Actions    []Action       `json:"actions,omitempty"`
	Resolution *Resolution    `json:"resolution,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Resolved reports whether the event has been closed.
func (e *Event) Resolved() bool {
	return e.Resolution != nil
}
