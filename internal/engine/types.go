// Package engine orchestrates multi-phase threat scans: pattern
// matching against the active signature set, junk and privacy sweeps,
// and post-pass escalation of suspicious hits to the intelligence
// client. At most one scan runs at a time.
package engine

import (
	"context"
	"time"

	"github.com/vigilsec/vigil/internal/intel"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/sigdb"
)

// ScanType selects a scan strategy.
type ScanType string

const (
	ScanQuick   ScanType = "quick"
	ScanFull    ScanType = "full"
	ScanCustom  ScanType = "custom"
	ScanJunk    ScanType = "junk"
	ScanPrivacy ScanType = "privacy"
)

// ScanStatus is the job state machine. A job leaves Running for exactly
// one of the three terminal states.
type ScanStatus string

const (
	StatusIdle      ScanStatus = "idle"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusCancelled ScanStatus = "cancelled"
	StatusFailed    ScanStatus = "failed"
)

// Finding is one detected issue.
type Finding struct {
	Category    string                `json:"category"`
	Severity    ledger.Severity       `json:"severity"`
	Title       string                `json:"title"`
	Path        string                `json:"path,omitempty"`
	SizeBytes   int64                 `json:"size_bytes,omitempty"`
	SignatureID string                `json:"signature_id,omitempty"`
	Hash        string                `json:"hash,omitempty"`
	Removable   bool                  `json:"removable"`
	Advisory    bool                  `json:"advisory,omitempty"`
	Confidence  float64               `json:"confidence"`
	Evidence    []ledger.EvidenceItem `json:"evidence,omitempty"`
}

// Job is the state of one scan. Snapshots of it are broadcast to
// subscribers as the scan progresses.
type Job struct {
	ID           string     `json:"id"`
	Type         ScanType   `json:"type"`
	Status       ScanStatus `json:"status"`
	Progress     int        `json:"progress"` // 0..100, monotonic
	FilesScanned int        `json:"files_scanned"`
	CurrentItem  string     `json:"current_item,omitempty"`
	Findings     []Finding  `json:"findings"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Oracle is the pure signature-matching collaborator. *sigdb.Set
// satisfies it; tests substitute fakes.
type Oracle interface {
	MatchFileName(name string) *sigdb.Signature
	MatchProcessName(name string) *sigdb.Signature
	MatchContent(sample []byte) *sigdb.Signature
}

// IntelLookup escalates a hash to external verification. *intel.Client
// satisfies it.
type IntelLookup interface {
	Lookup(ctx context.Context, hash string) intel.Report
}

// DeepScanner is the delegate behind the Full scan type.
type DeepScanner interface {
	Scan(ctx context.Context, emit func(Finding), progress func(pct int, item string)) error
}

// NotifyType distinguishes engine notifications.
type NotifyType string

const (
	NotifyJobUpdated      NotifyType = "job_updated"
	NotifyFindingDetected NotifyType = "finding_detected"
)

// Notification is broadcast on job progress and new findings.
type Notification struct {
	Type    NotifyType
	Job     Job
	Finding *Finding
}
