package sigdb

import (
	"encoding/json"
	"time"

	"github.com/vigilsec/vigil/internal/safefile"
)

// maxAuditEntries bounds the update audit log.
const maxAuditEntries = 100

// AuditEntry records one update attempt, success or failure.
type AuditEntry struct {
	Time     time.Time     `json:"time"`
	Action   string        `json:"action"` // check, apply, apply_embedded, rollback
	Version  string        `json:"version,omitempty"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// appendAudit appends an entry to the bounded audit log, newest first.
// The read-modify-write runs under mu so concurrent attempts cannot
// drop each other's entries. Audit failures are logged but never fail
// the update they describe.
func (m *Manager) appendAudit(e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.readAudit()
	entries = append([]AuditEntry{e}, entries...)
	if len(entries) > maxAuditEntries {
		entries = entries[:maxAuditEntries]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		m.logger.Error("marshaling definitions audit", "error", err)
		return
	}
	if err := safefile.WriteAtomic(m.auditPath(), data, 0o600); err != nil {
		m.logger.Error("writing definitions audit", "error", err)
	}
}

func (m *Manager) readAudit() []AuditEntry {
	data, err := safefile.ReadFileMax(m.auditPath(), 4<<20)
	if err != nil {
		return nil
	}
	var entries []AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		m.logger.Warn("definitions audit corrupt, resetting", "error", err)
		return nil
	}
	return entries
}

// AuditLog returns the update history, newest first.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readAudit()
}
