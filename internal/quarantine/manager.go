// Package quarantine isolates flagged files in an obfuscated blob
// store. Blobs hold the original bytes XORed against a machine-derived
// keystream; the index and audit log are rewritten atomically on every
// mutation.
package quarantine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/safefile"
)

const (
	// DefaultMaxSizeBytes is the largest file the manager will accept.
	DefaultMaxSizeBytes = 100 << 20

	blobExt         = ".vq"
	maxAuditEntries = 100
)

// Status tracks an item through its lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusRestored Status = "restored"
	StatusDeleted  Status = "deleted"
)

// ThreatMeta describes why a file was quarantined.
type ThreatMeta struct {
	Name        string          `json:"name"`
	SignatureID string          `json:"signature_id,omitempty"`
	Severity    ledger.Severity `json:"severity"`
}

// Item is one quarantined file. While Active, plaintext content exists
// only transiently in memory.
type Item struct {
	ID            string      `json:"id"`
	OriginalPath  string      `json:"original_path"`
	BlobPath      string      `json:"blob_path"`
	Hash          string      `json:"hash"`
	SizeBytes     int64       `json:"size_bytes"`
	Mode          os.FileMode `json:"mode"`
	Threat        ThreatMeta  `json:"threat"`
	Status        Status      `json:"status"`
	QuarantinedAt time.Time   `json:"quarantined_at"`
	ResolvedAt    time.Time   `json:"resolved_at,omitempty"`
}

// AuditEntry records one mutation of the quarantine store.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	ItemID  string    `json:"item_id"`
	Path    string    `json:"path"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Manager owns the quarantine directory. Index mutations are serialized
// by mu; hashing and the XOR transform run outside the lock.
type Manager struct {
	dir       string
	indexPath string
	auditPath string
	maxSize   int64
	seed      []byte
	logger    *slog.Logger

	// Notify, when set, is called after every successful mutation with
	// the affected item. It runs with the index lock held and must not
	// call back into the Manager.
	Notify func(Item)

	mu    sync.Mutex
	items []Item
}

// NewManager loads (or initializes) the quarantine store under dir.
func NewManager(dir string, maxSize int64, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating quarantine dir: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}
	m := &Manager{
		dir:       dir,
		indexPath: filepath.Join(dir, "index.json"),
		auditPath: filepath.Join(dir, "audit.json"),
		maxSize:   maxSize,
		seed:      deriveSeed(),
		logger:    logger,
	}
	if err := m.loadIndex(); err != nil {
		// A corrupt index must not brick quarantine; start empty but
		// keep existing blobs on disk for manual recovery.
		logger.Error("quarantine index unreadable, starting empty", "error", err)
		m.items = nil
	}
	return m, nil
}

// Quarantine isolates the file at path. The original is removed only
// after the obfuscated blob is durably in place.
func (m *Manager) Quarantine(path string, threat ThreatMeta) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return Item{}, fmt.Errorf("cannot quarantine a directory: %s", path)
	}
	if info.Size() > m.maxSize {
		return Item{}, fmt.Errorf("file exceeds quarantine size limit (%d > %d bytes)", info.Size(), m.maxSize)
	}
	if err := checkWritable(path); err != nil {
		return Item{}, err
	}

	m.mu.Lock()
	dup := m.findActiveByPathLocked(path)
	m.mu.Unlock()
	if dup != nil {
		return Item{}, fmt.Errorf("already quarantined: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.audit("quarantine", "", path, err)
		return Item{}, fmt.Errorf("reading file: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	transform(m.seed, data)

	item := Item{
		ID:            uuid.NewString(),
		OriginalPath:  path,
		Hash:          hash,
		SizeBytes:     info.Size(),
		Mode:          info.Mode().Perm(),
		Threat:        threat,
		Status:        StatusActive,
		QuarantinedAt: time.Now().UTC(),
	}
	item.BlobPath = filepath.Join(m.dir, item.ID+blobExt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findActiveByPathLocked(path) != nil {
		return Item{}, fmt.Errorf("already quarantined: %s", path)
	}
	if err := safefile.WriteAtomic(item.BlobPath, data, 0o600); err != nil {
		m.audit("quarantine", item.ID, path, err)
		return Item{}, fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Remove(path); err != nil {
		os.Remove(item.BlobPath)
		m.audit("quarantine", item.ID, path, err)
		return Item{}, fmt.Errorf("removing original: %w", err)
	}
	m.items = append(m.items, item)
	m.persistLocked()
	m.audit("quarantine", item.ID, path, nil)
	m.logger.Info("file quarantined", "path", path, "id", item.ID, "threat", threat.Name)
	m.notify(item)
	return item, nil
}

// Restore reverses the transform and writes the original bytes back to
// their original path.
func (m *Manager) Restore(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.findLocked(id)
	if item == nil {
		return "", fmt.Errorf("no quarantined item %s", id)
	}
	if item.Status != StatusActive {
		return "", fmt.Errorf("item is %s, not active", item.Status)
	}
	if _, err := os.Stat(item.BlobPath); err != nil {
		return "", fmt.Errorf("quarantine blob missing for %s", id)
	}
	if _, err := os.Stat(item.OriginalPath); err == nil {
		return "", fmt.Errorf("a file already exists at %s", item.OriginalPath)
	}

	data, err := os.ReadFile(item.BlobPath)
	if err != nil {
		m.audit("restore", id, item.OriginalPath, err)
		return "", fmt.Errorf("reading blob: %w", err)
	}
	transform(m.seed, data)
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != item.Hash {
		err := fmt.Errorf("blob integrity check failed for %s", id)
		m.audit("restore", id, item.OriginalPath, err)
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(item.OriginalPath), 0o755); err != nil {
		return "", fmt.Errorf("recreating parent directory: %w", err)
	}
	if err := safefile.WriteAtomic(item.OriginalPath, data, item.Mode); err != nil {
		m.audit("restore", id, item.OriginalPath, err)
		return "", fmt.Errorf("writing restored file: %w", err)
	}
	os.Remove(item.BlobPath)
	item.Status = StatusRestored
	item.ResolvedAt = time.Now().UTC()
	m.persistLocked()
	m.audit("restore", id, item.OriginalPath, nil)
	m.logger.Info("file restored", "path", item.OriginalPath, "id", id)
	m.notify(*item)
	return fmt.Sprintf("Restored %s", item.OriginalPath), nil
}

// DeletePermanently overwrites the blob with random data before
// unlinking. The overwrite is best-effort; the unlink is not.
func (m *Manager) DeletePermanently(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.findLocked(id)
	if item == nil {
		return "", fmt.Errorf("no quarantined item %s", id)
	}
	if item.Status != StatusActive {
		return "", fmt.Errorf("item is %s, not active", item.Status)
	}

	if err := shred(item.BlobPath, item.SizeBytes); err != nil {
		m.logger.Warn("secure overwrite failed, deleting plainly", "id", id, "error", err)
	}
	if err := os.Remove(item.BlobPath); err != nil && !os.IsNotExist(err) {
		m.audit("delete", id, item.OriginalPath, err)
		return "", fmt.Errorf("removing blob: %w", err)
	}
	item.Status = StatusDeleted
	item.ResolvedAt = time.Now().UTC()
	m.persistLocked()
	m.audit("delete", id, item.OriginalPath, nil)
	m.logger.Info("quarantined file deleted", "id", id, "path", item.OriginalPath)
	m.notify(*item)
	return fmt.Sprintf("Permanently deleted %s", filepath.Base(item.OriginalPath)), nil
}

// Items returns a snapshot of all records, newest first.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ActiveSize is the total size of all actively quarantined content.
func (m *Manager) ActiveSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, it := range m.items {
		if it.Status == StatusActive {
			total += it.SizeBytes
		}
	}
	return total
}

// AuditLog returns the persisted audit entries, oldest first.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readAuditLocked()
}

func (m *Manager) findLocked(id string) *Item {
	for i := range m.items {
		if m.items[i].ID == id {
			return &m.items[i]
		}
	}
	return nil
}

func (m *Manager) findActiveByPathLocked(path string) *Item {
	for i := range m.items {
		if m.items[i].Status == StatusActive && m.items[i].OriginalPath == path {
			return &m.items[i]
		}
	}
	return nil
}

func (m *Manager) loadIndex() error {
	b, err := os.ReadFile(m.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &m.items)
}

func (m *Manager) persistLocked() {
	b, err := json.MarshalIndent(m.items, "", "  ")
	if err != nil {
		m.logger.Error("marshaling quarantine index", "error", err)
		return
	}
	if err := safefile.WriteAtomic(m.indexPath, b, 0o600); err != nil {
		m.logger.Error("persisting quarantine index", "error", err)
	}
}

// audit appends one entry, trimming to the newest maxAuditEntries.
// Callers hold mu except during the pre-lock read failure path, where a
// lost entry is acceptable.
func (m *Manager) audit(action, id, path string, opErr error) {
	entry := AuditEntry{
		Time:    time.Now().UTC(),
		Action:  action,
		ItemID:  id,
		Path:    path,
		Success: opErr == nil,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	entries := m.readAuditLocked()
	entries = append(entries, entry)
	if len(entries) > maxAuditEntries {
		entries = entries[len(entries)-maxAuditEntries:]
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	if err := safefile.WriteAtomic(m.auditPath, b, 0o600); err != nil {
		m.logger.Warn("persisting quarantine audit log", "error", err)
	}
}

func (m *Manager) readAuditLocked() []AuditEntry {
	b, err := os.ReadFile(m.auditPath)
	if err != nil {
		return nil
	}
	var entries []AuditEntry
	if json.Unmarshal(b, &entries) != nil {
		return nil
	}
	return entries
}

func (m *Manager) notify(item Item) {
	if m.Notify != nil {
		m.Notify(item)
	}
}

// checkWritable detects files the manager cannot take ownership of. A
// permission failure surfaces as an elevation hint, anything else as an
// exclusive lock held elsewhere.
func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("administrator privileges required to quarantine %s", path)
		}
		return fmt.Errorf("file is locked by another process: %s", path)
	}
	return f.Close()
}

// shred overwrites the file with random bytes and syncs. Failure is
// reported, not fatal.
func shred(path string, size int64) error {
	if size <= 0 {
		return nil
	}
	noise := make([]byte, size)
	if _, err := rand.Read(noise); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(noise, 0); err != nil {
		return err
	}
	return f.Sync()
}
