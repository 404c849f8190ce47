// Package activity persists the suite's chronological activity feed in
// SQLite. Writes are asynchronous through a buffered channel so callers
// on hot paths never block on disk.
package activity

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	kind TEXT NOT NULL,
	category TEXT,
	severity TEXT,
	title TEXT NOT NULL,
	detail TEXT,
	ref_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity_log(kind);
CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_ref ON activity_log(ref_id);
`

type writeReq struct {
	entry Entry
	flush chan struct{}
}

// Store manages the SQLite activity database.
type Store struct {
	db     *sql.DB
	writes chan writeReq
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error

	Hub *Hub
}

// NewStore opens (or creates) the activity database.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening activity db: %w", err)
	}

	// WAL keeps reads cheap while the write loop runs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, 256),
		done:   make(chan struct{}),
		logger: logger,
		Hub:    NewHub(),
	}

	go s.writeLoop()
	return s, nil
}

// Log enqueues an entry for async writing, filling ID and Timestamp if
// unset. A full buffer drops the entry rather than blocking the caller.
func (s *Store) Log(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	select {
	case s.writes <- writeReq{entry: entry}:
	default:
		s.logger.Warn("activity write buffer full, dropping entry", "kind", entry.Kind, "title", entry.Title)
	}
}

// Flush blocks until every entry enqueued before the call is written.
func (s *Store) Flush() {
	fl := make(chan struct{})
	s.writes <- writeReq{flush: fl}
	<-fl
}

// Query returns activity entries matching the given filters, newest
// first.
func (s *Store) Query(opts QueryOpts) ([]Entry, error) {
	query := "SELECT id, timestamp, kind, category, severity, title, detail, ref_id FROM activity_log WHERE 1=1"
	var args []any

	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, opts.Category)
	}
	if opts.RefID != "" {
		query += " AND ref_id = ?"
		args = append(args, opts.RefID)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var category, severity, detail, ref sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &category, &severity, &e.Title, &detail, &ref); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Category = category.String
		e.Severity = severity.String
		e.Detail = detail.String
		e.RefID = ref.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueryStats returns total and per-kind counts.
func (s *Store) QueryStats() (Stats, error) {
	rows, err := s.db.Query("SELECT kind, COUNT(*) FROM activity_log GROUP BY kind")
	if err != nil {
		return Stats{}, fmt.Errorf("querying activity stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := Stats{ByKind: make(map[string]int)}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning row: %w", err)
		}
		stats.ByKind[kind] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// Close flushes pending writes and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.writes)
		<-s.done
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		e := req.entry
		_, err := s.db.Exec(
			`INSERT INTO activity_log (id, timestamp, kind, category, severity, title, detail, ref_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Timestamp, e.Kind, e.Category, e.Severity, e.Title, e.Detail, e.RefID,
		)
		if err != nil {
			s.logger.Error("activity write failed", "id", e.ID, "error", err)
			continue
		}
		s.Hub.Broadcast(e)
	}
}

// QueryOpts holds filters for activity log queries.
type QueryOpts struct {
	Kind     string
	Category string
	RefID    string
	Since    string
	Limit    int
}
