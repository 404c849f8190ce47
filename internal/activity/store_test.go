package activity

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "activity.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLogAndQuery(t *testing.T) {
	store := newTestStore(t)

	store.Log(Entry{
		ID:        "a1",
		Timestamp: "2026-08-20T10:00:00Z",
		Kind:      "event_added",
		Category:  "hosts",
		Severity:  "high",
		Title:     "Hosts file modified",
		RefID:     "ev-1",
	})
	store.Log(Entry{
		ID:        "a2",
		Timestamp: "2026-08-20T10:01:00Z",
		Kind:      "scan_finished",
		Title:     "Quick scan completed",
		Detail:    "3 findings",
		RefID:     "job-1",
	})
	store.Flush()

	entries, err := store.Query(QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].ID != "a2" {
		t.Errorf("first entry = %q, want a2", entries[0].ID)
	}

	byKind, err := store.Query(QueryOpts{Kind: "event_added"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKind) != 1 || byKind[0].Category != "hosts" {
		t.Errorf("kind filter = %+v", byKind)
	}

	byRef, err := store.Query(QueryOpts{RefID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRef) != 1 || byRef[0].Detail != "3 findings" {
		t.Errorf("ref filter = %+v", byRef)
	}
}

func TestLogFillsIDAndTimestamp(t *testing.T) {
	store := newTestStore(t)

	store.Log(Entry{Kind: "quarantine", Title: "File quarantined"})
	store.Flush()

	entries, err := store.Query(QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID == "" || entries[0].Timestamp == "" {
		t.Errorf("missing generated fields: %+v", entries[0])
	}
}

func TestQuerySince(t *testing.T) {
	store := newTestStore(t)

	store.Log(Entry{ID: "old", Timestamp: "2026-08-01T00:00:00Z", Kind: "finding", Title: "old"})
	store.Log(Entry{ID: "new", Timestamp: "2026-08-20T00:00:00Z", Kind: "finding", Title: "new"})
	store.Flush()

	entries, err := store.Query(QueryOpts{Since: "2026-08-10T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "new" {
		t.Errorf("since filter = %+v", entries)
	}
}

func TestQueryStats(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Format(time.RFC3339)

	store.Log(Entry{Timestamp: now, Kind: "finding", Title: "f1"})
	store.Log(Entry{Timestamp: now, Kind: "finding", Title: "f2"})
	store.Log(Entry{Timestamp: now, Kind: "quarantine", Title: "q1"})
	store.Flush()

	stats, err := store.QueryStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByKind["finding"] != 2 || stats.ByKind["quarantine"] != 1 {
		t.Errorf("by kind = %+v", stats.ByKind)
	}
}

func TestHubBroadcast(t *testing.T) {
	store := newTestStore(t)
	ch := store.Hub.Subscribe()
	defer store.Hub.Unsubscribe(ch)

	store.Log(Entry{ID: "hub1", Kind: "revert", Title: "Hosts file restored"})
	store.Flush()

	select {
	case e := <-ch:
		if e.ID != "hub1" {
			t.Errorf("broadcast entry ID = %q, want hub1", e.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestEntryJSON(t *testing.T) {
	b := EntryJSON(Entry{ID: "j1", Kind: "finding", Title: "t"})
	if len(b) == 0 {
		t.Fatal("empty JSON")
	}
	if string(b[0]) != "{" {
		t.Errorf("unexpected JSON: %s", b)
	}
}
