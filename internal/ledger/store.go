package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/internal/safefile"
)

// MaxEvents caps the ledger. Oldest events are evicted on overflow.
const MaxEvents = 500

// maxLedgerBytes bounds how large a ledger file we will load back.
const maxLedgerBytes = 32 << 20

// Handler executes one action kind against an event and returns a
// human-readable outcome.
type Handler func(ev *Event, act Action) (string, error)

// ActionResult is what ExecuteAction reports back to the caller. It is
// always populated; action execution never panics across this boundary.
type ActionResult struct {
	Success bool
	Message string
}

// NotifyType distinguishes ledger notifications.
type NotifyType string

const (
	NotifyEventAdded    NotifyType = "event_added"
	NotifyEventResolved NotifyType = "event_resolved"
)

// Notification is broadcast to subscribers on ledger mutations.
type Notification struct {
	Type  NotifyType
	Event Event
}

// Store is the persisted, capped event ledger. All mutation goes through
// a single mutex so concurrent watcher appends cannot interleave writes
// to the backing file.
type Store struct {
	mu       sync.Mutex
	path     string
	events   []*Event // newest first
	handlers map[ActionKind]Handler
	logger   *slog.Logger

	subMu sync.Mutex
	subs  map[chan Notification]struct{}
}

// NewStore opens the ledger at path. A missing or unreadable file is
// logged and treated as an empty ledger, never a startup failure.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:     path,
		handlers: make(map[ActionKind]Handler),
		logger:   logger,
		subs:     make(map[chan Notification]struct{}),
	}

	data, err := safefile.ReadFileMax(path, maxLedgerBytes)
	if err != nil {
		logger.Info("starting with empty ledger", "path", path, "reason", err)
		return s
	}
	if err := json.Unmarshal(data, &s.events); err != nil {
		logger.Warn("ledger file corrupt, starting empty", "path", path, "error", err)
		s.events = nil
	}
	if len(s.events) > MaxEvents {
		s.events = s.events[:MaxEvents]
	}
	return s
}

// RegisterHandler installs the executor for one action kind. The suite
// coordinator registers these at wiring time; unregistered kinds fail
// with a clear message instead of panicking.
func (s *Store) RegisterHandler(kind ActionKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// AddEvent assigns an id and timestamp if absent, inserts the event at
// the head, trims to the cap, persists, and notifies subscribers.
func (s *Store) AddEvent(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.events = append([]*Event{&ev}, s.events...)
	if len(s.events) > MaxEvents {
		s.events = s.events[:MaxEvents]
	}
	s.persistLocked()
	s.mu.Unlock()

	s.broadcast(Notification{Type: NotifyEventAdded, Event: ev})
	return ev
}

// ExecuteAction runs the named action on the event. Every kind except
// Inspect marks the event resolved on success. Handler panics and errors
// are converted into a failure result; this method never panics.
func (s *Store) ExecuteAction(eventID, actionLabel string) ActionResult {
	s.mu.Lock()
	ev := s.findLocked(eventID)
	if ev == nil {
		s.mu.Unlock()
		return ActionResult{Message: fmt.Sprintf("event %s not found", eventID)}
	}
	var act *Action
	for i := range ev.Actions {
		if ev.Actions[i].Label == actionLabel {
			act = &ev.Actions[i]
			break
		}
	}
	if act == nil {
		s.mu.Unlock()
		return ActionResult{Message: fmt.Sprintf("event %s offers no action %q", eventID, actionLabel)}
	}
	if ev.Resolved() && act.Kind.Resolves() {
		s.mu.Unlock()
		return ActionResult{Message: fmt.Sprintf("event already resolved by %q", ev.Resolution.ActionLabel)}
	}
	handler := s.handlers[act.Kind]
	evCopy := *ev
	actCopy := *act
	s.mu.Unlock()

	if handler == nil {
		return ActionResult{Message: fmt.Sprintf("no handler registered for action kind %q", act.Kind)}
	}

	outcome, err := runHandler(handler, &evCopy, actCopy)
	if err != nil {
		return ActionResult{Message: err.Error()}
	}

	if !actCopy.Kind.Resolves() {
		return ActionResult{Success: true, Message: outcome}
	}

	s.mu.Lock()
	ev = s.findLocked(eventID)
	var resolved Event
	if ev != nil && !ev.Resolved() {
		ev.Resolution = &Resolution{
			ActionLabel: actCopy.Label,
			Result:      outcome,
			ResolvedAt:  time.Now().UTC(),
		}
		resolved = *ev
		s.persistLocked()
	}
	s.mu.Unlock()

	if resolved.ID != "" {
		s.broadcast(Notification{Type: NotifyEventResolved, Event: resolved})
	}
	return ActionResult{Success: true, Message: outcome}
}

// runHandler isolates handler panics so one bad action cannot take down
// the monitoring subsystem.
func runHandler(h Handler, ev *Event, act Action) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %q failed: %v", act.Label, r)
		}
	}()
	return h(ev, act)
}

// Events returns a newest-first copy of the ledger.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, ev := range s.events {
		out[i] = *ev
	}
	return out
}

// Get returns a copy of one event, or nil if absent.
func (s *Store) Get(id string) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev := s.findLocked(id); ev != nil {
		cp := *ev
		return &cp
	}
	return nil
}

// UnresolvedCount returns how many events remain open, grouped by severity rank >= minRank.
func (s *Store) UnresolvedCount(min Severity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if !ev.Resolved() && ev.Severity.Rank() >= min.Rank() {
			n++
		}
	}
	return n
}

// Subscribe returns a channel receiving ledger notifications. Slow
// subscribers drop notifications rather than blocking mutation.
func (s *Store) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Store) Unsubscribe(ch chan Notification) {
	s.subMu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Store) broadcast(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- n:
		default:
			s.logger.Warn("ledger subscriber full, dropping notification", "type", n.Type)
		}
	}
}

func (s *Store) findLocked(id string) *Event {
	for _, ev := range s.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

// persistLocked rewrites the whole ledger file atomically. Caller holds mu.
func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		s.logger.Error("marshaling ledger", "error", err)
		return
	}
	if err := safefile.WriteAtomic(s.path, data, 0o600); err != nil {
		s.logger.Error("persisting ledger", "path", s.path, "error", err)
	}
}
