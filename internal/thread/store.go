// Package thread is the event-sourced conversation log. Threads are
// append-only; a canonical thread id can be repointed at a compacted
// shadow version without readers noticing.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
	"github.com/google/uuid"
)

// Common event types. Any non-empty type is accepted.
const (
	EventUser       = "USER"
	EventAgent      = "AGENT"
	EventToolCall   = "TOOL_CALL"
	EventToolResult = "TOOL_RESULT"
	EventSystem     = "LOCAL_SYSTEM_MESSAGE"
	EventSummary    = "SUMMARY"
)

// DefaultKeepLast is how many shadow versions CleanupOldShadows retains.
const DefaultKeepLast = 3

const shadowPrefix = "shadow-"

// IsShadowID reports whether id names a generated shadow version rather
// than a canonical thread.
func IsShadowID(id string) bool {
	return strings.HasPrefix(id, shadowPrefix)
}

// Event is one immutable entry of a thread.
type Event struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"threadId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Thread is the replayed state of a conversation. ID is the id the caller
// asked for; VersionID is the thread whose events were actually loaded.
type Thread struct {
	ID        string         `json:"id"`
	VersionID string         `json:"versionId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Events    []Event        `json:"events"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// VersionEntry is one compaction recorded for a canonical thread.
type VersionEntry struct {
	ID          int64     `json:"id"`
	CanonicalID string    `json:"canonicalId"`
	VersionID   string    `json:"versionId"`
	CreatedAt   time.Time `json:"createdAt"`
	Reason      string    `json:"reason"`
}

// Store reads and writes threads through the durable store.
type Store struct {
	db     *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *persistence.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "threads"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new empty thread. An empty ID gets a generated one.
func (s *Store) Create(ctx context.Context, th Thread) (*Thread, error) {
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if strings.TrimSpace(th.ID) != th.ID {
		return nil, shared.Validation("id", "thread id must not contain surrounding whitespace")
	}
	now := s.now()
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now
	}
	th.UpdatedAt = th.CreatedAt
	th.Events = []Event{}

	err := s.db.Transaction(ctx, func(tx *persistence.Tx) error {
		exists, err := tx.ThreadExists(ctx, th.ID)
		if err != nil {
			return err
		}
		if exists {
			return shared.Validation("id", "thread %s already exists", th.ID)
		}
		return tx.InsertThread(ctx, persistence.ThreadRecord{
			ID:        th.ID,
			SessionID: th.SessionID,
			ProjectID: th.ProjectID,
			CreatedAt: th.CreatedAt,
			UpdatedAt: th.UpdatedAt,
			Metadata:  th.Metadata,
		})
	})
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// Exists reports whether a thread row exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.db.ThreadExists(ctx, id)
}

// Append writes ev to its thread. A canonical id with a current version
// appends to that version. The thread must already exist. ID and
// Timestamp are filled in when zero.
func (s *Store) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.ThreadID == "" {
		return Event{}, shared.Validation("threadId", "thread id is required")
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, shared.Validation("type", "event type is required")
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return Event{}, shared.Validation("data", "event data must be valid JSON")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	requested := ev.ThreadID
	err := s.db.Transaction(ctx, func(tx *persistence.Tx) error {
		target := requested
		if v, err := tx.CurrentVersion(ctx, requested); err != nil {
			return err
		} else if v != "" {
			target = v
		}
		exists, err := tx.ThreadExists(ctx, target)
		if err != nil {
			return err
		}
		if !exists {
			return shared.NotFound("thread", requested)
		}
		ev.ThreadID = target
		return tx.InsertEvent(ctx, toRecord(ev))
	})
	if err != nil {
		return Event{}, err
	}
	s.logger.Debug("event appended", "thread_id", ev.ThreadID, "type", ev.Type, "trace_id", shared.TraceID(ctx))
	return ev, nil
}

// Load replays a thread. A canonical id with a current version loads the
// version's events under the canonical id. A missing thread returns
// (nil, nil).
func (s *Store) Load(ctx context.Context, id string) (*Thread, error) {
	target := id
	v, err := s.db.CurrentVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v != "" {
		target = v
	}
	rec, err := s.db.GetThread(ctx, target)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	records, err := s.db.ListEvents(ctx, target)
	if err != nil {
		return nil, err
	}
	th := &Thread{
		ID:        id,
		VersionID: target,
		SessionID: rec.SessionID,
		ProjectID: rec.ProjectID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Metadata:  rec.Metadata,
		Events:    make([]Event, 0, len(records)),
	}
	for _, r := range records {
		th.Events = append(th.Events, fromRecord(r))
	}
	return th, nil
}

// List returns threads without their events, most recently updated first.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Thread, error) {
	recs, err := s.db.ListThreads(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Thread, 0, len(recs))
	for _, r := range recs {
		out = append(out, Thread{
			ID:        r.ID,
			VersionID: r.ID,
			SessionID: r.SessionID,
			ProjectID: r.ProjectID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			Metadata:  r.Metadata,
			Events:    []Event{},
		})
	}
	return out, nil
}

// CreateVersion points canonicalID at an existing versionID and records
// the change in the version history, atomically.
func (s *Store) CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error {
	if canonicalID == "" {
		return shared.Validation("canonicalId", "canonical id is required")
	}
	if versionID == "" {
		return shared.Validation("versionId", "version id is required")
	}
	now := s.now()
	return s.db.Transaction(ctx, func(tx *persistence.Tx) error {
		exists, err := tx.ThreadExists(ctx, versionID)
		if err != nil {
			return err
		}
		if !exists {
			return shared.NotFound("thread", versionID)
		}
		if err := tx.SetVersionPointer(ctx, canonicalID, versionID, now); err != nil {
			return err
		}
		return tx.AppendVersionHistory(ctx, canonicalID, versionID, reason, now)
	})
}

// CreateShadowThread stores shadow with its events as a new thread and
// repoints canonicalID at it, in one transaction. shadow.Events must not
// be empty. Event ids are regenerated; thread ids of the events are
// rewritten to the shadow.
func (s *Store) CreateShadowThread(ctx context.Context, shadow Thread, canonicalID, reason string) (*Thread, error) {
	if canonicalID == "" {
		return nil, shared.Validation("canonicalId", "canonical id is required")
	}
	if len(shadow.Events) == 0 {
		return nil, shared.Validation("events", "shadow thread must carry at least one event")
	}
	if shadow.ID == "" {
		shadow.ID = shadowPrefix + uuid.NewString()
	}
	if !IsShadowID(shadow.ID) {
		return nil, shared.Validation("id", "shadow id %q must start with %q", shadow.ID, shadowPrefix)
	}
	if shadow.ID == canonicalID {
		return nil, shared.Validation("id", "shadow id must differ from canonical id")
	}
	now := s.now()
	if shadow.CreatedAt.IsZero() {
		shadow.CreatedAt = now
	}
	shadow.UpdatedAt = shadow.CreatedAt

	events := make([]Event, len(shadow.Events))
	for i, ev := range shadow.Events {
		ev.ID = uuid.NewString()
		ev.ThreadID = shadow.ID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events[i] = ev
		if ev.Timestamp.After(shadow.UpdatedAt) {
			shadow.UpdatedAt = ev.Timestamp
		}
	}

	err := s.db.Transaction(ctx, func(tx *persistence.Tx) error {
		exists, err := tx.ThreadExists(ctx, canonicalID)
		if err != nil {
			return err
		}
		if !exists {
			return shared.NotFound("thread", canonicalID)
		}
		if err := tx.InsertThread(ctx, persistence.ThreadRecord{
			ID:        shadow.ID,
			SessionID: shadow.SessionID,
			ProjectID: shadow.ProjectID,
			CreatedAt: shadow.CreatedAt,
			UpdatedAt: shadow.CreatedAt,
			Metadata:  shadow.Metadata,
		}); err != nil {
			return err
		}
		for _, ev := range events {
			if err := tx.InsertEvent(ctx, toRecord(ev)); err != nil {
				return err
			}
		}
		if err := tx.SetVersionPointer(ctx, canonicalID, shadow.ID, now); err != nil {
			return err
		}
		return tx.AppendVersionHistory(ctx, canonicalID, shadow.ID, reason, now)
	})
	if err != nil {
		return nil, err
	}
	shadow.Events = events
	shadow.VersionID = shadow.ID
	s.logger.Info("shadow thread created",
		"canonical_id", canonicalID, "version_id", shadow.ID, "events", len(events), "reason", reason)
	return &shadow, nil
}

// CleanupOldShadows keeps the keepLast most recent versions of
// canonicalID (by history order) and deletes the events, thread rows and
// history rows of older ones. The current pointer target, the canonical
// thread itself and any version that is not a shadow thread are never
// deleted. It returns how many versions were removed.
func (s *Store) CleanupOldShadows(ctx context.Context, canonicalID string, keepLast int) (int, error) {
	if keepLast <= 0 {
		keepLast = DefaultKeepLast
	}
	removed := 0
	err := s.db.Transaction(ctx, func(tx *persistence.Tx) error {
		removed = 0
		history, err := tx.VersionHistory(ctx, canonicalID)
		if err != nil {
			return err
		}
		current, err := tx.CurrentVersion(ctx, canonicalID)
		if err != nil {
			return err
		}

		// Distinct versions, most recent first.
		var order []string
		seen := map[string]bool{}
		for i := len(history) - 1; i >= 0; i-- {
			v := history[i].VersionID
			if !seen[v] {
				seen[v] = true
				order = append(order, v)
			}
		}
		if len(order) <= keepLast {
			return nil
		}
		for _, v := range order[keepLast:] {
			if v == current || v == canonicalID || !IsShadowID(v) {
				continue
			}
			if err := tx.DeleteVersion(ctx, canonicalID, v); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("old shadows removed", "canonical_id", canonicalID, "removed", removed, "keep_last", keepLast)
	}
	return removed, nil
}

// VersionHistory lists compactions of canonicalID, oldest first. A thread
// never compacted yields an empty slice.
func (s *Store) VersionHistory(ctx context.Context, canonicalID string) ([]VersionEntry, error) {
	recs, err := s.db.VersionHistory(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, VersionEntry(r))
	}
	return out, nil
}

// CurrentVersion returns the version canonicalID points at, or "".
func (s *Store) CurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	return s.db.CurrentVersion(ctx, canonicalID)
}

// CanonicalIDs lists every thread id that has been compacted at least once.
func (s *Store) CanonicalIDs(ctx context.Context) ([]string, error) {
	return s.db.CanonicalThreadIDs(ctx)
}

// DelegateThreadsFor returns every thread id prefixed by parentID + ".",
// sorted lexicographically. Nested delegates are included.
func (s *Store) DelegateThreadsFor(ctx context.Context, parentID string) ([]string, error) {
	if parentID == "" {
		return []string{}, nil
	}
	return s.db.ThreadIDsWithPrefix(ctx, parentID+".")
}

// NextDelegateID returns "<parentID>.<n>" where n is one more than the
// highest numbered direct delegate of parentID.
func (s *Store) NextDelegateID(ctx context.Context, parentID string) (string, error) {
	if parentID == "" {
		return "", shared.Validation("parentId", "parent thread id is required")
	}
	ids, err := s.DelegateThreadsFor(ctx, parentID)
	if err != nil {
		return "", err
	}
	next := 1
	prefix := parentID + "."
	for _, id := range ids {
		suffix := strings.TrimPrefix(id, prefix)
		if strings.Contains(suffix, ".") {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%d", prefix, next), nil
}

// ParentOf returns the delegating thread of a delegate id, or "".
func ParentOf(id string) string {
	i := strings.LastIndex(id, ".")
	if i <= 0 {
		return ""
	}
	if _, err := strconv.Atoi(id[i+1:]); err != nil {
		return ""
	}
	return id[:i]
}

// DelegationDepth counts how many delegate levels id sits below its root.
func DelegationDepth(id string) int {
	depth := 0
	for p := ParentOf(id); p != ""; p = ParentOf(p) {
		depth++
	}
	return depth
}

func toRecord(ev Event) persistence.EventRecord {
	return persistence.EventRecord{
		ID:        ev.ID,
		ThreadID:  ev.ThreadID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

func fromRecord(r persistence.EventRecord) Event {
	return Event{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Type:      r.Type,
		Timestamp: r.Timestamp,
		Data:      slices.Clone(r.Data),
	}
}
