package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

// transitionSendGrace bounds how long an emit may block when the
// transition channel is full before the event is dropped with a warning.
const transitionSendGrace = 250 * time.Millisecond

// Store is the authoritative session map. Thread-safe; no lock is held
// across channel sends or callbacks.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock       clock.Clock
	transitions chan Transition

	onDirty     func()
	serverLabel func(url string) string
}

// New creates an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		clock:       clk,
		transitions: make(chan Transition, 64),
	}
}

// SetDirtyHook registers the projection's dirty callback. Must be set
// before the engine starts.
func (s *Store) SetDirtyHook(fn func()) { s.onDirty = fn }

// SetServerLabeler registers the function that renders a server URL as
/// a "project:branch" label for transition events.
func (s *Store) SetServerLabeler(fn func(url string) string) { s.serverLabel = fn }

// Transitions returns the stream of transition events. The channel is
// never closed; consumers exit via their own context.
func (s *Store) Transitions() <-chan Transition { return s.transitions }

// Get returns the current record for a session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns all sessions sorted by id for deterministic snapshots.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByServer returns all sessions owned by the given server URL.
func (s *Store) ListByServer(url string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.ServerURL == url {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertFromStatus applies a raw status observation. Returns true when
// the session was unknown before this call, so the ingestor can fetch
// details to materialize it.
func (s *Store) UpsertFromStatus(serverURL, id string, raw Status) (isNew bool) {
	now := s.clock.Now()
	var tr *Transition

	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		next := &Session{
			ID:           id,
			ServerURL:    serverURL,
			RawStatus:    raw,
			DiscoveredAt: now,
		}
		applyBusySince(next, StatusUnknown, now)
		s.sessions[id] = next
		metrics.SessionsTracked.Set(float64(len(s.sessions)))
		s.mu.Unlock()
		s.markDirty()
		return true
	}

	if cur.RawStatus == raw {
		s.mu.Unlock()
		return false
	}

	next := cur.clone()
	next.RawStatus = raw
	applyBusySince(next, cur.RawStatus, now)
	s.sessions[id] = next

	oldEff, newEff := effectiveOf(cur.RawStatus), effectiveOf(raw)
	if oldEff != newEff {
		tr = &Transition{
			Kind:        KindStatus,
			SessionID:   id,
			Old:         oldEff,
			New:         newEff,
			Timestamp:   now,
			TitleHint:   next.Title,
			ServerLabel: s.labelFor(next.ServerURL),
		}
	}
	s.mu.Unlock()

	if tr != nil {
		s.emit(*tr)
	}
	s.markDirty()
	return false
}

// MarkIdle is UpsertFromStatus with status idle; used by the view
// driver's optimistic abort handling and by session.idle events.
func (s *Store) MarkIdle(serverURL, id string) (isNew bool) {
	return s.UpsertFromStatus(serverURL, id, StatusIdle)
}

// MarkBusy optimistically flips a session to busy after a prompt is
// sent; the upstream event will confirm.
func (s *Store) MarkBusy(serverURL, id string) {
	s.UpsertFromStatus(serverURL, id, StatusBusy)
}

// UpsertFromUpdate merges title/parent/directory attributes. Returns
// true when the session was unknown before this call.
func (s *Store) UpsertFromUpdate(serverURL, id, title, parentID, directory string) (isNew bool) {
	now := s.clock.Now()

	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		next := &Session{
			ID:           id,
			ServerURL:    serverURL,
			RawStatus:    StatusUnknown,
			Title:        title,
			Directory:    directory,
			DiscoveredAt: now,
		}
		if parentID != "" && !s.createsCycleLocked(id, parentID) {
			next.ParentID = parentID
		}
		s.sessions[id] = next
		metrics.SessionsTracked.Set(float64(len(s.sessions)))
		s.mu.Unlock()
		s.markDirty()
		return true
	}

	next := cur.clone()
	if title != "" {
		next.Title = title
	}
	if directory != "" {
		next.Directory = directory
	}
	if parentID != "" && parentID != cur.ParentID {
		if s.createsCycleLocked(id, parentID) {
			slog.Warn("session parent link would create a cycle, dropping",
				"session", id, "parent", parentID)
		} else {
			next.ParentID = parentID
		}
	}
	next.UpdatedAt = now
	s.sessions[id] = next
	s.mu.Unlock()

	s.markDirty()
	return false
}

// SetPermission attaches a pending permission to its session and emits
// a permission-request transition.
func (s *Store) SetPermission(perm Permission) {
	now := s.clock.Now()
	var tr *Transition

	s.mu.Lock()
	cur, ok := s.sessions[perm.SessionID]
	if !ok {
		s.mu.Unlock()
		slog.Debug("permission for unknown session", "session", perm.SessionID, "permission", perm.ID)
		return
	}
	next := cur.clone()
	p := perm
	next.Pending = &p
	s.sessions[perm.SessionID] = next

	tr = &Transition{
		Kind:        KindPermission,
		SessionID:   perm.SessionID,
		Old:         effectiveOf(next.RawStatus),
		New:         effectiveOf(next.RawStatus),
		Timestamp:   now,
		TitleHint:   next.Title,
		ServerLabel: s.labelFor(next.ServerURL),
		Permission:  &p,
	}
	s.mu.Unlock()

	s.emit(*tr)
	s.markDirty()
}

// ClearPermission removes a pending permission. A permID of "" clears
// whatever is pending.
func (s *Store) ClearPermission(sessionID, permID string) {
	s.mu.Lock()
	cur, ok := s.sessions[sessionID]
	if !ok || cur.Pending == nil || (permID != "" && cur.Pending.ID != permID) {
		s.mu.Unlock()
		return
	}
	next := cur.clone()
	next.Pending = nil
	s.sessions[sessionID] = next
	s.mu.Unlock()

	s.markDirty()
}

// Delete removes a session. Children are kept; they become roots until
// the next refresh reconciles them.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		metrics.SessionsTracked.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if ok {
		s.markDirty()
	}
}

// RemoveServerSessions atomically deletes every session owned by the
// given server. Called by the registry when a server goes away.
func (s *Store) RemoveServerSessions(url string) {
	s.mu.Lock()
	removed := false
	for id, sess := range s.sessions {
		if sess.ServerURL == url {
			delete(s.sessions, id)
			removed = true
		}
	}
	if removed {
		metrics.SessionsTracked.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if removed {
		s.markDirty()
	}
}

// FetchedSession pairs an upstream envelope with its optional stats,
// as produced by the initial fetch and the periodic refresh.
type FetchedSession struct {
	Session upstream.Session
	Stats   *upstream.Stats
	Status  Status // raw status from the active map; idle if absent
}

// SyncServer reconciles a server's session set against a fresh fetch:
// fetched records are inserted or updated, sessions absent from the
// fetch are dropped (upstream pruned them). Busy-since and pending
// permissions survive updates while the session stays active.
func (s *Store) SyncServer(serverURL string, fetched []FetchedSession) {
	now := s.clock.Now()
	var trs []Transition

	s.mu.Lock()
	keep := make(map[string]bool, len(fetched))
	for _, f := range fetched {
		keep[f.Session.ID] = true
		if tr := s.applyFetchedLocked(serverURL, f, now); tr != nil {
			trs = append(trs, *tr)
		}
	}
	for id, sess := range s.sessions {
		if sess.ServerURL == serverURL && !keep[id] {
			delete(s.sessions, id)
		}
	}
	metrics.SessionsTracked.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, tr := range trs {
		s.emit(tr)
	}
	s.markDirty()
}

// InsertFetched inserts or updates a single fetched session, used when
// the ingestor materializes a session discovered via an event.
func (s *Store) InsertFetched(serverURL string, f FetchedSession) {
	now := s.clock.Now()

	s.mu.Lock()
	tr := s.applyFetchedLocked(serverURL, f, now)
	metrics.SessionsTracked.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if tr != nil {
		s.emit(*tr)
	}
	s.markDirty()
}

func (s *Store) applyFetchedLocked(serverURL string, f FetchedSession, now time.Time) *Transition {
	up := f.Session
	raw := f.Status
	if raw == "" {
		raw = StatusIdle
	}

	cur, ok := s.sessions[up.ID]
	var next *Session
	if ok {
		next = cur.clone()
	} else {
		next = &Session{ID: up.ID, DiscoveredAt: now}
		cur = nil
	}

	next.ServerURL = serverURL
	if up.Title != "" {
		next.Title = up.Title
	}
	if up.Directory != "" {
		next.Directory = up.Directory
	}
	if up.ParentID != "" && (cur == nil || up.ParentID != cur.ParentID) {
		if s.createsCycleLocked(up.ID, up.ParentID) {
			slog.Warn("session parent link would create a cycle, dropping",
				"session", up.ID, "parent", up.ParentID)
		} else {
			next.ParentID = up.ParentID
		}
	}
	next.CreatedAt = up.Time.CreatedAt()
	next.UpdatedAt = up.Time.UpdatedAt()

	oldRaw := StatusUnknown
	if cur != nil {
		oldRaw = cur.RawStatus
	}
	next.RawStatus = raw
	applyBusySince(next, oldRaw, now)

	if f.Stats != nil {
		next.Cost = f.Stats.Cost
		next.TokensIn = f.Stats.Tokens.Input
		next.TokensOut = f.Stats.Tokens.Output
		next.TokensTotal = f.Stats.Tokens.Total
		if f.Stats.Model != "" {
			next.Model = f.Stats.Model
		}
		next.StatsUpdatedAt = now
	}

	s.sessions[up.ID] = next

	if cur != nil {
		oldEff, newEff := effectiveOf(oldRaw), effectiveOf(raw)
		if oldEff != newEff {
			return &Transition{
				Kind:        KindStatus,
				SessionID:   up.ID,
				Old:         oldEff,
				New:         newEff,
				Timestamp:   now,
				TitleHint:   next.Title,
				ServerLabel: s.labelFor(serverURL),
			}
		}
	}
	return nil
}

// applyBusySince enforces the busy-since rule: set exactly on the
// transition into an active status, cleared on the transition out,
// untouched while the session stays active.
func applyBusySince(next *Session, oldRaw Status, now time.Time) {
	switch {
	case next.RawStatus.Active() && !oldRaw.Active():
		if next.BusySince.IsZero() {
			next.BusySince = now
		}
	case !next.RawStatus.Active():
		next.BusySince = time.Time{}
	}
}

// createsCycleLocked walks the parent chain from candidate parent and
// reports whether it reaches id.
func (s *Store) createsCycleLocked(id, parentID string) bool {
	seen := make(map[string]bool)
	for cur := parentID; cur != ""; {
		if cur == id {
			return true
		}
		if seen[cur] {
			// Existing cycle upstream of us; treat as unsafe.
			return true
		}
		seen[cur] = true
		p, ok := s.sessions[cur]
		if !ok {
			return false
		}
		cur = p.ParentID
	}
	return false
}

func (s *Store) labelFor(url string) string {
	if s.serverLabel == nil {
		return url
	}
	return s.serverLabel(url)
}

// emit publishes a transition. Blocks briefly when the channel is
// full; notifications should not be lost, but a stuck consumer must
// not wedge ingestion.
func (s *Store) emit(tr Transition) {
	metrics.Transitions.Inc()
	select {
	case s.transitions <- tr:
	default:
		select {
		case s.transitions <- tr:
		case <-s.clock.After(transitionSendGrace):
			slog.Warn("transition stream full, dropping event", "session", tr.SessionID)
		}
	}
}

func (s *Store) markDirty() {
	if s.onDirty != nil {
		s.onDirty()
	}
}
