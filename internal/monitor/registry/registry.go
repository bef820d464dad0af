// Package registry tracks known agent servers by normalized URL and
// owns their lifecycle: creation on announce, restart on instanceId
// change, removal on shutdown or staleness.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/discovery"
)

// ConnState is a server's connection lifecycle state.
type ConnState string

// Connection states.
const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// Server is one tracked agent server. Snapshot copies are value types.
type Server struct {
	URL        string // normalized, the identity
	InstanceID string
	Project    string
	Directory  string
	Branch     string

	LastAnnounceAt   time.Time
	ConnState        ConnState
	ReconnectAttempt int
	DisconnectedAt   time.Time // zero unless disconnected
}

// Label renders the server as "project:branch" for notifications.
func (s Server) Label() string {
	if s.Project == "" && s.Branch == "" {
		return s.URL
	}
	return s.Project + ":" + s.Branch
}

// Connector spawns and cancels per-server connection tasks. The
// connection supervisor implements it.
type Connector interface {
	Connect(url string)
	Disconnect(url string)
}

// SessionSink removes a server's sessions when the server goes away.
// The session store implements it.
type SessionSink interface {
	RemoveServerSessions(url string)
}

// Registry is the authoritative server map. Thread-safe; connector and
// sink calls happen outside the lock.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server

	connector Connector
	sessions  SessionSink
	clock     clock.Clock

	onDirty  func()
	onRemove func(url string)
}

// New creates an empty Registry.
func New(clk clock.Clock, sessions SessionSink) *Registry {
	return &Registry{
		servers:  make(map[string]*Server),
		sessions: sessions,
		clock:    clk,
	}
}

// SetConnector wires the connection supervisor. Must be set before the
// discovery listener starts.
func (r *Registry) SetConnector(c Connector) { r.connector = c }

// SetDirtyHook registers the projection's dirty callback.
func (r *Registry) SetDirtyHook(fn func()) { r.onDirty = fn }

// SetRemoveHook registers a callback invoked after a server is
// removed. The engine uses it to drop view focus.
func (r *Registry) SetRemoveHook(fn func(url string)) { r.onRemove = fn }

// HandleAnnounce processes an announce packet: create-and-connect for
// unknown URLs, restart on instanceId change, scalar refresh otherwise.
func (r *Registry) HandleAnnounce(a *discovery.Announce) {
	r.mu.Lock()
	cur, ok := r.servers[a.ServerURL]

	if ok && cur.InstanceID == a.InstanceID {
		cur.LastAnnounceAt = a.Timestamp
		cur.Project = a.Project
		cur.Directory = a.Directory
		cur.Branch = a.Branch
		r.mu.Unlock()
		r.markDirty()
		return
	}

	oldInstance := ""
	if ok {
		oldInstance = cur.InstanceID
	}
	r.mu.Unlock()

	if ok {
		slog.Info("server instance changed, restarting connection",
			"url", a.ServerURL, "old_instance", oldInstance, "new_instance", a.InstanceID)
		// A changed instanceId is a restart: the old instance is torn
		// down completely, sessions and focus included, before the
		// replacement is tracked.
		r.Remove(a.ServerURL)
	} else {
		slog.Info("server discovered", "url", a.ServerURL, "project", a.Project, "branch", a.Branch)
	}

	r.mu.Lock()
	r.servers[a.ServerURL] = &Server{
		URL:            a.ServerURL,
		InstanceID:     a.InstanceID,
		Project:        a.Project,
		Directory:      a.Directory,
		Branch:         a.Branch,
		LastAnnounceAt: a.Timestamp,
		ConnState:      StateConnecting,
	}
	metrics.ServersKnown.Set(float64(len(r.servers)))
	r.mu.Unlock()

	r.connector.Connect(a.ServerURL)
	r.markDirty()
}

// HandleShutdown removes whichever server currently has the given
// instanceId. Unknown ids are a no-op.
func (r *Registry) HandleShutdown(instanceID string) {
	r.mu.RLock()
	var url string
	for _, s := range r.servers {
		if s.InstanceID == instanceID {
			url = s.URL
			break
		}
	}
	r.mu.RUnlock()

	if url == "" {
		return
	}
	slog.Info("server announced shutdown", "url", url, "instance", instanceID)
	r.Remove(url)
}

// Remove deletes a server, drops its sessions and cancels its
// connection. Idempotent.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	_, ok := r.servers[url]
	r.mu.Unlock()
	if !ok {
		return
	}

	// Sessions go before the server record: a concurrent snapshot may
	// see the server with no sessions, never sessions with no server.
	r.sessions.RemoveServerSessions(url)

	r.mu.Lock()
	delete(r.servers, url)
	metrics.ServersKnown.Set(float64(len(r.servers)))
	r.mu.Unlock()

	r.connector.Disconnect(url)
	// The stream can deliver events until Disconnect returns; drop
	// anything it re-added in the meantime.
	r.sessions.RemoveServerSessions(url)

	if r.onRemove != nil {
		r.onRemove(url)
	}
	r.markDirty()
}

// SweepStale removes every server whose last announce is older than
// the horizon. Invoked on the engine's sweep cadence.
func (r *Registry) SweepStale(horizon time.Duration) {
	cutoff := r.clock.Now().Add(-horizon)

	r.mu.RLock()
	var stale []string
	for url, s := range r.servers {
		if s.LastAnnounceAt.Before(cutoff) {
			stale = append(stale, url)
		}
	}
	r.mu.RUnlock()

	for _, url := range stale {
		slog.Info("server stale, removing", "url", url)
		r.Remove(url)
	}
}

// SetConnState records a connection state change reported by the
// supervisor. Connecting successfully resets the attempt counter.
func (r *Registry) SetConnState(url string, state ConnState, attempt int) {
	r.mu.Lock()
	s, ok := r.servers[url]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := s.ConnState
	s.ConnState = state
	s.ReconnectAttempt = attempt
	switch state {
	case StateConnected:
		s.ReconnectAttempt = 0
		s.DisconnectedAt = time.Time{}
	case StateDisconnected:
		if prev != StateDisconnected {
			s.DisconnectedAt = r.clock.Now()
		}
	}
	connected := 0
	for _, srv := range r.servers {
		if srv.ConnState == StateConnected {
			connected++
		}
	}
	metrics.ServersConnected.Set(float64(connected))
	r.mu.Unlock()

	r.markDirty()
}

// Get returns a copy of the server record.
func (r *Registry) Get(url string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[url]
	if !ok {
		return Server{}, false
	}
	return *s, true
}

// Label renders "project:branch" for a URL; falls back to the URL for
// unknown servers.
func (r *Registry) Label(url string) string {
	s, ok := r.Get(url)
	if !ok {
		return url
	}
	return s.Label()
}

// Snapshot returns copies of all servers sorted by URL.
func (r *Registry) Snapshot() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ConnectedURLs returns the URLs of all currently connected servers,
// used by the periodic refresh.
func (r *Registry) ConnectedURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for url, s := range r.servers {
		if s.ConnState == StateConnected {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) markDirty() {
	if r.onDirty != nil {
		r.onDirty()
	}
}
