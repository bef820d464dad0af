// Package ingest applies upstream SSE events to the session store and
// triggers detail fetches for sessions discovered mid-stream.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

const fetchTimeout = 10 * time.Second

// Ingestor consumes events of known types; everything else is ignored
// with a debug log.
type Ingestor struct {
	store *store.Store
}

// New creates an Ingestor writing to the given store.
func New(st *store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// Apply processes one raw event from the given server's stream. Events
// are applied in arrival order; protocol errors drop the event and
// keep the connection.
func (i *Ingestor) Apply(ctx context.Context, serverURL string, client *upstream.Client, ev upstream.Event) {
	metrics.EventsIngested.WithLabelValues(ev.Type).Inc()

	decoded, err := upstream.DecodeEvent(ev)
	if err != nil {
		slog.Debug("dropping malformed event", "server", serverURL, "type", ev.Type, "error", err)
		return
	}

	switch e := decoded.(type) {
	case upstream.ServerConnected:
		slog.Debug("server stream connected", "server", serverURL)

	case upstream.SessionStatus:
		raw := store.ParseStatus(e.Status)
		isNew := i.store.UpsertFromStatus(serverURL, e.SessionID, raw)
		if isNew && raw != store.StatusIdle {
			i.materialize(ctx, serverURL, client, e.SessionID, raw)
		}

	case upstream.SessionIdle:
		i.store.MarkIdle(serverURL, e.SessionID)

	case upstream.SessionUpdated:
		if e.SessionID == "" {
			return
		}
		isNew := i.store.UpsertFromUpdate(serverURL, e.SessionID, e.Title, e.ParentID, e.Directory)
		if isNew {
			i.materialize(ctx, serverURL, client, e.SessionID, store.StatusUnknown)
		}

	case upstream.SessionDeleted:
		i.store.Delete(e.SessionID)

	case upstream.PermissionUpdated:
		i.store.SetPermission(store.Permission{
			ID:        e.PermissionID,
			SessionID: e.SessionID,
			Tool:      e.Tool,
			Args:      e.Args,
			Message:   e.Message,
		})

	case upstream.PermissionReplied:
		i.store.ClearPermission(e.SessionID, e.PermissionID)

	case upstream.MessageUpdated, upstream.MessagePartUpdated:
		// Message content is only consumed by the focused session view,
		// which has its own filtered subscription.

	case upstream.Other:
		slog.Debug("ignoring event", "server", serverURL, "type", e.Type)
	}
}

// materialize fetches details and stats for a session first seen via
// an event, so it carries title, parent and timestamps.
func (i *Ingestor) materialize(ctx context.Context, serverURL string, client *upstream.Client, id string, raw store.Status) {
	if client == nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	sess, err := client.GetSession(fetchCtx, id)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("fetch session details failed", "server", serverURL, "session", id, "error", err)
		}
		return
	}
	stats, err := client.Stats(fetchCtx, id)
	if err != nil {
		stats = nil
	}

	status := raw
	if status == store.StatusUnknown && sess.Status != "" {
		status = store.ParseStatus(sess.Status)
	}
	i.store.InsertFetched(serverURL, store.FetchedSession{
		Session: *sess,
		Stats:   stats,
		Status:  status,
	})
}
