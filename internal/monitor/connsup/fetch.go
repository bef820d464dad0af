package connsup

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

const (
	fetchTimeout      = 15 * time.Second
	detailConcurrency = 4
)

// refreshOnce pulls the active status map and the session list
// concurrently, computes the relevant set, fetches details and stats
// for each member, and reconciles the store.
func (s *Supervisor) refreshOnce(ctx context.Context, url string, client *upstream.Client) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		active map[string]string
		all    []upstream.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		active, err = client.ActiveStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		all, err = client.ListSessions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	serverDir := ""
	if srv, ok := s.registry.Get(url); ok {
		serverDir = srv.Directory
	}
	relevant := store.ComputeRelevant(active, all, serverDir, s.cfg.RecentIdleWindow, s.clock.Now())

	fetched := make([]store.FetchedSession, len(relevant))
	dg, dctx := errgroup.WithContext(ctx)
	dg.SetLimit(detailConcurrency)
	for idx, id := range relevant {
		dg.Go(func() error {
			sess, err := client.GetSession(dctx, id)
			if err != nil {
				// The session may have been pruned between list and
				// detail fetch; skip it rather than fail the refresh.
				slog.Debug("session detail fetch failed", "url", url, "session", id, "error", err)
				return nil
			}
			stats, err := client.Stats(dctx, id)
			if err != nil {
				stats = nil
			}
			var status store.Status
			if raw, ok := active[id]; ok {
				status = store.ParseStatus(raw)
			}
			fetched[idx] = store.FetchedSession{
				Session: *sess,
				Stats:   stats,
				Status:  status,
			}
			return nil
		})
	}
	if err := dg.Wait(); err != nil {
		return err
	}

	// Drop slots whose detail fetch was skipped.
	kept := fetched[:0]
	for _, f := range fetched {
		if f.Session.ID != "" {
			kept = append(kept, f)
		}
	}

	s.store.SyncServer(url, kept)
	return nil
}

// RefreshAll re-runs the initial fetch for every connected server.
// Invoked by the engine's periodic refresh timer; it recovers from
// missed SSE events and upstream pruning.
func (s *Supervisor) RefreshAll(ctx context.Context) {
	for _, url := range s.registry.ConnectedURLs() {
		client := s.Client(url)
		if client == nil {
			continue
		}
		if err := s.refreshOnce(ctx, url, client); err != nil && ctx.Err() == nil {
			slog.Debug("periodic refresh failed", "url", url, "error", err)
		}
	}
}
