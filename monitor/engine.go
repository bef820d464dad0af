// Package monitor wires the fleet state engine: discovery, registry,
// connection supervision, session store, notifications, and the
// snapshot projection presenters consume.
package monitor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/config"
	"github.com/ocwatch/ocwatch/internal/monitor/connsup"
	"github.com/ocwatch/ocwatch/internal/monitor/diag"
	"github.com/ocwatch/ocwatch/internal/monitor/discovery"
	"github.com/ocwatch/ocwatch/internal/monitor/ingest"
	"github.com/ocwatch/ocwatch/internal/monitor/notify"
	"github.com/ocwatch/ocwatch/internal/monitor/projection"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/view"
)

// Engine owns every monitor subsystem. The process entry point creates
// one Engine and injects it into the presenter; tests instantiate a
// fresh Engine per case.
type Engine struct {
	cfg *config.Config
	clk clock.Clock

	Store      *store.Store
	Registry   *registry.Registry
	Supervisor *connsup.Supervisor
	Projection *projection.Projection
	Notifier   *notify.Notifier
	View       *view.Driver

	listener *discovery.Listener
}

// New creates a fully wired Engine using the system clock.
func New(cfg *config.Config) *Engine {
	return NewWithClock(cfg, clock.System())
}

// NewWithClock creates an Engine with an injected clock, for tests.
func NewWithClock(cfg *config.Config, clk clock.Clock) *Engine {
	st := store.New(clk)
	reg := registry.New(clk, st)
	st.SetServerLabeler(reg.Label)

	ing := ingest.New(st)
	sup := connsup.New(reg, st, ing, clk, connsup.Config{
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectMax:     cfg.ReconnectMax,
		RecentIdleWindow: cfg.RecentIdleWindow,
	})
	reg.SetConnector(sup)

	proj := projection.New(reg, st, clk, projection.Config{
		StaleHorizon: cfg.SessionStaleHorizon,
		LongRunning:  cfg.LongRunning,
		Interval:     cfg.SnapshotInterval,
	})
	st.SetDirtyHook(proj.MarkDirty)
	reg.SetDirtyHook(proj.MarkDirty)

	drv := view.New(st, reg, sup.Client, clk, cfg.MessageDebounce)
	reg.SetRemoveHook(drv.DropIfServer)

	e := &Engine{
		cfg:        cfg,
		clk:        clk,
		Store:      st,
		Registry:   reg,
		Supervisor: sup,
		Projection: proj,
		Notifier:   notify.New(cfg.Notifications),
		View:       drv,
	}
	e.listener = discovery.NewListener(cfg.DiscoveryPort, reg, clk.Now)
	return e
}

// DumpPackets enables logging every received UDP datagram (--debug).
func (e *Engine) DumpPackets(on bool) {
	e.listener.DumpPackets = on
}

// Run starts all engine tasks and blocks until ctx is cancelled or the
// discovery bind fails. Per-server failures never end the run.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	e.Supervisor.Bind(ctx)
	e.View.Bind(ctx)

	g.Go(func() error {
		return e.listener.Run(ctx)
	})

	g.Go(func() error {
		e.Projection.Run(ctx)
		return nil
	})

	g.Go(func() error {
		e.Notifier.Run(ctx, e.Store.Transitions())
		return nil
	})

	g.Go(func() error {
		ticker := e.clk.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				e.Registry.SweepStale(e.cfg.ServerStaleHorizon)
			}
		}
	})

	g.Go(func() error {
		ticker := e.clk.NewTicker(e.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				e.Supervisor.RefreshAll(ctx)
			}
		}
	})

	if e.cfg.MetricsAddr != "" {
		srv := diag.NewServer(e.cfg.MetricsAddr, e.Projection)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
}
