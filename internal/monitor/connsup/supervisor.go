// Package connsup runs one connection task per server: initial fetch,
// SSE subscription, and exponential-backoff reconnect.
package connsup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/ingest"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

// disconnectGrace bounds how long Disconnect waits for a task to exit
// before abandoning it.
const disconnectGrace = 2 * time.Second

// Config holds the supervisor's backoff and pruning parameters.
type Config struct {
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	RecentIdleWindow time.Duration
}

// Supervisor owns every per-server connection task. It implements
// registry.Connector.
type Supervisor struct {
	registry *registry.Registry
	store    *store.Store
	ingest   *ingest.Ingestor
	clock    clock.Clock
	cfg      Config

	// newClient is swappable for tests.
	newClient func(url string) *upstream.Client

	mu    sync.Mutex
	tasks map[string]*task

	// parent is the context all tasks descend from.
	parent context.Context
}

type task struct {
	url    string
	client *upstream.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor. Bind must be called with the engine's run
// context before any Connect.
func New(reg *registry.Registry, st *store.Store, ing *ingest.Ingestor, clk clock.Clock, cfg Config) *Supervisor {
	return &Supervisor{
		registry:  reg,
		store:     st,
		ingest:    ing,
		clock:     clk,
		cfg:       cfg,
		newClient: upstream.NewClient,
		tasks:     make(map[string]*task),
	}
}

// Bind sets the parent context for connection tasks. Cancelling it
// stops every task.
func (s *Supervisor) Bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
}

// Connect spawns the connection task for a server. A task that already
// exists is left alone.
func (s *Supervisor) Connect(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[url]; exists {
		return
	}
	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &task{
		url:    url,
		client: s.newClient(url),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[url] = t

	go func() {
		defer close(t.done)
		s.run(ctx, t)
	}()
}

// Disconnect cancels a server's task and waits briefly for it to exit.
// Idempotent.
func (s *Supervisor) Disconnect(url string) {
	s.mu.Lock()
	t, ok := s.tasks[url]
	if ok {
		delete(s.tasks, url)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-s.clock.After(disconnectGrace):
		slog.Warn("connection task did not exit in time, abandoning", "url", url)
	}
}

// Client returns the HTTP client for a connected server, or nil. The
// view driver borrows it for command forwarding.
func (s *Supervisor) Client(url string) *upstream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[url]
	if !ok {
		return nil
	}
	return t.client
}

// run is the per-server lifecycle loop: connect, pump, back off,
// retry. Exits only on cancellation.
func (s *Supervisor) run(ctx context.Context, t *task) {
	bo := s.newBackoff()
	attempt := 0

	for {
		s.registry.SetConnState(t.url, registry.StateConnecting, attempt)

		err := s.connectOnce(ctx, t, func() {
			// Connected: reset the retry schedule.
			attempt = 0
			bo.Reset()
			s.registry.SetConnState(t.url, registry.StateConnected, 0)
		})
		if ctx.Err() != nil {
			return
		}

		attempt++
		metrics.Reconnects.Inc()
		interval := bo.NextBackOff()
		s.registry.SetConnState(t.url, registry.StateDisconnected, attempt)
		slog.Warn("server connection lost, reconnecting",
			"url", t.url, "error", err, "attempt", attempt, "backoff", interval)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
	}
}

// connectOnce performs the initial fetch, opens the SSE stream, and
// pumps events until the stream ends. onConnected fires once both
// steps succeed.
func (s *Supervisor) connectOnce(ctx context.Context, t *task, onConnected func()) error {
	if err := s.refreshOnce(ctx, t.url, t.client); err != nil {
		return err
	}

	stream, err := t.client.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	onConnected()
	slog.Info("server connected", "url", t.url)

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		s.ingest.Apply(ctx, t.url, t.client, ev)
	}
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBase
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
