// Package projection coalesces registry and store changes into
// internally consistent snapshots published to presenters at a bounded
// rate.
package projection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocwatch/ocwatch/internal/id"
	"github.com/ocwatch/ocwatch/internal/metrics"
	"github.com/ocwatch/ocwatch/internal/monitor/clock"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
)

// subscriberBuffer is the per-subscriber channel depth. Overflow drops
// the oldest snapshot; the latest always wins.
const subscriberBuffer = 8

// SessionView is a session record with its derived presentation state.
type SessionView struct {
	*store.Session
	Effective   store.Effective
	LongRunning bool
}

// Snapshot is an internally consistent view of all servers and
// sessions at a point in time. Deep-immutable from the consumer's
// perspective.
type Snapshot struct {
	Servers  []registry.Server
	Sessions []SessionView
	TakenAt  time.Time
}

// Config holds derivation parameters.
type Config struct {
	// StaleHorizon marks sessions stale when the owning server's last
	// announce is older than this.
	StaleHorizon time.Duration

	// LongRunning flags sessions busy longer than this.
	LongRunning time.Duration

	// Interval is the coalescing window between published snapshots.
	Interval time.Duration
}

// Projection derives snapshots from the registry and store.
type Projection struct {
	reg *registry.Registry
	st  *store.Store
	clk clock.Clock
	cfg Config

	dirty atomic.Bool

	mu   sync.Mutex
	subs map[string]chan Snapshot
}

// New creates a Projection.
func New(reg *registry.Registry, st *store.Store, clk clock.Clock, cfg Config) *Projection {
	return &Projection{
		reg:  reg,
		st:   st,
		clk:  clk,
		cfg:  cfg,
		subs: make(map[string]chan Snapshot),
	}
}

// MarkDirty schedules a publish on the next tick. Wired as the dirty
// hook of both the registry and the store.
func (p *Projection) MarkDirty() {
	p.dirty.Store(true)
}

// Snapshot builds a live snapshot. Reads are never blocked by the
// publish cadence.
func (p *Projection) Snapshot() Snapshot {
	now := p.clk.Now()
	servers := p.reg.Snapshot()

	lastAnnounce := make(map[string]time.Time, len(servers))
	for _, s := range servers {
		lastAnnounce[s.URL] = s.LastAnnounceAt
	}

	sessions := p.st.List()
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{
			Session:     sess,
			Effective:   p.effective(sess, lastAnnounce[sess.ServerURL], now),
			LongRunning: sess.RawStatus.Active() && !sess.BusySince.IsZero() && now.Sub(sess.BusySince) >= p.cfg.LongRunning,
		})
	}

	return Snapshot{Servers: servers, Sessions: views, TakenAt: now}
}

// effective derives the status presenters see: stale when the server
// heartbeat lapsed or the session shut down, busy when actively
// working, idle otherwise.
func (p *Projection) effective(sess *store.Session, heartbeat time.Time, now time.Time) store.Effective {
	if sess.RawStatus == store.StatusShutdown {
		return store.EffectiveStale
	}
	if !heartbeat.IsZero() && now.Sub(heartbeat) > p.cfg.StaleHorizon {
		return store.EffectiveStale
	}
	if sess.RawStatus.Active() {
		return store.EffectiveBusy
	}
	return store.EffectiveIdle
}

// Subscriber receives published snapshots on C.
type Subscriber struct {
	id string
	ch chan Snapshot
	p  *Projection
}

// C returns the snapshot channel.
func (s *Subscriber) C() <-chan Snapshot { return s.ch }

// Close unregisters the subscriber.
func (s *Subscriber) Close() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.p.subs, s.id)
}

// Subscribe registers a new snapshot consumer. The current state is
// delivered on the next publish after any change.
func (p *Projection) Subscribe() *Subscriber {
	sub := &Subscriber{id: id.Generate(), ch: make(chan Snapshot, subscriberBuffer), p: p}
	p.mu.Lock()
	p.subs[sub.id] = sub.ch
	p.mu.Unlock()
	return sub
}

// Run publishes coalesced snapshots on the configured cadence until
// ctx is cancelled.
func (p *Projection) Run(ctx context.Context) {
	ticker := p.clk.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !p.dirty.Swap(false) {
				continue
			}
			p.publish(p.Snapshot())
		}
	}
}

func (p *Projection) publish(snap Snapshot) {
	p.mu.Lock()
	chans := make([]chan Snapshot, 0, len(p.subs))
	for _, ch := range p.subs {
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- snap:
		default:
			// Buffer full: drop the oldest so the latest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	metrics.SnapshotsPublished.Inc()
}
