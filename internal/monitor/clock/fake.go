package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when
// Advance is called; pending After waiters and tickers fire in order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now
		return w.ch
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake time forward, firing any timers and ticker
// ticks that fall within the window, in chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var earliest time.Time
		fire := false

		for _, w := range f.waiters {
			if !w.at.After(target) && (!fire || w.at.Before(earliest)) {
				earliest = w.at
				fire = true
			}
		}
		for _, t := range f.tickers {
			if !t.stopped && !t.next.After(target) && (!fire || t.next.Before(earliest)) {
				earliest = t.next
				fire = true
			}
		}
		if !fire {
			break
		}

		f.now = earliest
		remaining := f.waiters[:0]
		for _, w := range f.waiters {
			if !w.at.After(f.now) {
				w.ch <- f.now
			} else {
				remaining = append(remaining, w)
			}
		}
		f.waiters = remaining

		for _, t := range f.tickers {
			if !t.stopped && !t.next.After(f.now) {
				select {
				case t.ch <- f.now:
				default:
					// Tick dropped when the consumer is behind, same
					// as time.Ticker.
				}
				t.next = f.now.Add(t.period)
			}
		}
	}

	f.now = target
	f.mu.Unlock()
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
