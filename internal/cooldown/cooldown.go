package cooldown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a restartable countdown. The zero value is not usable; build one
// with New.
type Timer struct {
	clock  clockwork.Clock
	period time.Duration
	tick   time.Duration
	onTick func(remaining int)

	mu       sync.Mutex
	deadline time.Time
	stop     chan struct{}
	done     chan struct{}
}

// New returns a stopped Timer. period is the full cooldown (60s for resends),
// tick the publish cadence. onTick, when non-nil, is called from the ticker
// goroutine with the remaining whole seconds after every tick.
func New(clock clockwork.Clock, period, tick time.Duration, onTick func(remaining int)) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if tick <= 0 {
		tick = time.Second
	}
	done := make(chan struct{})
	close(done)
	return &Timer{
		clock:  clock,
		period: period,
		tick:   tick,
		onTick: onTick,
		done:   done,
	}
}

// Restart resets the countdown to the full period and (re)starts the ticker.
func (t *Timer) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.deadline = t.clock.Now().Add(t.period)

	ticker := t.clock.NewTicker(t.tick)
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop = stop
	t.done = done

	go t.run(ticker, stop, done)
}

func (t *Timer) run(ticker clockwork.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			remaining := t.Remaining()
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if remaining == 0 {
				t.mu.Lock()
				if t.stop == stop {
					t.stop = nil
				}
				t.mu.Unlock()
				return
			}
		}
	}
}

// Remaining reports whole seconds left, rounded up, never below zero.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	deadline := t.deadline
	t.mu.Unlock()

	if deadline.IsZero() {
		return 0
	}
	left := deadline.Sub(t.clock.Now())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// Active reports whether the countdown has time left.
func (t *Timer) Active() bool {
	return t.Remaining() > 0
}

// Stop cancels the ticker and zeroes the countdown. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.deadline = time.Time{}
}

func (t *Timer) stopLocked() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Done is closed once the current ticker goroutine exits, either because the
// countdown reached zero or because Stop or Restart cancelled it.
func (t *Timer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
