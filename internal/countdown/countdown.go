// Package countdown tracks the answer window of the current question, either
// from a declared time limit counted down locally or from hub tick events.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source identifies which signal owns the current question's countdown.
type Source int

const (
	SourceNone Source = iota
	SourceLocal
	SourceHub
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceHub:
		return "hub"
	default:
		return "none"
	}
}

// Option configures a Timer.
type Option func(*Timer)

// WithOnTick registers a display callback fired with the remaining whole seconds.
func WithOnTick(fn func(questionID string, remaining int)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// WithOnExpire registers the callback fired once when a question's window closes.
func WithOnExpire(fn func(questionID string)) Option {
	return func(t *Timer) { t.onExpire = fn }
}

// Timer is owned by a single question at a time. Whichever source reports first
// for a question keeps it until Reset or a different question arrives.
type Timer struct {
	clock    clockwork.Clock
	onTick   func(string, int)
	onExpire func(string)

	mu         sync.Mutex
	gen        uint64
	questionID string
	source     Source
	deadline   time.Time
	remaining  int
	expired    bool
	stop       chan struct{}
}

func New(clock clockwork.Clock, opts ...Option) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Timer{clock: clock}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a local countdown of limit for questionID. It returns false if
// limit is not positive or the hub already drives this question.
func (t *Timer) Start(questionID string, limit time.Duration) bool {
	if limit <= 0 {
		return false
	}

	t.mu.Lock()
	if t.questionID == questionID && t.source != SourceNone {
		t.mu.Unlock()
		return false
	}
	t.resetLocked()
	t.questionID = questionID
	t.source = SourceLocal
	t.deadline = t.clock.Now().Add(limit)
	gen := t.gen
	stop := t.stop
	ticker := t.clock.NewTicker(time.Second)
	t.mu.Unlock()

	go t.run(gen, questionID, ticker, stop)
	return true
}

func (t *Timer) run(gen uint64, questionID string, ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			if t.gen != gen {
				t.mu.Unlock()
				return
			}
			remaining := secondsUntil(t.clock.Now(), t.deadline)
			fire := remaining <= 0 && !t.expired
			if fire {
				t.expired = true
			}
			t.mu.Unlock()

			if t.onTick != nil && t.current(gen) {
				t.onTick(questionID, remaining)
			}
			if remaining <= 0 {
				if fire && t.onExpire != nil && t.current(gen) {
					t.onExpire(questionID)
				}
				return
			}
		}
	}
}

// Tick applies a hub-driven remaining count for questionID. Ticks for a
// question already counted down locally are ignored.
func (t *Timer) Tick(questionID string, remaining int) bool {
	t.mu.Lock()
	if t.questionID == questionID && t.source == SourceLocal {
		t.mu.Unlock()
		return false
	}
	if t.questionID != questionID {
		t.resetLocked()
		t.questionID = questionID
	}
	t.source = SourceHub
	if remaining < 0 {
		remaining = 0
	}
	t.remaining = remaining
	fire := remaining == 0 && !t.expired
	if fire {
		t.expired = true
	}
	gen := t.gen
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(questionID, remaining)
	}
	if fire && t.onExpire != nil && t.current(gen) {
		t.onExpire(questionID)
	}
	return true
}

func (t *Timer) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

// Expired reports whether the answer window for questionID has closed. Local
// countdowns are checked against the clock, not the last delivered tick.
func (t *Timer) Expired(questionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.questionID != questionID {
		return false
	}
	switch t.source {
	case SourceLocal:
		return !t.clock.Now().Before(t.deadline)
	case SourceHub:
		return t.expired
	default:
		return false
	}
}

// Remaining returns the whole seconds left for questionID, or -1 when no
// countdown runs for it.
func (t *Timer) Remaining(questionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.questionID != questionID {
		return -1
	}
	switch t.source {
	case SourceLocal:
		return secondsUntil(t.clock.Now(), t.deadline)
	case SourceHub:
		return t.remaining
	default:
		return -1
	}
}

// Owner returns the question and source currently driving the timer.
func (t *Timer) Owner() (string, Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.questionID, t.source
}

// Reset cancels any running countdown. Pending callbacks of the cancelled
// countdown are dropped, but one already dispatched on another goroutine may
// still run. Reset may be called from inside a callback.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
}

func (t *Timer) resetLocked() {
	t.gen++
	if t.stop != nil {
		close(t.stop)
	}
	t.stop = make(chan struct{})
	t.questionID = ""
	t.source = SourceNone
	t.deadline = time.Time{}
	t.remaining = 0
	t.expired = false
}

func secondsUntil(now, deadline time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
