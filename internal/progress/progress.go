// Package progress implements the feedback sink used by long-running
// transfers and provisioning steps. Updates are throttled so embedding UIs
// are not flooded; the terminal 100% update always fires.
package progress

import (
	"sync"
	"time"
)

// DefaultThrottle is the minimum wall-time distance between two non-final
// progress events.
const DefaultThrottle = 500 * time.Millisecond

// UpdateFunc receives throttled position/total updates. total is zero when
// the payload size is unknown; pos is then best-effort.
type UpdateFunc func(pos, total int64)

// Task is a single unit of trackable work.
type Task struct {
	mu        sync.Mutex
	pos       int64
	total     int64
	lastEvent time.Time
	throttle  time.Duration
	now       func() time.Time
	onUpdate  UpdateFunc
	onDone    func(message string)
	done      bool
}

// Option mutates a Task at construction.
type Option func(*Task)

// WithThrottle overrides the event throttle interval.
func WithThrottle(d time.Duration) Option {
	return func(t *Task) { t.throttle = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Task) { t.now = now }
}

// WithCompletion registers a callback fired once by Complete.
func WithCompletion(fn func(message string)) Option {
	return func(t *Task) { t.onDone = fn }
}

// New creates a task delivering throttled updates to fn. fn may be nil, in
// which case the task only tracks position.
func New(fn UpdateFunc, opts ...Option) *Task {
	t := &Task{
		throttle: DefaultThrottle,
		now:      time.Now,
		onUpdate: fn,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetMax sets the denominator for subsequent updates.
func (t *Task) SetMax(total int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Update records the new position and forwards it to the update callback,
// unless a previous event fired within the throttle window. The event at
// pos == total is never suppressed.
func (t *Task) Update(pos int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.pos = pos
	total := t.total
	final := total != 0 && pos >= total
	if !final && t.now().Sub(t.lastEvent) < t.throttle {
		t.mu.Unlock()
		return
	}
	t.lastEvent = t.now()
	fn := t.onUpdate
	t.mu.Unlock()

	if fn != nil {
		fn(pos, total)
	}
}

// Complete marks the task done and fires the completion callback once.
func (t *Task) Complete(message string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	fn := t.onDone
	t.mu.Unlock()

	if fn != nil {
		fn(message)
	}
}

// Position returns the last recorded position and total.
func (t *Task) Position() (pos, total int64) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos, t.total
}
