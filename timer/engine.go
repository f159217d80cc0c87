// Package timer runs the agent's named countdowns (granted, block, shutdown).
//
// A single scheduler goroutine owns a min-heap of deadlines and sleeps until the
// earliest one, waking early whenever a run is armed or canceled. Expiry callbacks
// are invoked on the scheduler goroutine while the dispatch lock is held, and Start
// and Cancel take the same lock first: once either returns, a callback for the
// replaced run has either already completed or will never run.
//
// Callbacks must not block and must not call back into the Engine.
package timer

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bravos/lockagent"
)

// BlockFloor is the minimum duration, in units, of a block run.
const BlockFloor = 5

// State of a named timer.
type State int32

const (
	Idle State = iota
	Running
	Expired
	Canceled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Expired:
		return "expired"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ExpireFunc is invoked once when a run expires naturally.
type ExpireFunc func(name lockagent.TimerName, run uint64)

type namedTimer struct {
	name  lockagent.TimerName
	floor int

	state    atomic.Int32
	deadline atomic.Int64 // unix nanos of the current run
	duration atomic.Int64 // effective units of the current or last run

	// guarded by Engine.mu
	run      uint64
	onExpire ExpireFunc
	item     *item
}

// Option configures an Engine.
type Option func(*Engine)

// WithUnit sets the length of one countdown step. Defaults to one second.
func WithUnit(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.unit = d
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine owns the three named timers.
type Engine struct {
	unit time.Duration
	log  *zap.SugaredLogger

	timers map[lockagent.TimerName]*namedTimer // fixed after New

	dispatchMu sync.Mutex
	mu         sync.Mutex
	queue      deadlineHeap
	nextRun    uint64
	closed     bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an Engine and starts its scheduler goroutine.
func New(opts ...Option) *Engine {
	e := &Engine{
		unit:   time.Second,
		log:    zap.NewNop().Sugar(),
		timers: make(map[lockagent.TimerName]*namedTimer, len(lockagent.TimerNames)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	for _, name := range lockagent.TimerNames {
		t := &namedTimer{name: name}
		if name == lockagent.TimerBlock {
			t.floor = BlockFloor
		}
		e.timers[name] = t
	}
	e.wg.Add(1)
	go e.schedule()
	return e
}

// Unit returns the length of one countdown step.
func (e *Engine) Unit() time.Duration { return e.unit }

// Start cancels any current run of name and arms a fresh one for units steps.
// Negative values count as zero; block runs are raised to BlockFloor. Values whose
// duration would overflow time.Duration are capped.
// The returned run id is passed to fn on expiry.
func (e *Engine) Start(name lockagent.TimerName, units int, fn ExpireFunc) (uint64, error) {
	t, ok := e.timers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", lockagent.ErrUnknownTimer, name)
	}
	if units < 0 {
		units = 0
	}
	if units < t.floor {
		units = t.floor
	}
	if limit := e.maxUnits(); int64(units) > limit {
		e.log.Warnw("Capping timer duration", "timer", name, "units", units, "max", limit)
		units = int(limit)
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, lockagent.ErrClosed
	}
	e.stopLocked(t)
	e.nextRun++
	run := e.nextRun
	deadline := time.Now().Add(time.Duration(units) * e.unit)
	t.run = run
	t.onExpire = fn
	t.duration.Store(int64(units))
	t.deadline.Store(deadline.UnixNano())
	t.state.Store(int32(Running))
	it := &item{deadline: deadline, t: t, run: run}
	heap.Push(&e.queue, it)
	t.item = it
	e.mu.Unlock()

	e.signal()
	e.log.Infow("Starting timer", "timer", name, "units", units, "run", run)
	return run, nil
}

// Cancel stops the current run of name without invoking its callback.
// Canceling an idle, expired or canceled timer is a no-op.
func (e *Engine) Cancel(name lockagent.TimerName) error {
	t, ok := e.timers[name]
	if !ok {
		return fmt.Errorf("%w: %q", lockagent.ErrUnknownTimer, name)
	}
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	stopped := e.stopLocked(t)
	e.mu.Unlock()

	if stopped {
		e.signal()
		e.log.Infow("Cancelled timer", "timer", name)
	}
	return nil
}

// CancelAll cancels every timer.
func (e *Engine) CancelAll() {
	for _, name := range lockagent.TimerNames {
		_ = e.Cancel(name)
	}
}

// Close cancels all timers and stops the scheduler. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.CancelAll()
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.wg.Wait()
	})
}

// Remaining returns the whole units left on the current run, rounded up.
// It is zero unless the timer is running.
func (e *Engine) Remaining(name lockagent.TimerName) int {
	t, ok := e.timers[name]
	if !ok || State(t.state.Load()) != Running {
		return 0
	}
	left := time.Until(time.Unix(0, t.deadline.Load()))
	if left <= 0 {
		return 0
	}
	return int((left + e.unit - 1) / e.unit)
}

func (e *Engine) maxUnits() int64 {
	return (math.MaxInt64 - time.Now().UnixNano()) / int64(e.unit)
}

// Running reports whether name has an armed run.
func (e *Engine) Running(name lockagent.TimerName) bool {
	return e.State(name) == Running
}

func (e *Engine) State(name lockagent.TimerName) State {
	t, ok := e.timers[name]
	if !ok {
		return Idle
	}
	return State(t.state.Load())
}

// Duration returns the effective units of the current or most recent run.
func (e *Engine) Duration(name lockagent.TimerName) int {
	t, ok := e.timers[name]
	if !ok {
		return 0
	}
	return int(t.duration.Load())
}

// stopLocked disarms t. Caller holds e.mu.
func (e *Engine) stopLocked(t *namedTimer) bool {
	if State(t.state.Load()) != Running {
		return false
	}
	if t.item != nil && t.item.index >= 0 {
		heap.Remove(&e.queue, t.item.index)
	}
	t.item = nil
	t.onExpire = nil
	t.state.Store(int32(Canceled))
	return true
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

type firing struct {
	name lockagent.TimerName
	run  uint64
	fn   ExpireFunc
}

func (e *Engine) schedule() {
	defer e.wg.Done()

	sleep := time.NewTimer(time.Hour)
	sleep.Stop()
	defer sleep.Stop()

	for {
		next := e.dispatchDue()

		var wakeAt <-chan time.Time
		if next >= 0 {
			sleep.Reset(next)
			wakeAt = sleep.C
		}
		select {
		case <-e.done:
			return
		case <-e.wake:
		case <-wakeAt:
		}
		sleep.Stop()
	}
}

// dispatchDue fires every run whose deadline has passed and returns the wait until
// the next deadline, or -1 when nothing is armed.
func (e *Engine) dispatchDue() time.Duration {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	now := time.Now()
	var due []firing
	for e.queue.Len() > 0 && !e.queue[0].deadline.After(now) {
		it := heap.Pop(&e.queue).(*item)
		t := it.t
		if t.item != it {
			continue
		}
		t.item = nil
		due = append(due, firing{name: t.name, run: it.run, fn: t.onExpire})
		t.onExpire = nil
		t.state.Store(int32(Expired))
	}
	next := time.Duration(-1)
	if e.queue.Len() > 0 {
		next = e.queue[0].deadline.Sub(now)
	}
	e.mu.Unlock()

	for _, f := range due {
		e.log.Infow("Timer expired", "timer", f.name, "run", f.run)
		e.fire(f)
	}
	return next
}

func (e *Engine) fire(f firing) {
	if f.fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("Timer callback panicked", "timer", f.name, "run", f.run, "panic", r)
		}
	}()
	f.fn(f.name, f.run)
}
