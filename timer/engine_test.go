package timer

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravos/lockagent"
)

const testUnit = 10 * time.Millisecond

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(WithUnit(testUnit))
	t.Cleanup(e.Close)
	return e
}

type recorder struct {
	mu   sync.Mutex
	runs []uint64
	ch   chan uint64
}

func newRecorder() *recorder { return &recorder{ch: make(chan uint64, 16)} }

func (r *recorder) fn(_ lockagent.TimerName, run uint64) {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	r.ch <- run
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func TestBlockFloor(t *testing.T) {
	e := newTestEngine(t)
	for n := 0; n < BlockFloor; n++ {
		_, err := e.Start(lockagent.TimerBlock, n, nil)
		require.NoError(t, err)
		assert.Equal(t, BlockFloor, e.Duration(lockagent.TimerBlock), "n=%d", n)
	}
	for _, n := range []int{5, 6, 42} {
		_, err := e.Start(lockagent.TimerBlock, n, nil)
		require.NoError(t, err)
		assert.Equal(t, n, e.Duration(lockagent.TimerBlock), "n=%d", n)
	}
}

func TestBlockFloorTiming(t *testing.T) {
	e := newTestEngine(t)
	rec := newRecorder()
	start := time.Now()
	_, err := e.Start(lockagent.TimerBlock, 1, rec.fn)
	require.NoError(t, err)

	select {
	case <-rec.ch:
		assert.GreaterOrEqual(t, time.Since(start), BlockFloor*testUnit)
	case <-time.After(time.Second):
		t.Fatal("block timer did not fire")
	}
}

func TestZeroFiresPromptly(t *testing.T) {
	e := New() // one-second unit
	defer e.Close()
	rec := newRecorder()
	_, err := e.Start(lockagent.TimerGranted, 0, rec.fn)
	require.NoError(t, err)
	select {
	case <-rec.ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("zero-length run did not fire promptly")
	}
	assert.Equal(t, Expired, e.State(lockagent.TimerGranted))
}

func TestExpiresExactlyOnce(t *testing.T) {
	e := newTestEngine(t)
	rec := newRecorder()
	run, err := e.Start(lockagent.TimerShutdown, 2, rec.fn)
	require.NoError(t, err)

	select {
	case got := <-rec.ch:
		assert.Equal(t, run, got)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(5 * testUnit)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, Expired, e.State(lockagent.TimerShutdown))
	assert.Equal(t, 0, e.Remaining(lockagent.TimerShutdown))
}

func TestCancelSuppressesCallback(t *testing.T) {
	e := newTestEngine(t)
	rec := newRecorder()
	_, err := e.Start(lockagent.TimerGranted, 3, rec.fn)
	require.NoError(t, err)
	require.True(t, e.Running(lockagent.TimerGranted))

	require.NoError(t, e.Cancel(lockagent.TimerGranted))
	assert.Equal(t, Canceled, e.State(lockagent.TimerGranted))
	time.Sleep(6 * testUnit)
	assert.Equal(t, 0, rec.count())
}

func TestCancelThenRestartNeverDeliversOldRun(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 50; i++ {
		var stale atomic.Int32
		oldRun, err := e.Start(lockagent.TimerGranted, 0, func(_ lockagent.TimerName, run uint64) {
			stale.Add(1)
		})
		require.NoError(t, err)
		require.NoError(t, e.Cancel(lockagent.TimerGranted))
		firedBefore := stale.Load()

		fresh := newRecorder()
		newRun, err := e.Start(lockagent.TimerGranted, 1, fresh.fn)
		require.NoError(t, err)
		require.NotEqual(t, oldRun, newRun)

		select {
		case got := <-fresh.ch:
			assert.Equal(t, newRun, got)
		case <-time.After(time.Second):
			t.Fatal("restarted timer did not fire")
		}
		// A zero-length run may legitimately expire before Cancel; it must never fire after.
		assert.Equal(t, firedBefore, stale.Load())
	}
}

func TestRestartReplacesRun(t *testing.T) {
	e := newTestEngine(t)
	first := newRecorder()
	second := newRecorder()
	_, err := e.Start(lockagent.TimerGranted, 3, first.fn)
	require.NoError(t, err)
	run2, err := e.Start(lockagent.TimerGranted, 4, second.fn)
	require.NoError(t, err)

	select {
	case got := <-second.ch:
		assert.Equal(t, run2, got)
	case <-time.After(time.Second):
		t.Fatal("second run did not fire")
	}
	assert.Equal(t, 0, first.count())
}

func TestRemainingDecreases(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Start(lockagent.TimerShutdown, 20, nil)
	require.NoError(t, err)

	r1 := e.Remaining(lockagent.TimerShutdown)
	assert.LessOrEqual(t, r1, 20)
	assert.Greater(t, r1, 15)
	time.Sleep(5 * testUnit)
	r2 := e.Remaining(lockagent.TimerShutdown)
	assert.Less(t, r2, r1)
	assert.True(t, e.Running(lockagent.TimerShutdown))
}

func TestCancelIdleAndUnknown(t *testing.T) {
	e := newTestEngine(t)
	assert.NoError(t, e.Cancel(lockagent.TimerBlock))
	assert.Equal(t, Idle, e.State(lockagent.TimerBlock))

	_, err := e.Start("nope", 1, nil)
	assert.ErrorIs(t, err, lockagent.ErrUnknownTimer)
	assert.ErrorIs(t, e.Cancel("nope"), lockagent.ErrUnknownTimer)
}

func TestCancelAllAndClose(t *testing.T) {
	e := New(WithUnit(testUnit))
	rec := newRecorder()
	for _, name := range lockagent.TimerNames {
		_, err := e.Start(name, 10, rec.fn)
		require.NoError(t, err)
	}
	e.CancelAll()
	for _, name := range lockagent.TimerNames {
		assert.False(t, e.Running(name))
	}
	e.Close()
	e.Close()

	_, err := e.Start(lockagent.TimerGranted, 1, rec.fn)
	assert.ErrorIs(t, err, lockagent.ErrClosed)
	time.Sleep(12 * testUnit)
	assert.Equal(t, 0, rec.count())
}

func TestCallbackPanicIsContained(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Start(lockagent.TimerGranted, 0, func(lockagent.TimerName, uint64) { panic("boom") })
	require.NoError(t, err)

	rec := newRecorder()
	_, err = e.Start(lockagent.TimerShutdown, 1, rec.fn)
	require.NoError(t, err)
	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped after a panicking callback")
	}
}

func TestHugeDurationDoesNotWrap(t *testing.T) {
	e := New() // one-second unit
	defer e.Close()
	rec := newRecorder()
	_, err := e.Start(lockagent.TimerGranted, 10_000_000_000, rec.fn)
	require.NoError(t, err)
	_, err = e.Start(lockagent.TimerBlock, math.MaxInt, rec.fn)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.True(t, e.Running(lockagent.TimerGranted))
	assert.True(t, e.Running(lockagent.TimerBlock))
	assert.Greater(t, e.Remaining(lockagent.TimerGranted), 9_000_000_000)
	assert.Greater(t, e.Remaining(lockagent.TimerBlock), 0)
	assert.Less(t, e.Duration(lockagent.TimerBlock), math.MaxInt)
}
