package policy

import (
	"sync"

	"github.com/bravos/lockagent"
)

type eventKind int

const (
	evResolve eventKind = iota
	evMessage
	evConnectivity
	evExpired
	evPassword
	evShutdownRequest
	evRestartRequest
	evBarrier
)

func (k eventKind) String() string {
	switch k {
	case evResolve:
		return "resolve"
	case evMessage:
		return "message"
	case evConnectivity:
		return "connectivity"
	case evExpired:
		return "expired"
	case evPassword:
		return "password"
	case evShutdownRequest:
		return "shutdown_request"
	case evRestartRequest:
		return "restart_request"
	case evBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// event is one trigger waiting to be applied by the worker.
type event struct {
	kind      eventKind
	text      string
	connected bool
	timer     lockagent.TimerName
	run       uint64
	reply     chan struct{}
}

// funnel is an ordered, unbounded queue with a single consumer. Posting never
// blocks, so timer callbacks and the read goroutine cannot stall on a busy worker.
type funnel struct {
	mu     sync.Mutex
	items  []event
	closed bool
	ready  chan struct{}
}

func newFunnel() *funnel {
	return &funnel{ready: make(chan struct{}, 1)}
}

func (f *funnel) post(ev event) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, ev)
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued event in arrival order.
func (f *funnel) drain() []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items
	f.items = nil
	return items
}

func (f *funnel) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
