package policy

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/bravos/lockagent"
)

const (
	eventUnlock       = "unlock"
	eventLock         = "lock"
	eventNotify       = "notify"
	eventWarnShutdown = "warn_shutdown"
)

// lockMachine tracks the presentation state. Every state is reachable from every
// other; the machine exists to log and validate transitions in one place.
type lockMachine struct {
	f *fsm.FSM
}

func newLockMachine(log *zap.SugaredLogger) *lockMachine {
	all := []string{
		lockagent.Unlocked.String(),
		lockagent.Locked.String(),
		lockagent.NotificationOnly.String(),
		lockagent.ShutdownWarning.String(),
	}
	return &lockMachine{f: fsm.NewFSM(
		lockagent.Locked.String(),
		fsm.Events{
			{Name: eventUnlock, Src: all, Dst: lockagent.Unlocked.String()},
			{Name: eventLock, Src: all, Dst: lockagent.Locked.String()},
			{Name: eventNotify, Src: all, Dst: lockagent.NotificationOnly.String()},
			{Name: eventWarnShutdown, Src: all, Dst: lockagent.ShutdownWarning.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("Lock state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)}
}

func eventFor(s lockagent.LockState) string {
	switch s {
	case lockagent.Unlocked:
		return eventUnlock
	case lockagent.NotificationOnly:
		return eventNotify
	case lockagent.ShutdownWarning:
		return eventWarnShutdown
	default:
		return eventLock
	}
}

// transition moves to s and reports whether the state changed.
func (m *lockMachine) transition(ctx context.Context, s lockagent.LockState) (bool, error) {
	err := m.f.Event(ctx, eventFor(s))
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *lockMachine) current() lockagent.LockState {
	s, _ := lockagent.ParseLockState(m.f.Current())
	return s
}
