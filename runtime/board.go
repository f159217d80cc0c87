package runtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bravos/lockagent"
)

// View is what the board currently shows.
type View struct {
	State         lockagent.LockState `json:"state"`
	Notice        string              `json:"notice"`
	Countdown     string              `json:"countdown"`
	PasswordError bool                `json:"passwordError"`
}

// Board is a headless presentation: it keeps the latest values pushed by the
// controller and logs every change. The status API reads it.
type Board struct {
	log *zap.SugaredLogger

	mu   sync.RWMutex
	view View
}

func NewBoard(log *zap.SugaredLogger) *Board {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Board{log: log, view: View{State: lockagent.Locked}}
}

func (b *Board) SetState(s lockagent.LockState) {
	b.mu.Lock()
	changed := b.view.State != s
	b.view.State = s
	b.mu.Unlock()
	if changed {
		b.log.Infow("Overlay state changed", "state", s)
	}
}

func (b *Board) SetNotificationText(text string) {
	b.mu.Lock()
	changed := b.view.Notice != text
	b.view.Notice = text
	b.mu.Unlock()
	if changed {
		b.log.Infow("Notification updated", "notice", text)
	}
}

// SetCountdownText is called once per unit, so changes are only logged at debug.
func (b *Board) SetCountdownText(text string) {
	b.mu.Lock()
	changed := b.view.Countdown != text
	b.view.Countdown = text
	b.mu.Unlock()
	if changed {
		b.log.Debugw("Countdown updated", "countdown", text)
	}
}

func (b *Board) SetPasswordError(on bool) {
	b.mu.Lock()
	changed := b.view.PasswordError != on
	b.view.PasswordError = on
	b.mu.Unlock()
	if changed {
		b.log.Infow("Password error indicator", "visible", on)
	}
}

func (b *Board) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.view
}
