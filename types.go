package lockagent

import (
	"fmt"
	"time"
)

// LockState is what the presentation surface must display.
type LockState int

const (
	Unlocked LockState = iota
	Locked
	NotificationOnly
	ShutdownWarning
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	case NotificationOnly:
		return "notification"
	case ShutdownWarning:
		return "shutdown_warning"
	default:
		return "unknown"
	}
}

// ParseLockState is the inverse of LockState.String.
func ParseLockState(s string) (LockState, bool) {
	for _, st := range []LockState{Unlocked, Locked, NotificationOnly, ShutdownWarning} {
		if st.String() == s {
			return st, true
		}
	}
	return Locked, false
}

func (s LockState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LockState) UnmarshalText(b []byte) error {
	st, ok := ParseLockState(string(b))
	if !ok {
		return fmt.Errorf("unknown lock state %q", b)
	}
	*s = st
	return nil
}

// Mode tells which authority currently decides unlocks.
type Mode int

const (
	// ModePending is the mode until the first connection attempt resolves.
	ModePending Mode = iota
	ModeOnline
	ModeEmergencyOffline
)

func (m Mode) String() string {
	switch m {
	case ModePending:
		return "pending"
	case ModeOnline:
		return "online"
	case ModeEmergencyOffline:
		return "emergency_offline"
	default:
		return "unknown"
	}
}

type TimerName string

const (
	TimerGranted  TimerName = "granted"
	TimerBlock    TimerName = "block"
	TimerShutdown TimerName = "shutdown"
)

// TimerNames lists the three timers in a stable order.
var TimerNames = []TimerName{TimerGranted, TimerBlock, TimerShutdown}

// Identity identifies this device to the remote authority. Resolved once at startup.
type Identity struct {
	DeviceID   string `json:"id"`
	DeviceName string `json:"name"`
}

// Snapshot is a point-in-time copy of the policy state for read-only consumers.
type Snapshot struct {
	State         LockState
	Mode          Mode
	Notice        string
	Countdown     string
	PasswordError bool
	Remaining     map[TimerName]int
	UpdatedAt     time.Time
}

// Presentation receives the state the lock surface should render.
type Presentation interface {
	SetState(LockState)
	SetNotificationText(string)
	SetCountdownText(string)
	SetPasswordError(bool)
}

// PowerController performs privileged OS power actions. Outcomes are not inspected.
type PowerController interface {
	Shutdown()
	Restart()
}

// Sender delivers outbound directives to the remote authority.
type Sender interface {
	Send(text string)
}
