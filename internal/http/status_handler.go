package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bravos/lockagent"
	"github.com/bravos/lockagent/runtime"
)

// StatusSource is the read side of the agent.
type StatusSource interface {
	Snapshot() lockagent.Snapshot
}

// Display is what the lock surface is currently showing.
type Display interface {
	View() runtime.View
}

// Inputs is the write side the lock surface would normally drive.
type Inputs interface {
	SubmitPassword(text string)
	RequestShutdown()
	RequestRestart()
}

// TimerStatus holds remaining units per named timer.
type TimerStatus struct {
	Granted  int `json:"granted"`
	Block    int `json:"block"`
	Shutdown int `json:"shutdown"`
}

// Status is the GET /api/status body.
type Status struct {
	State         string             `json:"state"`
	Mode          string             `json:"mode"`
	Notice        string             `json:"notice"`
	Countdown     string             `json:"countdown"`
	PasswordError bool               `json:"passwordError"`
	Timers        TimerStatus        `json:"timers"`
	Device        lockagent.Identity `json:"device"`
	Connected     bool               `json:"connected"`
	Display       *runtime.View      `json:"display,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt,omitempty"`
}

// StatusHandler serves the latest published snapshot. connected and display may be nil.
func StatusHandler(src StatusSource, id lockagent.Identity, connected func() bool, display Display) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src.Snapshot()
		out := Status{
			State:         snap.State.String(),
			Mode:          snap.Mode.String(),
			Notice:        snap.Notice,
			Countdown:     snap.Countdown,
			PasswordError: snap.PasswordError,
			Timers: TimerStatus{
				Granted:  snap.Remaining[lockagent.TimerGranted],
				Block:    snap.Remaining[lockagent.TimerBlock],
				Shutdown: snap.Remaining[lockagent.TimerShutdown],
			},
			Device:    id,
			UpdatedAt: snap.UpdatedAt,
		}
		if connected != nil {
			out.Connected = connected()
		}
		if display != nil {
			v := display.View()
			out.Display = &v
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type passwordRequest struct {
	Password string `json:"password"`
}

// PasswordHandler forwards a submitted password. The outcome shows up in the status.
func PasswordHandler(in Inputs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req passwordRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeCORS(w)
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.Password == "" {
			writeCORS(w)
			http.Error(w, lockagent.ErrEmptyPassword.Error(), http.StatusBadRequest)
			return
		}
		in.SubmitPassword(req.Password)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
	}
}

// PowerHandler serves POST /api/power/{action}.
func PowerHandler(in Inputs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := mux.Vars(r)["action"]
		switch action {
		case "shutdown":
			in.RequestShutdown()
		case "restart":
			in.RequestRestart()
		default:
			writeCORS(w)
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested", "action": action})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
