package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bravos/lockagent"
)

// RouterConfig wires the status API. Display and Metrics may be nil.
type RouterConfig struct {
	Status    StatusSource
	Inputs    Inputs
	Identity  lockagent.Identity
	Connected func() bool
	Display   Display
	Metrics   http.Handler
}

func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", StatusHandler(cfg.Status, cfg.Identity, cfg.Connected, cfg.Display)).Methods(http.MethodGet)
	r.HandleFunc("/api/password", PasswordHandler(cfg.Inputs)).Methods(http.MethodPost)
	r.HandleFunc("/api/power/{action}", PowerHandler(cfg.Inputs)).Methods(http.MethodPost)
	r.PathPrefix("/api/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	return r
}
