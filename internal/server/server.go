package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bravos/lockagent"
	api "github.com/bravos/lockagent/internal/http"
	"github.com/bravos/lockagent/internal/metrics"
	"github.com/bravos/lockagent/runtime"
)

// StatusConfig configures the local status HTTP server.
type StatusConfig struct {
	ListenAddr   string             // address to bind (e.g. 127.0.0.1:8091)
	Agent        Agent              // required
	Identity     lockagent.Identity // reported under "device"
	Connected    func() bool        // optional
	Board        *runtime.Board     // optional; reported under "display"
	Metrics      *metrics.Metrics   // optional; /metrics is only mounted when set
	Logger       *zap.SugaredLogger // optional
	ReadTimeout  time.Duration      // optional
	WriteTimeout time.Duration      // optional
	IdleTimeout  time.Duration      // optional
}

// Agent is the controller surface the status API reads and drives.
type Agent interface {
	api.StatusSource
	api.Inputs
}

var ErrNilAgent = errors.New("status server: agent is nil")

// StartStatusServer binds the listener and serves the status API in the background.
// Bind failures are returned immediately; later serve errors arrive on the channel,
// which is closed when the server stops. The server shuts down when ctx is canceled.
func StartStatusServer(ctx context.Context, cfg StatusConfig) (*http.Server, net.Addr, <-chan error, error) {
	if cfg.Agent == nil {
		return nil, nil, nil, ErrNilAgent
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8091"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	rc := api.RouterConfig{
		Status:    cfg.Agent,
		Inputs:    cfg.Agent,
		Identity:  cfg.Identity,
		Connected: cfg.Connected,
	}
	if cfg.Board != nil {
		rc.Display = cfg.Board
	}
	if cfg.Metrics != nil {
		rc.Metrics = cfg.Metrics.Handler()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(rc),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, nil, err
	}

	errCh := make(chan error, 1)

	go func() {
		cfg.Logger.Infow("Status API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			cfg.Logger.Warnw("Status API shutdown", "error", err)
		}
	}()

	return srv, ln.Addr(), errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
