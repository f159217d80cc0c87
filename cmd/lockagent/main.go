package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bravos/lockagent"
	"github.com/bravos/lockagent/internal/logging"
	"github.com/bravos/lockagent/internal/metrics"
	"github.com/bravos/lockagent/internal/server"
	"github.com/bravos/lockagent/policy"
	"github.com/bravos/lockagent/runtime"
	"github.com/bravos/lockagent/timer"
)

// lockagent: connects to the control server, enforces the lock policy and serves the
// local status API until SIGINT or SIGTERM.
func main() {
	configPath := flag.String("config", os.Getenv("LOCKAGENT_CONFIG"), "path to YAML config file")
	flag.Parse()

	opts, err := lockagent.LoadOptions(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	base := logging.New(opts.Logging.Level, opts.Logging.Format)
	defer func() { _ = base.Sync() }()
	log := base.Named(logging.ComponentAgent).Sugar()

	if err := run(opts, base); err != nil {
		log.Fatalw("Agent stopped with error", "error", err)
	}
	log.Infow("Application shutdown complete")
}

func run(opts lockagent.Options, base *zap.Logger) error {
	log := base.Named(logging.ComponentAgent).Sugar()
	named := func(component string) *zap.SugaredLogger { return base.Named(component).Sugar() }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("Starting agent", "endpoint", opts.Endpoint, "reconnect", opts.Reconnect.Enabled, "dryRun", opts.Power.DryRun)

	m := metrics.New()
	id := runtime.ResolveIdentity(ctx, named(logging.ComponentIdentity))

	timers := timer.New(timer.WithLogger(named(logging.ComponentTimers)))
	defer timers.Close()

	board := runtime.NewBoard(named(logging.ComponentBoard))
	power := runtime.NewPower(opts.Power.DryRun, named(logging.ComponentPower))
	conn := runtime.NewConnection(
		runtime.WithConnectionLogger(named(logging.ComponentConnection)),
		runtime.WithConnectionMetrics(m),
		runtime.WithHandshake(opts.Origin, opts.ClientIdentity),
		runtime.WithTimeouts(opts.HandshakeTimeout, opts.PollInterval, opts.WriteTimeout),
	)

	ctrl, err := policy.New(policy.Config{
		EmergencyPassword:     opts.Emergency.Password,
		EmergencyPasswordHash: opts.Emergency.PasswordHash,
		EmergencyGrant:        opts.Emergency.GrantSeconds,
		AllowReconnect:        opts.Reconnect.Enabled,
	}, timers, conn, board, power,
		policy.WithLogger(named(logging.ComponentPolicy)),
		policy.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	var rec *runtime.Reconnector
	if opts.Reconnect.Enabled {
		rec = runtime.NewReconnector(conn, opts.Endpoint, id, opts.Reconnect, opts.ConnectTimeout, named(logging.ComponentReconnect))
	}

	conn.OnMessage(ctrl.HandleMessage)
	conn.OnConnectivity(func(up bool) {
		ctrl.HandleConnectivity(up)
		if rec != nil {
			rec.Notify(up)
		}
	})
	ctrl.Start()
	defer ctrl.Stop()
	defer conn.Disconnect()

	g, gctx := errgroup.WithContext(ctx)

	if opts.Status.Enabled {
		_, addr, errCh, err := server.StartStatusServer(gctx, server.StatusConfig{
			ListenAddr: opts.Status.ListenAddr,
			Agent:      ctrl,
			Identity:   id,
			Connected:  conn.Connected,
			Board:      board,
			Metrics:    m,
			Logger:     named(logging.ComponentStatus),
		})
		if err != nil {
			return fmt.Errorf("start status API: %w", err)
		}
		log.Infow("Status API started", "addr", addr.String())
		g.Go(func() error {
			if err := <-errCh; err != nil {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
	}

	if err := conn.Connect(gctx, opts.Endpoint, id); err != nil {
		log.Errorw("Failed to start connection", "error", err)
	}
	connected := conn.WaitForConnection(opts.ConnectTimeout)
	if connected {
		log.Infow("Connected to server, online mode")
	} else {
		log.Warnw("Could not connect to server, emergency offline mode", "waited", opts.ConnectTimeout)
	}
	ctrl.Resolve(connected)

	if rec != nil {
		if !connected {
			rec.Notify(false)
		}
		g.Go(func() error { return rec.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("Shutdown requested")
		return nil
	})
	return g.Wait()
}
