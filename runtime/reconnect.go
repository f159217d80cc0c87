package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bravos/lockagent"
)

// Link is the part of Connection the reconnector drives.
type Link interface {
	Connect(ctx context.Context, endpoint string, id lockagent.Identity) error
	WaitForConnection(timeout time.Duration) bool
	Connected() bool
}

// Reconnector redials the authority with exponential backoff after the link drops.
// It only runs when reconnect is enabled in the config.
type Reconnector struct {
	link     Link
	endpoint string
	id       lockagent.Identity
	cfg      lockagent.ReconnectConfig
	wait     time.Duration
	log      *zap.SugaredLogger

	trigger chan struct{}
}

// NewReconnector builds a reconnector; wait bounds each attempt's WaitForConnection.
func NewReconnector(link Link, endpoint string, id lockagent.Identity, cfg lockagent.ReconnectConfig, wait time.Duration, log *zap.SugaredLogger) *Reconnector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconnector{
		link:     link,
		endpoint: endpoint,
		id:       id,
		cfg:      cfg,
		wait:     wait,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// Notify takes connectivity transitions; a loss schedules a reconnect cycle.
func (r *Reconnector) Notify(up bool) {
	if up {
		return
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run serves reconnect cycles until ctx is done.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			if err := r.reconnect(ctx); err != nil && ctx.Err() == nil {
				r.log.Errorw("Giving up on reconnect", "error", err)
			}
		}
	}
}

func (r *Reconnector) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = r.cfg.MaxElapsed

	attempt := 0
	op := func() error {
		if r.link.Connected() {
			return nil
		}
		attempt++
		if err := r.link.Connect(ctx, r.endpoint, r.id); err != nil {
			return backoff.Permanent(err)
		}
		if !r.link.WaitForConnection(r.wait) {
			return lockagent.ErrConnectTimeout
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.log.Warnw("Reconnect attempt failed", "attempt", attempt, "error", err, "retryIn", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	r.log.Infow("Reconnected to server", "attempts", attempt)
	return nil
}
