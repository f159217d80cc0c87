// Package policy decides whether the device is locked, for how long and why.
//
// Every trigger (authority messages, connectivity changes, timer expiries, local
// password and power requests) is posted to one ordered queue and applied by a
// single worker goroutine, which exclusively owns the lock state, the operating
// mode and the ids of the timer runs it armed.
package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bravos/lockagent"
	"github.com/bravos/lockagent/internal/metrics"
	"github.com/bravos/lockagent/timer"
	"github.com/bravos/lockagent/translate"
)

// Notices shown by the presentation.
const (
	NoticeConnected   = "Connected. Enter password to unlock."
	NoticeOffline     = "Offline mode. Use emergency password."
	NoticeLost        = "Connection lost. Use emergency password."
	NoticeReconnected = "Reconnected. Enter password to unlock."
	NoticeExpired     = "Time expired. Enter password to unlock."
	NoticeBlocked     = "Access blocked. Enter password to unlock."
	NoticeWrong       = "Wrong password. Please try again."
)

// DefaultEmergencyGrant is the grant, in timer units, for a correct emergency password.
const DefaultEmergencyGrant = 3600

// Config holds the local-authority settings.
type Config struct {
	EmergencyPassword     string
	EmergencyPasswordHash string
	EmergencyGrant        int
	// AllowReconnect lets a connectivity(true) event restore online mode after a fallback.
	AllowReconnect bool
}

type Option func(*Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the lock policy state machine.
type Controller struct {
	cfg     Config
	cred    credential
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	timers *timer.Engine
	sender lockagent.Sender
	pres   lockagent.Presentation
	power  lockagent.PowerController

	queue *funnel
	snap  atomic.Pointer[lockagent.Snapshot]

	// owned by the worker
	machine       *lockMachine
	mode          lockagent.Mode
	notice        string
	countdown     string
	passwordError bool
	pendingLost   bool
	runs          map[lockagent.TimerName]uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New wires a controller to its collaborators. Call Start to run the worker.
func New(cfg Config, timers *timer.Engine, sender lockagent.Sender, pres lockagent.Presentation, power lockagent.PowerController, opts ...Option) (*Controller, error) {
	if timers == nil || sender == nil || pres == nil || power == nil {
		return nil, lockagent.ErrNilCollaborator
	}
	if cfg.EmergencyGrant <= 0 {
		cfg.EmergencyGrant = DefaultEmergencyGrant
	}
	c := &Controller{
		cfg:     cfg,
		cred:    credential{plain: cfg.EmergencyPassword, hash: []byte(cfg.EmergencyPasswordHash)},
		log:     zap.NewNop().Sugar(),
		timers:  timers,
		sender:  sender,
		pres:    pres,
		power:   power,
		queue:   newFunnel(),
		mode:    lockagent.ModePending,
		runs:    make(map[lockagent.TimerName]uint64, len(lockagent.TimerNames)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.machine = newLockMachine(c.log)
	c.publish()
	return c, nil
}

// Start launches the worker goroutine.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.metrics.SetMode(c.mode)
		c.metrics.SetLockState(c.machine.current())
		go c.run()
	})
}

// Stop cancels all timers and stops the worker. Safe to call more than once, and
// before Start.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.queue.close()
		c.timers.CancelAll()
		close(c.done)
		// Never started: nothing will close stopped for us.
		c.startOnce.Do(func() { close(c.stopped) })
		<-c.stopped
		c.log.Info("Policy controller stopped")
	})
}

// Resolve records the outcome of the initial connection attempt.
func (c *Controller) Resolve(connected bool) { c.post(event{kind: evResolve, connected: connected}) }

// HandleMessage accepts one inbound directive. Safe from any goroutine.
func (c *Controller) HandleMessage(text string) { c.post(event{kind: evMessage, text: text}) }

// HandleConnectivity accepts an open/close transition of the authority connection.
func (c *Controller) HandleConnectivity(connected bool) {
	c.post(event{kind: evConnectivity, connected: connected})
}

// SubmitPassword accepts a password typed on the lock surface.
func (c *Controller) SubmitPassword(text string) { c.post(event{kind: evPassword, text: text}) }

func (c *Controller) RequestShutdown() { c.post(event{kind: evShutdownRequest}) }

func (c *Controller) RequestRestart() { c.post(event{kind: evRestartRequest}) }

// Sync returns once every event posted before it has been applied.
func (c *Controller) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	if !c.post(event{kind: evBarrier, reply: reply}) {
		return lockagent.ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-c.stopped:
		return lockagent.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state as of the last applied event or countdown tick.
func (c *Controller) Snapshot() lockagent.Snapshot {
	return *c.snap.Load()
}

func (c *Controller) post(ev event) bool {
	if !c.queue.post(ev) {
		c.log.Debugw("Dropping event after stop", "event", ev.kind)
		return false
	}
	return true
}

func (c *Controller) onExpire(name lockagent.TimerName, run uint64) {
	c.post(event{kind: evExpired, timer: name, run: run})
}

func (c *Controller) run() {
	defer close(c.stopped)
	tick := time.NewTicker(c.timers.Unit())
	defer tick.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.queue.ready:
			for _, ev := range c.queue.drain() {
				c.apply(ev)
			}
			c.refreshCountdown()
			c.publish()
		case <-tick.C:
			c.refreshCountdown()
			c.publish()
		}
	}
}

func (c *Controller) apply(ev event) {
	switch ev.kind {
	case evResolve:
		c.resolve(ev.connected)
	case evMessage:
		c.handleMessage(ev.text)
	case evConnectivity:
		c.connectivity(ev.connected)
	case evExpired:
		c.expired(ev.timer, ev.run)
	case evPassword:
		c.password(ev.text)
	case evShutdownRequest:
		c.log.Info("Shutdown requested from lock surface")
		c.guard("power shutdown", c.power.Shutdown)
	case evRestartRequest:
		c.log.Info("Restart requested from lock surface")
		c.guard("power restart", c.power.Restart)
	case evBarrier:
		close(ev.reply)
	}
}

func (c *Controller) resolve(connected bool) {
	if c.mode != lockagent.ModePending {
		c.log.Warnw("Ignoring repeated connection resolve", "mode", c.mode)
		return
	}
	notice := NoticeConnected
	mode := lockagent.ModeOnline
	switch {
	case connected && c.pendingLost:
		c.log.Warn("Connection dropped while waiting, entering emergency mode")
		mode, notice = lockagent.ModeEmergencyOffline, NoticeLost
	case connected:
		c.log.Info("Connected to server, showing lock screen")
	default:
		c.log.Warn("Failed to connect to server, entering emergency mode")
		mode, notice = lockagent.ModeEmergencyOffline, NoticeOffline
	}
	c.setMode(mode)
	// A directive that arrived during the wait already decided the state.
	if c.machine.current() == lockagent.Locked {
		c.present(lockagent.Locked)
		c.setNotice(notice)
	}
}

func (c *Controller) handleMessage(text string) {
	d := translate.Parse(text)
	c.metrics.Directive(d.Kind.String())
	c.log.Infow("Processing message", "message", text)
	if d.Malformed {
		c.log.Warnw("Failed to parse seconds, using 0", "directive", d.Kind, "value", d.Arg)
	}
	c.applyDirective(d)
}

func (c *Controller) applyDirective(d translate.Directive) {
	switch d.Kind {
	case translate.KindGranted:
		c.grant(d.Seconds)
	case translate.KindBlock:
		c.block(d.Seconds)
	case translate.KindShutdown:
		c.shutdownIn(d.Seconds)
	case translate.KindDenied:
		c.denied()
	default:
		c.log.Warnw("Unrecognized directive", "error", d.Err())
	}
}

func (c *Controller) grant(seconds int) {
	c.log.Infow("Access granted", "seconds", seconds)
	c.cancelTimer(lockagent.TimerBlock)
	c.setState(lockagent.Unlocked)
	c.startTimer(lockagent.TimerGranted, seconds)
}

// block arms a future lock. It does not change the lock state by itself.
func (c *Controller) block(seconds int) {
	c.log.Infow("Will block after delay", "seconds", seconds)
	c.cancelTimer(lockagent.TimerGranted)
	c.startTimer(lockagent.TimerBlock, seconds)
}

func (c *Controller) shutdownIn(seconds int) {
	c.log.Infow("Shutdown scheduled", "seconds", seconds)
	c.setState(lockagent.ShutdownWarning)
	c.setNotice(fmt.Sprintf("Computer will shutdown in %d seconds!", seconds))
	c.startTimer(lockagent.TimerShutdown, seconds)
}

func (c *Controller) denied() {
	c.log.Info("Access denied, wrong password")
	c.setPasswordError(true)
	c.setNotice(NoticeWrong)
}

func (c *Controller) expired(name lockagent.TimerName, run uint64) {
	if c.runs[name] != run {
		c.log.Debugw("Ignoring expiry of superseded run", "timer", name, "run", run, "current", c.runs[name])
		return
	}
	delete(c.runs, name)
	c.metrics.Expired(name)

	switch name {
	case lockagent.TimerGranted:
		c.log.Info("Granted time expired, locking")
		c.setState(lockagent.Locked)
		c.setNotice(NoticeExpired)
		c.send(translate.Blocked(), "blocked")
	case lockagent.TimerBlock:
		c.log.Info("Block timer expired, blocking user")
		c.cancelTimer(lockagent.TimerGranted)
		c.setState(lockagent.Locked)
		c.setNotice(NoticeBlocked)
		c.send(translate.Blocked(), "blocked")
	case lockagent.TimerShutdown:
		c.log.Info("Shutdown timer expired, performing shutdown")
		c.guard("power shutdown", c.power.Shutdown)
	}
}

func (c *Controller) password(text string) {
	switch c.mode {
	case lockagent.ModeEmergencyOffline:
		c.log.Info("Checking emergency password")
		if c.cred.match(text) {
			c.log.Info("Emergency password accepted")
			c.metrics.PasswordAttempt(c.mode, "accepted")
			c.applyDirective(translate.Granted(c.cfg.EmergencyGrant))
			return
		}
		c.log.Warn("Wrong emergency password")
		c.metrics.PasswordAttempt(c.mode, "denied")
		c.applyDirective(translate.Denied())
	case lockagent.ModeOnline:
		msg, err := translate.Password(text)
		if err != nil {
			c.log.Debugw("Not sending password", "error", err)
			return
		}
		c.log.Info("Sending password to server")
		c.metrics.PasswordAttempt(c.mode, "forwarded")
		c.send(msg, "password")
		c.setPasswordError(false)
	default:
		c.log.Warn("Password submitted before connection resolved, ignoring")
	}
}

func (c *Controller) connectivity(connected bool) {
	switch {
	case c.mode == lockagent.ModePending:
		c.pendingLost = !connected
	case !connected && c.mode == lockagent.ModeOnline:
		c.log.Warn("Lost connection to server, entering emergency mode")
		c.setMode(lockagent.ModeEmergencyOffline)
		c.setNotice(NoticeLost)
		if c.machine.current() == lockagent.Locked {
			c.present(lockagent.Locked)
		}
	case connected && c.mode == lockagent.ModeEmergencyOffline && c.cfg.AllowReconnect:
		c.log.Info("Connection restored, leaving emergency mode")
		c.setMode(lockagent.ModeOnline)
		if c.machine.current() == lockagent.Locked {
			c.setNotice(NoticeReconnected)
		}
	default:
		c.log.Debugw("Ignoring connectivity change", "connected", connected, "mode", c.mode)
	}
}

func (c *Controller) startTimer(name lockagent.TimerName, units int) {
	run, err := c.timers.Start(name, units, c.onExpire)
	if err != nil {
		c.log.Errorw("Failed to start timer", "timer", name, "error", err)
		delete(c.runs, name)
		return
	}
	c.runs[name] = run
}

func (c *Controller) cancelTimer(name lockagent.TimerName) {
	if err := c.timers.Cancel(name); err != nil {
		c.log.Errorw("Failed to cancel timer", "timer", name, "error", err)
	}
	delete(c.runs, name)
}

func (c *Controller) send(text, kind string) {
	c.log.Infow("Sending message to server", "kind", kind)
	c.metrics.Outbound(kind)
	c.sender.Send(text)
}

func (c *Controller) setMode(m lockagent.Mode) {
	c.mode = m
	c.metrics.SetMode(m)
}

func (c *Controller) setState(s lockagent.LockState) {
	changed, err := c.machine.transition(context.Background(), s)
	if err != nil {
		c.log.Errorw("Lock state transition failed", "to", s, "error", err)
		return
	}
	if changed {
		c.metrics.SetLockState(s)
	}
	c.present(s)
}

func (c *Controller) present(s lockagent.LockState) {
	c.guard("set state", func() { c.pres.SetState(s) })
}

func (c *Controller) setNotice(text string) {
	c.notice = text
	c.guard("set notice", func() { c.pres.SetNotificationText(text) })
}

func (c *Controller) setPasswordError(on bool) {
	c.passwordError = on
	c.guard("set password error", func() { c.pres.SetPasswordError(on) })
}

func (c *Controller) refreshCountdown() {
	text := ""
	switch c.machine.current() {
	case lockagent.ShutdownWarning:
		if c.timers.Running(lockagent.TimerShutdown) {
			text = fmt.Sprintf("Shutting down in %d seconds", c.timers.Remaining(lockagent.TimerShutdown))
		}
	case lockagent.Unlocked:
		if c.timers.Running(lockagent.TimerGranted) {
			r := c.timers.Remaining(lockagent.TimerGranted)
			text = fmt.Sprintf("Time remaining: %02d:%02d", r/60, r%60)
		}
	}
	if text == c.countdown {
		return
	}
	c.countdown = text
	c.guard("set countdown", func() { c.pres.SetCountdownText(text) })
}

func (c *Controller) publish() {
	rem := make(map[lockagent.TimerName]int, len(lockagent.TimerNames))
	for _, name := range lockagent.TimerNames {
		rem[name] = c.timers.Remaining(name)
	}
	c.snap.Store(&lockagent.Snapshot{
		State:         c.machine.current(),
		Mode:          c.mode,
		Notice:        c.notice,
		Countdown:     c.countdown,
		PasswordError: c.passwordError,
		Remaining:     rem,
		UpdatedAt:     time.Now(),
	})
}

// guard runs a collaborator call so that a panic there cannot kill the worker.
func (c *Controller) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("Collaborator call panicked", "call", what, "panic", r)
		}
	}()
	fn()
}
