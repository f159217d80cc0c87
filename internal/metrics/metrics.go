// Package metrics exposes Prometheus collectors for the agent. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bravos/lockagent"
)

const namespace = "lockagent"

type Metrics struct {
	registry *prometheus.Registry

	directives  *prometheus.CounterVec
	passwords   *prometheus.CounterVec
	expirations *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	lockState   *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	connected   prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Inbound directives by kind.",
		}, []string{"kind"}),
		passwords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_attempts_total",
			Help:      "Local password submissions by mode and outcome.",
		}, []string{"mode", "result"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_expirations_total",
			Help:      "Natural timer expiries applied by the policy.",
		}, []string{"timer"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages handed to the connection by kind.",
		}, []string{"kind"}),
		lockState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_state",
			Help:      "1 for the current lock state, 0 otherwise.",
		}, []string{"state"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "1 for the current operating mode, 0 otherwise.",
		}, []string{"mode"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the authority connection is open.",
		}),
	}
	m.registry.MustRegister(m.directives, m.passwords, m.expirations, m.outbound, m.lockState, m.mode, m.connected)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Directive(kind string) {
	if m == nil {
		return
	}
	m.directives.WithLabelValues(kind).Inc()
}

func (m *Metrics) PasswordAttempt(mode lockagent.Mode, result string) {
	if m == nil {
		return
	}
	m.passwords.WithLabelValues(mode.String(), result).Inc()
}

func (m *Metrics) Expired(name lockagent.TimerName) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(string(name)).Inc()
}

func (m *Metrics) Outbound(kind string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetLockState(s lockagent.LockState) {
	if m == nil {
		return
	}
	for _, st := range []lockagent.LockState{lockagent.Unlocked, lockagent.Locked, lockagent.NotificationOnly, lockagent.ShutdownWarning} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.lockState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) SetMode(mode lockagent.Mode) {
	if m == nil {
		return
	}
	for _, md := range []lockagent.Mode{lockagent.ModePending, lockagent.ModeOnline, lockagent.ModeEmergencyOffline} {
		v := 0.0
		if md == mode {
			v = 1
		}
		m.mode.WithLabelValues(md.String()).Set(v)
	}
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
