package wren

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the collectors of one Server. With a nil registerer they
// still count but are not exported.
type metrics struct {
	connections         prometheus.Counter
	connectionsRejected prometheus.Counter
	sessionsActive      prometheus.Gauge
	commands            *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	messages            *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them with reg, labelled
// with the listen address so that several servers can share a registry.
// Collectors already registered for the same address are reused.
func newMetrics(reg prometheus.Registerer, addr string) (*metrics, error) {
	f := promauto.With(nil)
	m := &metrics{
		connections: f.NewCounter(prometheus.CounterOpts{
			Name: "wren_connections_total",
			Help: "Accepted SMTP connections.",
		}),
		connectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "wren_connections_rejected_total",
			Help: "Connections turned away because the server was at capacity.",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wren_sessions_active",
			Help: "Sessions currently running.",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wren_commands_total",
			Help: "SMTP commands by name and reply code.",
		}, []string{"command", "code"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wren_command_duration_seconds",
			Help:    "SMTP command duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		}, []string{"command"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wren_messages_total",
			Help: "Messages received over DATA. Result values: accepted, rejected, too_large.",
		}, []string{"result"}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wren_auth_attempts_total",
			Help: "AUTH attempts by mechanism and result (success, failure).",
		}, []string{"mechanism", "result"}),
	}
	if reg == nil {
		return m, nil
	}

	reg = prometheus.WrapRegistererWith(prometheus.Labels{"addr": addr}, reg)
	var err error
	if m.connections, err = register(reg, m.connections); err != nil {
		return nil, err
	}
	if m.connectionsRejected, err = register(reg, m.connectionsRejected); err != nil {
		return nil, err
	}
	if m.sessionsActive, err = register(reg, m.sessionsActive); err != nil {
		return nil, err
	}
	if m.commands, err = register(reg, m.commands); err != nil {
		return nil, err
	}
	if m.commandDuration, err = register(reg, m.commandDuration); err != nil {
		return nil, err
	}
	if m.messages, err = register(reg, m.messages); err != nil {
		return nil, err
	}
	if m.authAttempts, err = register(reg, m.authAttempts); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, or returns the equal collector registered before.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("registering metrics: %w", err)
}

// observeCommand records one command. An empty name counts an
// unrecognized verb.
func (m *metrics) observeCommand(name string, code SMTPCode, d time.Duration) {
	if name == "" {
		name = "UNKNOWN"
	}
	m.commands.WithLabelValues(name, strconv.Itoa(int(code))).Inc()
	m.commandDuration.WithLabelValues(name).Observe(d.Seconds())
}
