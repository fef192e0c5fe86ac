package elock

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lock outcome label values.
const (
	outcomeAcquired  = "acquired"
	outcomeContended = "contended"
	outcomeDeadlock  = "deadlock"
	outcomeReleased  = "released"
	outcomeNotOwner  = "not_owner"
	outcomeError     = "error"
)

type (
	// Metrics instruments one or more clients. A nil *Metrics is valid and
	// records nothing.
	Metrics struct {
		commands *prometheus.CounterVec
		outcomes *prometheus.CounterVec
		latency  *prometheus.HistogramVec
	}
)

// Creates the client collectors and registers them with reg. Pass a
// prometheus.NewRegistry() in tests to avoid clashing with the default
// registry.
func NewMetrics(reg prometheus.Registerer) (m *Metrics, err error) {
	m = &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elock",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Commands sent to the eLock server, by command and response code.",
		}, []string{"command", "code"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elock",
			Subsystem: "client",
			Name:      "lock_outcomes_total",
			Help:      "Results of lock, lock_value and unlock commands.",
		}, []string{"command", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elock",
			Subsystem: "client",
			Name:      "command_duration_seconds",
			Help:      "Round trip time of a command, including any server side wait.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"command"}),
	}

	for _, c := range []prometheus.Collector{m.commands, m.outcomes, m.latency} {
		if err = reg.Register(c); err != nil {
			m = nil
			err = fmt.Errorf("register elock client metrics: %w", err)
			return
		}
	}
	return
}

func (m *Metrics) observeCommand(command string, code int, started time.Time) {
	if m == nil {
		return
	}
	label := "io_error"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	m.commands.WithLabelValues(command, label).Inc()
	m.latency.WithLabelValues(command).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeOutcome(command, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(command, outcome).Inc()
}
