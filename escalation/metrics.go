package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Transitions          *prometheus.CounterVec
	Skipped              *prometheus.CounterVec
	NotificationFailures prometheus.Counter
	TimersFired          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "showing_escalation_transitions_total",
				Help: "Escalation state transitions applied, by outcome.",
			},
			[]string{"outcome"},
		),
		Skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "showing_escalation_skipped_total",
				Help: "Engine invocations that ended without a write, by reason.",
			},
			[]string{"reason"},
		),
		NotificationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "showing_escalation_notification_failures_total",
				Help: "Notification sink errors dropped by the engine.",
			},
		),
		TimersFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "showing_escalation_timers_fired_total",
				Help: "Timer callbacks delivered to the engine, by mode.",
			},
			[]string{"mode"},
		),
	}
}

func (m *Metrics) transition(o Outcome) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) skipped(reason string) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

func (m *Metrics) timerFired(mode Mode) {
	if m == nil {
		return
	}
	m.TimersFired.WithLabelValues(string(mode)).Inc()
}
