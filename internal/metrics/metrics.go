package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outbox groups the collectors shared by the writer, the dispatcher and the
// HTTP surface. Labels: context = bounded context (expense|user).
type Outbox struct {
	EventsWritten *prometheus.CounterVec
	Dispatch      *prometheus.CounterVec
	WriteErrors   *prometheus.CounterVec
	Events        *prometheus.GaugeVec
}

func NewOutbox() *Outbox {
	return &Outbox{
		EventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_events_written_total",
				Help: "Outbox records persisted by the writer",
			},
			[]string{"context", "event_type"},
		),
		Dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_dispatch_total",
				Help: "Dispatch outcomes per record",
			},
			[]string{"context", "outcome"}, // processed|retryable|dead_lettered|skipped|state_update_failed
		),
		WriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_write_errors_total",
				Help: "Deferred outbox inserts that failed after the business commit",
			},
			[]string{"context"},
		),
		Events: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outbox_events",
				Help: "Outbox records by state at the last stats call",
			},
			[]string{"context", "state"}, // pending|processed|dead|failed
		),
	}
}

func (m *Outbox) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		m.EventsWritten,
		m.Dispatch,
		m.WriteErrors,
		m.Events,
	)
}
