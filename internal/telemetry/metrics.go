// Package telemetry exposes engine metrics and instruments infrastructure clients.
package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"live-quiz-service/internal/event"
)

const namespace = "live_quiz"

// Metrics counts engine activity. It implements app.Recorder and consumes bus events.
type Metrics struct {
	answers     *prometheus.CounterVec
	expirations prometheus.Counter
	events      *prometheus.CounterVec
	lobbies     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Graded answers by correctness.",
		}, []string{"correct"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "question_expirations_total",
			Help:      "Questions closed by their deadline rather than by every contestant answering.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed lobby events by type.",
		}, []string{"type"}),
		lobbies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lobbies_live",
			Help:      "Lobbies with a running coordinator on this instance.",
		}),
	}
	for _, c := range []prometheus.Collector{m.answers, m.expirations, m.events, m.lobbies} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) AnswerRecorded(correct bool) {
	m.answers.WithLabelValues(strconv.FormatBool(correct)).Inc()
}

func (m *Metrics) QuestionExpired() { m.expirations.Inc() }

func (m *Metrics) LobbyOpened() { m.lobbies.Inc() }

func (m *Metrics) LobbyClosed() { m.lobbies.Dec() }

// HandleEvent is an event.Handler counting every published event.
func (m *Metrics) HandleEvent(_ context.Context, e event.Event) error {
	m.events.WithLabelValues(e.Name()).Inc()
	return nil
}
