package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики регистрации.
//
// Регистрируются на переданном prometheus.Registerer. nil *Metrics
// допустим: все методы становятся no-op.
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	responses        *prometheus.CounterVec
	retriesScheduled prometheus.Counter
	contactRewrites  prometheus.Counter
	authChallenges   *prometheus.CounterVec
	registered       prometheus.Gauge
}

// NewMetrics создает метрики. При reg == nil возвращает nil (метрики выключены).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipreg",
			Subsystem: "registration",
			Name:      "state_transitions_total",
			Help:      "Total number of registration state transitions",
		}, []string{"from", "to"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipreg",
			Subsystem: "registration",
			Name:      "responses_total",
			Help:      "Total number of REGISTER responses by class",
		}, []string{"class"}),
		retriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipreg",
			Subsystem: "registration",
			Name:      "retries_scheduled_total",
			Help:      "Total number of scheduled re-registration attempts",
		}),
		contactRewrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipreg",
			Subsystem: "registration",
			Name:      "contact_rewrites_total",
			Help:      "Total number of contact rewrites after NAT detection",
		}),
		authChallenges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipreg",
			Name:      "auth_challenges_total",
			Help:      "Total number of digest challenges by outcome",
		}, []string{"outcome"}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipreg",
			Name:      "registered_accounts",
			Help:      "Number of accounts currently in REGISTERED state",
		}),
	}
}

// StateTransition учитывает переход состояния
func (m *Metrics) StateTransition(tr StateTransition) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()

	switch {
	case tr.To == StateRegistered && tr.From != StateRegistered:
		m.registered.Inc()
	case tr.From == StateRegistered && tr.To != StateRegistered:
		m.registered.Dec()
	}
}

// Response учитывает ответ по классу
func (m *Metrics) Response(class string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(class).Inc()
}

// RetryScheduled учитывает запланированную повторную попытку
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduled.Inc()
}

// ContactRewritten учитывает перезапись контакта
func (m *Metrics) ContactRewritten() {
	if m == nil {
		return
	}
	m.contactRewrites.Inc()
}

// AuthChallenge учитывает challenge: "answered", "rejected", "no_credentials"
func (m *Metrics) AuthChallenge(outcome string) {
	if m == nil {
		return
	}
	m.authChallenges.WithLabelValues(outcome).Inc()
}
