package metrics

import (
	"github.com/adwski/hierchat/backend/model"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hierchat"

// Failover outcomes.
const (
	FailoverPromoted  = "promoted"
	FailoverReconnect = "reconnect"
	FailoverExhausted = "exhausted"
)

type Metrics struct {
	relayed   prometheus.Counter
	syncs     prometheus.Counter
	failovers *prometheus.CounterVec
	events    *prometheus.CounterVec
	unmatched prometheus.Counter
	role      *prometheus.GaugeVec
	clients   prometheus.Gauge
	history   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_relayed_total",
			Help:      "Forward messages broadcast by this peer while admin.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_sent_total",
			Help:      "Sync messages sent by this peer while admin.",
		}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Failover rounds by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled by the state machine.",
		}, []string{"event"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_events_total",
			Help:      "Events ignored because no transition matched.",
		}),
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role",
			Help:      "1 for the current role of this peer.",
		}, []string{"role"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connections registered while admin.",
		}),
		history: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Entries in the local history.",
		}),
	}
	reg.MustRegister(m.relayed, m.syncs, m.failovers, m.events, m.unmatched, m.role, m.clients, m.history)
	return m
}

func (m *Metrics) ForwardRelayed() { m.relayed.Inc() }

func (m *Metrics) SyncsSent(n int) { m.syncs.Add(float64(n)) }

func (m *Metrics) Failover(outcome string) { m.failovers.WithLabelValues(outcome).Inc() }

func (m *Metrics) EventHandled(name string) { m.events.WithLabelValues(name).Inc() }

func (m *Metrics) EventUnmatched() { m.unmatched.Inc() }

func (m *Metrics) SetRole(role model.Role) {
	for _, r := range []model.Role{model.RoleInitial, model.RoleConnecting, model.RoleAdmin, model.RoleMember} {
		v := 0.0
		if r == role {
			v = 1
		}
		m.role.WithLabelValues(r.String()).Set(v)
	}
}

func (m *Metrics) SetClients(n int) { m.clients.Set(float64(n)) }

func (m *Metrics) SetHistory(n int) { m.history.Set(float64(n)) }
