package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the teacher's nil-safe metrics pattern: every method is
// safe to call on a nil receiver so callers never need to branch on
// whether metrics were wired in.
type Metrics struct {
	activeSessions   prometheus.Gauge
	dispatchOutcomes *prometheus.CounterVec
	rateLimited      prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	invitesIssued    prometheus.Counter
	fanoutPublishes  prometheus.Counter
}

// NewMetrics registers relay metrics against reg (or the default
// registerer when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Current number of bound sessions on this instance.",
		}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_outcomes_total",
			Help: "Relay dispatch outcomes by status.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Requests rejected by the per-session rate limiter.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Observed queue depth at last push, per identity bucket.",
		}, []string{"identity"}),
		invitesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_invites_issued_total",
			Help: "Invite codes issued.",
		}),
		fanoutPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fanout_publishes_total",
			Help: "Messages published to the cross-instance fan-out bus.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.dispatchOutcomes,
		m.rateLimited,
		m.queueDepth,
		m.invitesIssued,
		m.fanoutPublishes,
	)
	return m
}

func (m *Metrics) IncSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) DecSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RecordDispatch(status string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RecordInviteIssued() {
	if m == nil {
		return
	}
	m.invitesIssued.Inc()
}

func (m *Metrics) RecordFanoutPublish() {
	if m == nil {
		return
	}
	m.fanoutPublishes.Inc()
}
