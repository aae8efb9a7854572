package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts escrow activity for the /metrics endpoint. A nil
// *Metrics is valid and counts nothing, which keeps tests and embedded
// uses free of a registry.
type Metrics struct {
	Minted      prometheus.Counter
	Redeemed    prometheus.Counter
	Rejections  prometheus.Counter
	Timeouts    prometheus.Counter
	Transitions *prometheus.CounterVec
}

// NewMetrics builds and registers the counter set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Minted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_assets_minted_total",
			Help: "Assets minted from escrow accounts.",
		}),
		Redeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_assets_redeemed_total",
			Help: "Completed atomic redemption swaps.",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_txn_rejections_total",
			Help: "Transactions rejected by the node.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_confirmation_timeouts_total",
			Help: "Confirmation waits that elapsed without finality.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_state_transitions_total",
			Help: "Committed lifecycle transitions by resulting state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.Minted, m.Redeemed, m.Rejections, m.Timeouts, m.Transitions)
	return m
}

func (m *Metrics) MintedAsset() {
	if m != nil {
		m.Minted.Inc()
	}
}

func (m *Metrics) RedeemedAsset() {
	if m != nil {
		m.Redeemed.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.Rejections.Inc()
	}
}

func (m *Metrics) Timeout() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}
