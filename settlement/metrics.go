package settlement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds settlement counters. A zero Metrics is valid; observations are
// dropped until Register is called.
type Metrics struct {
	commitments    *prometheus.CounterVec
	reveals        *prometheus.CounterVec
	bids           *prometheus.CounterVec
	auctionsClosed *prometheus.CounterVec
	fallbackOffers prometheus.Counter
	transitions    *prometheus.CounterVec
	notifyFailures prometheus.Counter
	sweepDuration  *prometheus.HistogramVec

	registerOnce sync.Once
}

// Register registers the metrics with registry. It is a no-op for a nil registry
// and idempotent afterwards.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.commitments = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sealedbid_commitments_total",
			Help: "Commit requests by outcome",
		}, []string{"outcome"})

		m.reveals = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sealedbid_reveals_total",
			Help: "Reveal requests by outcome",
		}, []string{"outcome"})

		m.bids = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sealedbid_open_bids_total",
			Help: "Open bid admissions by outcome",
		}, []string{"outcome"})

		m.auctionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sealedbid_auctions_closed_total",
			Help: "Auctions processed by the closer, by item status",
		}, []string{"status"})

		m.fallbackOffers = factory.NewCounter(prometheus.CounterOpts{
			Name: "sealedbid_fallback_offers_total",
			Help: "Fallback offers made to next-ranked bidders",
		})

		m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sealedbid_settlement_transitions_total",
			Help: "Settlement status transitions by target status",
		}, []string{"status"})

		m.notifyFailures = factory.NewCounter(prometheus.CounterOpts{
			Name: "sealedbid_notify_failures_total",
			Help: "Fallback offer notifications that failed to deliver",
		})

		m.sweepDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sealedbid_sweep_duration_seconds",
			Help:    "Duration of closer and fallback sweeps",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"})
	})
}

func incVec(vec *prometheus.CounterVec, label string) {
	if vec != nil {
		vec.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) commitOutcome(outcome string) {
	if m != nil {
		incVec(m.commitments, outcome)
	}
}

func (m *Metrics) revealOutcome(outcome string) {
	if m != nil {
		incVec(m.reveals, outcome)
	}
}

func (m *Metrics) bidOutcome(outcome string) {
	if m != nil {
		incVec(m.bids, outcome)
	}
}

func (m *Metrics) auctionClosed(status string) {
	if m != nil {
		incVec(m.auctionsClosed, status)
	}
}

func (m *Metrics) transition(status string) {
	if m != nil {
		incVec(m.transitions, status)
	}
}

func (m *Metrics) offerMade() {
	if m != nil && m.fallbackOffers != nil {
		m.fallbackOffers.Inc()
	}
}

func (m *Metrics) notifyFailed() {
	if m != nil && m.notifyFailures != nil {
		m.notifyFailures.Inc()
	}
}

func (m *Metrics) observeSweep(sweep string, seconds float64) {
	if m != nil && m.sweepDuration != nil {
		m.sweepDuration.WithLabelValues(sweep).Observe(seconds)
	}
}
