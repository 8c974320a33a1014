package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mirror"

var (
	signalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Engine decisions by operation, action and reason",
		},
		[]string{"operation", "action", "reason"},
	)

	tradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "trades_total",
			Help:      "Executed trades by network, side, origin and outcome code",
		},
		[]string{"network", "side", "origin", "code"},
	)

	executionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "End-to-end executor latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		},
		[]string{"network", "side"},
	)

	riskLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Risk assessments by network and level",
		},
		[]string{"network", "level"},
	)

	quotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Quote requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Open positions tracked by the ledger",
	})

	feedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Signal feed messages by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordDecision counts one engine operation outcome.
func RecordDecision(operation, action, reason string) {
	if reason == "" {
		reason = "none"
	}
	signalDecisions.WithLabelValues(operation, action, reason).Inc()
}

// RecordTrade counts one executor call and observes its latency. code is
// empty for a successful trade.
func RecordTrade(network, side, origin, code string, latency time.Duration) {
	if code == "" {
		code = "ok"
	}
	tradesTotal.WithLabelValues(network, side, origin, code).Inc()
	executionLatency.WithLabelValues(network, side).Observe(latency.Seconds())
}

// RecordRisk counts one risk assessment.
func RecordRisk(network, level string) {
	riskLevels.WithLabelValues(network, level).Inc()
}

// RecordQuote counts one quote request.
func RecordQuote(provider string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	quotes.WithLabelValues(provider, outcome).Inc()
}

// SetOpenPositions publishes the ledger size.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// RecordFeedMessage counts one feed message.
func RecordFeedMessage(outcome string) {
	feedMessages.WithLabelValues(outcome).Inc()
}

var signalLag = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "signal_lag_seconds",
		Help:      "Delay between a source-wallet trade and its arrival on the feed",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	},
	[]string{"network"},
)

// ObserveSignalLag records how late a signal arrived.
func ObserveSignalLag(network string, lag time.Duration) {
	signalLag.WithLabelValues(network).Observe(lag.Seconds())
}
