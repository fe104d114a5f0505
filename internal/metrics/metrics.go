// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the pisond crediting and
// enforcement pipeline. Labels stay low-cardinality: source ids and reason
// codes only, never MACs, IPs or user ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// CoinPulsesTotal counts accepted coin pulses by source.
	CoinPulsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_coin_pulses_total",
		Help: "Total accepted coin pulses, by source.",
	}, []string{"source"})

	// CoinPulsesDroppedTotal counts pulses dropped before crediting.
	CoinPulsesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_coin_pulses_dropped_total",
		Help: "Total dropped coin pulses, by reason (idle, wrong_target, banned, unknown_source).",
	}, []string{"reason"})

	// CreditCommitsTotal counts committed credit transactions by source.
	CreditCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_credit_commits_total",
		Help: "Total committed credit transactions, by dominant source.",
	}, []string{"source"})

	// CreditFailedTotal counts failed credit transactions by reason.
	CreditFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_credit_failed_total",
		Help: "Total failed credit transactions, by reason.",
	}, []string{"reason"})

	// CreditSecondsTotal accumulates all granted credit seconds.
	CreditSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pisond_credit_seconds_total",
		Help: "Total credit seconds granted.",
	})

	// PolicyCallsTotal counts packet policy operations by op and outcome.
	PolicyCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_policy_calls_total",
		Help: "Total packet policy calls, by operation and outcome.",
	}, []string{"op", "outcome"})

	// ActiveSessions tracks users with credit and enforcement applied.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pisond_active_sessions",
		Help: "Current number of active credited sessions.",
	})

	// SessionsExpiredTotal counts ticker-driven expirations.
	SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pisond_sessions_expired_total",
		Help: "Total sessions expired by the reconciliation ticker.",
	})

	// SessionsPausedTotal counts pauses by cause (api, idle).
	SessionsPausedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_sessions_paused_total",
		Help: "Total sessions paused, by cause.",
	}, []string{"cause"})

	// ReconcileActionsTotal counts MAC-set reconciliation fixes by direction.
	ReconcileActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_reconcile_actions_total",
		Help: "Total enforcement reconciliation actions, by direction (authorize, deauthorize).",
	}, []string{"direction"})

	// IngestRejectedTotal counts rejected sub-vendo requests by reason.
	IngestRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_ingest_rejected_total",
		Help: "Total rejected sub-vendo ingest requests, by reason.",
	}, []string{"reason"})

	// BusDroppedTotal counts event bus drops by topic and reason.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pisond_bus_dropped_total",
		Help: "Total event bus message drops, by topic and reason.",
	}, []string{"topic", "reason"})
)

// RecordPulse increments the accepted pulse counter for a source.
func RecordPulse(source string, count int) {
	CoinPulsesTotal.WithLabelValues(source).Add(float64(count))
}

// RecordPulseDrop increments the dropped pulse counter.
func RecordPulseDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	CoinPulsesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordPolicyCall records a packet policy call outcome.
func RecordPolicyCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	PolicyCallsTotal.WithLabelValues(op, outcome).Inc()
}

// IncBusDrop records a dropped bus message with a concrete reason.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// CounterValue reads the current value of a counter child. Test helper.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
