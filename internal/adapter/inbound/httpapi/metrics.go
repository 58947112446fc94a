// Package httpapi provides the inbound HTTP adapter: the decision
// endpoint the host application posts approval responses to, pending
// inspection, health, and Prometheus metrics.
package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for agentguard. Pass to
// components that need to record metrics.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	ApprovalsResolved *prometheus.CounterVec
	ApprovalLatency   prometheus.Histogram
	PendingApprovals  prometheus.Gauge
	ResponsesTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "decisions_total",
				Help:      "Total policy decisions by action",
			},
			[]string{"action"}, // action=allow/block/require_approval
		),
		ApprovalsResolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "approvals_resolved_total",
				Help:      "Total approval requests resolved by outcome",
			},
			[]string{"outcome"}, // outcome=approved/denied/timeout/cancelled/failed
		),
		ApprovalLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentguard",
				Name:      "approval_latency_seconds",
				Help:      "Time from approval request creation to resolution",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentguard",
				Name:      "pending_approvals",
				Help:      "Number of approval requests awaiting a decision",
			},
		),
		ResponsesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "responses_total",
				Help:      "Inbound approval responses by result",
			},
			[]string{"result"}, // result=accepted/rejected
		),
	}
}

// RecordDecision counts one policy decision.
func (m *Metrics) RecordDecision(action string) {
	m.DecisionsTotal.WithLabelValues(action).Inc()
}

// RecordApprovalResolved counts a resolved approval and observes its
// latency when known.
func (m *Metrics) RecordApprovalResolved(outcome string, latency time.Duration) {
	m.ApprovalsResolved.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.ApprovalLatency.Observe(latency.Seconds())
	}
}

// SetPendingApprovals publishes the registry depth.
func (m *Metrics) SetPendingApprovals(n int) {
	m.PendingApprovals.Set(float64(n))
}
