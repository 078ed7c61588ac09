// Package metrics exposes the Prometheus collectors shared by the queue,
// the ledger gateway and the session controller.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flappyfuse"

type QueueMetrics struct {
	Upserts            *prometheus.CounterVec
	RejectedTransition *prometheus.CounterVec
	Flushes            *prometheus.CounterVec
	Pruned             prometheus.Counter
	FlagDrift          prometheus.Counter
	Entries            *prometheus.GaugeVec
}

type LedgerMetrics struct {
	Attempts   *prometheus.CounterVec
	Failovers  prometheus.Counter
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

type SessionMetrics struct {
	Transitions *prometheus.CounterVec
	Jumps       prometheus.Counter
}

var (
	queueOnce sync.Once
	queueReg  *QueueMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	sessionOnce sync.Once
	sessionReg  *SessionMetrics
)

// Queue returns the lazily registered queue collectors.
func Queue() *QueueMetrics {
	queueOnce.Do(func() {
		queueReg = &QueueMetrics{
			Upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "upserts_total",
				Help:      "Queue upserts segmented by transaction type and resulting action.",
			}, []string{"type", "action"}),
			RejectedTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "rejected_transitions_total",
				Help:      "Status transitions refused because the entry was already terminal.",
			}, []string{"from", "to"}),
			Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "flushes_total",
				Help:      "Durability flushes segmented by outcome.",
			}, []string{"outcome"}),
			Pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "pruned_total",
				Help:      "Terminal entries removed by age-based pruning.",
			}),
			FlagDrift: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "pending_flag_drift_total",
				Help:      "Reconciliations that found the cached pending flag wrong.",
			}),
			Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "entries",
				Help:      "Current queue entries by status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			queueReg.Upserts,
			queueReg.RejectedTransition,
			queueReg.Flushes,
			queueReg.Pruned,
			queueReg.FlagDrift,
			queueReg.Entries,
		)
	})
	return queueReg
}

// Ledger returns the lazily registered gateway collectors.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "endpoint_attempts_total",
				Help:      "Endpoint attempts segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			Failovers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "failovers_total",
				Help:      "Times an operation advanced to the next ranked endpoint.",
			}),
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Gateway operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Wall time of gateway operations including confirmation waits.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			ledgerReg.Attempts,
			ledgerReg.Failovers,
			ledgerReg.Operations,
			ledgerReg.Latency,
		)
	})
	return ledgerReg
}

// Session returns the lazily registered controller collectors.
func Session() *SessionMetrics {
	sessionOnce.Do(func() {
		sessionReg = &SessionMetrics{
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Controller state transitions.",
			}, []string{"from", "to"}),
			Jumps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "jumps_total",
				Help:      "Jump events recorded during play.",
			}),
		}
		prometheus.MustRegister(sessionReg.Transitions, sessionReg.Jumps)
	})
	return sessionReg
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
