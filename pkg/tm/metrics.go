package tm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCommitted       = "committed"
	outcomeOnePhase        = "one_phase"
	outcomeAborted         = "aborted"
	outcomeRecoveredCommit = "recovered_commit"
	outcomeRecoveredAbort  = "recovered_abort"
)

type metrics struct {
	transactions      *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	phase2Retries     prometheus.Counter
	snapshots         prometheus.Counter
	activeGxacts      prometheus.Gauge
	commitDuration    prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "transactions_total",
				Help:      "Counter of finished distributed transactions by outcome.",
			}, []string{"outcome"}),

		broadcastFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "broadcast_failures_total",
				Help:      "Counter of protocol broadcasts that did not succeed on every segment.",
			}, []string{"command"}),

		phase2Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "phase2_retries_total",
				Help:      "Counter of reconnect and retry cycles of phase two.",
			}),

		snapshots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "snapshots_total",
				Help:      "Counter of distributed snapshots built.",
			}),

		activeGxacts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "active_gxacts",
				Help:      "Number of slots in use in the global transaction table.",
			}),

		commitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "icecanedtm",
				Subsystem: "tm",
				Name:      "commit_duration_seconds",
				Help:      "Bucketed histogram of distributed commit latency.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}),
	}
}

// register adds every collector to reg. A nil registerer leaves the metrics unexported.
func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.transactions, m.broadcastFailures, m.phase2Retries, m.snapshots, m.activeGxacts, m.commitDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
