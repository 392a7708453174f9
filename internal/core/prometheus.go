package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names with dedicated counters.
const (
	opCommit         = "tx.commit"
	opRollback       = "tx.rollback"
	opOptimisticLock = "persist.optimistic_lock"
)

// PrometheusRecorder exports operation latencies as a histogram and keeps
// transaction outcome and optimistic lock counters.
type PrometheusRecorder struct {
	latency      *prometheus.HistogramVec
	transactions *prometheus.CounterVec
	lockFailures prometheus.Counter
}

// NewPrometheusRecorder registers the collectors with reg. A nil registerer
// leaves them unregistered.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	if namespace == "" {
		namespace = "persistcore"
	}
	r := &PrometheusRecorder{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of server operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions ended, by outcome.",
		}, []string{"outcome"}),
		lockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_lock_failures_total",
			Help:      "Updates or deletes rejected by optimistic concurrency checks.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.latency, r.transactions, r.lockFailures} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	switch operation {
	case opCommit:
		if success {
			r.transactions.WithLabelValues("commit").Inc()
		} else {
			r.transactions.WithLabelValues("commit_failed").Inc()
		}
	case opRollback:
		r.transactions.WithLabelValues("rollback").Inc()
	case opOptimisticLock:
		r.lockFailures.Inc()
		return
	}
	r.latency.WithLabelValues(operation, status).Observe(duration.Seconds())
}
