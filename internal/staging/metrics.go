package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "stager"

const (
	branchLabel = "branch"
	stateLabel  = "state"
)

type metricCollector struct {
	stagingsCreated  *prometheus.CounterVec
	stagingsFinished *prometheus.CounterVec
	queuedBatches    *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		stagingsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "stagings_created_total",
				Help:      "count of created stagings",
			},
			[]string{branchLabel},
		),
		stagingsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "stagings_finished_total",
				Help:      "count of finished stagings by final state",
			},
			[]string{branchLabel, stateLabel},
		),
		queuedBatches: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "queued_batches_count",
				Help:      "number of unmerged batches queued per branch",
			},
			[]string{branchLabel},
		),
	}
}
