package forwardport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "stager"

const branchLabel = "branch"

type metricCollector struct {
	portsCreated  *prometheus.CounterVec
	portConflicts *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		portsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "forward_ports_created_total",
				Help:      "count of created forward-port pull requests",
			},
			[]string{branchLabel},
		),
		portConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "forward_port_conflicts_total",
				Help:      "count of forward ports that carried a conflict",
			},
			[]string{branchLabel},
		),
	}
}
