package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricsNamespace = "cluster_rpc"

// metrics are always collected; they are exported only when the config
// carries a Registerer.
type metrics struct {
	routed    *prometheus.CounterVec
	failures  *prometheus.CounterVec
	endpoints *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_routed_total",
			Help:      "Requests forwarded to an endpoint, by path.",
		}, []string{"path"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_failed_total",
			Help:      "Calls that ended in an error, by path and failure kind.",
		}, []string{"path", "kind"}),
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "route_endpoints",
			Help:      "Live endpoints known for a path.",
		}, []string{"path"}),
	}
	if reg == nil {
		return m, nil
	}
	err := multierr.Combine(
		reg.Register(m.routed),
		reg.Register(m.failures),
		reg.Register(m.endpoints),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) routedTo(path string) {
	m.routed.WithLabelValues(path).Inc()
}

func (m *metrics) failed(path string, err error) {
	m.failures.WithLabelValues(path, failureLabel(err)).Inc()
}

func (m *metrics) routeSize(path string, n int) {
	m.endpoints.WithLabelValues(path).Set(float64(n))
}
