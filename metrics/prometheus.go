package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exposes a Registry to a prometheus.Registerer. It is
// an unchecked collector: the metric set is read from the Registry on every
// scrape, so metrics created after registration are exported too.
type PrometheusCollector struct {
	registry  *Registry
	namespace string
}

// NewPrometheusCollector wraps reg. Metric names are prefixed with
// namespace and sanitized to the Prometheus name alphabet.
func NewPrometheusCollector(reg *Registry, namespace string) *PrometheusCollector {
	return &PrometheusCollector{registry: reg, namespace: namespace}
}

// Describe implements prometheus.Collector. It sends nothing, which marks
// the collector as unchecked.
func (c *PrometheusCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(
		func(m *Counter) {
			desc := prometheus.NewDesc(c.metricName(m.Name()), m.Name(), nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(m.Value()))
		},
		func(m *Gauge) {
			desc := prometheus.NewDesc(c.metricName(m.Name()), m.Name(), nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(m.Value()))
		},
		func(m *Histogram) {
			s := m.Snapshot()
			desc := prometheus.NewDesc(c.metricName(m.Name()), m.Name(), nil, nil)
			ch <- prometheus.MustNewConstSummary(desc, uint64(s.Count), s.Sum, nil)
		},
	)
}

func (c *PrometheusCollector) metricName(name string) string {
	if c.namespace != "" {
		name = c.namespace + "_" + name
	}
	return sanitizeName(name)
}

// sanitizeName maps every byte outside [a-zA-Z0-9_:] to '_'.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == ':':
			b.WriteByte(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteByte(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
