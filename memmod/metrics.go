package memmod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts loader activity. A nil *Metrics records nothing.
type Metrics struct {
	opens        *prometheus.CounterVec
	relocations  *prometheus.CounterVec
	dependencies prometheus.Counter
	mappedBytes  prometheus.Gauge
}

// NewMetrics creates the loader metrics and registers them with reg, which
// may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		opens: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfloader_opens_total",
			Help: "Number of module opens, by result.",
		}, []string{"result"}),
		relocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfloader_relocations_total",
			Help: "Number of relocations applied, by kind.",
		}, []string{"kind"}),
		dependencies: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfloader_dependencies_loaded_total",
			Help: "Number of dependencies acquired through the loader callback.",
		}),
		mappedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "elfloader_mapped_bytes",
			Help: "Bytes currently mapped for loaded modules.",
		}),
	}
}

func (m *Metrics) opened(result string) {
	if m != nil {
		m.opens.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) relocated(kind relocKind, n int) {
	if m != nil {
		m.relocations.WithLabelValues(kind.String()).Add(float64(n))
	}
}

func (m *Metrics) dependencyLoaded() {
	if m != nil {
		m.dependencies.Inc()
	}
}

func (m *Metrics) mapped(n int) {
	if m != nil {
		m.mappedBytes.Add(float64(n))
	}
}

func (m *Metrics) unmapped(n int) {
	if m != nil {
		m.mappedBytes.Sub(float64(n))
	}
}
