package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IntakeMetrics records file intake outcomes on a private registry.
type IntakeMetrics struct {
	registry *prometheus.Registry

	filesTotal    *prometheus.CounterVec
	pagesTotal    prometheus.Counter
	batchDuration prometheus.Histogram
}

func NewIntakeMetrics() *IntakeMetrics {
	registry := prometheus.NewRegistry()

	filesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "illustrator",
			Subsystem: "intake",
			Name:      "files_total",
			Help:      "Files seen by the intake coordinator by media kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	pagesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "illustrator",
			Subsystem: "intake",
			Name:      "pages_total",
			Help:      "Page images added to the flattened image list.",
		},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "illustrator",
			Subsystem: "intake",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one intake batch.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	registry.MustRegister(filesTotal, pagesTotal, batchDuration)

	return &IntakeMetrics{
		registry:      registry,
		filesTotal:    filesTotal,
		pagesTotal:    pagesTotal,
		batchDuration: batchDuration,
	}
}

func (m *IntakeMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFile counts one file; kind is pdf, image or other.
func (m *IntakeMetrics) ObserveFile(kind, outcome string, pages int) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(kind, outcome).Inc()
	if pages > 0 {
		m.pagesTotal.Add(float64(pages))
	}
}

func (m *IntakeMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

// FileCount returns the counter value for one kind/outcome pair.
func (m *IntakeMetrics) FileCount(kind, outcome string) float64 {
	return counterValue(m.registry, "illustrator_intake_files_total", map[string]string{"kind": kind, "outcome": outcome})
}

// PageCount returns the total pages counted so far.
func (m *IntakeMetrics) PageCount() float64 {
	return counterValue(m.registry, "illustrator_intake_pages_total", nil)
}

func counterValue(reg *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	return 0
}
