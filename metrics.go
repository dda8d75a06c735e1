package hotpatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hotpatch"

// Metrics of a Reloader.
type Metrics struct {
	cycles     prometheus.Counter
	failures   *prometheus.CounterVec
	functions  prometheus.Counter
	objects    prometheus.Counter
	missing    prometheus.Counter
	skipped    prometheus.Counter
	generation prometheus.Gauge
	duration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg unless reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_cycles_total",
			Help:      "Reload cycles attempted.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_failures_total",
			Help:      "Reload cycles that failed, by stage.",
		}, []string{"stage"}),
		functions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "functions_redirected_total",
			Help:      "Function entries overwritten with a trampoline.",
		}),
		objects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_copied_total",
			Help:      "Global objects carried into a new generation.",
		}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbols_missing_total",
			Help:      "Patchable symbols without a counterpart in the new generation.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbols_skipped_total",
			Help:      "Symbols present on both sides that could not be patched.",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Number of the next patch to load.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reload_duration_seconds",
			Help:      "Duration of reload cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.failures, m.functions, m.objects, m.missing, m.skipped, m.generation, m.duration)
	}
	return m
}

func (m *Metrics) observe(res Result, stage string, seconds float64) {
	m.cycles.Inc()
	m.duration.Observe(seconds)
	if stage != "" {
		m.failures.WithLabelValues(stage).Inc()
	}
	m.functions.Add(float64(res.Functions))
	m.objects.Add(float64(res.Objects))
	m.missing.Add(float64(res.Missing))
	m.skipped.Add(float64(res.Skipped))
	m.generation.Set(float64(res.Generation))
}
