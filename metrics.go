package inlinehook

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k2io/inlinehook/internal/execmem"
)

type metrics struct {
	installs prometheus.Counter
	removals prometheus.Counter
	failures *prometheus.CounterVec
	active   prometheus.Gauge
	mapped   prometheus.GaugeFunc
	used     prometheus.GaugeFunc
}

func newMetrics(alloc *execmem.Allocator) *metrics {
	return &metrics{
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inlinehook",
			Name:      "installs_total",
			Help:      "Hooks installed.",
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inlinehook",
			Name:      "removals_total",
			Help:      "Hooks removed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inlinehook",
			Name:      "failures_total",
			Help:      "Failed operations by operation and reason.",
		}, []string{"op", "reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inlinehook",
			Name:      "active_hooks",
			Help:      "Hooks currently installed.",
		}),
		mapped: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "inlinehook",
			Name:      "exec_memory_mapped_bytes",
			Help:      "Executable memory mapped for trampolines.",
		}, func() float64 { return float64(alloc.Stats().Mapped) }),
		used: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "inlinehook",
			Name:      "exec_memory_used_bytes",
			Help:      "Executable memory held by live trampolines and relays.",
		}, func() float64 { return float64(alloc.Stats().Used) }),
	}
}

func (m *metrics) fail(op string, err error) {
	m.failures.WithLabelValues(op, reason(err)).Inc()
}

// Register exposes the engine metrics on reg.
func (e *Engine) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		e.metrics.installs, e.metrics.removals, e.metrics.failures,
		e.metrics.active, e.metrics.mapped, e.metrics.used,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
