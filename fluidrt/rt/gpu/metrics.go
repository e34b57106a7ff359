package gpu

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the tick pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Ticks           prometheus.Counter
	FenceWait       prometheus.Histogram
	DescriptorPools prometheus.Gauge
	PoolGrowths     prometheus.Counter
	Deletions       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "fluid_ticks_total",
			Help: "Number of simulation ticks submitted to the device",
		}),
		FenceWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fluid_fence_wait_seconds",
			Help:    "Time spent waiting for a frame slot to be reclaimed",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		DescriptorPools: f.NewGauge(prometheus.GaugeOpts{
			Name: "fluid_descriptor_pools",
			Help: "Number of live descriptor pools",
		}),
		PoolGrowths: f.NewCounter(prometheus.CounterOpts{
			Name: "fluid_descriptor_pool_growths_total",
			Help: "Number of descriptor pools created after the first one",
		}),
		Deletions: f.NewCounter(prometheus.CounterOpts{
			Name: "fluid_deletions_total",
			Help: "Number of resources released through deletion queues",
		}),
	}
}

func (m *Metrics) tick() {
	if m != nil {
		m.Ticks.Inc()
	}
}

func (m *Metrics) fenceWait(d time.Duration) {
	if m != nil {
		m.FenceWait.Observe(d.Seconds())
	}
}

func (m *Metrics) poolCreated(growth bool) {
	if m == nil {
		return
	}
	m.DescriptorPools.Inc()
	if growth {
		m.PoolGrowths.Inc()
	}
}

func (m *Metrics) poolsDestroyed(n int) {
	if m != nil {
		m.DescriptorPools.Sub(float64(n))
	}
}

func (m *Metrics) deleted(n int) {
	if m != nil && n > 0 {
		m.Deletions.Add(float64(n))
	}
}
