package app

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Profiler times named scopes of the tick pipeline. It keeps the last
// duration of every scope plus a running total, and free-form counters.
type Profiler struct {
	mu         sync.Mutex
	Scopes     map[string]time.Duration
	Totals     map[string]time.Duration
	StartTimes map[string]time.Time
	Counts     map[string]int
	Order      []string

	scopeSeconds *prometheus.HistogramVec
	counters     *prometheus.GaugeVec
}

func NewProfiler() *Profiler {
	return &Profiler{
		Scopes:     make(map[string]time.Duration),
		Totals:     make(map[string]time.Duration),
		StartTimes: make(map[string]time.Time),
		Counts:     make(map[string]int),
	}
}

// Export mirrors scope durations and counters into collectors registered
// on reg, labelled by name.
func (p *Profiler) Export(reg prometheus.Registerer) {
	f := promauto.With(reg)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopeSeconds = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluid_profile_scope_seconds",
		Help:    "CPU time spent in a named scope of the tick pipeline",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"scope"})
	p.counters = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluid_profile_count",
		Help: "Last value of a named profiler counter",
	}, []string{"name"})
}

func (p *Profiler) BeginScope(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartTimes[name] = time.Now()
	if !slices.Contains(p.Order, name) {
		p.Order = append(p.Order, name)
	}
}

func (p *Profiler) EndScope(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.StartTimes[name]
	if !ok {
		return
	}
	d := time.Since(start)
	p.Scopes[name] = d
	p.Totals[name] += d
	delete(p.StartTimes, name)
	if p.scopeSeconds != nil {
		p.scopeSeconds.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (p *Profiler) SetCount(name string, count int) {
	p.mu.Lock()
	p.Counts[name] = count
	if p.counters != nil {
		p.counters.WithLabelValues(name).Set(float64(count))
	}
	p.mu.Unlock()
}

// Last returns the most recent duration of a scope.
func (p *Profiler) Last(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Scopes[name]
}

// Total returns the accumulated duration of a scope.
func (p *Profiler) Total(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Totals[name]
}

// Reset zeroes the last durations. Totals and scope order survive.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.Scopes {
		p.Scopes[k] = 0
	}
}

func (p *Profiler) GetStatsString() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.Order {
		ms := float64(p.Scopes[name].Microseconds()) / 1000.0
		total := float64(p.Totals[name].Microseconds()) / 1000.0
		sb.WriteString(fmt.Sprintf("  %-15s: %.2f ms (total %.1f ms)\n", name, ms, total))
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %-15s: %d\n", k, p.Counts[k]))
	}
	return sb.String()
}
