package metrics

import (
	"sync"
	"time"
)

// requestBounds covers HTTP handler latencies, in seconds.
var requestBounds = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// roundBounds covers oracle consensus rounds. A round waits on three
// independent submissions, so it runs seconds rather than milliseconds.
var roundBounds = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Histogram counts observations into fixed latency buckets. Buckets are
// stored non-cumulatively so Observe touches a single counter; the
// cumulative view is built at snapshot time.
type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	counts []int64 // len(bounds)+1, last is the overflow bucket
	sum    float64
	total  int64
}

func NewHistogram(name string, bounds []float64) *Histogram {
	if len(bounds) == 0 {
		bounds = requestBounds
	}
	return &Histogram{
		name:   name,
		bounds: bounds,
		counts: make([]int64, len(bounds)+1),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.total++
	for i, bound := range h.bounds {
		if sec <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.bounds)]++
}

// Quantile estimates the q-th quantile (0..1) as the upper bound of the
// bucket the target observation falls in. Overflowing observations
// report the largest bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.bounds, h.counts, h.total, q)
}

func quantile(bounds []float64, counts []int64, total int64, q float64) float64 {
	if total == 0 || len(bounds) == 0 {
		return 0
	}
	target := int64(q * float64(total))
	if target < 1 {
		target = 1
	}
	var seen int64
	for i, bound := range bounds {
		seen += counts[i]
		if seen >= target {
			return bound
		}
	}
	return bounds[len(bounds)-1]
}

// HistogramSnapshot is a point-in-time copy for exposition. Cumulative
// carries the running bucket totals the Prometheus text format wants.
type HistogramSnapshot struct {
	Name       string
	Bounds     []float64
	Cumulative []int64
	Sum        float64
	Count      int64
	Q50        float64
	Q95        float64
	Q99        float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:       h.name,
		Bounds:     h.bounds,
		Cumulative: make([]int64, len(h.bounds)),
		Sum:        h.sum,
		Count:      h.total,
		Q50:        quantile(h.bounds, h.counts, h.total, 0.50),
		Q95:        quantile(h.bounds, h.counts, h.total, 0.95),
		Q99:        quantile(h.bounds, h.counts, h.total, 0.99),
	}
	var running int64
	for i := range h.bounds {
		running += h.counts[i]
		snap.Cumulative[i] = running
	}
	return snap
}

// HistogramRegistry hands out named histograms, creating them on first
// use. Request histograms use requestBounds; the consensus round
// histogram is registered explicitly with its coarser bounds.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	return r.GetWith(name, requestBounds)
}

func (r *HistogramRegistry) GetWith(name string, bounds []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name, bounds)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
