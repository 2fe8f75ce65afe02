package metrics

import (
	"sort"
	"sync"
	"time"
)

// HistogramBucket is a cumulative count of observations at or below Le
// seconds.
type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	// Overflow counts observations above the last bound.
	Overflow int64   `json:"overflow"`
	P50      float64 `json:"p50"`
	P95      float64 `json:"p95"`
	P99      float64 `json:"p99"`
}

var handlerBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// DecisionBounds spreads buckets over a decision window ending at timeout,
// so a request that ran into the deadline lands in the last bucket.
func DecisionBounds(timeout time.Duration) []float64 {
	limit := timeout.Seconds()
	if limit <= 0 {
		limit = 60
	}
	var out []float64
	for _, f := range []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9} {
		if b := limit * f; b >= 0.001 {
			out = append(out, b)
		}
	}
	return append(out, limit)
}

type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	// counts[i] holds observations in (bounds[i-1], bounds[i]]; the extra
	// slot is the overflow.
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return NewHistogramWithBuckets(name, handlerBounds)
}

// NewHistogramWithBuckets takes ascending upper bounds in seconds.
func NewHistogramWithBuckets(name string, bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{name: name, bounds: b, counts: make([]int64, len(b)+1)}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	h.counts[i]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

// Percentile interpolates linearly inside the bucket holding rank p*count.
// Ranks in the overflow report the last bound.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.percentileLocked(p)
}

func (h *Histogram) percentileLocked(p float64) float64 {
	if h.total == 0 || len(h.bounds) == 0 {
		return 0
	}
	rank := p * float64(h.total)
	var seen int64
	lower := 0.0
	for i, upper := range h.bounds {
		n := h.counts[i]
		if n > 0 && float64(seen+n) >= rank {
			return lower + (upper-lower)*(rank-float64(seen))/float64(n)
		}
		seen += n
		lower = upper
	}
	return h.bounds[len(h.bounds)-1]
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:     h.name,
		Buckets:  make([]HistogramBucket, len(h.bounds)),
		Sum:      h.sum,
		Count:    h.total,
		Overflow: h.counts[len(h.bounds)],
	}
	var cum int64
	for i, le := range h.bounds {
		cum += h.counts[i]
		snap.Buckets[i] = HistogramBucket{Le: le, Count: cum}
	}
	if h.total > 0 {
		snap.P50 = h.percentileLocked(0.50)
		snap.P95 = h.percentileLocked(0.95)
		snap.P99 = h.percentileLocked(0.99)
	}
	return snap
}

// HistogramRegistry holds named histograms. Names without a Define call get
// the handler bounds on first use.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Define (re)creates name with the given bounds, dropping earlier
// observations.
func (r *HistogramRegistry) Define(name string, bounds []float64) {
	r.mu.Lock()
	r.histograms[name] = NewHistogramWithBuckets(name, bounds)
	r.mu.Unlock()
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; !ok {
		h = NewHistogram(name)
		r.histograms[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, name := range SortedKeys(r.histograms) {
		out = append(out, r.histograms[name].Snapshot())
	}
	return out
}
