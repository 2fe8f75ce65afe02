package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// DecisionLatency is the histogram fed with the time from registration to
// resolution of each arbitrated request.
const DecisionLatency = "decision"

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	outcome    map[string]int64
	trigger    map[string]int64
	classified map[string]int64
	invalid    int64
	badStage   int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Outcomes        map[string]int64        `json:"outcomes"`
	Triggers        map[string]int64        `json:"triggers"`
	Classifications map[string]int64        `json:"classifications"`
	InvalidMessages int64                   `json:"invalid_messages_total"`
	InvalidStages   int64                   `json:"invalid_transitions_total"`
	Gauges          map[string]float64      `json:"gauges"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcome:    map[string]int64{},
		trigger:    map[string]int64{},
		classified: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

// ObserveResolution counts one resolved request by outcome and trigger.
func (r *Registry) ObserveResolution(outcome, trigger string, waited time.Duration) {
	outcome = strings.TrimSpace(strings.ToUpper(outcome))
	trigger = strings.TrimSpace(strings.ToUpper(trigger))
	if outcome == "" {
		return
	}
	if trigger == "" {
		trigger = "UNKNOWN"
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.trigger[trigger]++
	r.mu.Unlock()
	if waited >= 0 {
		r.Histograms.ObserveDuration(DecisionLatency, waited)
	}
}

func (r *Registry) IncClassification(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.classified[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncInvalidMessage() {
	r.mu.Lock()
	r.invalid++
	r.mu.Unlock()
}

// IncInvalidTransition counts a lifecycle transition that was refused.
func (r *Registry) IncInvalidTransition() {
	r.mu.Lock()
	r.badStage++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:        copyCounts(r.outcome),
		Triggers:        copyCounts(r.trigger),
		Classifications: copyCounts(r.classified),
		InvalidMessages: r.invalid,
		InvalidStages:   r.badStage,
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP installguard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE installguard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "installguard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP installguard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE installguard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "installguard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP installguard_resolutions_total resolved requests by outcome\n")
		b.WriteString("# TYPE installguard_resolutions_total counter\n")
		for _, o := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "installguard_resolutions_total{outcome=%q} %d\n", o, snap.Outcomes[o])
		}
		b.WriteString("# HELP installguard_resolution_triggers_total resolved requests by trigger\n")
		b.WriteString("# TYPE installguard_resolution_triggers_total counter\n")
		for _, tr := range SortedKeys(snap.Triggers) {
			fmt.Fprintf(b, "installguard_resolution_triggers_total{trigger=%q} %d\n", tr, snap.Triggers[tr])
		}
		b.WriteString("# HELP installguard_classifications_total classifier verdicts\n")
		b.WriteString("# TYPE installguard_classifications_total counter\n")
		for _, v := range SortedKeys(snap.Classifications) {
			fmt.Fprintf(b, "installguard_classifications_total{verdict=%q} %d\n", v, snap.Classifications[v])
		}
		b.WriteString("# HELP installguard_invalid_messages_total rejected authority messages\n")
		b.WriteString("# TYPE installguard_invalid_messages_total counter\n")
		fmt.Fprintf(b, "installguard_invalid_messages_total %d\n", snap.InvalidMessages)
		b.WriteString("# HELP installguard_invalid_transitions_total refused request lifecycle transitions\n")
		b.WriteString("# TYPE installguard_invalid_transitions_total counter\n")
		fmt.Fprintf(b, "installguard_invalid_transitions_total %d\n", snap.InvalidStages)
		b.WriteString("# HELP installguard_gauge operational gauges\n")
		b.WriteString("# TYPE installguard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "installguard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP installguard_latency_seconds latency histogram\n")
			b.WriteString("# TYPE installguard_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "installguard_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "installguard_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "installguard_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "installguard_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
