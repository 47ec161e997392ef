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

// Registry is the in-process metrics surface for both services. It is
// exposed as JSON on /metrics and in Prometheus text format on
// /metrics/prom.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	verdict        map[string]int64
	reason         map[string]int64
	verdictReason  map[string]int64
	securityEvents map[string]int64
	fills          int64
	shadowFills    int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
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
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	Reasons        map[string]int64        `json:"reasons"`
	VerdictReason  map[string]int64        `json:"verdict_reason"`
	SecurityEvents map[string]int64        `json:"security_events"`
	Fills          int64                   `json:"fills_total"`
	ShadowFills    int64                   `json:"shadow_fills_total"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		verdict:        map[string]int64{},
		reason:         map[string]int64{},
		verdictReason:  map[string]int64{},
		securityEvents: map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
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

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncOutcome records one signal outcome keyed by verdict and reason.
func (r *Registry) IncOutcome(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "OK"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.verdictReason[key]++
	r.mu.Unlock()
}

// IncSecurityEvent counts rejected signatures, stale timestamps, policy
// drift and the like. These are the metrics operators alert on.
func (r *Registry) IncSecurityEvent(kind string) {
	kind = strings.TrimSpace(strings.ToUpper(kind))
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.securityEvents[kind]++
	r.mu.Unlock()
}

// IncFill counts one fill report, live or shadow.
func (r *Registry) IncFill(shadow bool) {
	r.mu.Lock()
	if shadow {
		r.shadowFills++
	} else {
		r.fills++
	}
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
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:       make(map[string]int64, len(r.verdict)),
		Reasons:        make(map[string]int64, len(r.reason)),
		VerdictReason:  make(map[string]int64, len(r.verdictReason)),
		SecurityEvents: make(map[string]int64, len(r.securityEvents)),
		Fills:          r.fills,
		ShadowFills:    r.shadowFills,
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.verdictReason {
		out.VerdictReason[k] = v
	}
	for k, v := range r.securityEvents {
		out.SecurityEvents[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
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
		b.WriteString("# HELP titan_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE titan_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "titan_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP titan_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE titan_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "titan_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP titan_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE titan_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "titan_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP titan_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE titan_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "titan_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP titan_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE titan_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "titan_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP titan_signal_total signal outcomes by verdict and reason\n")
		b.WriteString("# TYPE titan_signal_total counter\n")
		for _, key := range SortedKeys(snap.VerdictReason) {
			parts := strings.SplitN(key, "|", 2)
			verdict := parts[0]
			reason := "OK"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "titan_signal_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.VerdictReason[key])
		}
		b.WriteString("# HELP titan_security_event_total security events by kind\n")
		b.WriteString("# TYPE titan_security_event_total counter\n")
		for _, kind := range SortedKeys(snap.SecurityEvents) {
			fmt.Fprintf(b, "titan_security_event_total{kind=%q} %d\n", kind, snap.SecurityEvents[kind])
		}
		b.WriteString("# HELP titan_fill_total fill reports applied\n")
		b.WriteString("# TYPE titan_fill_total counter\n")
		fmt.Fprintf(b, "titan_fill_total{shadow=\"false\"} %d\n", snap.Fills)
		fmt.Fprintf(b, "titan_fill_total{shadow=\"true\"} %d\n", snap.ShadowFills)
		b.WriteString("# HELP titan_gauge operational gauge metrics\n")
		b.WriteString("# TYPE titan_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "titan_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP titan_latency_seconds latency histogram\n")
			b.WriteString("# TYPE titan_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "titan_latency_seconds_bucket{name=%q,le=\"%.4f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "titan_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "titan_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "titan_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "titan_latency_p50_seconds{name=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "titan_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "titan_latency_p99_seconds{name=%q} %.6f\n", h.Name, h.P99)
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
