// Package metrics is the gateway's hand-rolled metrics registry, exposed as
// JSON on /metrics and Prometheus text on /metrics/prometheus.
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

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	fault           map[string]int64
	event           map[string]int64
	finalStatus     map[string]int64
	gauges          map[string]float64
	premiumEscrowed int64
	payoutCredited  int64
	payoutWithdrawn int64
	roundLatency    RoundLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// RoundLatencyStat tracks how long consensus rounds take from the status
// request to finalization.
type RoundLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Faults          map[string]int64        `json:"faults"`
	Events          map[string]int64        `json:"events"`
	FinalStatuses   map[string]int64        `json:"final_statuses"`
	Gauges          map[string]float64      `json:"gauges"`
	PremiumEscrowed int64                   `json:"premium_escrowed_total"`
	PayoutCredited  int64                   `json:"payout_credited_total"`
	PayoutWithdrawn int64                   `json:"payout_withdrawn_total"`
	RoundLatencyMS  RoundLatencyStat        `json:"consensus_round_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		fault:       map[string]int64{},
		event:       map[string]int64{},
		finalStatus: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
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

// IncFault counts a rejected operation by fault kind (authorization, state,
// value, consensus).
func (r *Registry) IncFault(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.fault[kind]++
	r.mu.Unlock()
}

// IncEvent counts a hub event by type.
func (r *Registry) IncEvent(eventType string) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.event[eventType]++
	r.mu.Unlock()
}

// IncFinalStatus counts a finalized flight by its resolved status name.
func (r *Registry) IncFinalStatus(status string) {
	status = strings.TrimSpace(strings.ToUpper(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.finalStatus[status]++
	r.mu.Unlock()
}

// AddPremiumEscrowed accumulates premiums taken in, in hundredths of a unit.
func (r *Registry) AddPremiumEscrowed(amount int64) {
	if amount <= 0 {
		return
	}
	r.mu.Lock()
	r.premiumEscrowed += amount
	r.mu.Unlock()
}

// AddPayoutCredited accumulates credits written to buyer balances.
func (r *Registry) AddPayoutCredited(amount int64) {
	if amount <= 0 {
		return
	}
	r.mu.Lock()
	r.payoutCredited += amount
	r.mu.Unlock()
}

// AddPayoutWithdrawn accumulates completed withdrawals.
func (r *Registry) AddPayoutWithdrawn(amount int64) {
	if amount <= 0 {
		return
	}
	r.mu.Lock()
	r.payoutWithdrawn += amount
	r.mu.Unlock()
}

func (r *Registry) ObserveRoundLatency(d time.Duration) {
	r.Histograms.GetWith("consensus_round", roundBounds).Observe(d)
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roundLatency.Count++
	r.roundLatency.TotalMS += ms
	r.roundLatency.LastMS = ms
	if ms > r.roundLatency.MaxMS {
		r.roundLatency.MaxMS = ms
	}
	r.roundLatency.AvgMS = float64(r.roundLatency.TotalMS) / float64(r.roundLatency.Count)
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
		Faults:          make(map[string]int64, len(r.fault)),
		Events:          make(map[string]int64, len(r.event)),
		FinalStatuses:   make(map[string]int64, len(r.finalStatus)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		PremiumEscrowed: r.premiumEscrowed,
		PayoutCredited:  r.payoutCredited,
		PayoutWithdrawn: r.payoutWithdrawn,
		RoundLatencyMS:  r.roundLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.fault {
		out.Faults[k] = v
	}
	for k, v := range r.event {
		out.Events[k] = v
	}
	for k, v := range r.finalStatus {
		out.FinalStatuses[k] = v
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
		b.WriteString("# HELP surety_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE surety_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "surety_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP surety_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE surety_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "surety_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP surety_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE surety_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "surety_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP surety_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE surety_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "surety_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP surety_fault_total rejected operations by fault kind\n")
		b.WriteString("# TYPE surety_fault_total counter\n")
		for _, kind := range SortedKeys(snap.Faults) {
			fmt.Fprintf(b, "surety_fault_total{kind=%q} %d\n", kind, snap.Faults[kind])
		}
		b.WriteString("# HELP surety_event_total hub events by type\n")
		b.WriteString("# TYPE surety_event_total counter\n")
		for _, eventType := range SortedKeys(snap.Events) {
			fmt.Fprintf(b, "surety_event_total{type=%q} %d\n", eventType, snap.Events[eventType])
		}
		b.WriteString("# HELP surety_flight_final_total finalized flights by status\n")
		b.WriteString("# TYPE surety_flight_final_total counter\n")
		for _, status := range SortedKeys(snap.FinalStatuses) {
			fmt.Fprintf(b, "surety_flight_final_total{status=%q} %d\n", status, snap.FinalStatuses[status])
		}
		b.WriteString("# HELP surety_gauge operational gauge metrics\n")
		b.WriteString("# TYPE surety_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "surety_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP surety_premium_escrowed_total premiums escrowed in hundredths of a unit\n")
		b.WriteString("# TYPE surety_premium_escrowed_total counter\n")
		fmt.Fprintf(b, "surety_premium_escrowed_total %d\n", snap.PremiumEscrowed)
		b.WriteString("# HELP surety_payout_credited_total payouts credited in hundredths of a unit\n")
		b.WriteString("# TYPE surety_payout_credited_total counter\n")
		fmt.Fprintf(b, "surety_payout_credited_total %d\n", snap.PayoutCredited)
		b.WriteString("# HELP surety_payout_withdrawn_total payouts withdrawn in hundredths of a unit\n")
		b.WriteString("# TYPE surety_payout_withdrawn_total counter\n")
		fmt.Fprintf(b, "surety_payout_withdrawn_total %d\n", snap.PayoutWithdrawn)

		b.WriteString("# HELP surety_round_latency_ms consensus round latency in ms\n")
		b.WriteString("# TYPE surety_round_latency_ms gauge\n")
		fmt.Fprintf(b, "surety_round_latency_ms{stat=%q} %d\n", "last", snap.RoundLatencyMS.LastMS)
		fmt.Fprintf(b, "surety_round_latency_ms{stat=%q} %.3f\n", "avg", snap.RoundLatencyMS.AvgMS)
		fmt.Fprintf(b, "surety_round_latency_ms{stat=%q} %d\n", "max", snap.RoundLatencyMS.MaxMS)

		for _, h := range snap.Histograms {
			b.WriteString("# HELP surety_latency_seconds latency histogram\n")
			b.WriteString("# TYPE surety_latency_seconds histogram\n")
			for i, bound := range h.Bounds {
				fmt.Fprintf(b, "surety_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bound, h.Cumulative[i])
			}
			fmt.Fprintf(b, "surety_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "surety_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "surety_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "surety_latency_q50_seconds{endpoint=%q} %.6f\n", h.Name, h.Q50)
			fmt.Fprintf(b, "surety_latency_q95_seconds{endpoint=%q} %.6f\n", h.Name, h.Q95)
			fmt.Fprintf(b, "surety_latency_q99_seconds{endpoint=%q} %.6f\n", h.Name, h.Q99)
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
