package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Recorder aggregates in-memory counters for token lifecycle events,
// validation failures, engagement outcomes, store contention, and purge
// sweeps. It coordinates concurrent writers via a RWMutex and renders
// Prometheus text exposition on demand.
type Recorder struct {
	mu          sync.RWMutex
	tokenEvents map[string]uint64
	tokenFails  map[string]uint64
	engagement  map[string]uint64
	contention  map[string]uint64
	purged      map[string]uint64
	sweeps      map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		tokenEvents: make(map[string]uint64),
		tokenFails:  make(map[string]uint64),
		engagement:  make(map[string]uint64),
		contention:  make(map[string]uint64),
		purged:      make(map[string]uint64),
		sweeps:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveTokenEvent counts a token lifecycle event such as "issued",
// "validated", "refreshed", "revoked", or "revoked_all".
func (r *Recorder) ObserveTokenEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.tokenEvents[name]++
	r.mu.Unlock()
}

// ObserveTokenFailure counts a failed validation by reason ("not_found",
// "expired", "revoked").
func (r *Recorder) ObserveTokenFailure(reason string) {
	name := normalizeName(reason)
	r.mu.Lock()
	r.tokenFails[name]++
	r.mu.Unlock()
}

// ObserveEngagement counts an engagement outcome such as "view_counted",
// "view_deduped", "like_set", "like_cleared", or "like_noop".
func (r *Recorder) ObserveEngagement(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.engagement[name]++
	r.mu.Unlock()
}

// ObserveContention counts an operation that exhausted its optimistic retry
// budget against the durable store.
func (r *Recorder) ObserveContention(operation string) {
	name := normalizeName(operation)
	r.mu.Lock()
	r.contention[name]++
	r.mu.Unlock()
}

// ObservePurge records a completed maintenance sweep and the number of
// records it removed, keyed by record kind ("tokens", "markers").
func (r *Recorder) ObservePurge(kind string, removed int) {
	name := normalizeName(kind)
	r.mu.Lock()
	r.sweeps[name]++
	if removed > 0 {
		r.purged[name] += uint64(removed)
	}
	r.mu.Unlock()
}

// TokenCounts returns copies of the token event and failure counters for
// testing and reporting purposes.
func (r *Recorder) TokenCounts() (events map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.tokenEvents), copyCounts(r.tokenFails)
}

// EngagementCounts returns a copy of the engagement outcome counters.
func (r *Recorder) EngagementCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.engagement)
}

// PurgeCounts returns copies of the sweep and removed-record counters.
func (r *Recorder) PurgeCounts() (sweeps map[string]uint64, removed map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.sweeps), copyCounts(r.purged)
}

// Reset clears all counters. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenEvents = make(map[string]uint64)
	r.tokenFails = make(map[string]uint64)
	r.engagement = make(map[string]uint64)
	r.contention = make(map[string]uint64)
	r.purged = make(map[string]uint64)
	r.sweeps = make(map[string]uint64)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP cupstream_token_events_total Session token lifecycle events by type")
	fmt.Fprintln(w, "# TYPE cupstream_token_events_total counter")
	for _, event := range sortedKeys(r.tokenEvents) {
		fmt.Fprintf(w, "cupstream_token_events_total{event=\"%s\"} %d\n", event, r.tokenEvents[event])
	}

	fmt.Fprintln(w, "# HELP cupstream_token_failures_total Failed token validations by reason")
	fmt.Fprintln(w, "# TYPE cupstream_token_failures_total counter")
	for _, reason := range sortedKeys(r.tokenFails) {
		fmt.Fprintf(w, "cupstream_token_failures_total{reason=\"%s\"} %d\n", reason, r.tokenFails[reason])
	}

	fmt.Fprintln(w, "# HELP cupstream_engagement_events_total Engagement mutation outcomes by type")
	fmt.Fprintln(w, "# TYPE cupstream_engagement_events_total counter")
	for _, event := range sortedKeys(r.engagement) {
		fmt.Fprintf(w, "cupstream_engagement_events_total{event=\"%s\"} %d\n", event, r.engagement[event])
	}

	fmt.Fprintln(w, "# HELP cupstream_store_contention_total Operations that exhausted the optimistic retry budget")
	fmt.Fprintln(w, "# TYPE cupstream_store_contention_total counter")
	for _, op := range sortedKeys(r.contention) {
		fmt.Fprintf(w, "cupstream_store_contention_total{operation=\"%s\"} %d\n", op, r.contention[op])
	}

	fmt.Fprintln(w, "# HELP cupstream_purge_sweeps_total Completed maintenance sweeps by record kind")
	fmt.Fprintln(w, "# TYPE cupstream_purge_sweeps_total counter")
	for _, kind := range sortedKeys(r.sweeps) {
		fmt.Fprintf(w, "cupstream_purge_sweeps_total{kind=\"%s\"} %d\n", kind, r.sweeps[kind])
	}

	fmt.Fprintln(w, "# HELP cupstream_purged_records_total Records removed by maintenance sweeps by kind")
	fmt.Fprintln(w, "# TYPE cupstream_purged_records_total counter")
	for _, kind := range sortedKeys(r.purged) {
		fmt.Fprintf(w, "cupstream_purged_records_total{kind=\"%s\"} %d\n", kind, r.purged[kind])
	}
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(counts map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveTokenEvent counts a token lifecycle event on the default recorder.
func ObserveTokenEvent(event string) {
	defaultRecorder.ObserveTokenEvent(event)
}

// ObserveTokenFailure counts a failed validation on the default recorder.
func ObserveTokenFailure(reason string) {
	defaultRecorder.ObserveTokenFailure(reason)
}

// ObserveEngagement counts an engagement outcome on the default recorder.
func ObserveEngagement(event string) {
	defaultRecorder.ObserveEngagement(event)
}

// ObserveContention counts a retry-budget exhaustion on the default recorder.
func ObserveContention(operation string) {
	defaultRecorder.ObserveContention(operation)
}

// ObservePurge records a maintenance sweep on the default recorder.
func ObservePurge(kind string, removed int) {
	defaultRecorder.ObservePurge(kind, removed)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
