package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestRecorderCounts(t *testing.T) {
	recorder := New()
	recorder.ObserveTokenEvent("issued")
	recorder.ObserveTokenEvent("issued")
	recorder.ObserveTokenEvent("validated")
	recorder.ObserveTokenFailure("expired")
	recorder.ObserveEngagement("view_counted")
	recorder.ObservePurge("tokens", 3)
	recorder.ObservePurge("tokens", 0)

	events, failures := recorder.TokenCounts()
	if events["issued"] != 2 || events["validated"] != 1 {
		t.Fatalf("unexpected token events: %v", events)
	}
	if failures["expired"] != 1 {
		t.Fatalf("unexpected token failures: %v", failures)
	}
	if engagement := recorder.EngagementCounts(); engagement["view_counted"] != 1 {
		t.Fatalf("unexpected engagement counts: %v", engagement)
	}
	sweeps, removed := recorder.PurgeCounts()
	if sweeps["tokens"] != 2 {
		t.Fatalf("expected 2 sweeps, got %v", sweeps)
	}
	if removed["tokens"] != 3 {
		t.Fatalf("expected 3 purged records, got %v", removed)
	}
}

func TestRecorderNormalizesNames(t *testing.T) {
	recorder := New()
	recorder.ObserveTokenEvent("  Issued ")
	recorder.ObserveTokenEvent("")
	events, _ := recorder.TokenCounts()
	if events["issued"] != 1 {
		t.Fatalf("expected trimmed lowercase name, got %v", events)
	}
	if events["unknown"] != 1 {
		t.Fatalf("expected empty name to fall back to unknown, got %v", events)
	}
}

func TestRecorderReset(t *testing.T) {
	recorder := New()
	recorder.ObserveTokenEvent("issued")
	recorder.Reset()
	events, _ := recorder.TokenCounts()
	if len(events) != 0 {
		t.Fatalf("expected reset to clear counters, got %v", events)
	}
}

func TestRecorderWriteFormat(t *testing.T) {
	recorder := New()
	recorder.ObserveTokenEvent("issued")
	recorder.ObserveTokenFailure("revoked")
	recorder.ObserveEngagement("like_set")
	recorder.ObserveContention("record_view")
	recorder.ObservePurge("markers", 2)

	var builder strings.Builder
	recorder.Write(&builder)
	output := builder.String()

	expected := []string{
		"# TYPE cupstream_token_events_total counter",
		"cupstream_token_events_total{event=\"issued\"} 1",
		"cupstream_token_failures_total{reason=\"revoked\"} 1",
		"cupstream_engagement_events_total{event=\"like_set\"} 1",
		"cupstream_store_contention_total{operation=\"record_view\"} 1",
		"cupstream_purge_sweeps_total{kind=\"markers\"} 1",
		"cupstream_purged_records_total{kind=\"markers\"} 2",
	}
	for _, line := range expected {
		if !strings.Contains(output, line) {
			t.Fatalf("expected output to contain %q, got:\n%s", line, output)
		}
	}

	// Repeated renders are byte-stable.
	var second strings.Builder
	recorder.Write(&second)
	if output != second.String() {
		t.Fatal("expected stable exposition output across renders")
	}
}

func TestHandlerContentType(t *testing.T) {
	recorder := New()
	recorder.ObserveTokenEvent("issued")
	req := httptest.NewRequest("GET", "/metrics", nil)
	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, req)
	if res.Code != 200 {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if got := res.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(res.Body.String(), "cupstream_token_events_total") {
		t.Fatalf("unexpected body: %s", res.Body.String())
	}
}

func TestRecorderConcurrentWrites(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	const writers = 16
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveTokenEvent("issued")
			}
		}()
	}
	wg.Wait()
	events, _ := recorder.TokenCounts()
	if events["issued"] != writers*100 {
		t.Fatalf("expected %d events, got %d", writers*100, events["issued"])
	}
}
