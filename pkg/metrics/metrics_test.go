package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/intercept", 200, 15*time.Millisecond)
	r.Observe("POST /v1/intercept", 503, 35*time.Millisecond)
	r.ObserveResolution("ALLOW", "RESPONSE", 2*time.Second)
	r.ObserveResolution("timeout", "sweep", 60*time.Second)
	r.ObserveResolution("DENY", "", -1)
	r.ObserveResolution("", "RESPONSE", time.Second)
	r.IncClassification("IGNORE")
	r.IncClassification("")
	r.IncInvalidMessage()
	r.IncInvalidTransition()
	r.IncInvalidTransition()
	r.SetGauge("pending_requests", 3)

	snap := r.Snapshot()
	ep := snap.Endpoints["POST /v1/intercept"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Outcomes["ALLOW"] != 1 || snap.Outcomes["TIMEOUT"] != 1 || snap.Outcomes["DENY"] != 1 || len(snap.Outcomes) != 3 {
		t.Fatalf("unexpected outcomes %+v", snap.Outcomes)
	}
	if snap.Triggers["SWEEP"] != 1 || snap.Triggers["UNKNOWN"] != 1 {
		t.Fatalf("unexpected triggers %+v", snap.Triggers)
	}
	if snap.Classifications["IGNORE"] != 1 || len(snap.Classifications) != 1 {
		t.Fatalf("unexpected classifications %+v", snap.Classifications)
	}
	if snap.InvalidMessages != 1 || snap.InvalidStages != 2 || snap.Gauges["pending_requests"] != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Histograms) != 1 || snap.Histograms[0].Name != DecisionLatency || snap.Histograms[0].Count != 2 {
		t.Fatalf("unexpected histograms %+v", snap.Histograms)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /v1/pending", 200, 12*time.Millisecond)
	r.ObserveResolution("DENY", "RESPONSE", time.Second)
	r.SetGauge("authority_connected", 1)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`installguard_endpoint_count{endpoint="GET /v1/pending"} 1`,
		`installguard_resolutions_total{outcome="DENY"} 1`,
		`installguard_resolution_triggers_total{trigger="RESPONSE"} 1`,
		`installguard_gauge{name="authority_connected"} 1.000`,
		`installguard_latency_seconds_count{name="decision"} 1`,
		`installguard_invalid_messages_total 0`,
		`installguard_invalid_transitions_total 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.GeneratedAt == "" || snap.Endpoints["GET /healthz"].Count != 1 || len(snap.Gauges) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
