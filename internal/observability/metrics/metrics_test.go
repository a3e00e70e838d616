package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentRecordsStatus(t *testing.T) {
	handler := Instrument("chat_test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("chat_test", http.MethodPost, "503")); got != 1 {
		t.Fatalf("requests counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(httpErrors.WithLabelValues("chat_test", http.MethodPost)); got != 1 {
		t.Fatalf("errors counter = %v, want 1", got)
	}
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(poolExhausted)
	ObservePoolExhausted()
	if got := testutil.ToFloat64(poolExhausted); got != before+1 {
		t.Fatalf("pool exhausted = %v, want %v", got, before+1)
	}

	ObservePoolAcquire(time.Millisecond)
	ObservePoolRelease(true)
	if got := testutil.ToFloat64(poolInUse); got != 0 {
		t.Fatalf("in-use gauge should return to zero, got %v", got)
	}

	ObserveGateDecision("held")
	if got := testutil.ToFloat64(gateDecisions.WithLabelValues("held")); got < 1 {
		t.Fatalf("gate decision not counted")
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	ObserveTurn("submit_message", "ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `sqlassist_turns_total{operation="submit_message",outcome="ok"}`) {
		t.Fatalf("turn counter missing from exposition:\n%s", body)
	}
}
