package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	RecordJobStarted()
	RecordJobStopped()
	RecordJobUploaded("ftp")
	RecordJobDeleted()
	RecordJobHistoryPersistFailure()
}

func TestRecordMonitorSnapshot(t *testing.T) {
	RecordMonitorSnapshot(3, 5, 12)
	if got := testutil.ToFloat64(RecorderHostsRunning); got != 3 {
		t.Fatalf("RecorderHostsRunning = %v, want 3", got)
	}
	if got := testutil.ToFloat64(RecorderHostsConnected); got != 5 {
		t.Fatalf("RecorderHostsConnected = %v, want 5", got)
	}
	if got := testutil.ToFloat64(RecorderTopicCount); got != 12 {
		t.Fatalf("RecorderTopicCount = %v, want 12", got)
	}
}

func TestRecordPing(t *testing.T) {
	RecordPing("host-a", 15*time.Millisecond, nil)
	RecordPing("host-b", 15*time.Millisecond, errors.New("ping failed"))
	if got := testutil.ToFloat64(PingFailuresTotal.WithLabelValues("host-b", "rpc_error")); got != 1 {
		t.Fatalf("PingFailuresTotal = %v, want 1", got)
	}
}

func TestRecordCircuitBreakerState(t *testing.T) {
	RecordCircuitBreakerState("host-a", "closed")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("host-a")); got != 0 {
		t.Fatalf("CircuitBreakerState closed = %v, want 0", got)
	}
	RecordCircuitBreakerState("host-a", "half-open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("host-a")); got != 2 {
		t.Fatalf("CircuitBreakerState half-open = %v, want 2", got)
	}
	RecordCircuitBreakerState("host-a", "open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("host-a")); got != 1 {
		t.Fatalf("CircuitBreakerState open = %v, want 1", got)
	}
}
