package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProbeDurationRecordsObservation(t *testing.T) {
	start := time.Now()
	time.Sleep(2 * time.Millisecond)
	ObserveProbe(start, "probe_test", "miss")

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "perfrecord_probe_duration_ms" {
			continue
		}
		found = true
		if len(mf.Metric) == 0 {
			t.Fatalf("probe_duration_ms metric has no samples")
		}
		if got := mf.Metric[0].GetHistogram().GetSampleCount(); got == 0 {
			t.Fatalf("expected histogram sample count > 0, got %d", got)
		}
	}
	if !found {
		t.Fatalf("perfrecord_probe_duration_ms not found")
	}
}

func TestObserveSessionCountsOutcomeAndBytes(t *testing.T) {
	before := testutil.ToFloat64(SessionsTotal.WithLabelValues("session_test", "crashed"))
	bytesBefore := testutil.ToFloat64(RecordedBytesTotal)

	SessionStarted()
	ObserveSession(time.Now(), "session_test", "crashed", 4096)

	if got := testutil.ToFloat64(SessionsTotal.WithLabelValues("session_test", "crashed")); got != before+1 {
		t.Errorf("sessions_total = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(RecordedBytesTotal); got != bytesBefore+4096 {
		t.Errorf("recorded_bytes_total = %v, want %v", got, bytesBefore+4096)
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveProbe(time.Now(), "probe_test_endpoint", "hit")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "perfrecord_probe_duration_ms_bucket") {
		t.Fatalf("expected probe_duration_ms histogram buckets, body: %s", body)
	}
	if !strings.Contains(body, "perfrecord_up") {
		t.Fatalf("expected up gauge, body: %s", body)
	}
}
