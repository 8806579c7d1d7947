package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.SessionCreated("shell")
	m.SessionCreated("shell")
	m.EventRecorded("shell", "shell:output")
	m.EventDropped(DropReasonAppend)
	m.SetLive(3)

	if got := testutil.ToFloat64(m.sessionsCreated.WithLabelValues("shell")); got != 2 {
		t.Fatalf("expected 2 shell sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsRecorded.WithLabelValues("shell", "output")); got != 1 {
		t.Fatalf("expected 1 output event, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsDropped.WithLabelValues(DropReasonAppend)); got != 1 {
		t.Fatalf("expected 1 dropped event, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsLive); got != 3 {
		t.Fatalf("expected 3 live sessions, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.PublishDropped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dispatch_publish_dropped_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionCreated("ai")
	m.EventRecorded("ai", "ai:message")
	m.EventDropped(DropReasonSequence)
	m.AdapterFailure("ai", "create")
	m.PublishDropped()
	m.SetLive(1)
}
