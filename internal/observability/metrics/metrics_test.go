package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRecord(t *testing.T) {
	m := New("stochastic", prometheus.NewRegistry())

	m.ObserveSubmission(OutcomeSuccess)
	m.ObserveSubmission(OutcomeTransportError)
	m.IncPollAttempt()
	m.IncPollAttempt()
	m.ObserveGenerate(OutcomeSuccess, time.Second)
	m.IncTask("succeeded")

	if got := testutil.ToFloat64(m.submissions.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Fatalf("unexpected success submissions: %v", got)
	}
	if got := testutil.ToFloat64(m.pollAttempts); got != 2 {
		t.Fatalf("unexpected poll attempts: %v", got)
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("unexpected task counter: %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSubmission(OutcomeSuccess)
	m.IncPollAttempt()
	m.ObserveGenerate(OutcomeSuccess, time.Second)
	m.IncTask("failed")
	m.ObserveHTTPRequest("tasks", http.MethodGet, 200, time.Millisecond)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	if got := m.Instrument("tasks", next); got == nil {
		t.Fatalf("nil metrics should return the wrapped handler")
	}
}

func TestInstrumentAndHandler(t *testing.T) {
	m := New("stochastic", nil)

	handler := m.Instrument("tasks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("tasks", http.MethodPost, "418")); got != 1 {
		t.Fatalf("expected one 418 request, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `stochastic_http_requests_total{code="418",handler="tasks",method="POST"} 1`) {
		t.Fatalf("metrics exposition missing request counter:\n%s", body)
	}
}
