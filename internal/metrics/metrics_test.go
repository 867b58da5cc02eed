package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StaleUpdate("regression")
	m.DuplicateInsert()
	m.SendFailed()
	m.TypingExpired()
	m.ObserveRPC("SendText", "OK", time.Millisecond)
	m.Gauge("x", "x", func() float64 { return 1 })
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.DuplicateInsert()
	m.DuplicateInsert()
	m.StaleUpdate("regression")
	m.SendFailed()

	if got := testutil.ToFloat64(m.duplicates); got != 2 {
		t.Errorf("duplicates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.staleUpdates.WithLabelValues("regression")); got != 1 {
		t.Errorf("stale updates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sendFailures); got != 1 {
		t.Errorf("send failures = %v, want 1", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.TypingExpired()
	m.Gauge("streakchat_live_channels", "Live channels.", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"streakchat_typing_expiries_total 1", "streakchat_live_channels 3"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestObserveRPC(t *testing.T) {
	m := New()
	m.ObserveRPC("SendText", "OK", 2*time.Millisecond)
	m.ObserveRPC("SendText", "OK", 3*time.Millisecond)
	m.ObserveRPC("Retry", "NotFound", time.Millisecond)

	if n := testutil.CollectAndCount(m.rpcDuration); n != 2 {
		t.Errorf("series = %d, want 2 (one per method and code)", n)
	}
}
