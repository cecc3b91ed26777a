package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestMetrics_IncAndGet(t *testing.T) {
	m := New()
	if got := m.Get(AuthFailure); got != 0 {
		t.Fatalf("Get on fresh registry = %d, want 0", got)
	}

	m.Inc(AuthFailure)
	m.Inc(AuthFailure)
	m.Inc(ConnectionOpened)

	if got := m.Get(AuthFailure); got != 2 {
		t.Fatalf("Get(%q) = %d, want 2", AuthFailure, got)
	}
	if got := m.Get(ConnectionOpened); got != 1 {
		t.Fatalf("Get(%q) = %d, want 1", ConnectionOpened, got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(AuthFailure)
	if got := m.Get(AuthFailure); got != 0 {
		t.Fatalf("Get on nil registry = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("Snapshot on nil registry = %v, want nil", snap)
	}
}

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(MessageRouted)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(MessageRouted); got != 800 {
		t.Fatalf("Get(%q) = %d, want 800", MessageRouted, got)
	}
}

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(BroadcastPruned)
	m.Inc(BroadcastPruned)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	want := `signal_relay_events_total{event="broadcast_member_pruned"} 2`
	if !strings.Contains(body, want) {
		t.Fatalf("metrics output missing %q:\n%s", want, body)
	}
}
