package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// value returns the counter or gauge value of the series of name whose
// labels include every pair in want.
func value(t *testing.T, c *Collector, name string, want map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestCollector_ObserveExchange(t *testing.T) {
	c := New()
	c.ObserveExchange("outbound", "lab", "create", "allowed", "success", 20*time.Millisecond)
	c.ObserveExchange("outbound", "lab", "create", "allowed", "NetworkTimeout", time.Second)
	c.ObserveExchange("outbound", "lab", "create", "unknown", "ConsentUnknown", 0)

	if got := value(t, c, "interop_audit_transactions_total", map[string]string{"outcome": "success"}); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := value(t, c, "interop_consent_decisions_total", map[string]string{"outcome": "allowed"}); got != 2 {
		t.Errorf("expected 2 allowed, got %v", got)
	}
	if got := value(t, c, "interop_audit_exchange_duration_seconds", map[string]string{"system": "lab"}); got != 3 {
		t.Errorf("expected 3 latency samples, got %v", got)
	}
}

func TestCollector_Slots(t *testing.T) {
	c := New()
	c.SlotAcquired("pharmacy", 5*time.Millisecond)
	c.SlotAcquired("pharmacy", 0)
	c.SlotReleased("pharmacy")

	if got := value(t, c, "interop_outbound_slots_in_use", map[string]string{"system": "pharmacy"}); got != 1 {
		t.Errorf("expected 1 slot in use, got %v", got)
	}
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Retried("lab")
	if got := value(t, b, "interop_outbound_retries_total", map[string]string{"system": "lab"}); got != 0 {
		t.Errorf("collectors share state: %v", got)
	}
	if got := value(t, a, "interop_outbound_retries_total", map[string]string{"system": "lab"}); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ObserveInbound("admission", "completed")
	c.EventPublished(true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`interop_inbound_attempts_total{kind="admission",status="completed"} 1`,
		`interop_events_published_total{result="ok"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollector_Middleware(t *testing.T) {
	c := New()
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/systems/:name", func(ec echo.Context) error { return ec.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/systems/lab", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	got := value(t, c, "interop_http_request_duration_seconds", map[string]string{"route": "/systems/:name", "status": "204"})
	if got != 1 {
		t.Errorf("expected 1 sample, got %v", got)
	}
}
