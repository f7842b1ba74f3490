package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/interop/internal/config"
	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/db"
)

const systemsFile = `
systems:
  - name: lab
    kind: laboratory
    internal: true
  - name: pharmacy
    kind: pharmacy
    base_url: https://pharmacy.example.org/fhir
`

var admission = strings.Join([]string{
	"MSH|^~\\&|ADT1|HOSP|EHR|HOSP|20260217090000||ADT^A01|MSG001|P|2.5",
	"EVN|A01|20260217090000",
	"PID|1||P123||Doe^Jane||19800101|F",
	"PV1|1|I|4W^101^A" + strings.Repeat("|", 16) + "V100" + strings.Repeat("|", 25) + "20260217090000",
}, "\r")

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "systems.yaml")
	if err := os.WriteFile(path, []byte(systemsFile), 0o600); err != nil {
		t.Fatalf("write systems file: %v", err)
	}
	return &config.Config{
		Env:                    "development",
		Storage:                "memory",
		SystemsFile:            path,
		IntakeRateLimit:        100,
		IntakeBurst:            100,
		IntakeMaxBody:          "1M",
		RequestTimeout:         5 * time.Second,
		MaxAttemptsPerMessage:  3,
		OutboundMaxAttempts:    2,
		OutboundBaseDelay:      time.Millisecond,
		OutboundMaxDelay:       10 * time.Millisecond,
		OutboundAttemptTimeout: time.Second,
		OutboundSlotWait:       time.Second,
		OutboundMaxConcurrency: 2,
	}
}

func startApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	t.Cleanup(a.Close)
	if err := a.syncSystems(context.Background()); err != nil {
		t.Fatalf("syncSystems() error: %v", err)
	}
	return a
}

func TestServer_Health(t *testing.T) {
	e := startApp(t, memoryConfig(t)).server()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on the response")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected no database health route in memory mode, got %d", rec.Code)
	}
}

func TestServer_IntakeAuditedAndCounted(t *testing.T) {
	a := startApp(t, memoryConfig(t))
	e := a.server()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intake/lab", strings.NewReader(admission))
	req.Header.Set("Content-Type", "x-application/hl7-v2+er7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "MSA|AA|MSG001") {
		t.Errorf("expected an accept ack, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Message-ID") == "" {
		t.Error("expected X-Message-ID")
	}

	rows, total, err := a.stores.audit.Search(context.Background(), audit.Query{Direction: audit.Inbound})
	if err != nil {
		t.Fatalf("audit search: %v", err)
	}
	if total != 1 || rows[0].SystemName != "lab" || rows[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one successful inbound row for lab, got %d %+v", total, rows)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/transactions?system=lab", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from audit search, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "interop_transactions_total") {
		t.Error("expected exchange counters on /metrics")
	}
}

func TestServer_IntakeUnknownSystem(t *testing.T) {
	e := startApp(t, memoryConfig(t)).server()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intake/nobody", strings.NewReader(admission))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServer_RequiresTokenOutsideDev(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Env = "production"
	cfg.AuthSigningKey = "test-signing-key"
	e := startApp(t, cfg).server()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intake/lab", strings.NewReader(admission)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected health to stay public, got %d", rec.Code)
	}
}

func TestSyncSystems_MissingFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.SystemsFile = filepath.Join(t.TempDir(), "absent.yaml")
	a := startApp(t, cfg)

	list, err := a.systems.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no systems, got %d", len(list))
	}
}

func TestPolicyFrom(t *testing.T) {
	cfg := memoryConfig(t)
	p := policyFrom(cfg)
	if p.MaxAttempts != 2 || p.BaseDelay != time.Millisecond || p.MaxDelay != 10*time.Millisecond {
		t.Errorf("unexpected policy %+v", p)
	}
	if p.MaxConcurrency != 2 || p.SlotWait != time.Second || p.AttemptTimeout != time.Second {
		t.Errorf("unexpected limits %+v", p)
	}

	cfg.OutboundMaxConcurrency = 0
	if got := policyFrom(cfg).MaxConcurrency; got == 0 {
		t.Error("expected the default concurrency when unset")
	}
}

func searchFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	for _, c := range auditCmd().Commands() {
		if c.Name() == "search" {
			if err := c.ParseFlags(args); err != nil {
				t.Fatalf("ParseFlags(%v): %v", args, err)
			}
			return c
		}
	}
	t.Fatal("audit search command not registered")
	return nil
}

func TestAuditQuery(t *testing.T) {
	q, err := auditQuery(searchFlags(t,
		"--direction", "outbound",
		"--outcome", "ConsentDenied",
		"--correlation-id", "5b1f0c7e-3a8e-4e0e-9d55-6a3b1f0c7e3a",
		"--since", "2026-02-17T00:00:00Z",
		"--limit", "10",
	))
	if err != nil {
		t.Fatalf("auditQuery() error: %v", err)
	}
	if q.Direction != audit.Outbound || q.Outcome != "ConsentDenied" || q.Limit != 10 {
		t.Errorf("unexpected query %+v", q)
	}
	if q.CorrelationID == nil || q.Since == nil || q.Until != nil || q.MessageID != nil {
		t.Errorf("unexpected optional filters %+v", q)
	}

	tests := map[string][]string{
		"bad direction":   {"--direction", "sideways"},
		"bad outcome":     {"--outcome", "meh"},
		"bad correlation": {"--correlation-id", "nope"},
		"bad time":        {"--until", "yesterday"},
		"negative limit":  {"--limit", "-1"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := auditQuery(searchFlags(t, args...)); err == nil {
				t.Errorf("expected an error for %v", args)
			}
		})
	}
}

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrations(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_systems.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_consent.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2026-02-17T09:00:00Z") {
		t.Errorf("missing applied row:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("missing pending row:\n%s", out)
	}
}

func TestPrintSystems(t *testing.T) {
	var buf bytes.Buffer
	printSystems(&buf, []*system.System{{Name: "lab", Kind: system.KindLaboratory, Active: true, Connectivity: system.ConnConnected}})
	if !strings.Contains(buf.String(), "lab") || !strings.Contains(buf.String(), "connected") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestRootCommands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "reprocess": false, "audit": false, "systems": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}
