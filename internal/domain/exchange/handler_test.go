package exchange

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/hl7v2"
)

func TestHandler_CreateConsentRefused(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", testPolicy(), false)
	handler := NewHandler(h.client)

	e := echo.New()
	body := `{"patient_id":"P123","attributes":{"patient_id":"P123","ward":"4W"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("system", "entity")
	c.SetParamValues("ehr-b", "admission")

	if err := handler.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	var outcome map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &outcome)
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected an OperationOutcome, got %v", outcome)
	}
}

func TestHandler_CreateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Encounter","id":"enc-7","meta":{"versionId":"1"}}`))
	}))
	defer srv.Close()
	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	handler := NewHandler(h.client)

	e := echo.New()
	body := `{"attributes":{"patient_id":"P123","ward":"4W","visit_number":"V9"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("system", "entity")
	c.SetParamValues("ehr-b", "admission")

	if err := handler.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ResourceID != "enc-7" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_SearchRequiresPatient(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", testPolicy(), false)
	handler := NewHandler(h.client)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?code=GLU", nil), httptest.NewRecorder())
	c.SetParamNames("system", "entity")
	c.SetParamValues("ehr-b", "observation")

	var he *echo.HTTPError
	if err := handler.Search(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestQueryRequest(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?patient=P1&purpose_use=operations&code=GLU&date=ge2026", nil)
	req.Header.Set("X-Correlation-ID", "3f2b1c9e-8d7a-4c5b-9e1f-0a2b3c4d5e6f")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("system", "entity")
	c.SetParamValues("lab", "observation")

	r := queryRequest(c)
	if r.PatientID != "P1" || r.Purpose.Use != "operations" || r.System != "lab" {
		t.Errorf("unexpected request %+v", r)
	}
	if _, ok := r.Query["patient"]; ok {
		t.Error("patient must not be forwarded as a raw parameter")
	}
	if r.Query["code"][0] != "GLU" || r.Query["date"][0] != "ge2026" {
		t.Errorf("unexpected search parameters %v", r.Query)
	}
	if r.CorrelationID.String() != "3f2b1c9e-8d7a-4c5b-9e1f-0a2b3c4d5e6f" {
		t.Errorf("correlation id not taken from header")
	}
}

func TestHandler_Send(t *testing.T) {
	srv, _ := ackServer(t, hl7v2.AckAccept)
	defer srv.Close()
	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	handler := NewHandler(h.client)

	e := echo.New()
	body := `{"trigger":"A08","attributes":{"patient_id":"P123","ward":"4W"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("system", "entity")
	c.SetParamValues("ehr-b", "admission")

	if err := handler.Send(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ResourceType != "ADT^A08" || resp.Ack == nil || resp.Ack.Code != hl7v2.AckAccept {
		t.Errorf("unexpected response %+v", resp)
	}
}
