package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/events"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
)

type harness struct {
	client    *Client
	audit     *audit.MemoryStore
	store     *MemoryStore
	consents  *consent.MemoryStore
	published *events.Memory
	sleeps    []time.Duration
}

func newHarness(t *testing.T, baseURL string, policy Policy, internal bool) *harness {
	t.Helper()
	ctx := context.Background()
	systems := system.NewService(system.NewMemoryRepo(), nil, zerolog.Nop())
	err := systems.Sync(ctx, []*system.System{{
		Name:       "ehr-b",
		Kind:       system.KindRecordSystem,
		BaseURL:    baseURL,
		AuthScheme: system.AuthNone,
		Internal:   internal,
		Active:     true,
	}})
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := mapping.Default()
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		audit:     audit.NewMemoryStore(),
		store:     NewMemoryStore(),
		consents:  consent.NewMemoryStore(),
		published: events.NewMemory(),
	}
	h.client = NewClient(Options{
		Systems:    systems,
		Gatekeeper: consent.NewGatekeeper(zerolog.Nop()),
		Consents:   h.consents,
		Engine:     mapping.NewEngine(catalog),
		Recorder:   audit.NewRecorder(h.audit, zerolog.Nop()),
		Store:      h.store,
		Policy:     policy,
		Publisher:  h.published,
		Logger:     zerolog.Nop(),
	})
	h.client.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.client.jitter = func(time.Duration) time.Duration { return 0 }
	return h
}

func (h *harness) grant(patientID string) {
	h.consents.Put(consent.Record{
		ID:            uuid.New(),
		PatientID:     patientID,
		Scope:         consent.Scope{DataCategory: consent.Wildcard, Purpose: consent.Wildcard},
		Status:        consent.StatusGranted,
		EffectiveFrom: time.Now().Add(-time.Hour),
		DecidedAt:     time.Now().Add(-time.Hour),
	})
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       40 * time.Millisecond,
		AttemptTimeout: time.Second,
		SlotWait:       time.Second,
		MaxConcurrency: 2,
	}
}

func admissionRequest() Request {
	return Request{
		System: "ehr-b",
		Entity: "admission",
		Attributes: mapping.Attributes{
			"patient_id":   "P123",
			"visit_number": "V1",
			"ward":         "4W",
			"admitted_at":  "2026-02-17T09:00:00",
		},
	}
}

func TestClient_CreateSuccess(t *testing.T) {
	var got map[string]any
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		if r.Method != http.MethodPost || r.URL.Path != "/Encounter" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", fhirJSON)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Encounter","id":"enc-1","meta":{"versionId":"1"}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	resp, err := h.client.Create(context.Background(), admissionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ResourceID != "enc-1" || resp.VersionID != "1" || resp.Attempts != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if got["resourceType"] != "Encounter" {
		t.Errorf("unexpected body %v", got)
	}
	if headers.Get("Content-Type") != fhirJSON {
		t.Errorf("expected FHIR content type, got %q", headers.Get("Content-Type"))
	}
	if headers.Get("If-None-Exist") == "" {
		t.Error("expected a conditional create")
	}

	rows := h.audit.All()
	if len(rows) != 1 || !rows[0].Succeeded() || rows[0].Consent != consent.Allowed || rows[0].StatusCode != 201 {
		t.Fatalf("unexpected audit rows %+v", rows)
	}
	stored, err := h.store.Get(context.Background(), rows[0].SystemID, "Encounter", "enc-1")
	if err != nil || !stored.Valid {
		t.Errorf("expected a valid exchanged resource, got %+v %v", stored, err)
	}
	if n := len(h.published.Events()); n != 1 {
		t.Errorf("expected 1 completion event, got %d", n)
	}
}

func TestClient_ConsentFailClosed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	_, err := h.client.Create(context.Background(), admissionRequest())

	if !faults.Has(err, faults.ConsentUnknown) {
		t.Fatalf("expected ConsentUnknown, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network call, got %d", calls.Load())
	}
	rows := h.audit.All()
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if rows[0].Outcome != audit.Outcome(faults.ConsentUnknown) || rows[0].Consent != consent.Unknown {
		t.Errorf("unexpected row %+v", rows[0])
	}
}

func TestClient_ConsentDenied(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", testPolicy(), false)
	h.consents.Put(consent.Record{
		ID:            uuid.New(),
		PatientID:     "P123",
		Scope:         consent.Scope{DataCategory: consent.Wildcard, Purpose: consent.Wildcard},
		Status:        consent.StatusRevoked,
		EffectiveFrom: time.Now().Add(-time.Hour),
		DecidedAt:     time.Now().Add(-time.Hour),
	})
	_, err := h.client.Create(context.Background(), admissionRequest())
	if !faults.Has(err, faults.ConsentDenied) {
		t.Fatalf("expected ConsentDenied, got %v", err)
	}
	if rows := h.audit.All(); len(rows) != 1 || rows[0].Consent != consent.Denied {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestClient_InternalSystemSkipsConsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Encounter","id":"enc-9"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), true)
	if _, err := h.client.Create(context.Background(), admissionRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows := h.audit.All(); rows[0].Consent != consent.NotRequired {
		t.Errorf("expected not_required, got %s", rows[0].Consent)
	}
}

func TestClient_RetryCeilingOnTimeout(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	policy := testPolicy()
	policy.MaxAttempts = 3
	policy.AttemptTimeout = 50 * time.Millisecond
	h := newHarness(t, srv.URL, policy, false)
	h.grant("P123")

	corr := uuid.New()
	req := admissionRequest()
	req.CorrelationID = corr
	_, err := h.client.Create(context.Background(), req)

	if !faults.Has(err, faults.NetworkTimeout) {
		t.Fatalf("expected NetworkTimeout, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected exactly 3 network calls, got %d", calls.Load())
	}
	rows := h.audit.All()
	if len(rows) != 3 {
		t.Fatalf("expected exactly 3 audit rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Attempt != i+1 || r.CorrelationID != corr || r.Outcome != audit.Outcome(faults.NetworkTimeout) {
			t.Errorf("row %d: %+v", i, r)
		}
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 5*time.Millisecond || h.sleeps[1] != 10*time.Millisecond {
		t.Errorf("unexpected backoff %v", h.sleeps)
	}
	if n := len(h.published.Events()); n != 0 {
		t.Errorf("expected no completion event, got %d", n)
	}
}

func TestClient_ServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Encounter","id":"enc-2"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	resp, err := h.client.Create(context.Background(), admissionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", resp.Attempts)
	}
	rows := h.audit.All()
	if len(rows) != 2 || rows[0].Outcome != audit.Outcome(faults.RemoteServerError) || !rows[1].Succeeded() {
		t.Errorf("unexpected rows %+v", rows)
	}
	if rows[0].CorrelationID != rows[1].CorrelationID {
		t.Error("attempts of one call must share a correlation id")
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"diagnostics":"ward unknown"}]}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	_, err := h.client.Create(context.Background(), admissionRequest())
	if !faults.Has(err, faults.RemoteClientError) {
		t.Fatalf("expected RemoteClientError, got %v", err)
	}
	if calls.Load() != 1 || len(h.audit.All()) != 1 {
		t.Errorf("expected a single attempt, got %d calls", calls.Load())
	}
	if d := h.audit.All()[0].Detail; d == "" {
		t.Error("expected the remote diagnostic in the row")
	}
}

func TestClient_InvalidSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"resourceType":"Patient","id":"x"}`))
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.MaxAttempts = 2
	h := newHarness(t, srv.URL, policy, false)
	h.grant("P123")
	_, err := h.client.Create(context.Background(), admissionRequest())
	if !faults.Has(err, faults.RemoteServerError) {
		t.Fatalf("expected RemoteServerError, got %v", err)
	}
	if n := len(h.audit.All()); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	if _, err := h.store.Get(context.Background(), h.audit.All()[0].SystemID, "Encounter", "x"); err == nil {
		t.Error("no resource may be recorded after a failed call")
	}
}

func TestClient_TransformErrorNoCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	req := admissionRequest()
	delete(req.Attributes, "ward")
	_, err := h.client.Create(context.Background(), req)
	if !faults.Has(err, faults.TransformError) {
		t.Fatalf("expected TransformError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("expected no network call")
	}
	if rows := h.audit.All(); len(rows) != 1 || rows[0].Consent != consent.Allowed {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestClient_CallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.client.Create(ctx, admissionRequest())
	if !faults.Has(err, faults.NetworkTimeout) {
		t.Fatalf("expected NetworkTimeout, got %v", err)
	}
	rows := h.audit.All()
	if len(rows) != 1 || rows[0].Outcome != audit.Outcome(faults.NetworkTimeout) {
		t.Errorf("expected one timeout row, got %+v", rows)
	}
	if _, err := h.store.FindByEntity(context.Background(), rows[0].SystemID, "admission", uuid.New()); err == nil {
		t.Error("unexpected resource")
	}
}

func TestClient_ReadAndUpdateUseStoredVersion(t *testing.T) {
	var ifMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"resourceType":"Encounter","id":"enc-3","meta":{"versionId":"1"}}`))
		case http.MethodGet:
			w.Write([]byte(`{"resourceType":"Encounter","id":"enc-3","meta":{"versionId":"1"},
				"subject":{"reference":"Patient/P123"},"location":[{"location":{"display":"4W"}}]}`))
		case http.MethodPut:
			ifMatch = r.Header.Get("If-Match")
			w.Write([]byte(`{"resourceType":"Encounter","id":"enc-3","meta":{"versionId":"2"}}`))
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	ctx := context.Background()
	entityID := uuid.New()

	req := admissionRequest()
	req.EntityID = &entityID
	if _, err := h.client.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	read, err := h.client.Read(ctx, Request{System: "ehr-b", Entity: "admission", EntityID: &entityID, PatientID: "P123"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Attributes["ward"] != "4W" || read.Attributes["patient_id"] != "P123" {
		t.Errorf("unexpected attributes %v", read.Attributes)
	}

	req.Attributes["ward"] = "5E"
	upd, err := h.client.Update(ctx, req)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ifMatch != `W/"1"` {
		t.Errorf("expected If-Match W/\"1\", got %q", ifMatch)
	}
	if upd.Resource.VersionID != "2" {
		t.Errorf("expected version 2, got %q", upd.Resource.VersionID)
	}
	history, _ := h.store.History(ctx, upd.Resource.ID)
	if len(history) < 2 {
		t.Errorf("expected prior versions preserved, got %+v", history)
	}
}

func TestClient_ReadGoneInvalidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"resourceType":"Encounter","id":"enc-4"}`))
			return
		}
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	ctx := context.Background()
	created, err := h.client.Create(ctx, admissionRequest())
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.client.Read(ctx, Request{System: "ehr-b", Entity: "admission", ResourceID: "enc-4", PatientID: "P123"})
	if !faults.Has(err, faults.RemoteClientError) {
		t.Fatalf("expected RemoteClientError, got %v", err)
	}
	stored, _ := h.store.Get(ctx, created.Resource.SystemID, "Encounter", "enc-4")
	if stored.Valid {
		t.Error("expected the resource to be marked invalid")
	}
}

func TestClient_Search(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"resourceType":"Bundle","total":2,"entry":[
			{"resource":{"resourceType":"Observation","subject":{"reference":"Patient/P123"},
				"code":{"coding":[{"code":"GLU"}]},"valueQuantity":{"value":5.4,"unit":"mmol/L"}}},
			{"resource":{"resourceType":"OperationOutcome"}}]}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	resp, err := h.client.Search(context.Background(), Request{
		System: "ehr-b", Entity: "observation", PatientID: "P123",
		Query: map[string][]string{"code": {"GLU"}, "patient": {"Patient/OTHER"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0]["value"] != "5.4" || resp.Total != 2 {
		t.Errorf("unexpected results %+v", resp)
	}
	if query != "code=GLU&patient=Patient%2FP123" {
		t.Errorf("search must be scoped to the consented patient, got %q", query)
	}
}

func TestClient_UnknownSystem(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", testPolicy(), false)
	req := admissionRequest()
	req.System = "nowhere"
	_, err := h.client.Create(context.Background(), req)
	if !faults.Has(err, faults.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestClient_SkippedFieldsRecorded(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Encounter","id":"enc-2","meta":{"versionId":"1"}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	req := admissionRequest()
	req.Attributes["patient_class"] = "ward-round"

	resp, err := h.client.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("an optional field must not fail the call: %v", err)
	}
	if len(resp.Skipped) != 1 || !strings.Contains(resp.Skipped[0], "patient_class") {
		t.Errorf("expected patient_class reported as skipped, got %v", resp.Skipped)
	}
	if _, ok := got["class"]; ok {
		if class, _ := got["class"].(map[string]any); class["code"] != nil {
			t.Errorf("unsupported value must not be sent, got %v", got["class"])
		}
	}
	period, _ := got["period"].(map[string]any)
	if period["start"] != "2026-02-17T09:00:00Z" {
		t.Errorf("expected period.start with an offset, got %v", got["period"])
	}

	rows := h.audit.All()
	if len(rows) != 1 || !rows[0].Succeeded() {
		t.Fatalf("expected one success row, got %+v", rows)
	}
	if !strings.Contains(rows[0].Detail, "patient_class") || !strings.Contains(rows[0].Detail, "ward-round") {
		t.Errorf("expected the skipped field in the row detail, got %q", rows[0].Detail)
	}
}

// ackServer answers each posted message with the next code in codes.
func ackServer(t *testing.T, codes ...hl7v2.AckCode) (*httptest.Server, *[]*hl7v2.Message) {
	t.Helper()
	var (
		received []*hl7v2.Message
		calls    int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != mimeHL7 {
			t.Errorf("unexpected content type %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		msg, err := hl7v2.Parse(body, hl7v2.DefaultDelimiters())
		if err != nil {
			t.Errorf("sent message does not parse: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, msg)
		code := codes[int(atomic.AddInt32(&calls, 1)-1)%len(codes)]
		ack := hl7v2.Accept(msg.ControlID)
		if code != hl7v2.AckAccept {
			ack = hl7v2.Ack{Code: code, ControlID: msg.ControlID, Category: faults.Internal, Reason: "busy"}
		}
		w.Header().Set("Content-Type", mimeHL7)
		w.Write(hl7v2.Serialize(hl7v2.BuildAck(msg.Header, hl7v2.DefaultDelimiters(), ack, time.Now())))
	}))
	return srv, &received
}

func TestClient_SendMessage(t *testing.T) {
	srv, received := ackServer(t, hl7v2.AckAccept)
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	resp, err := h.client.Send(context.Background(), admissionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Ack == nil || !resp.Ack.Accepted() || resp.ControlID == "" || resp.ResourceType != "ADT^A01" {
		t.Fatalf("unexpected response %+v", resp)
	}

	msg := (*received)[0]
	if msg.Type != "ADT^A01" || msg.ControlID != resp.ControlID || msg.ReceivingApp != "ehr-b" {
		t.Errorf("unexpected header %+v", msg.Header)
	}
	if msg.PatientID() != "P123" {
		t.Errorf("expected PID-3 P123, got %q", msg.PatientID())
	}
	if pv1 := msg.GetSegment("PV1"); pv1 == nil || pv1.GetComponent(3, 1) != "4W" || pv1.GetField(44) != "20260217090000" {
		t.Errorf("unexpected PV1 %+v", pv1)
	}

	rows := h.audit.All()
	if len(rows) != 1 || !rows[0].Succeeded() || rows[0].Operation != string(OpSend) || rows[0].Consent != consent.Allowed {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if n := len(h.published.Events()); n != 1 {
		t.Errorf("expected 1 completion event, got %d", n)
	}
}

func TestClient_SendRetriesOnAE(t *testing.T) {
	srv, received := ackServer(t, hl7v2.AckError, hl7v2.AckAccept)
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	resp, err := h.client.Send(context.Background(), admissionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", resp.Attempts)
	}
	if (*received)[0].ControlID != (*received)[1].ControlID {
		t.Error("a resent message must keep its control id")
	}
	rows := h.audit.All()
	if len(rows) != 2 || rows[0].Outcome != audit.Outcome(faults.RemoteServerError) || !rows[1].Succeeded() {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestClient_SendRejectedNotRetried(t *testing.T) {
	srv, received := ackServer(t, hl7v2.AckReject)
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	h.grant("P123")
	_, err := h.client.Send(context.Background(), admissionRequest())
	if !faults.Has(err, faults.RemoteClientError) {
		t.Fatalf("expected RemoteClientError, got %v", err)
	}
	if len(*received) != 1 {
		t.Errorf("AR must not be retried, got %d calls", len(*received))
	}
}

func TestClient_SendObservationInstances(t *testing.T) {
	srv, received := ackServer(t, hl7v2.AckAccept)
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), true)
	req := Request{
		System: "ehr-b",
		Entity: "observation",
		Instances: []mapping.Attributes{
			{"patient_id": "P123", "code": "2345-7", "value": "5.4", "unit": "mmol/L"},
			{"patient_id": "P123", "code": "2951-2", "value": "140", "unit": "mmol/L"},
		},
	}
	if _, err := h.client.Send(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := (*received)[0]
	if msg.Type != "ORU^R01" || msg.Count("OBX") != 2 {
		t.Fatalf("expected ORU^R01 with 2 OBX, got %s with %d", msg.Type, msg.Count("OBX"))
	}
	if got := msg.SegmentAt("OBX", 1).GetComponent(3, 1); got != "2951-2" {
		t.Errorf("expected second OBX code 2951-2, got %q", got)
	}
}

func TestClient_SendConsentDeniedNoCall(t *testing.T) {
	srv, received := ackServer(t, hl7v2.AckAccept)
	defer srv.Close()

	h := newHarness(t, srv.URL, testPolicy(), false)
	_, err := h.client.Send(context.Background(), admissionRequest())
	if !faults.Has(err, faults.ConsentUnknown) {
		t.Fatalf("expected ConsentUnknown, got %v", err)
	}
	if len(*received) != 0 {
		t.Error("no message may leave without consent")
	}
}
