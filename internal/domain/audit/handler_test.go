package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/platform/faults"
)

func seedStore(t *testing.T) (*MemoryStore, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	lab, pharmacy := uuid.New(), uuid.New()
	base := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	rows := []*Transaction{
		{SystemID: lab, Direction: Inbound, Outcome: OutcomeSuccess, RecordedAt: base},
		{SystemID: lab, Direction: Inbound, Outcome: Outcome(faults.MalformedSegment), RecordedAt: base.Add(time.Hour)},
		{SystemID: pharmacy, Direction: Outbound, Outcome: Outcome(faults.NetworkTimeout), RecordedAt: base.Add(2 * time.Hour)},
		{SystemID: pharmacy, Direction: Outbound, Outcome: OutcomeSuccess, RecordedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range rows {
		r.ID = uuid.New()
		r.CorrelationID = uuid.New()
		r.Consent = consent.Allowed
		if err := store.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return store, lab, pharmacy
}

func searchRequest(h *Handler, params url.Values) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/transactions?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	return rec, h.SearchTransactions(e.NewContext(req, rec))
}

func TestHandler_SearchTransactions(t *testing.T) {
	store, lab, pharmacy := seedStore(t)
	h := NewHandler(store, func(_ echo.Context, name string) (uuid.UUID, error) {
		if name == "pharmacy" {
			return pharmacy, nil
		}
		return uuid.Nil, errors.New("unknown")
	})

	tests := []struct {
		name   string
		params url.Values
		total  int
	}{
		{"all", url.Values{}, 4},
		{"by system id", url.Values{"system_id": {lab.String()}}, 2},
		{"by system name", url.Values{"system": {"pharmacy"}}, 2},
		{"by outcome", url.Values{"outcome": {"success"}}, 2},
		{"by failure outcome", url.Values{"outcome": {"NetworkTimeout"}}, 1},
		{"by direction", url.Values{"direction": {"outbound"}}, 2},
		{"window", url.Values{"since": {"2026-02-17T10:00:00Z"}, "until": {"2026-02-17T12:00:00Z"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := searchRequest(h, tt.params)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var body struct {
				Data  []Transaction `json:"data"`
				Total int           `json:"total"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Total != tt.total || len(body.Data) != tt.total {
				t.Errorf("expected %d rows, got total=%d len=%d", tt.total, body.Total, len(body.Data))
			}
		})
	}
}

func TestHandler_SearchTransactions_BadParams(t *testing.T) {
	store, _, _ := seedStore(t)
	h := NewHandler(store, nil)

	tests := []struct {
		name   string
		params url.Values
	}{
		{"direction", url.Values{"direction": {"sideways"}}},
		{"outcome", url.Values{"outcome": {"Meh"}}},
		{"system id", url.Values{"system_id": {"nope"}}},
		{"since", url.Values{"since": {"yesterday"}}},
		{"inverted window", url.Values{"since": {"2026-02-18T00:00:00Z"}, "until": {"2026-02-17T00:00:00Z"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := searchRequest(h, tt.params)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %v", err)
			}
		})
	}
}

func TestHandler_SearchTransactions_Pagination(t *testing.T) {
	store, _, _ := seedStore(t)
	h := NewHandler(store, nil)

	rec, err := searchRequest(h, url.Values{"limit": {"3"}, "offset": {"2"}})
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Data    []Transaction `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 4 || len(body.Data) != 2 || body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", body.Total, len(body.Data), body.HasMore)
	}
}

func TestHandler_GetTransaction(t *testing.T) {
	store, _, _ := seedStore(t)
	h := NewHandler(store, nil)
	id := store.All()[0].ID
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	if err := h.GetTransaction(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	var he *echo.HTTPError
	if err := h.GetTransaction(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
