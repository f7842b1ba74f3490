package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func runHealth(t *testing.T, p Pinger) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := HealthHandler(p)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name    string
		pinger  Pinger
		code    int
		status  string
		storage string
	}{
		{"memory", nil, http.StatusOK, "healthy", "memory"},
		{"reachable", fakePinger{}, http.StatusOK, "healthy", "postgres"},
		{"unreachable", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unhealthy", "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := runHealth(t, tt.pinger)
			if code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, code)
			}
			if body["status"] != tt.status {
				t.Errorf("expected status %q, got %v", tt.status, body["status"])
			}
			if body["storage"] != tt.storage {
				t.Errorf("expected storage %q, got %v", tt.storage, body["storage"])
			}
		})
	}
}
