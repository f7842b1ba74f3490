package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/transactions"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit}},
		{"?limit=20&offset=40", Params{Limit: 20, Offset: 40}},
		{"?_count=25&_offset=5", Params{Limit: 25, Offset: 5}},
		{"?limit=10&_count=99", Params{Limit: 10}},
		{"?limit=100000", Params{Limit: MaxLimit}},
		{"?limit=-3&offset=-1", Params{Limit: DefaultLimit}},
		{"?limit=abc&offset=xyz", Params{Limit: DefaultLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := paramsFor(tt.query); got != tt.want {
				t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !r.HasMore || r.NextOffset == nil || *r.NextOffset != 2 {
		t.Errorf("first page: more=%v next=%v", r.HasMore, r.NextOffset)
	}

	r = NewResponse([]string{"e"}, 5, 2, 4)
	if r.HasMore || r.NextOffset != nil {
		t.Errorf("last page: more=%v next=%v", r.HasMore, r.NextOffset)
	}

	r = NewResponse(nil, 0, DefaultLimit, 0)
	if r.HasMore || r.Total != 0 {
		t.Errorf("empty result: %+v", r)
	}
}
