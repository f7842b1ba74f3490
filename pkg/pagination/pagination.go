// Package pagination reads page windows from requests and wraps page
// responses for the operator API.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params is a limit/offset window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset, accepting the FHIR names _count and
// _offset as well. Missing or invalid values fall back to the defaults and
// the limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit := firstInt(c, "limit", "_count")
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset := firstInt(c, "offset", "_offset")
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func firstInt(c echo.Context, names ...string) int {
	for _, n := range names {
		if v, err := strconv.Atoi(c.QueryParam(n)); err == nil && v != 0 {
			return v
		}
	}
	return 0
}

// Next returns the offset of the following page, or nil on the last one.
func (p Params) Next(total int) *int {
	if p.Offset+p.Limit >= total {
		return nil
	}
	n := p.Offset + p.Limit
	return &n
}

// Response is one page of results.
type Response struct {
	Data       any  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewResponse(data any, total, limit, offset int) *Response {
	next := Params{Limit: limit, Offset: offset}.Next(total)
	return &Response{
		Data:       data,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    next != nil,
		NextOffset: next,
	}
}
