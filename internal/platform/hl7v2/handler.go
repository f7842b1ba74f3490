package hl7v2

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DelimiterLookup resolves the delimiters configured for a counterparty.
type DelimiterLookup func(ctx context.Context, system string) (Delimiters, error)

// Handler provides a diagnostic endpoint that parses without processing.
type Handler struct {
	lookup DelimiterLookup
}

// NewHandler creates a new HL7v2 handler. A nil lookup always uses the
// default delimiters.
func NewHandler(lookup DelimiterLookup) *Handler {
	return &Handler{lookup: lookup}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2/parse?system=<name>   - Parse HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

// ParseMessage reads raw HL7v2 from the request body and returns the
// parsed structure, or the MalformedSegment reason.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	d := DefaultDelimiters()
	if name := c.QueryParam("system"); name != "" && h.lookup != nil {
		d, err = h.lookup(c.Request().Context(), name)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "unknown system: "+name)
		}
	}

	msg, err := Parse(Unframe(body), d)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, msg)
}
