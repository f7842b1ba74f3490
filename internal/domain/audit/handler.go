package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/pkg/pagination"
)

// SystemResolver maps a counterparty name to its id for filtering.
type SystemResolver func(c echo.Context, name string) (uuid.UUID, error)

type Handler struct {
	store   Store
	resolve SystemResolver
}

func NewHandler(store Store, resolve SystemResolver) *Handler {
	return &Handler{store: store, resolve: resolve}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("auditor", "operator"))
	g.GET("/transactions", h.SearchTransactions)
	g.GET("/transactions/:id", h.GetTransaction)
}

// SearchTransactions filters by system (name or system_id), direction,
// outcome, correlation_id, message_id and the half-open [since, until)
// window given as RFC 3339 timestamps.
func (h *Handler) SearchTransactions(c echo.Context) error {
	q, err := h.queryFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q.Limit, q.Offset = pg.Limit, pg.Offset

	rows, total, err := h.store.Search(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []*Transaction{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTransaction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transaction id")
	}
	t, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) queryFrom(c echo.Context) (Query, error) {
	var q Query

	if v := c.QueryParam("system_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid system_id")
		}
		q.SystemID = &id
	} else if v := c.QueryParam("system"); v != "" && h.resolve != nil {
		id, err := h.resolve(c, v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusNotFound, "unknown system "+v)
		}
		q.SystemID = &id
	}

	switch d := Direction(c.QueryParam("direction")); d {
	case "", Inbound, Outbound:
		q.Direction = d
	default:
		return q, echo.NewHTTPError(http.StatusBadRequest, "direction must be inbound or outbound")
	}

	if v := c.QueryParam("outcome"); v != "" {
		if v != string(OutcomeSuccess) && !faults.Category(v).Valid() {
			return q, echo.NewHTTPError(http.StatusBadRequest, "unknown outcome "+v)
		}
		q.Outcome = Outcome(v)
	}

	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{{"correlation_id", &q.CorrelationID}, {"message_id", &q.MessageID}} {
		if v := c.QueryParam(p.name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return q, echo.NewHTTPError(http.StatusBadRequest, "invalid "+p.name)
			}
			*p.dst = &id
		}
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		if v := c.QueryParam(p.name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, echo.NewHTTPError(http.StatusBadRequest, p.name+" must be RFC 3339")
			}
			*p.dst = &ts
		}
	}
	if q.Since != nil && q.Until != nil && !q.Since.Before(*q.Until) {
		return q, echo.NewHTTPError(http.StatusBadRequest, "since must be before until")
	}
	return q, nil
}
