package exchange

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/mapping"
)

type Handler struct {
	client *Client
}

func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/exchange", auth.RequireRole("exchange", "operator"))
	g.POST("/:system/:entity", h.Create)
	g.POST("/:system/:entity/messages", h.Send)
	g.GET("/:system/:entity", h.Search)
	g.GET("/:system/:entity/:id", h.Read)
	g.PUT("/:system/:entity/:id", h.Update)
}

// callBody is the collaborator request for create and update.
type callBody struct {
	PatientID     string             `json:"patient_id"`
	EntityID      *uuid.UUID         `json:"entity_id,omitempty"`
	Purpose       consent.Purpose    `json:"purpose"`
	Attributes    mapping.Attributes `json:"attributes"`
	Version       string             `json:"version,omitempty"`
	CorrelationID *uuid.UUID         `json:"correlation_id,omitempty"`
	// Trigger and Instances apply to sent messages.
	Trigger   string               `json:"trigger,omitempty"`
	Instances []mapping.Attributes `json:"instances,omitempty"`
}

func (b callBody) request(c echo.Context) Request {
	req := Request{
		System:     c.Param("system"),
		Entity:     c.Param("entity"),
		EntityID:   b.EntityID,
		PatientID:  b.PatientID,
		Purpose:    b.Purpose,
		Attributes: b.Attributes,
		ResourceID: c.Param("id"),
		Version:    b.Version,
		Trigger:    b.Trigger,
		Instances:  b.Instances,
	}
	if b.CorrelationID != nil {
		req.CorrelationID = *b.CorrelationID
	}
	return req
}

// queryRequest builds a read or search request from query parameters.
// patient, purpose_use and purpose_category are consumed; the rest is
// forwarded as search parameters.
func queryRequest(c echo.Context) Request {
	q := c.QueryParams()
	req := Request{
		System:     c.Param("system"),
		Entity:     c.Param("entity"),
		ResourceID: c.Param("id"),
		PatientID:  q.Get("patient"),
		Purpose:    consent.Purpose{Use: q.Get("purpose_use"), DataCategory: q.Get("purpose_category")},
	}
	if v := c.Request().Header.Get("X-Correlation-ID"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			req.CorrelationID = id
		}
	}
	rest := make(map[string][]string)
	for k, v := range q {
		switch k {
		case "patient", "purpose_use", "purpose_category":
		default:
			rest[k] = v
		}
	}
	req.Query = rest
	return req
}

func problem(c echo.Context, err error) error {
	return c.JSON(faults.HTTPStatus(faults.CategoryOf(err)), faults.OperationOutcome(err))
}

func (h *Handler) Create(c echo.Context) error {
	var body callBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.client.Create(c.Request().Context(), body.request(c))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// Send answers 200 with the acknowledgment once the system accepted the
// message.
func (h *Handler) Send(c echo.Context) error {
	var body callBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.client.Send(c.Request().Context(), body.request(c))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Update(c echo.Context) error {
	var body callBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.client.Update(c.Request().Context(), body.request(c))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Read(c echo.Context) error {
	resp, err := h.client.Read(c.Request().Context(), queryRequest(c))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Search(c echo.Context) error {
	req := queryRequest(c)
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient is required")
	}
	resp, err := h.client.Search(c.Request().Context(), req)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
