package inbound

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
)

const mimeHL7 = "x-application/hl7-v2+er7"

type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

// RegisterRoutes mounts intake and the operator message endpoints. intake
// middlewares (rate and size limits) apply to the intake route only, after
// the caller is known to deliver for the named system.
func (h *Handler) RegisterRoutes(api *echo.Group, intake ...echo.MiddlewareFunc) {
	in := api.Group("/intake", append([]echo.MiddlewareFunc{auth.RequireRole("intake"), auth.RequireCounterparty()}, intake...)...)
	in.POST("/:system", h.Intake)

	read := api.Group("/messages", auth.RequireRole("operator", "auditor"))
	read.GET("/:id", h.GetMessage)

	op := api.Group("/messages", auth.RequireRole("operator"))
	op.POST("/:id/reprocess", h.Reprocess)
}

func formatOf(contentType string) Format {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "application/fhir+json", "application/json":
		return FormatFHIR
	}
	return FormatHL7v2
}

// Intake processes one delivered payload. Segmented messages are answered
// with ACK bytes, 200 whenever the message was stored; resources with an
// OperationOutcome and a status derived from the failure.
func (h *Handler) Intake(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	env := Envelope{
		System: c.Param("system"),
		Format: formatOf(c.Request().Header.Get(echo.HeaderContentType)),
		Body:   body,
	}
	if v := c.Request().Header.Get("X-Correlation-ID"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			env.CorrelationID = id
		}
	}

	out, err := h.router.Receive(c.Request().Context(), env)
	if err != nil {
		if env.Format == FormatFHIR {
			return c.JSON(faults.HTTPStatus(faults.CategoryOf(err)), faults.OperationOutcome(err))
		}
		return h.hl7(c, faults.HTTPStatus(faults.CategoryOf(err)), body, rejectUnstored(body, err))
	}

	c.Response().Header().Set("X-Message-ID", out.Message.ID.String())
	c.Response().Header().Set("X-Attempt-ID", out.Attempt.ID.String())
	if env.Format == FormatFHIR {
		if out.Err != nil {
			return c.JSON(faults.HTTPStatus(faults.CategoryOf(out.Err)), faults.OperationOutcome(out.Err))
		}
		return c.JSON(http.StatusOK, informational("message "+out.Message.ID.String()+" completed"))
	}
	return h.hl7(c, http.StatusOK, body, out.AckBytes)
}

// hl7 writes ACK bytes, MLLP framed when the request was.
func (h *Handler) hl7(c echo.Context, status int, request, ack []byte) error {
	if bytes.HasPrefix(request, []byte{0x0b}) {
		ack = hl7v2.Frame(ack)
	}
	return c.Blob(status, mimeHL7, ack)
}

// rejectUnstored acknowledges a message that could not be stored, addressed
// from whatever header can be recovered.
func rejectUnstored(body []byte, err error) []byte {
	d := hl7v2.DefaultDelimiters()
	header, _ := hl7v2.Peek(hl7v2.Unframe(body), d)
	cat := faults.CategoryOf(err)
	reason := "unknown system"
	if cat != faults.NotFound {
		reason = string(cat)
	}
	ack := hl7v2.Reject(header.ControlID, cat, reason, "")
	return hl7v2.Serialize(hl7v2.BuildAck(header, d, ack, time.Now()))
}

func informational(text string) map[string]any {
	return map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    "information",
			"code":        "informational",
			"diagnostics": text,
		}},
	}
}

type messageView struct {
	*Message
	Attempts []*Attempt `json:"attempts"`
}

func (h *Handler) GetMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	msg, attempts, err := h.router.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "message not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, messageView{Message: msg, Attempts: attempts})
}

// Reprocess answers with the new attempt and the failure of the previous
// one. The new attempt has been processed by the time the response is sent.
func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	var correlation uuid.UUID
	if v := c.Request().Header.Get("X-Correlation-ID"); v != "" {
		correlation, _ = uuid.Parse(v)
	}
	res, _, err := h.router.Reprocess(c.Request().Context(), id, correlation)
	if err != nil {
		cat := faults.CategoryOf(err)
		msg := faults.Detail(err)
		if cat == faults.Internal {
			msg = "internal error"
		}
		return echo.NewHTTPError(faults.HTTPStatus(cat), msg)
	}
	return c.JSON(http.StatusCreated, res)
}
