package system

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("operator", "auditor"))
	read.GET("/systems", h.ListSystems)
	read.GET("/systems/:name", h.GetSystem)

	ops := api.Group("", auth.RequireRole("operator"))
	ops.POST("/systems/:name/probe", h.ProbeSystem)
	ops.POST("/systems/:name/deactivate", h.DeactivateSystem)
}

// ListSystems is the connectivity overview of every counterparty.
func (h *Handler) ListSystems(c echo.Context) error {
	systems, err := h.svc.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	summary := map[Connectivity]int{}
	active := 0
	for _, s := range systems {
		summary[s.Connectivity]++
		if s.Active {
			active++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":         systems,
		"total":        len(systems),
		"active":       active,
		"connectivity": summary,
	})
}

func (h *Handler) GetSystem(c echo.Context) error {
	s, err := h.svc.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ProbeSystem(c echo.Context) error {
	s, err := h.svc.Probe(c.Request().Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "system not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeactivateSystem(c echo.Context) error {
	s, err := h.svc.Deactivate(c.Request().Context(), c.Param("name"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, s)
}

func notFoundOr500(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "system not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
