package activity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/caseregister/internal/platform/auth"
)

type Handler struct {
	log Log
}

func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes mounts the activity endpoints. Reading requires one of
// readRoles; ending a session only requires an authenticated user.
func (h *Handler) RegisterRoutes(api *echo.Group, readRoles ...string) {
	read := api.Group("", auth.RequireRole(readRoles...))
	read.GET("/activity-log", h.ListActivity)

	api.DELETE("/session", h.EndSession)
}

func (h *Handler) ListActivity(c echo.Context) error {
	user := auth.UsernameFromContext(c.Request().Context())
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	items, err := h.log.Recent(c.Request().Context(), user)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "failed to load activity log")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// EndSession clears the caller's activity log.
func (h *Handler) EndSession(c echo.Context) error {
	user := auth.UsernameFromContext(c.Request().Context())
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	if err := h.log.Clear(c.Request().Context(), user); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "failed to clear activity log")
	}
	return c.NoContent(http.StatusNoContent)
}
