package surgery

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/caseregister/internal/platform/auth"
	"github.com/ehr/caseregister/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/surgical-cases", h.ListCases)
	read.GET("/surgical-cases/stats", h.GetStats)
	read.GET("/surgical-cases/:id", h.GetCase)
	read.GET("/surgical-cases/:id/deferrals", h.ListDeferrals)

	write := api.Group("", auth.RequireRole(auth.WriteRoles...))
	write.POST("/surgical-cases", h.CreateCase)
	write.PATCH("/surgical-cases/:id", h.UpdateCase)
	write.PUT("/surgical-cases/:id/ot-confirmation", h.SetOTConfirmation)
	write.DELETE("/surgical-cases/:id", h.DeleteCase)
}

// httpError maps store errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "surgical case not found")
	case errors.Is(err, ErrPersistence):
		return echo.NewHTTPError(http.StatusBadGateway, "failed to save surgical case").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func validDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

func (h *Handler) ListCases(c echo.Context) error {
	date := c.QueryParam("date")
	if date != "" && !validDate(date) {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	var status Status
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		status = st
	}

	var items []*Case
	for _, sc := range h.store.List() {
		if date != "" && sc.Date != date {
			continue
		}
		if status != "" && sc.Status != status {
			continue
		}
		items = append(items, sc)
	}

	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg))
}

func (h *Handler) GetStats(c echo.Context) error {
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if (from != "" && !validDate(from)) || (to != "" && !validDate(to)) {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to must be YYYY-MM-DD")
	}
	if from != "" && to != "" && from > to {
		return echo.NewHTTPError(http.StatusBadRequest, "from must not be after to")
	}
	return c.JSON(http.StatusOK, h.store.Summary(from, to))
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.store.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) ListDeferrals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.store.Deferrals(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) CreateCase(c echo.Context) error {
	var in NewCase
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := h.store.Create(c.Request().Context(), &in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var upd CaseUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := h.store.Update(c.Request().Context(), id, &upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

type otConfirmation struct {
	Confirmed *bool `json:"confirmed"`
}

func (h *Handler) SetOTConfirmation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body otConfirmation
	if err := c.Bind(&body); err != nil || body.Confirmed == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "confirmed is required")
	}
	sc, err := h.store.ConfirmOnOTList(c.Request().Context(), id, *body.Confirmed)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) DeleteCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
