package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit-events", h.List)
	api.GET("/audit-events/:id", h.Get)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, accesspolicy.ErrNotPermitted), errors.Is(err, ErrEventNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	params, err := searchParams(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	events, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func searchParams(c echo.Context) (SearchParams, error) {
	params := SearchParams{
		Source:       c.QueryParam("source"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
	}
	var err error
	if params.UserID, err = queryID(c, "user_id"); err != nil {
		return params, err
	}
	if params.PatientID, err = queryID(c, "patient_id"); err != nil {
		return params, err
	}
	if params.From, err = queryTime(c, "from"); err != nil {
		return params, err
	}
	if params.To, err = queryTime(c, "to"); err != nil {
		return params, err
	}
	return params, nil
}

func queryID(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return t, nil
}
