package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/pkg/pagination"
)

// Handler exposes webhook management routes. Head nurses manage endpoints
// for their own hospital; superadmins manage all of them, including global
// endpoints that receive every hospital's events.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", accesspolicy.RequireRole(accesspolicy.RoleHeadNurse))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/test", h.Test)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/deliveries/:id/retry", h.Retry)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, accesspolicy.ErrNotPermitted),
		errors.Is(err, ErrEndpointNotFound),
		errors.Is(err, ErrDeliveryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// scoped rejects access to endpoints outside the caller's hospital. Global
// endpoints (nil hospital) belong to superadmins.
func scoped(sub accesspolicy.Subject, ep *Endpoint) error {
	if sub.Role == accesspolicy.RoleSuperadmin {
		return nil
	}
	if ep.HospitalID != nil && sub.HospitalID != uuid.Nil && *ep.HospitalID == sub.HospitalID {
		return nil
	}
	return accesspolicy.ErrNotPermitted
}

// sanitize strips the signing secret from an endpoint before it is returned.
func sanitize(ep *Endpoint) *Endpoint {
	clean := *ep
	clean.Secret = ""
	return &clean
}

type createRequest struct {
	URL        string     `json:"url"`
	Secret     string     `json:"secret"`
	Events     []string   `json:"events"`
	HospitalID *uuid.UUID `json:"hospital_id"`
}

// Create handles POST /webhooks. Head nurses always register endpoints for
// their own hospital; only superadmins choose, and may register global ones.
// The response is the one time the signing secret is returned.
func (h *Handler) Create(c echo.Context) error {
	sub, err := accesspolicy.RequireSubject(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	hospitalID := req.HospitalID
	if sub.Role != accesspolicy.RoleSuperadmin {
		hid := sub.HospitalID
		hospitalID = &hid
	}

	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, hospitalID, sub.UserID, req.Events)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, ep)
}

// List handles GET /webhooks.
func (h *Handler) List(c echo.Context) error {
	sub, err := accesspolicy.RequireSubject(c.Request().Context())
	if err != nil {
		return mapError(err)
	}

	var filter *uuid.UUID
	if sub.Role != accesspolicy.RoleSuperadmin {
		hid := sub.HospitalID
		filter = &hid
	}

	pg := pagination.FromContext(c)
	endpoints, total, err := h.manager.ListEndpoints(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	clean := make([]*Endpoint, len(endpoints))
	for i, ep := range endpoints {
		clean[i] = sanitize(ep)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(clean, total, pg.Limit, pg.Offset))
}

// load fetches an endpoint and verifies the caller may manage it.
func (h *Handler) load(c echo.Context) (*Endpoint, error) {
	sub, err := accesspolicy.RequireSubject(c.Request().Context())
	if err != nil {
		return nil, mapError(err)
	}
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	ep, err := h.manager.GetEndpoint(c.Request().Context(), id)
	if err != nil {
		return nil, mapError(err)
	}
	if err := scoped(sub, ep); err != nil {
		return nil, mapError(err)
	}
	return ep, nil
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sanitize(ep))
}

type updateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Status string   `json:"status"`
}

func (h *Handler) Update(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ep.URL = req.URL
	}
	if len(req.Events) > 0 {
		ep.Events = req.Events
	}
	if req.Status != "" {
		if req.Status != StatusActive && req.Status != StatusPaused {
			return echo.NewHTTPError(http.StatusBadRequest, "status must be active or paused")
		}
		ep.Status = req.Status
	}
	if err := h.manager.store.UpdateEndpoint(c.Request().Context(), ep); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sanitize(ep))
}

func (h *Handler) Delete(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.manager.store.DeleteEndpoint(c.Request().Context(), ep.ID); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	attempt, err := h.manager.TestEndpoint(c.Request().Context(), ep.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *Handler) Pause(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.manager.PauseEndpoint(c.Request().Context(), ep.ID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusPaused})
}

func (h *Handler) Resume(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.manager.ResumeEndpoint(c.Request().Context(), ep.ID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusActive})
}

func (h *Handler) Deliveries(c echo.Context) error {
	ep, err := h.load(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	logs, total, err := h.manager.GetDeliveryLogs(c.Request().Context(), ep.ID, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, pg.Limit, pg.Offset))
}

// Retry handles POST /webhooks/deliveries/:id/retry.
func (h *Handler) Retry(c echo.Context) error {
	sub, err := accesspolicy.RequireSubject(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	delivery, err := h.manager.store.GetDelivery(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	ep, err := h.manager.GetEndpoint(c.Request().Context(), delivery.EndpointID)
	if err != nil {
		return mapError(err)
	}
	if err := scoped(sub, ep); err != nil {
		return mapError(err)
	}
	attempt, err := h.manager.RetryDelivery(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}
