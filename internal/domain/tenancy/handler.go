package tenancy

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/blobstore"
	"github.com/caremar/caremar/pkg/pagination"
)

type Handler struct {
	svc   *Service
	blobs blobstore.BlobStore
}

func NewHandler(svc *Service, blobs blobstore.BlobStore) *Handler {
	return &Handler{svc: svc, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me)
	api.PATCH("/me", h.UpdateMe)
	api.POST("/me/signature", h.UploadSignature)

	api.POST("/hospitals", h.CreateHospital)
	api.GET("/hospitals", h.ListHospitals)
	api.GET("/hospitals/:id", h.GetHospital)
	api.PATCH("/hospitals/:id", h.UpdateHospital)
	api.POST("/hospitals/join", h.JoinHospital)
	api.POST("/hospitals/:id/invite-email", h.SendInviteEmail)

	api.GET("/profiles", h.ListProfiles)
	api.GET("/profiles/:id", h.GetProfile)
	api.PATCH("/profiles/:id/role", h.ChangeRole)
}

// mapError translates service errors. Denied and missing rows collapse into
// the same 404 so callers cannot probe for rows outside their scope.
func mapError(err error) error {
	switch {
	case errors.Is(err, accesspolicy.ErrNotPermitted),
		errors.Is(err, ErrHospitalNotFound),
		errors.Is(err, ErrProfileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrOnboardingFailed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) Me(c echo.Context) error {
	p, err := h.svc.MyProfile(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateMe(c echo.Context) error {
	var upd ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateOwnProfile(c.Request().Context(), upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// UploadSignature stores a signature image and links it to the caller's
// profile in one step.
func (h *Handler) UploadSignature(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return mapError(err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer src.Close()

	meta := blobstore.BlobMetadata{
		FileName:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Category:    blobstore.CategoryStaffSignature,
		UploadedBy:  sub.UserID,
	}
	stored, err := h.blobs.Upload(ctx, meta, src)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrFileTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, blobstore.ErrInvalidContentType):
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	p, err := h.svc.SetSignature(ctx, stored.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type createHospitalRequest struct {
	Name         string `json:"name"`
	FacilityType string `json:"facility_type"`
}

func (h *Handler) CreateHospital(c echo.Context) error {
	var req createHospitalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp, err := h.svc.CreateHospital(c.Request().Context(), req.Name, req.FacilityType)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, hosp)
}

func (h *Handler) ListHospitals(c echo.Context) error {
	pg := pagination.FromContext(c)
	hospitals, total, err := h.svc.ListHospitals(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(hospitals, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	hosp, err := h.svc.GetHospital(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) UpdateHospital(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var upd HospitalUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp, err := h.svc.UpdateHospital(c.Request().Context(), id, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

type joinHospitalRequest struct {
	InviteCode string `json:"invite_code"`
}

func (h *Handler) JoinHospital(c echo.Context) error {
	var req joinHospitalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp, err := h.svc.JoinHospital(c.Request().Context(), req.InviteCode)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

type inviteEmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) SendInviteEmail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req inviteEmailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SendInviteEmail(c.Request().Context(), id, req.Email); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ListProfiles(c echo.Context) error {
	pg := pagination.FromContext(c)
	profiles, total, err := h.svc.ListProfiles(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(profiles, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetProfile(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) ChangeRole(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req changeRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.ChangeRole(c.Request().Context(), id, accesspolicy.Role(req.Role))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}
