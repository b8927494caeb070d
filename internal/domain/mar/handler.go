package mar

import (
	"errors"
	"net/http"

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
	api.POST("/patients/:id/mar-forms", h.GetOrCreateForm)
	api.GET("/patients/:id/mar-forms", h.ListForms)

	api.GET("/mar-forms/:id", h.GetForm)
	api.PATCH("/mar-forms/:id", h.UpdateForm)
	api.POST("/mar-forms/:id/submit", h.SubmitForm)
	api.POST("/mar-forms/:id/archive", h.ArchiveForm)
	api.POST("/mar-forms/:id/duplicate", h.DuplicateForm)

	api.GET("/mar-forms/:id/medications", h.ListMedications)
	api.POST("/mar-forms/:id/medications", h.AddMedication)
	api.PATCH("/medications/:id", h.UpdateMedication)
	api.DELETE("/medications/:id", h.DeleteMedication)

	api.PUT("/mar-forms/:id/administrations", h.RecordAdministration)
	api.DELETE("/administrations/:id", h.ClearAdministration)

	api.PUT("/mar-forms/:id/vitals", h.UpsertVitalSign)
	api.DELETE("/vitals/:id", h.DeleteVitalSign)

	api.POST("/mar-forms/:id/prn", h.AddPrnRecord)
	api.GET("/mar-forms/:id/prn", h.ListPrn)
	api.PATCH("/prn/:id", h.UpdatePrnRecord)
	api.DELETE("/prn/:id", h.DeletePrnRecord)

	api.GET("/legend", h.ListLegend)
	api.POST("/legend", h.CreateLegend)
	api.PATCH("/legend/:id", h.UpdateLegend)
	api.DELETE("/legend/:id", h.DeleteLegend)
}

// mapError renders service errors. Denials and missing rows collapse to the
// same 404 so out-of-scope rows are indistinguishable from absent ones;
// archived-form writes are conflicts; the rest are validation failures.
func mapError(err error) error {
	switch {
	case errors.Is(err, accesspolicy.ErrNotPermitted),
		errors.Is(err, ErrFormNotFound),
		errors.Is(err, ErrMedicationNotFound),
		errors.Is(err, ErrAdministrationNotFound),
		errors.Is(err, ErrVitalSignNotFound),
		errors.Is(err, ErrPrnNotFound),
		errors.Is(err, ErrLegendNotFound),
		errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrFormArchived):
		return echo.NewHTTPError(http.StatusConflict, ErrFormArchived.Error())
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

// -- Forms --

type getOrCreateFormRequest struct {
	MonthYear string `json:"month_year"`
}

func (h *Handler) GetOrCreateForm(c echo.Context) error {
	patientID, err := pathID(c)
	if err != nil {
		return err
	}
	var req getOrCreateFormRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, created, err := h.svc.GetOrCreateForm(c.Request().Context(), patientID, req.MonthYear)
	if err != nil {
		return mapError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, f)
}

func (h *Handler) ListForms(c echo.Context) error {
	patientID, err := pathID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	forms, total, err := h.svc.ListForms(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(forms, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	agg, err := h.svc.GetForm(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) UpdateForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var upd FormHeaderUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := h.svc.UpdateFormHeader(c.Request().Context(), id, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) SubmitForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.SubmitForm(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ArchiveForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.ArchiveForm(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

type duplicateFormRequest struct {
	TargetMonthYear string              `json:"target_month_year"`
	Entries         []LogicalMedication `json:"entries"`
}

func (h *Handler) DuplicateForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req duplicateFormRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := h.svc.DuplicateForm(c.Request().Context(), id, req.TargetMonthYear, req.Entries)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

// -- Medications --

func (h *Handler) ListMedications(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if c.QueryParam("grouped") == "true" {
		grouped, err := h.svc.GroupedMedications(c.Request().Context(), id)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, grouped)
	}
	meds, err := h.svc.ListMedications(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, meds)
}

func (h *Handler) AddMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var entry LogicalMedication
	if err := c.Bind(&entry); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rows, err := h.svc.AddMedication(c.Request().Context(), id, entry)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, rows)
}

func (h *Handler) UpdateMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var upd MedicationUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.UpdateMedication(c.Request().Context(), id, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeleteMedication(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	wholeGroup := c.QueryParam("group") == "true"
	if err := h.svc.DeleteMedication(c.Request().Context(), id, wholeGroup); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Administrations --

func (h *Handler) RecordAdministration(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in AdministrationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.RecordAdministration(c.Request().Context(), id, in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ClearAdministration(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.ClearAdministration(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Vitals --

func (h *Handler) UpsertVitalSign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in VitalSignInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.UpsertVitalSign(c.Request().Context(), id, in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVitalSign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVitalSign(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- PRN --

func (h *Handler) AddPrnRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in PrnInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.AddPrnRecord(c.Request().Context(), id, in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPrn(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	records, err := h.svc.ListPrn(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) UpdatePrnRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var upd PrnUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePrnRecord(c.Request().Context(), id, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePrnRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePrnRecord(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Legend --

type legendRequest struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (h *Handler) ListLegend(c echo.Context) error {
	pg := pagination.FromContext(c)
	legends, total, err := h.svc.ListLegend(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(legends, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateLegend(c echo.Context) error {
	var req legendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	l, err := h.svc.CreateLegend(c.Request().Context(), req.Code, req.Description)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) UpdateLegend(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var upd LegendUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	l, err := h.svc.UpdateLegend(c.Request().Context(), id, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) DeleteLegend(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteLegend(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
