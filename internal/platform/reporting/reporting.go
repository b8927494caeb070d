// Package reporting serves operational measures and MAR sheet exports.
// Measures are fixed SQL rollups evaluated per caller scope: superadmins see
// every hospital (or one via ?hospital_id=), everyone else is pinned to
// their own.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/caremar/caremar/internal/domain/mar"
	"github.com/caremar/caremar/internal/platform/accesspolicy"
)

// MeasureDefinition is one reporting measure. The SQL always takes a single
// nullable hospital parameter; NULL means every hospital.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	HospitalID  *uuid.UUID               `json:"hospital_id,omitempty"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "patient-census",
		Name:        "Patient Census",
		Description: "Number of patients on file per hospital",
		SQL: `SELECT h.name AS hospital, COUNT(p.id) AS patients
			FROM hospitals h
			LEFT JOIN patients p ON p.hospital_id = h.id
			WHERE ($1::uuid IS NULL OR h.id = $1)
			GROUP BY h.name
			ORDER BY patients DESC, h.name`,
	},
	{
		ID:          "form-status",
		Name:        "MAR Forms by Status",
		Description: "Count of MAR forms in each lifecycle state",
		SQL: `SELECT status, COUNT(*) AS total
			FROM mar_forms
			WHERE ($1::uuid IS NULL OR hospital_id = $1)
			GROUP BY status
			ORDER BY total DESC`,
	},
	{
		ID:          "administration-outcomes",
		Name:        "Administration Outcomes by Month",
		Description: "Scheduled administrations charted as given versus omitted, per form month",
		SQL: `SELECT f.month_year,
			SUM(CASE WHEN a.given THEN 1 ELSE 0 END) AS given,
			SUM(CASE WHEN a.given THEN 0 ELSE 1 END) AS omitted
			FROM mar_administrations a
			JOIN mar_forms f ON f.id = a.mar_form_id
			WHERE ($1::uuid IS NULL OR f.hospital_id = $1)
			GROUP BY f.month_year
			ORDER BY f.month_year DESC`,
	},
	{
		ID:          "prn-volume",
		Name:        "PRN Volume by Month",
		Description: "As-needed administrations logged per form month",
		SQL: `SELECT f.month_year, COUNT(*) AS total
			FROM mar_prn_records p
			JOIN mar_forms f ON f.id = p.mar_form_id
			WHERE ($1::uuid IS NULL OR f.hospital_id = $1)
			GROUP BY f.month_year
			ORDER BY f.month_year DESC`,
	},
	{
		ID:          "nurse-caseload",
		Name:        "Nurse Caseload",
		Description: "Active patient assignments per nurse",
		SQL: `SELECT u.full_name AS nurse, u.initials, COUNT(*) AS patients
			FROM nurse_patient_assignments a
			JOIN user_profiles u ON u.id = a.nurse_id
			JOIN patients p ON p.id = a.patient_id
			WHERE a.is_active AND ($1::uuid IS NULL OR p.hospital_id = $1)
			GROUP BY u.full_name, u.initials
			ORDER BY patients DESC, u.full_name`,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// FormSource loads a form with everything charted on it, enforcing the
// caller's read access. *mar.Service satisfies it.
type FormSource interface {
	GetForm(ctx context.Context, formID uuid.UUID) (*mar.FormAggregate, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool  *pgxpool.Pool
	forms FormSource
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool, forms FormSource) *Handler {
	return &Handler{pool: pool, forms: forms}
}

// RegisterRoutes registers the reporting API routes. Measures are a
// management view; the sheet export follows the form's own read policy so
// nurses can print their assigned patients' sheets. Extra middleware (the
// response cache) applies to the measure routes only, never to the export.
func (h *Handler) RegisterRoutes(api *echo.Group, measuresMW ...echo.MiddlewareFunc) {
	reports := api.Group("/reports")
	mw := append([]echo.MiddlewareFunc{accesspolicy.RequireRole(accesspolicy.RoleHeadNurse)}, measuresMW...)
	measures := reports.Group("/measures", mw...)
	measures.GET("", h.ListMeasures)
	measures.GET("/:id/evaluate", h.EvaluateMeasure)
	reports.GET("/mar-forms/:id/export.xlsx", h.ExportForm)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// scopeFor resolves the hospital filter a measure runs under. Superadmins
// may narrow to one hospital via the query param; everyone else evaluates
// against their own hospital regardless of what they send.
func scopeFor(sub accesspolicy.Subject, param string) (*uuid.UUID, error) {
	if sub.Role != accesspolicy.RoleSuperadmin {
		hid := sub.HospitalID
		return &hid, nil
	}
	if param == "" {
		return nil, nil
	}
	id, err := uuid.Parse(param)
	if err != nil {
		return nil, fmt.Errorf("invalid hospital_id")
	}
	return &id, nil
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	sub, err := accesspolicy.RequireSubject(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "no resolved profile")
	}

	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	hospital, err := scopeFor(sub, c.QueryParam("hospital_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, hospital)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		HospitalID:  hospital,
		Results:     results,
	})
}

// ExportForm renders one MAR form as a spreadsheet download.
func (h *Handler) ExportForm(c echo.Context) error {
	formID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form id")
	}

	agg, err := h.forms.GetForm(c.Request().Context(), formID)
	switch {
	case errors.Is(err, mar.ErrFormNotFound), errors.Is(err, accesspolicy.ErrNotPermitted):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case err != nil:
		return err
	}

	data, err := BuildFormWorkbook(agg)
	if err != nil {
		return fmt.Errorf("build workbook: %w", err)
	}

	filename := fmt.Sprintf("mar-%s-%s.xlsx", slugify(agg.Form.PatientName), agg.Form.MonthYear)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", filename))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// executeSQL runs a measure query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, hospital *uuid.UUID) ([]map[string]interface{}, error) {
	rows, err := h.pool.Query(ctx, sql, hospital)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var results []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[string(fd.Name)] = values[i]
		}
		results = append(results, row)
	}

	if results == nil {
		results = []map[string]interface{}{}
	}

	return results, rows.Err()
}
