package mar

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
)

func newTestHandler() (*Handler, *fixture) {
	f := newFixture()
	return NewHandler(f.svc), f
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func withSubject(req *http.Request, sub accesspolicy.Subject) *http.Request {
	return req.WithContext(accesspolicy.WithSubject(req.Context(), sub))
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("error %v is not an *echo.HTTPError", err)
	}
	return he.Code
}

func TestHandlerGetOrCreateForm(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	post := func() *httptest.ResponseRecorder {
		req := withSubject(jsonRequest(http.MethodPost, "/patients/"+pid.String()+"/mar-forms", map[string]string{
			"month_year": "November 2025",
		}), head)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(pid.String())
		if err := h.GetOrCreateForm(c); err != nil {
			t.Fatalf("GetOrCreateForm: %v", err)
		}
		return rec
	}

	if rec := post(); rec.Code != http.StatusCreated {
		t.Fatalf("first call status = %d, want 201", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusOK {
		t.Fatalf("second call status = %d, want 200", rec.Code)
	}
	var got MarForm
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MonthYear != "November 2025" || got.Status != FormStatusDraft {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestHandlerGetOrCreateForm_BadMonth(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPost, "/patients/"+pid.String()+"/mar-forms", map[string]string{
		"month_year": "2025-11",
	}), head)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	err := h.GetOrCreateForm(c)
	if status := httpStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestHandlerGetForm_InvalidID(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	head := subject(accesspolicy.RoleHeadNurse, uuid.New())

	req := withSubject(jsonRequest(http.MethodGet, "/mar-forms/nope", nil), head)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")

	err := h.GetForm(c)
	if status := httpStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestHandlerGetForm_ForeignHospitalHidden(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	foreign := subject(accesspolicy.RoleHeadNurse, uuid.New())

	req := withSubject(jsonRequest(http.MethodGet, "/mar-forms/"+form.ID.String(), nil), foreign)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	err := h.GetForm(c)
	if status := httpStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestHandlerGetForm_Aggregate(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	m1 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 AM", 10)
	m2 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 PM", 20)
	m1.Frequency, m2.Frequency = 2, 2
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodGet, "/mar-forms/"+form.ID.String(), nil), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.GetForm(c); err != nil {
		t.Fatalf("GetForm: %v", err)
	}
	var got struct {
		Form        MarForm             `json:"form"`
		Medications []MarMedication     `json:"medications"`
		Grouped     []LogicalMedication `json:"grouped_medications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Form.ID != form.ID || len(got.Medications) != 2 || len(got.Grouped) != 1 {
		t.Errorf("aggregate = form %s, %d medications, %d grouped",
			got.Form.ID, len(got.Medications), len(got.Grouped))
	}
}

func TestHandlerUpdateForm(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPatch, "/mar-forms/"+form.ID.String(), map[string]string{
		"diet": "Pureed",
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.UpdateForm(c); err != nil {
		t.Fatalf("UpdateForm: %v", err)
	}
	var got MarForm
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Diet != "Pureed" {
		t.Errorf("diet = %q, want Pureed", got.Diet)
	}
}

func TestHandlerUpdateForm_ArchivedConflict(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusArchived)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPatch, "/mar-forms/"+form.ID.String(), map[string]string{
		"diet": "Pureed",
	}), head)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	err := h.UpdateForm(c)
	if status := httpStatus(t, err); status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestHandlerSubmitForm(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPost, "/mar-forms/"+form.ID.String()+"/submit", nil), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.SubmitForm(c); err != nil {
		t.Fatalf("SubmitForm: %v", err)
	}
	var got MarForm
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != FormStatusSubmitted {
		t.Errorf("status = %q, want submitted", got.Status)
	}
}

func TestHandlerDuplicateForm(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	src := f.seedForm(pid, hid, "November 2025", FormStatusSubmitted)
	f.seedMedication(src.ID, "Aspirin", "81mg", "8:00 AM", 10)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPost, "/mar-forms/"+src.ID.String()+"/duplicate", map[string]string{
		"target_month_year": "December 2025",
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(src.ID.String())

	if err := h.DuplicateForm(c); err != nil {
		t.Fatalf("DuplicateForm: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var got MarForm
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MonthYear != "December 2025" {
		t.Errorf("month = %q, want December 2025", got.MonthYear)
	}
}

func TestHandlerListMedications_GroupedFlag(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	m1 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 AM", 10)
	m2 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 PM", 20)
	m1.Frequency, m2.Frequency = 2, 2
	head := subject(accesspolicy.RoleHeadNurse, hid)

	get := func(target string) *httptest.ResponseRecorder {
		req := withSubject(jsonRequest(http.MethodGet, target, nil), head)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(form.ID.String())
		if err := h.ListMedications(c); err != nil {
			t.Fatalf("ListMedications: %v", err)
		}
		return rec
	}

	var rows []MarMedication
	if err := json.Unmarshal(get("/mar-forms/x/medications").Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2 physical", len(rows))
	}

	var grouped []LogicalMedication
	if err := json.Unmarshal(get("/mar-forms/x/medications?grouped=true").Body.Bytes(), &grouped); err != nil {
		t.Fatalf("decode grouped: %v", err)
	}
	if len(grouped) != 1 || len(grouped[0].Hours) != 2 {
		t.Errorf("grouped = %+v, want one entry with 2 hours", grouped)
	}
}

func TestHandlerAddMedication(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPost, "/mar-forms/"+form.ID.String()+"/medications", map[string]any{
		"medication_name": "Metoprolol",
		"dosage":          "25mg",
		"frequency":       2,
		"hours":           []string{"9:00 AM", "9:00 PM"},
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.AddMedication(c); err != nil {
		t.Fatalf("AddMedication: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var rows []MarMedication
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("created %d rows, want 2", len(rows))
	}
}

func TestHandlerDeleteMedication_GroupFlag(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	m1 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 AM", 10)
	m2 := f.seedMedication(form.ID, "Lisinopril", "10mg", "9:00 PM", 20)
	m1.Frequency, m2.Frequency = 2, 2
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodDelete, "/medications/"+m1.ID.String()+"?group=true", nil), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(m1.ID.String())

	if err := h.DeleteMedication(c); err != nil {
		t.Fatalf("DeleteMedication: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(f.meds.meds) != 0 {
		t.Errorf("%d rows remain, want the whole group gone", len(f.meds.meds))
	}
}

func TestHandlerRecordAdministration(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	med := f.seedMedication(form.ID, "Aspirin", "81mg", "8:00 AM", 10)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPut, "/mar-forms/"+form.ID.String()+"/administrations", map[string]any{
		"medication_id": med.ID,
		"day_of_month":  3,
		"initials":      "JD",
		"given":         true,
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.RecordAdministration(c); err != nil {
		t.Fatalf("RecordAdministration: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got MarAdministration
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DayOfMonth != 3 || !got.Given {
		t.Errorf("unexpected cell %+v", got)
	}
}

func TestHandlerClearAdministration(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	med := f.seedMedication(form.ID, "Aspirin", "81mg", "8:00 AM", 10)
	cell := &MarAdministration{
		ID: uuid.New(), MedicationID: med.ID, MarFormID: form.ID, DayOfMonth: 3, Initials: "JD", Given: true,
	}
	f.cells.cells[cell.ID] = cell
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodDelete, "/administrations/"+cell.ID.String(), nil), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(cell.ID.String())

	if err := h.ClearAdministration(c); err != nil {
		t.Fatalf("ClearAdministration: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandlerUpsertVitalSign(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPut, "/mar-forms/"+form.ID.String()+"/vitals", map[string]any{
		"vital_type":   "TEMPERATURE",
		"day_of_month": 5,
		"value":        "98.6",
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.UpsertVitalSign(c); err != nil {
		t.Fatalf("UpsertVitalSign: %v", err)
	}
	var got MarVitalSign
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.VitalType != VitalTemperature || got.Value != "98.6" {
		t.Errorf("unexpected vital %+v", got)
	}
}

func TestHandlerAddPrnRecord(t *testing.T) {
	h, f := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	pid := f.seedDemographics(hid)
	form := f.seedForm(pid, hid, "November 2025", FormStatusDraft)
	head := subject(accesspolicy.RoleHeadNurse, hid)

	req := withSubject(jsonRequest(http.MethodPost, "/mar-forms/"+form.ID.String()+"/prn", map[string]any{
		"date":       time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		"hour":       "2:00 PM",
		"initials":   "JD",
		"medication": "Tylenol",
		"reason":     "Headache",
	}), head)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(form.ID.String())

	if err := h.AddPrnRecord(c); err != nil {
		t.Fatalf("AddPrnRecord: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var got MarPrnRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EntryNumber != 1 || got.Medication != "Tylenol" {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestHandlerLegend(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	nurse := subject(accesspolicy.RoleNurse, uuid.New())

	req := withSubject(jsonRequest(http.MethodPost, "/legend", map[string]string{
		"code":        "R",
		"description": "Refused medication",
	}), nurse)
	rec := httptest.NewRecorder()
	if err := h.CreateLegend(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateLegend: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	req = withSubject(jsonRequest(http.MethodGet, "/legend", nil), nurse)
	rec = httptest.NewRecorder()
	if err := h.ListLegend(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListLegend: %v", err)
	}
	var resp struct {
		Data  []json.RawMessage `json:"data"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Errorf("list = %d entries (total %d), want 1", len(resp.Data), resp.Total)
	}
}

func TestHandlerRegisterRoutes(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	want := []string{
		"POST /api/v1/patients/:id/mar-forms",
		"GET /api/v1/patients/:id/mar-forms",
		"GET /api/v1/mar-forms/:id",
		"PATCH /api/v1/mar-forms/:id",
		"POST /api/v1/mar-forms/:id/submit",
		"POST /api/v1/mar-forms/:id/archive",
		"POST /api/v1/mar-forms/:id/duplicate",
		"GET /api/v1/mar-forms/:id/medications",
		"POST /api/v1/mar-forms/:id/medications",
		"PATCH /api/v1/medications/:id",
		"DELETE /api/v1/medications/:id",
		"PUT /api/v1/mar-forms/:id/administrations",
		"DELETE /api/v1/administrations/:id",
		"PUT /api/v1/mar-forms/:id/vitals",
		"DELETE /api/v1/vitals/:id",
		"POST /api/v1/mar-forms/:id/prn",
		"GET /api/v1/mar-forms/:id/prn",
		"PATCH /api/v1/prn/:id",
		"DELETE /api/v1/prn/:id",
		"GET /api/v1/legend",
		"POST /api/v1/legend",
		"PATCH /api/v1/legend/:id",
		"DELETE /api/v1/legend/:id",
	}
	for _, route := range want {
		if !registered[route] {
			t.Errorf("route %s not registered", route)
		}
	}
}
