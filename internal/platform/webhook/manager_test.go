package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
)

// newTestManager builds a manager over the in-memory store with a
// no-retry client so failure tests return immediately.
func newTestManager() (*Manager, *MemoryStore) {
	store := NewMemoryStore()
	m := NewManager(store, zerolog.Nop(), WithClient(resty.New().SetTimeout(2*time.Second)))
	return m, store
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

// receiver is an httptest endpoint that records incoming webhook requests.
type receiver struct {
	mu       sync.Mutex
	status   int
	requests []receivedRequest
	server   *httptest.Server
}

type receivedRequest struct {
	body      []byte
	signature string
	webhookID string
}

func newReceiver(status int) *receiver {
	r := &receiver{status: status}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{
			body:      body,
			signature: req.Header.Get("X-Webhook-Signature"),
			webhookID: req.Header.Get("X-Webhook-ID"),
		})
		code := r.status
		r.mu.Unlock()
		w.WriteHeader(code)
	}))
	return r
}

func (r *receiver) setStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) last() receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"administration.recorded"}`)
	secret := "s3cret"

	sig := SignPayload(payload, secret)
	if !VerifySignature(payload, secret, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature([]byte(`{"tampered":true}`), secret, sig) {
		t.Fatal("tampered payload accepted")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Fatal("wrong secret accepted")
	}
}

func TestRegisterEndpoint(t *testing.T) {
	m, _ := newTestManager()
	hid := uuid.New()

	ep, err := m.RegisterEndpoint(context.Background(), "https://example.org/hook", "", ptr(hid), uuid.New(), []string{"administration.*"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("generated secret length = %d, want 64 hex chars", len(ep.Secret))
	}
	if ep.Status != StatusActive {
		t.Errorf("status = %q, want active", ep.Status)
	}
	if ep.HospitalID == nil || *ep.HospitalID != hid {
		t.Errorf("hospital = %v, want %s", ep.HospitalID, hid)
	}
}

func TestRegisterEndpoint_Validation(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.RegisterEndpoint(ctx, "", "", nil, uuid.New(), []string{"x"}); err == nil ||
		!strings.Contains(err.Error(), "url is required") {
		t.Errorf("blank url: err = %v", err)
	}
	if _, err := m.RegisterEndpoint(ctx, "ftp://example.org", "", nil, uuid.New(), []string{"x"}); err == nil ||
		!strings.Contains(err.Error(), "scheme must be http or https") {
		t.Errorf("ftp url: err = %v", err)
	}
	if _, err := m.RegisterEndpoint(ctx, "https://example.org", "", nil, uuid.New(), nil); err == nil ||
		!strings.Contains(err.Error(), "at least one event type") {
		t.Errorf("no events: err = %v", err)
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern string
		event   string
		want    bool
	}{
		{"administration.recorded", "administration.recorded", true},
		{"administration.recorded", "administration.cleared", false},
		{"administration.*", "administration.recorded", true},
		{"administration.*", "vital.recorded", false},
		{"*.cleared", "administration.cleared", true},
		{"*.cleared", "vital.cleared", true},
		{"*.cleared", "prn.recorded", false},
		{"mar_form.*", "mar_form.submitted", true},
	}
	for _, tc := range cases {
		if got := eventMatches(tc.pattern, tc.event); got != tc.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tc.pattern, tc.event, got, tc.want)
		}
	}
}

func TestDeliver_SignedAndLogged(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusOK)
	defer rcv.server.Close()
	hid := uuid.New()

	ep, err := m.RegisterEndpoint(context.Background(), rcv.server.URL, "", ptr(hid), uuid.New(), []string{"administration.*"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	payload, _ := json.Marshal(map[string]int{"day_of_month": 5})
	results := m.Deliver(context.Background(), WebhookEvent{
		ID:         uuid.New(),
		Type:       "administration.recorded",
		Topic:      "mar-form/" + uuid.New().String(),
		HospitalID: ptr(hid),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})

	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want one success", results)
	}
	if rcv.count() != 1 {
		t.Fatalf("receiver got %d requests, want 1", rcv.count())
	}

	req := rcv.last()
	sig := strings.TrimPrefix(req.signature, "sha256=")
	if !VerifySignature(req.body, ep.Secret, sig) {
		t.Error("delivered payload does not verify against the endpoint secret")
	}
	if req.webhookID != ep.ID.String() {
		t.Errorf("X-Webhook-ID = %q, want %s", req.webhookID, ep.ID)
	}

	var event WebhookEvent
	if err := json.Unmarshal(req.body, &event); err != nil {
		t.Fatalf("delivered body does not decode: %v", err)
	}
	if event.Type != "administration.recorded" {
		t.Errorf("delivered type = %q", event.Type)
	}

	logs, total, err := m.GetDeliveryLogs(context.Background(), ep.ID, 20, 0)
	if err != nil {
		t.Fatalf("GetDeliveryLogs: %v", err)
	}
	if total != 1 || logs[0].Status != "success" || logs[0].StatusCode != http.StatusOK {
		t.Errorf("delivery log = %+v", logs[0])
	}
}

func TestDeliver_SelectsMatchingTargets(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusOK)
	defer rcv.server.Close()
	mine, theirs := uuid.New(), uuid.New()
	ctx := context.Background()

	matching, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", ptr(mine), uuid.New(), []string{"administration.*"})
	global, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", nil, uuid.New(), []string{"*.recorded"})
	m.RegisterEndpoint(ctx, rcv.server.URL, "", ptr(mine), uuid.New(), []string{"mar_form.submitted"})
	m.RegisterEndpoint(ctx, rcv.server.URL, "", ptr(theirs), uuid.New(), []string{"administration.*"})
	paused, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", ptr(mine), uuid.New(), []string{"administration.*"})
	if err := m.PauseEndpoint(ctx, paused.ID); err != nil {
		t.Fatalf("PauseEndpoint: %v", err)
	}

	results := m.Deliver(ctx, WebhookEvent{
		ID: uuid.New(), Type: "administration.recorded", HospitalID: ptr(mine), Timestamp: time.Now(),
	})

	if len(results) != 2 {
		t.Fatalf("delivered to %d endpoints, want 2 (own matching + global)", len(results))
	}
	delivered := map[uuid.UUID]bool{}
	for _, r := range results {
		delivered[r.EndpointID] = true
	}
	if !delivered[matching.ID] || !delivered[global.ID] {
		t.Errorf("wrong targets: %+v", results)
	}
}

func TestDeliver_NoHospitalReachesGlobalOnly(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusOK)
	defer rcv.server.Close()
	ctx := context.Background()

	global, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", nil, uuid.New(), []string{"mar_form.*"})
	m.RegisterEndpoint(ctx, rcv.server.URL, "", ptr(uuid.New()), uuid.New(), []string{"mar_form.*"})

	results := m.Deliver(ctx, WebhookEvent{
		ID: uuid.New(), Type: "mar_form.submitted", Timestamp: time.Now(),
	})

	if len(results) != 1 || results[0].EndpointID != global.ID {
		t.Fatalf("results = %+v, want only the global endpoint", results)
	}
}

func TestDeliverToEndpoint_Failure(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusBadGateway)
	defer rcv.server.Close()
	ctx := context.Background()

	ep, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", nil, uuid.New(), []string{"webhook.test"})
	attempt := m.DeliverToEndpoint(ctx, ep, WebhookEvent{ID: uuid.New(), Type: "webhook.test", Timestamp: time.Now()})

	if attempt.Status != "failed" {
		t.Fatalf("status = %q, want failed", attempt.Status)
	}
	if attempt.StatusCode != http.StatusBadGateway {
		t.Errorf("status code = %d, want 502", attempt.StatusCode)
	}
	if !strings.Contains(attempt.Error, "non-2xx response: 502") {
		t.Errorf("error = %q", attempt.Error)
	}

	logs, total, _ := m.GetDeliveryLogs(ctx, ep.ID, 20, 0)
	if total != 1 || logs[0].Status != "failed" {
		t.Errorf("failure not logged: total=%d", total)
	}
}

func TestDeliverToEndpoint_Unreachable(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	// Reserve a port and close the listener so nothing answers.
	rcv := newReceiver(http.StatusOK)
	url := rcv.server.URL
	rcv.server.Close()

	ep, _ := m.RegisterEndpoint(ctx, url, "", nil, uuid.New(), []string{"webhook.test"})
	attempt := m.DeliverToEndpoint(ctx, ep, WebhookEvent{ID: uuid.New(), Type: "webhook.test", Timestamp: time.Now()})

	if attempt.Status != "failed" || attempt.Error == "" {
		t.Fatalf("attempt = %+v, want failed with a transport error", attempt)
	}
	if attempt.StatusCode != 0 {
		t.Errorf("status code = %d, want 0 when nothing answered", attempt.StatusCode)
	}
}

func TestRetryDelivery(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusInternalServerError)
	defer rcv.server.Close()
	ctx := context.Background()

	ep, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", nil, uuid.New(), []string{"mar_form.*"})
	failed := m.DeliverToEndpoint(ctx, ep, WebhookEvent{
		ID: uuid.New(), Type: "mar_form.submitted", Timestamp: time.Now(),
	})
	if failed.Status != "failed" {
		t.Fatalf("precondition: first delivery should fail, got %q", failed.Status)
	}

	rcv.setStatus(http.StatusOK)
	retried, err := m.RetryDelivery(ctx, failed.ID)
	if err != nil {
		t.Fatalf("RetryDelivery: %v", err)
	}
	if retried.Status != "success" {
		t.Errorf("retry status = %q, want success", retried.Status)
	}
	if retried.Attempt != failed.Attempt+1 {
		t.Errorf("attempt = %d, want %d", retried.Attempt, failed.Attempt+1)
	}
	if retried.EventType != "mar_form.submitted" {
		t.Errorf("retried event type = %q", retried.EventType)
	}

	if _, err := m.RetryDelivery(ctx, uuid.New()); !errors.Is(err, ErrDeliveryNotFound) {
		t.Errorf("unknown delivery: err = %v, want ErrDeliveryNotFound", err)
	}
}

func TestTestEndpoint(t *testing.T) {
	m, _ := newTestManager()
	rcv := newReceiver(http.StatusOK)
	defer rcv.server.Close()
	ctx := context.Background()

	ep, _ := m.RegisterEndpoint(ctx, rcv.server.URL, "", nil, uuid.New(), []string{"administration.*"})
	attempt, err := m.TestEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("TestEndpoint: %v", err)
	}
	if attempt.Status != "success" || attempt.EventType != "webhook.test" {
		t.Errorf("attempt = %+v", attempt)
	}

	var event WebhookEvent
	if err := json.Unmarshal(rcv.last().body, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != "webhook.test" {
		t.Errorf("received type = %q", event.Type)
	}
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	ep, _ := m.RegisterEndpoint(ctx, "https://example.org/hook", "", nil, uuid.New(), []string{"x"})

	if err := m.PauseEndpoint(ctx, ep.ID); err != nil {
		t.Fatalf("PauseEndpoint: %v", err)
	}
	got, _ := m.GetEndpoint(ctx, ep.ID)
	if got.Status != StatusPaused {
		t.Errorf("status after pause = %q", got.Status)
	}

	if err := m.ResumeEndpoint(ctx, ep.ID); err != nil {
		t.Fatalf("ResumeEndpoint: %v", err)
	}
	got, _ = m.GetEndpoint(ctx, ep.ID)
	if got.Status != StatusActive {
		t.Errorf("status after resume = %q", got.Status)
	}

	if err := m.PauseEndpoint(ctx, uuid.New()); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("unknown endpoint: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestHandler() (*Handler, *Manager) {
	m, _ := newTestManager()
	return NewHandler(m), m
}

func subject(role accesspolicy.Role, hospitalID uuid.UUID) accesspolicy.Subject {
	return accesspolicy.Subject{UserID: uuid.New(), HospitalID: hospitalID, Role: role}
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

func TestHandlerCreate_HeadNursePinnedToOwnHospital(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	hid := uuid.New()

	req := withSubject(jsonRequest(http.MethodPost, "/webhooks", map[string]any{
		"url":         "https://example.org/hook",
		"events":      []string{"administration.*"},
		"hospital_id": uuid.New().String(),
	}), subject(accesspolicy.RoleHeadNurse, hid))
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var got Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HospitalID == nil || *got.HospitalID != hid {
		t.Errorf("hospital = %v, want the caller's %s", got.HospitalID, hid)
	}
	if got.Secret == "" {
		t.Error("create response should include the secret once")
	}
}

func TestHandlerCreate_SuperadminGlobal(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()

	req := withSubject(jsonRequest(http.MethodPost, "/webhooks", map[string]any{
		"url":    "https://example.org/hook",
		"events": []string{"*.recorded"},
	}), subject(accesspolicy.RoleSuperadmin, uuid.Nil))
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var got Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HospitalID != nil {
		t.Errorf("hospital = %v, want nil for a global endpoint", got.HospitalID)
	}
}

func TestHandlerList_ScopedAndSanitized(t *testing.T) {
	h, m := newTestHandler()
	e := echo.New()
	mine, theirs := uuid.New(), uuid.New()
	ctx := context.Background()
	m.RegisterEndpoint(ctx, "https://example.org/a", "", ptr(mine), uuid.New(), []string{"x"})
	m.RegisterEndpoint(ctx, "https://example.org/b", "", ptr(theirs), uuid.New(), []string{"x"})
	m.RegisterEndpoint(ctx, "https://example.org/c", "", nil, uuid.New(), []string{"x"})

	req := withSubject(jsonRequest(http.MethodGet, "/webhooks", nil), subject(accesspolicy.RoleHeadNurse, mine))
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("List: %v", err)
	}
	var resp struct {
		Data  []Endpoint `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Fatalf("head nurse sees %d endpoints, want 1", resp.Total)
	}
	if resp.Data[0].Secret != "" {
		t.Error("list leaked the signing secret")
	}

	req = withSubject(jsonRequest(http.MethodGet, "/webhooks", nil), subject(accesspolicy.RoleSuperadmin, uuid.Nil))
	rec = httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("superadmin sees %d endpoints, want 3", resp.Total)
	}
}

func TestHandlerGet_ForeignHospitalHidden(t *testing.T) {
	h, m := newTestHandler()
	e := echo.New()
	ep, _ := m.RegisterEndpoint(context.Background(), "https://example.org/hook", "", ptr(uuid.New()), uuid.New(), []string{"x"})

	req := withSubject(jsonRequest(http.MethodGet, "/webhooks/"+ep.ID.String(), nil),
		subject(accesspolicy.RoleHeadNurse, uuid.New()))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(ep.ID.String())
	err := h.Get(c)
	if status := httpStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestHandlerUpdate(t *testing.T) {
	h, m := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	ep, _ := m.RegisterEndpoint(context.Background(), "https://example.org/hook", "", ptr(hid), uuid.New(), []string{"x"})

	req := withSubject(jsonRequest(http.MethodPut, "/webhooks/"+ep.ID.String(), map[string]any{
		"events": []string{"administration.*", "vital.*"},
		"status": "paused",
	}), subject(accesspolicy.RoleHeadNurse, hid))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(ep.ID.String())
	if err := h.Update(c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	var got Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusPaused || len(got.Events) != 2 {
		t.Errorf("unexpected body %+v", got)
	}

	req = withSubject(jsonRequest(http.MethodPut, "/webhooks/"+ep.ID.String(), map[string]string{
		"status": "sideways",
	}), subject(accesspolicy.RoleHeadNurse, hid))
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(ep.ID.String())
	err := h.Update(c)
	if status := httpStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("bad status value: status = %d, want 400", status)
	}
}

func TestHandlerDelete(t *testing.T) {
	h, m := newTestHandler()
	e := echo.New()
	hid := uuid.New()
	ep, _ := m.RegisterEndpoint(context.Background(), "https://example.org/hook", "", ptr(hid), uuid.New(), []string{"x"})

	req := withSubject(jsonRequest(http.MethodDelete, "/webhooks/"+ep.ID.String(), nil),
		subject(accesspolicy.RoleHeadNurse, hid))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(ep.ID.String())
	if err := h.Delete(c); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, err := m.GetEndpoint(context.Background(), ep.ID); !errors.Is(err, ErrEndpointNotFound) {
		t.Error("endpoint still present after delete")
	}
}

func TestHandlerRegisterRoutes(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/webhooks":                      false,
		"GET /api/v1/webhooks":                       false,
		"GET /api/v1/webhooks/:id":                   false,
		"PUT /api/v1/webhooks/:id":                   false,
		"DELETE /api/v1/webhooks/:id":                false,
		"POST /api/v1/webhooks/:id/test":             false,
		"POST /api/v1/webhooks/:id/pause":            false,
		"POST /api/v1/webhooks/:id/resume":           false,
		"GET /api/v1/webhooks/:id/deliveries":        false,
		"POST /api/v1/webhooks/deliveries/:id/retry": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", key)
		}
	}
}
