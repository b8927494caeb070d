package tenancy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/auth"
)

func authedRequest(subject, email string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	ctx := context.WithValue(req.Context(), auth.AuthSubjectKey, subject)
	ctx = context.WithValue(ctx, auth.AuthEmailKey, email)
	return req.WithContext(ctx)
}

func TestResolveSubject_CreatesProfile(t *testing.T) {
	svc, _, pr, _ := newTestService()
	mw := ResolveSubject(svc, zerolog.Nop())

	var resolved accesspolicy.Subject
	var ok bool
	handler := mw(func(c echo.Context) error {
		resolved, ok = accesspolicy.SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	e := echo.New()
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(authedRequest("auth0|fresh", "maria@example.org"), rec)); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if !ok {
		t.Fatal("no subject on the handler context")
	}
	if resolved.UserID != ProfileIDForSubject("auth0|fresh") {
		t.Errorf("resolved user %s", resolved.UserID)
	}
	if resolved.Role != accesspolicy.RoleNurse {
		t.Errorf("resolved role %q", resolved.Role)
	}
	if len(pr.profiles) != 1 {
		t.Errorf("stored %d profiles, want 1", len(pr.profiles))
	}
}

func TestResolveSubject_CarriesHospitalAndRole(t *testing.T) {
	svc, hr, pr, _ := newTestService()
	h := seedHospital(hr, "St Marys", "ABCD2345", nil)
	p := seedProfile(pr, accesspolicy.RoleHeadNurse, &h.ID)
	mw := ResolveSubject(svc, zerolog.Nop())

	var resolved accesspolicy.Subject
	handler := mw(func(c echo.Context) error {
		resolved, _ = accesspolicy.SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	e := echo.New()
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(authedRequest(p.Subject, p.Email), rec)); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if resolved.HospitalID != h.ID || resolved.Role != accesspolicy.RoleHeadNurse {
		t.Errorf("resolved subject %+v", resolved)
	}
}

func TestResolveSubject_PassThroughWithoutToken(t *testing.T) {
	svc, _, pr, _ := newTestService()
	mw := ResolveSubject(svc, zerolog.Nop())

	called := false
	handler := mw(func(c echo.Context) error {
		called = true
		if _, ok := accesspolicy.SubjectFromContext(c.Request().Context()); ok {
			t.Error("subject resolved without a token identity")
		}
		return c.NoContent(http.StatusOK)
	})

	e := echo.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if !called {
		t.Fatal("next handler not reached")
	}
	if len(pr.profiles) != 0 {
		t.Errorf("created %d profiles for an anonymous request", len(pr.profiles))
	}
}

func TestResolveSubject_OnboardingFailure(t *testing.T) {
	svc, _, pr, _ := newTestService()
	pr.getErr = errors.New("connection refused")
	mw := ResolveSubject(svc, zerolog.Nop())

	handler := mw(func(c echo.Context) error {
		t.Error("handler reached despite onboarding failure")
		return nil
	})

	e := echo.New()
	rec := httptest.NewRecorder()
	err := handler(e.NewContext(authedRequest("auth0|unlucky", "x@example.org"), rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want a 503", err)
	}
}
