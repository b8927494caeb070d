package accesspolicy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const subjectKey contextKey = "accesspolicy_subject"

// WithSubject returns a context carrying the resolved subject.
func WithSubject(ctx context.Context, sub Subject) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// SubjectFromContext returns the resolved subject and whether one is present.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	sub, ok := ctx.Value(subjectKey).(Subject)
	return sub, ok
}

// RequireSubject returns the resolved subject or ErrNotPermitted when the
// request never went through subject resolution. Services call this at the
// top of every operation.
func RequireSubject(ctx context.Context) (Subject, error) {
	sub, ok := SubjectFromContext(ctx)
	if !ok {
		return Subject{}, ErrNotPermitted
	}
	return sub, nil
}

// RequireRole returns middleware that admits only subjects holding one of
// the given roles. Superadmin passes every gate. This is a coarse route
// guard; row-level checks still run in the services.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, ok := SubjectFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "no resolved profile")
			}
			if sub.Role == RoleSuperadmin {
				return next(c)
			}
			for _, r := range roles {
				if sub.Role == r {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}
