package tenancy

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/auth"
)

// ResolveSubject turns the token identity into an application subject. It
// runs after token validation: it ensures the profile row exists (creating or
// repairing it) and stores the resolved subject on the request context for
// the access policy engine. Requests the auth layer let through without a
// token pass untouched.
func ResolveSubject(svc *Service, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			subject := auth.SubjectFromContext(ctx)
			if subject == "" {
				return next(c)
			}

			p, err := svc.EnsureProfile(ctx, subject, auth.EmailFromContext(ctx))
			if err != nil {
				logger.Error().Err(err).Str("subject", subject).Msg("subject resolution failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, ErrOnboardingFailed.Error())
			}

			ctx = accesspolicy.WithSubject(ctx, p.PolicySubject())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
