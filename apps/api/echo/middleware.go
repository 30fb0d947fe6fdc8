package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// staffMiddleware restricts an endpoint to teacher and office accounts;
// broadcasts and scheduled messages are staff features.
func staffMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsTeacher || claims.IsOffice {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
