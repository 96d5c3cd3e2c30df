package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/revcycle/internal/platform/auth"
)

// RequestTimeout puts a deadline on the request context. The handler runs
// on the request goroutine; the store layer observes the cancelled context
// and aborts its transaction, and the failure is reported as a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Skipper: func(c echo.Context) bool {
			return auth.IsPublicPath(c.Path())
		},
		Timeout: timeout,
		ErrorHandler: func(err error, c echo.Context) error {
			// Handlers often map store errors to their own 500 first.
			if errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(c.Request().Context().Err(), context.DeadlineExceeded) {
				return echo.NewHTTPError(http.StatusGatewayTimeout,
					"request exceeded the allowed processing time").SetInternal(err)
			}
			return err
		},
	})
}
