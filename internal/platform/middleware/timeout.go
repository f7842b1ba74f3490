package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds the request context. Handlers observe the deadline
// through the context; a handler that gives up because of it is answered
// with 504 and an OperationOutcome unless it already wrote a response.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, map[string]any{
					"resourceType": "OperationOutcome",
					"issue": []map[string]any{{
						"severity":    "error",
						"code":        "timeout",
						"diagnostics": "request exceeded " + timeout.String(),
					}},
				})
			}
			return err
		}
	}
}
