package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// RequestID assigns every request an id, reusing the caller's when given,
// and echoes it back. A correlation id that is not a UUID is replaced so
// downstream components can rely on its shape.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid := req.Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)

			cid, err := uuid.Parse(req.Header.Get(CorrelationIDHeader))
			if err != nil {
				cid = uuid.New()
				req.Header.Set(CorrelationIDHeader, cid.String())
			}
			c.Set("correlation_id", cid.String())
			c.Response().Header().Set(CorrelationIDHeader, cid.String())
			return next(c)
		}
	}
}
