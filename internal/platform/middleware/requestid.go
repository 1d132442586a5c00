package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses an incoming X-Request-ID or generates one, stores it on
// the context as "request_id" and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.New().String()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// requestID falls back to the raw header for handlers mounted without the
// RequestID middleware.
func requestID(c echo.Context) string {
	if rid, ok := c.Get("request_id").(string); ok {
		return rid
	}
	return c.Request().Header.Get(RequestIDHeader)
}
