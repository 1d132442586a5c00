package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. When a handler
// fails because that deadline passed, a 504 JSON response is written for it.
//
// Paths under skip (e.g. /metrics) get no deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range skip {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && ctx.Err() == context.DeadlineExceeded && isTimeout(err) {
				return gatewayTimeoutError(c)
			}
			return err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusGatewayTimeout
}

// gatewayTimeoutError writes the 504 body unless a response was already
// committed.
func gatewayTimeoutError(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"message":    "request outcome indeterminate; re-query before retrying",
		"request_id": requestID(c),
	})
}
