package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit returns middleware that limits the request body size.
// defaultLimit applies to most endpoints; batchLimit applies to POST
// requests whose path ends in one of batchSuffixes, where source feeds
// push whole batches.
//
// Limits are human-readable strings: "1M" for 1 megabyte, "512K" for 512
// kilobytes. Supported suffixes are K, M and G. A bare number is bytes.
func BodyLimit(defaultLimit, batchLimit string, batchSuffixes ...string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	batchBytes := parseLimit(batchLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost {
				for _, s := range batchSuffixes {
					if strings.HasSuffix(req.URL.Path, s) {
						limit = batchBytes
						break
					}
				}
			}

			if req.ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			// Content-Length may be missing or wrong.
			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
			}

			return next(c)
		}
	}
}

// limitedReadCloser returns a 413 HTTPError once more than the limit has
// been read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// One byte past the limit is enough to detect overflow.
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
		"message":    fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
		"request_id": requestID(c),
	})
}

// parseLimit parses a size string such as "1M", "512K" or "10G" into bytes.
// Empty or unparsable input means 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}

	var multiplier int64 = 1
	s = strings.TrimSuffix(s, "B")
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
