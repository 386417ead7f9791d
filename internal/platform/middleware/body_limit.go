package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request bodies at defaultLimit. overrides maps a path
// prefix to a larger limit, e.g. remittance uploads. Limits use K, M or G
// suffixes; a bare number is bytes.
func BodyLimit(defaultLimit string, overrides map[string]string) echo.MiddlewareFunc {
	def := parseLimit(defaultLimit)
	type rule struct {
		prefix string
		limit  int64
	}
	var rules []rule
	for p, l := range overrides {
		rules = append(rules, rule{p, parseLimit(l)})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := def
			best := -1
			for _, r := range rules {
				if strings.HasPrefix(req.URL.Path, r.prefix) && len(r.prefix) > best {
					limit, best = r.limit, len(r.prefix)
				}
			}

			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", limit))
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser fails reads once more than the limit has been consumed,
// covering requests without an honest Content-Length.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

// parseLimit turns "512K", "1M" or "2G" into bytes, defaulting to 1M.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(s), "B")))
	if s == "" {
		return 1 << 20
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
