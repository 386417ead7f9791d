package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// apiHeaders suit a JSON-only API whose responses carry patient
// demographics and claim amounts.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

type SecurityConfig struct {
	// HSTS is only worth sending behind TLS, so it is off outside production.
	HSTS    bool
	Skipper echomw.Skipper
}

func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
