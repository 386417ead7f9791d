package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected generated id echoed, got %q / %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); got != "upstream-id" {
		t.Errorf("expected upstream-id, got %s", got)
	}
}

func TestLogger_LevelsByStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
	}{
		{"ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, `"level":"info"`},
		{"not found", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "claim not found") }, `"level":"warn"`},
		{"failure", func(c echo.Context) error { return errors.New("boom") }, `"level":"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/amd/claims", nil), httptest.NewRecorder())
			c.Set("request_id", "req-1")

			if err := Logger(zerolog.New(&buf))(tt.handler)(c); err != nil {
				t.Fatalf("logger should swallow handled errors, got %v", err)
			}
			out := buf.String()
			if !strings.Contains(out, tt.level) || !strings.Contains(out, `"request_id":"req-1"`) {
				t.Errorf("unexpected log line: %s", out)
			}
		})
	}
}

func TestLogger_SkipsHealth(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	_ = Logger(zerolog.New(&buf))(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if buf.Len() != 0 {
		t.Errorf("expected no log for health probe, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error { panic("test panic") })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	for _, hsts := range []bool{false, true} {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		_ = SecurityHeaders(SecurityConfig{HSTS: hsts})(func(c echo.Context) error { return nil })(c)

		h := rec.Header()
		if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("Cache-Control") != "no-store" {
			t.Errorf("missing base headers: %v", h)
		}
		if got := h.Get("Strict-Transport-Security") != ""; got != hsts {
			t.Errorf("hsts=%v but header present=%v", hsts, got)
		}
	}
}

func TestSecurityHeaders_Skipper(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	mw := SecurityHeaders(SecurityConfig{Skipper: func(c echo.Context) bool { return c.Request().URL.Path == "/health" }})
	_ = mw(func(c echo.Context) error { return nil })(c)

	if h := rec.Header().Get("Cache-Control"); h != "" {
		t.Errorf("expected skipped request to carry no headers, got Cache-Control=%q", h)
	}
}
