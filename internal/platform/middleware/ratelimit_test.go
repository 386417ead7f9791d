package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func limited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func call(t *testing.T, h echo.HandlerFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if user != "" {
		c.Set("user_id", user)
	}
	return rec, h(c)
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	now := time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2, Now: func() time.Time { return now }})

	for i := 0; i < 2; i++ {
		rec, err := call(t, h, "10.0.0.1", "")
		if err != nil || rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d %v", i+1, rec.Code, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("unexpected limit header %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := call(t, h, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers: %v", rec.Header())
	}

	now = now.Add(time.Second)
	if _, err := call(t, h, "10.0.0.1", ""); err != nil {
		t.Errorf("expected a token after one second, got %v", err)
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	now := time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, Now: func() time.Time { return now }})

	if _, err := call(t, h, "10.0.0.1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, h, "10.0.0.2", ""); err != nil {
		t.Errorf("second IP should have its own bucket: %v", err)
	}
	if _, err := call(t, h, "10.0.0.1", "alice"); err != nil {
		t.Errorf("authenticated user should have its own bucket: %v", err)
	}
	if _, err := call(t, h, "10.0.0.9", "alice"); err == nil {
		t.Error("same user from another IP should share the bucket")
	}
}
