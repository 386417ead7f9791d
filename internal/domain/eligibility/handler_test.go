package eligibility

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd/executor/executortest"
)

func TestHandler_Check(t *testing.T) {
	f := newFixture(executortest.New().OK(EndpointCheck, activeBody))
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service_date":"2024-05-10","skip_cache":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("clientId")
	c.SetParamValues(f.client.String())

	if err := h.Check(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"plan_name":"Gold PPO"`) {
		t.Errorf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CheckBadDate(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service_date":"someday"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("clientId")
	c.SetParamValues(f.client.String())

	err := h.Check(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_LastNone(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("clientId")
	c.SetParamValues(f.client.String())

	err := h.Last(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
