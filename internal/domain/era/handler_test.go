package era

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd/executor/executortest"
)

func TestHandler_ImportRawBody(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/?format=835&auto_post=true", strings.NewReader(sample835))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Import(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"posted":1`) {
		t.Errorf("expected the claim-number match to post, got %s", rec.Body.String())
	}
}

func TestHandler_ImportUnknownProfile(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/?profile=nope", strings.NewReader("a,b\n1,2\n"))
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Import(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_PostUnknown(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("pendingId")
	c.SetParamValues("8f6c2f55-4c43-4a0e-9d1e-2f0a3b8c1d20")

	err := h.Post(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_ReconcileBadRange(t *testing.T) {
	f := newFixture(executortest.New())
	h := NewHandler(f.svc, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?start=2024-06-10&end=2024-06-01", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Reconcile(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
