package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		roles    []string
		required []string
		want     bool
	}{
		{[]string{RoleBilling}, []string{RoleAdmin, RoleBilling}, true},
		{[]string{RoleAdmin}, []string{RoleBilling}, true},
		{[]string{RoleViewer}, []string{RoleBilling}, false},
		{nil, []string{RoleBilling}, false},
		{[]string{RoleFront}, nil, false},
	}
	for _, tt := range tests {
		if got := HasRole(tt.roles, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.required, got, tt.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"billing allowed", []string{RoleBilling}, http.StatusOK},
		{"admin always allowed", []string{RoleAdmin}, http.StatusOK},
		{"viewer forbidden", []string{RoleViewer}, http.StatusForbidden},
		{"anonymous forbidden", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleAdmin, RoleBilling)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)
			got := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				got = he.Code
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
