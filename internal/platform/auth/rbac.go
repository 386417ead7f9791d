package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// HasRole reports whether roles grants any of required. admin grants all.
func HasRole(roles []string, required ...string) bool {
	if slices.Contains(roles, RoleAdmin) {
		return true
	}
	for _, r := range required {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// RequireRole rejects callers holding none of roles with 403.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
			}
			return next(c)
		}
	}
}
