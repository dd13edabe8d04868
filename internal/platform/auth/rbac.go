package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Clinical roles recognized by the system. Admins pass every role check.
const (
	RoleEDPhysician = "ed_physician"
	RoleRadiologist = "radiologist"
	RoleNurse       = "nurse"
	RoleTechnician  = "technician"
	RoleAdmin       = "admin"
	RoleTransport   = "transport"
)

var validRoles = map[string]bool{
	RoleEDPhysician: true,
	RoleRadiologist: true,
	RoleNurse:       true,
	RoleTechnician:  true,
	RoleAdmin:       true,
	RoleTransport:   true,
}

// IsValidRole reports whether role is a recognized clinical role.
func IsValidRole(role string) bool {
	return validRoles[role]
}

// RequireRole returns middleware that checks if the user holds one of the
// specified roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRole := RoleFromContext(c.Request().Context())
			if HasRole(userRole, roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether userRole satisfies any of the required roles.
// The admin role satisfies every requirement.
func HasRole(userRole string, required ...string) bool {
	if userRole == RoleAdmin {
		return true
	}
	for _, r := range required {
		if userRole == r {
			return true
		}
	}
	return false
}
