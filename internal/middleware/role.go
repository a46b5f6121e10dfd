package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http package defines standard HTTP status codes

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context

	"github.com/stellarpoints/loyalty-api/internal/model" // model defines the role order
)

// RequireRole returns a middleware function that enforces that the
// authenticated actor's role meets the given minimum in the strict
// order REGULAR < CASHIER < MANAGER < SUPERUSER. It assumes JWTAuth
// has already stored the role claim in the context under "role". A
// missing, unknown or insufficient role aborts the request with 403
// before any handler runs, so a denied request never reaches the
// ledger. Organizer capability is orthogonal to roles and is checked
// inside the event handlers, not here.
func RequireRole(min model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			v := c.Get("role")
			s, ok := v.(string)
			if !ok {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			role, ok := model.ParseRole(s)
			if !ok || !role.AtLeast(min) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
