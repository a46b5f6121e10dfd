package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/handler"
	"github.com/stellarpoints/loyalty-api/internal/middleware"
	"github.com/stellarpoints/loyalty-api/internal/model"
)

// Handlers bundles every handler the router wires up.
type Handlers struct {
	Health       *handler.HealthHandler
	Auth         *handler.AuthHandler
	Accounts     *handler.AccountHandler
	Transactions *handler.TransactionHandler
	Promotions   *handler.PromotionHandler
	Events       *handler.EventHandler
}

// Register wires all routes. Role gates are enforced here with
// RequireRole where an endpoint has a single minimum role; endpoints
// whose rules depend on the request body or on the organizer
// capability gate inside their handler instead. The cache middleware
// fronts only the promotion reads, whose responses are identical for
// every authenticated member.
func Register(e *echo.Echo, h Handlers, jwtSecret string, cache echo.MiddlewareFunc) {
	e.GET("/healthz", h.Health.Check)

	// Session endpoints; no JWT required.
	auth := e.Group("/v1/auth")
	auth.POST("/register", h.Auth.Register)
	auth.POST("/login", h.Auth.Login)
	auth.POST("/refresh", h.Auth.Refresh)
	auth.POST("/logout", h.Auth.Logout)
	auth.POST("/resets", h.Auth.ResetPassword)

	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(jwtSecret))

	// Self-service.
	v1.GET("/me", h.Accounts.Me)
	v1.PATCH("/me", h.Accounts.UpdateMe)
	v1.GET("/me/transactions", h.Transactions.ListOwn)
	v1.POST("/me/transactions", h.Transactions.CreateOwn)

	// Account management.
	v1.POST("/users", h.Accounts.Create, middleware.RequireRole(model.RoleCashier))
	v1.GET("/users", h.Accounts.List, middleware.RequireRole(model.RoleManager))
	v1.GET("/users/:id", h.Accounts.Get, middleware.RequireRole(model.RoleCashier))
	v1.PATCH("/users/:id", h.Accounts.Patch, middleware.RequireRole(model.RoleCashier))

	// Ledger.
	v1.POST("/transactions", h.Transactions.Create, middleware.RequireRole(model.RoleCashier))
	v1.GET("/transactions", h.Transactions.List, middleware.RequireRole(model.RoleManager))
	v1.GET("/transactions/:id", h.Transactions.Get, middleware.RequireRole(model.RoleManager))
	v1.PATCH("/transactions/:id/processed", h.Transactions.MarkProcessed, middleware.RequireRole(model.RoleCashier))
	v1.PATCH("/transactions/:id/suspicious", h.Transactions.SetSuspicious, middleware.RequireRole(model.RoleManager))

	// Promotions. Reads are visible to every member and cacheable.
	v1.GET("/promotions", h.Promotions.List, cache)
	v1.GET("/promotions/:id", h.Promotions.Get, cache)
	v1.POST("/promotions", h.Promotions.Create, middleware.RequireRole(model.RoleManager))
	v1.PATCH("/promotions/:id", h.Promotions.Update, middleware.RequireRole(model.RoleManager))
	v1.DELETE("/promotions/:id", h.Promotions.Delete, middleware.RequireRole(model.RoleManager))

	// Events. Visibility and the organizer capability are enforced in
	// the handlers.
	v1.GET("/events", h.Events.List)
	v1.GET("/events/:id", h.Events.Get)
	v1.POST("/events", h.Events.Create, middleware.RequireRole(model.RoleManager))
	v1.PATCH("/events/:id", h.Events.Update)
	v1.DELETE("/events/:id", h.Events.Delete, middleware.RequireRole(model.RoleManager))

	v1.POST("/events/:id/guests/me", h.Events.JoinMe)
	v1.DELETE("/events/:id/guests/me", h.Events.LeaveMe)
	v1.POST("/events/:id/guests", h.Events.AddGuest)
	v1.DELETE("/events/:id/guests/:accountId", h.Events.RemoveGuest)
	v1.POST("/events/:id/organizers", h.Events.AddOrganizer, middleware.RequireRole(model.RoleManager))
	v1.DELETE("/events/:id/organizers/:accountId", h.Events.RemoveOrganizer, middleware.RequireRole(model.RoleManager))
	v1.POST("/events/:id/transactions", h.Events.Award)
}
