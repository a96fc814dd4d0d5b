// Package router registers the coordinator's HTTP routes on Echo.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/config"
	"github.com/iliyamo/ticket-coordinator/internal/handler"
	"github.com/iliyamo/ticket-coordinator/internal/middleware"
)

// Deps are the collaborators of the routes. Redis may be nil, which
// disables the rate limiter and the response cache.
type Deps struct {
	Log       zerolog.Logger
	JWTSecret string
	Probe     handler.Probe
	Tickets   *handler.TicketHandler
	Admin     *handler.AdminHandler
	Metrics   http.Handler
	Redis     *redis.Client
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	// AdminPerMinute caps requests per client IP on /admin; 0 disables it.
	AdminPerMinute int
}

// New builds the Echo instance.
//
//	GET    /healthz                                   liveness
//	GET    /readyz                                    readiness
//	GET    /metrics                                   Prometheus
//	POST   /tickets/bulk                              PLANNER, ADMIN; rate limited
//	GET    /tickets/batches/:correlation_id           PLANNER, ADMIN
//	POST   /tickets/batches/:correlation_id/retry     PLANNER, ADMIN
//	GET    /events/:id/tickets/status                 PLANNER, ADMIN; cached
//	GET    /admin/queues                              ADMIN
//	GET    /admin/queues/:queue/failed                ADMIN
//	POST   /admin/queues/:queue/failed/:id/retry      ADMIN
//	DELETE /admin/queues/:queue/failed/:id            ADMIN
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(d.Log))
	e.Use(middleware.Recover(d.Log))

	health := handler.NewHealthHandler(d.Probe)
	e.GET("/healthz", health.Live)
	e.GET("/readyz", health.Ready)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	auth := middleware.JWTAuth(d.JWTSecret)
	planner := middleware.RequireRole(middleware.RolePlanner, middleware.RoleAdmin)
	limit, cache := passthrough, passthrough
	if d.Redis != nil {
		limit = middleware.RateLimit(d.RateLimit, d.Redis, d.Log)
		cache = middleware.ResponseCache(d.Cache, d.Redis)
	}

	t := e.Group("/tickets", auth, planner, handler.RequireReady(d.Probe))
	t.POST("/bulk", d.Tickets.Bulk, limit)
	t.GET("/batches/:correlation_id", d.Tickets.Batch)
	t.POST("/batches/:correlation_id/retry", d.Tickets.Retry)
	e.GET("/events/:id/tickets/status", d.Tickets.EventStatus, auth, planner, cache)

	var admin *echo.Group
	if d.AdminPerMinute > 0 {
		admin = e.Group("/admin", echo.WrapMiddleware(httprate.LimitByIP(d.AdminPerMinute, time.Minute)), auth, middleware.RequireRole(middleware.RoleAdmin))
	} else {
		admin = e.Group("/admin", auth, middleware.RequireRole(middleware.RoleAdmin))
	}
	admin.GET("/queues", d.Admin.Stats)
	admin.GET("/queues/:queue/failed", d.Admin.Failed)
	admin.POST("/queues/:queue/failed/:id/retry", d.Admin.RetryFailed)
	admin.DELETE("/queues/:queue/failed/:id", d.Admin.RemoveFailed)
	return e
}

func passthrough(next echo.HandlerFunc) echo.HandlerFunc { return next }
