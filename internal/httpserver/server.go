package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/ingestion-relay/internal/handlers"
	"github.com/PratikDhanave/ingestion-relay/internal/middleware"
)

// Pinger reports whether the audit database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router needs. A nil Audit leaves
// /requests/:id unmounted.
type Deps struct {
	DB     Pinger
	Audit  handlers.AuditReader
	Events handlers.EventDeps
	// TrustedProxies are the IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty means the client IP is always the socket peer.
	TrustedProxies []string
}

// NewRouter wires the ingest endpoint and the operational endpoints.
// Operational: /health, /ready, /metrics, /requests/:id
// Ingest: POST /
func NewRouter(deps Deps) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := deps.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Audit != nil {
		handlers.RegisterRequestRoutes(r, deps.Audit)
	}
	handlers.RegisterEventRoutes(r, deps.Events)

	return r, nil
}
