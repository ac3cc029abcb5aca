package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Options configures the router.
type Options struct {
	// ServiceName is attached to every request span.
	ServiceName string
	// RunTimeout bounds a bootstrap started over HTTP. Zero means no limit.
	RunTimeout time.Duration
	// BaseContext parents background runs; cancelling it cancels them.
	// Nil means context.Background().
	BaseContext context.Context
}

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the full middleware chain and all routes
// registered. Middleware order:
//  1. Recovery: panic → 500
//  2. Tracing: trace context per request
//  3. RequestLogger: structured request/response logging
func NewRouter(o orchestratorService, opts Options) *Router {
	if opts.ServiceName == "" {
		opts.ServiceName = "arc-ignite"
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(Tracing(opts.ServiceName))
	engine.Use(RequestLogger(slog.Default()))

	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}

	h := &Handler{orchestrator: o, runTimeout: opts.RunTimeout, base: opts.BaseContext}

	v1 := engine.Group("/api/v1")
	v1.POST("/bootstrap", h.Bootstrap)
	v1.GET("/bootstrap", h.BootstrapStatus)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
