package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/orchestrator"
)

// orchestratorService is the subset of *orchestrator.Orchestrator used by the
// HTTP handlers. Declaring it as an interface allows test doubles to be injected.
type orchestratorService interface {
	RunBootstrap(ctx context.Context) (*orchestrator.BootstrapResult, error)
	RunDeepHealth(ctx context.Context) map[string]health.Result
	State() orchestrator.State
	LastResult() *orchestrator.BootstrapResult
	IsReady() bool
	IsBootstrapInProgress() bool
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	orchestrator orchestratorService
	runTimeout   time.Duration
	base         context.Context
}

// Bootstrap handles POST /api/v1/bootstrap.
//
// By default it starts a run in the background and returns 202, or 409 if a
// run is already in progress. With ?wait=true it runs in the request and
// answers 200 with the result when the run completed, 503 otherwise.
func (h *Handler) Bootstrap(c *gin.Context) {
	if h.orchestrator.IsBootstrapInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": "in-progress"})
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if wait {
		ctx, cancel := h.runContext(c.Request.Context())
		defer cancel()
		result, err := h.orchestrator.RunBootstrap(ctx)
		if errors.Is(err, orchestrator.ErrBootstrapInProgress) {
			c.JSON(http.StatusConflict, gin.H{"status": "in-progress"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
			return
		}
		code := http.StatusOK
		if result.Outcome != orchestrator.OutcomeCompleted {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, result)
		return
	}

	// The run outlives the request but not the server.
	base := h.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := h.runContext(base)
	go func() {
		defer cancel()
		if _, err := h.orchestrator.RunBootstrap(ctx); err != nil {
			slog.WarnContext(ctx, "background bootstrap not started", "err", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.runTimeout > 0 {
		return context.WithTimeout(parent, h.runTimeout)
	}
	return context.WithCancel(parent)
}

// BootstrapStatus handles GET /api/v1/bootstrap.
// It reports the current state and the result of the last finished run.
func (h *Handler) BootstrapStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      h.orchestrator.State(),
		"inProgress": h.orchestrator.IsBootstrapInProgress(),
		"lastResult": h.orchestrator.LastResult(),
	})
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every configured dependency and returns 200 only when all are OK.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.orchestrator.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only after a completed bootstrap; 503 otherwise.
func (h *Handler) Ready(c *gin.Context) {
	if h.orchestrator.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true, "state": h.orchestrator.State()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "state": h.orchestrator.State()})
}
