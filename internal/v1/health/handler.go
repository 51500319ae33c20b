package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/store"
)

// checkBudget bounds how long a single probe pass may spend on
// dependency checks.
const checkBudget = 3 * time.Second

// Handler manages health check endpoints
type Handler struct {
	store *store.Store
	kv    *kv.Client
}

// NewHandler creates a new health check handler. Either dependency may
// be nil: an unconfigured tier reports "disabled" and does not degrade
// readiness.
func NewHandler(st *store.Store, kvc *kv.Client) *Handler {
	return &Handler{store: st, kv: kvc}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// FriendsHealthResponse represents the friends-plane health report
type FriendsHealthResponse struct {
	Database    string            `json:"database"`
	Redis       string            `json:"redis"`
	Overall     string            `json:"overall"`
	Performance map[string]string `json:"performance"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if every configured dependency is healthy
// Returns 503 if any configured dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkBudget)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	dbStatus := h.checkDatabase(ctx)
	checks["database"] = dbStatus
	if dbStatus == "unhealthy" {
		allHealthy = false
	}

	kvStatus := h.checkRedis(ctx)
	checks["redis"] = kvStatus
	if kvStatus == "unhealthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// Friends handles the friends-plane health endpoint
// GET /api/friends/health
// Reports both storage tiers with per-check timings
// Returns 503 when either configured tier is unhealthy
func (h *Handler) Friends(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkBudget)
	defer cancel()

	dbStart := time.Now()
	dbStatus := h.checkDatabase(ctx)
	dbTook := time.Since(dbStart)

	kvStart := time.Now()
	kvStatus := h.checkRedis(ctx)
	kvTook := time.Since(kvStart)

	overall := "healthy"
	statusCode := http.StatusOK
	if dbStatus == "unhealthy" || kvStatus == "unhealthy" {
		overall = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := FriendsHealthResponse{
		Database: dbStatus,
		Redis:    kvStatus,
		Overall:  overall,
		Performance: map[string]string{
			"database": dbTook.Round(time.Microsecond).String(),
			"redis":    kvTook.Round(time.Microsecond).String(),
		},
	}

	c.JSON(statusCode, response)
}

// checkDatabase verifies system-of-record connectivity
func (h *Handler) checkDatabase(ctx context.Context) string {
	// Pure-relay deployments run without a database
	if h.store == nil {
		return "disabled"
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Database health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkRedis verifies key-value tier connectivity using PING
func (h *Handler) checkRedis(ctx context.Context) string {
	// Without the KV tier the caches run local-only
	if h.kv.Underlying() == nil {
		return "disabled"
	}

	if err := h.kv.Ping(ctx); err != nil {
		logging.Error(ctx, "Key-value health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
