package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/pkg/jobs"
	"github.com/noah-isme/krs-api/pkg/response"
)

// HealthChecker probes one dependency for readiness.
type HealthChecker func(ctx context.Context) error

type metricsSource interface {
	Handler() http.Handler
	Snapshot() models.WorkflowMetricsSnapshot
}

type queueStats interface {
	Stats() jobs.Stats
}

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics  metricsSource
	audit    queueStats
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewMetricsHandler constructs a metrics handler. audit and checkers may be nil.
func NewMetricsHandler(metrics metricsSource, audit queueStats, checkers map[string]HealthChecker) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, audit: audit, checkers: checkers, timeout: 2 * time.Second}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready pings every registered dependency.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checkers))
	for name, check := range h.checkers {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Summary godoc
// @Summary Workflow instrumentation summary
// @Tags Observability
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/metrics/summary [get]
func (h *MetricsHandler) Summary(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	payload := gin.H{"workflow": h.metrics.Snapshot()}
	if h.audit != nil {
		stats := h.audit.Stats()
		payload["audit_queue"] = gin.H{
			"pending":   stats.Pending,
			"processed": stats.Processed,
			"failed":    stats.Failed,
		}
	}
	response.JSON(c, http.StatusOK, payload, nil)
}
