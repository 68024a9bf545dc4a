// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/model"
	"sniffer-bench/internal/service"
	"sniffer-bench/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *service.Registry
	config   *config.Config
	logger   *utils.ServiceLogger
	started  time.Time
}

// HealthResponse is the service health report.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is one named health check outcome.
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *service.Registry, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		config:   config,
		logger:   utils.NewServiceLogger(logger, "health-handler"),
		started:  time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports service status plus a fleet health summary
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.started).String(),
		Checks:    make(map[string]CheckResult),
	}

	devices := h.registry.List()
	summary := map[model.Health]int{}
	for _, d := range devices {
		summary[d.Health]++
	}

	health.Checks["fleet"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"devices":  len(devices),
			"healthy":  summary[model.HealthHealthy],
			"partial":  summary[model.HealthPartial],
			"critical": summary[model.HealthCritical],
		},
	}

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck reports whether the service can serve traffic
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Ready", gin.H{
		"ready": true,
	})
}

// LivenessCheck reports process liveness
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Alive", gin.H{
		"alive":  true,
		"uptime": time.Since(h.started).String(),
	})
}
