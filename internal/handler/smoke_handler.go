// internal/handler/smoke_handler.go
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sniffer-bench/internal/service"
	"sniffer-bench/internal/utils"
)

// SmokeHandler exposes the smoke test runner and fleet actions
type SmokeHandler struct {
	runner *service.SmokeRunner
	logger *utils.ServiceLogger
}

// NewSmokeHandler creates a new smoke test handler
func NewSmokeHandler(runner *service.SmokeRunner, logger *zap.Logger) *SmokeHandler {
	return &SmokeHandler{
		runner: runner,
		logger: utils.NewServiceLogger(logger, "smoke-handler"),
	}
}

// RegisterRoutes registers smoke test routes
func (h *SmokeHandler) RegisterRoutes(router *gin.RouterGroup) {
	smoke := router.Group("/smoke")
	{
		smoke.GET("/steps", h.ListSteps)
		smoke.POST("/run/:device_id", h.RunDevice)
		smoke.POST("/fleet", h.RunFleet)
	}

	router.POST("/fleet/broadcast", h.Broadcast)
}

// ListSteps returns the default acceptance sequence
func (h *SmokeHandler) ListSteps(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Default smoke steps", service.DefaultSmokeSteps())
}

// RunDevice runs the acceptance sequence against one device
func (h *SmokeHandler) RunDevice(c *gin.Context) {
	deviceID := c.Param("device_id")

	report, err := h.runner.RunDevice(c.Request.Context(), deviceID, service.DefaultSmokeSteps())
	if err != nil {
		if errors.Is(err, service.ErrDeviceCritical) {
			utils.ErrorResponse(c, http.StatusConflict, "Device refused smoke test", err)
			return
		}
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Smoke run completed", report)
}

// FleetRunRequest selects the devices for a fleet run; empty means the
// whole fleet.
type FleetRunRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

// RunFleet runs the acceptance sequence across the fleet
func (h *SmokeHandler) RunFleet(c *gin.Context) {
	var body FleetRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	report := h.runner.RunFleet(c.Request.Context(), body.DeviceIDs, service.DefaultSmokeSteps())
	utils.SuccessResponse(c, http.StatusOK, "Fleet smoke run completed", report)
}

// BroadcastRequest is the fleet shell broadcast body.
type BroadcastRequest struct {
	Command   string   `json:"command" binding:"required"`
	DeviceIDs []string `json:"device_ids"`
	TimeoutMS int      `json:"timeout_ms"`
}

// Broadcast sends one shell command to every selected device
func (h *SmokeHandler) Broadcast(c *gin.Context) {
	var body BroadcastRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	results := h.runner.BroadcastShell(
		c.Request.Context(),
		body.DeviceIDs,
		body.Command,
		time.Duration(body.TimeoutMS)*time.Millisecond,
	)

	h.logger.Info("Fleet broadcast executed",
		zap.String("command", body.Command),
		zap.Int("devices", len(results)),
	)

	utils.SuccessResponse(c, http.StatusOK, "Broadcast completed", results)
}
