// internal/handler/device_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sniffer-bench/internal/model"
	"sniffer-bench/internal/service"
	"sniffer-bench/internal/utils"
)

// DeviceHandler handles fleet inventory and command HTTP requests
type DeviceHandler struct {
	registry *service.Registry
	logger   *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(registry *service.Registry, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)

		device := devices.Group("/:device_id")
		{
			device.GET("", h.GetDevice)
			device.POST("/command", h.SendCommand)
			device.POST("/refresh", h.RefreshStatus)
		}
	}

	router.POST("/rescan", h.Rescan)
}

// ListDevices lists every known device with health and endpoints
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.registry.List()
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice returns one device's detail
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	deviceID := c.Param("device_id")

	device, ok := h.registry.Get(deviceID)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", nil)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// CommandRequest is the command submission body.
type CommandRequest struct {
	Role      string `json:"role" binding:"required"`
	Command   string `json:"command" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
	Retries   *int   `json:"retries"`
	Match     string `json:"match"`
}

// SendCommand submits one command to a device endpoint and waits for
// its result
func (h *DeviceHandler) SendCommand(c *gin.Context) {
	deviceID := c.Param("device_id")

	var body CommandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	role := model.EndpointRole(body.Role)
	switch role {
	case model.RoleBridge, model.RoleRadio, model.RoleShell:
	default:
		utils.ErrorResponse(c, http.StatusBadRequest, "Unknown endpoint role", nil)
		return
	}

	req := model.CommandRequest{
		Text:    body.Command,
		Timeout: time.Duration(body.TimeoutMS) * time.Millisecond,
		Retries: body.Retries,
	}
	if body.Match != "" {
		req.Match = model.MatchPattern(body.Match)
	}

	result := h.registry.SendCommand(c.Request.Context(), deviceID, role, req)

	h.logger.Info("Command executed",
		zap.String("device_id", deviceID),
		zap.String("role", body.Role),
		zap.String("command", body.Command),
		zap.String("status", string(result.Status)),
	)

	utils.SuccessResponse(c, http.StatusOK, "Command executed", result)
}

// RefreshStatus re-reads the device's shell status report
func (h *DeviceHandler) RefreshStatus(c *gin.Context) {
	deviceID := c.Param("device_id")

	result, err := h.registry.RefreshStatus(c.Request.Context(), deviceID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	device, _ := h.registry.Get(deviceID)
	utils.SuccessResponse(c, http.StatusOK, "Status refreshed", gin.H{
		"result": result,
		"device": device,
	})
}

// Rescan triggers an immediate discovery cycle
func (h *DeviceHandler) Rescan(c *gin.Context) {
	h.registry.Rescan()
	utils.SuccessResponse(c, http.StatusAccepted, "Rescan requested", nil)
}
