// internal/handler/log_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sniffer-bench/internal/model"
	"sniffer-bench/internal/traffic"
	"sniffer-bench/internal/utils"
)

// LogHandler exposes the traffic log ring buffer
type LogHandler struct {
	sink   *traffic.Sink
	logger *utils.ServiceLogger
}

// NewLogHandler creates a new log handler
func NewLogHandler(sink *traffic.Sink, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		sink:   sink,
		logger: utils.NewServiceLogger(logger, "log-handler"),
	}
}

// RegisterRoutes registers traffic log routes
func (h *LogHandler) RegisterRoutes(router *gin.RouterGroup) {
	logs := router.Group("/logs")
	{
		logs.GET("", h.Query)
		logs.POST("/mark", h.Mark)
		logs.POST("/export", h.Export)
		logs.DELETE("", h.Clear)
	}
}

// Query returns log entries matching the filter parameters
func (h *LogHandler) Query(c *gin.Context) {
	q := traffic.Query{
		DeviceID: c.Query("device_id"),
		Role:     model.EndpointRole(c.Query("role")),
		Search:   c.Query("search"),
	}

	entries := h.sink.Filter(q)

	// Tail semantics: limit keeps the newest entries.
	if limitStr := c.Query("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Log entries retrieved", gin.H{
		"entries": entries,
		"count":   len(entries),
		"total":   h.sink.Len(),
	})
}

// Mark inserts a separator entry into the log
func (h *LogHandler) Mark(c *gin.Context) {
	h.sink.AddMark()
	utils.SuccessResponse(c, http.StatusOK, "Mark added", nil)
}

// ExportRequest selects the entries to export; zero value exports all.
type ExportRequest struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	Search   string `json:"search"`
}

// Export writes matching entries to a file and returns its path
func (h *LogHandler) Export(c *gin.Context) {
	var body ExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	q := &traffic.Query{
		DeviceID: body.DeviceID,
		Role:     model.EndpointRole(body.Role),
		Search:   body.Search,
	}

	path, err := h.sink.Export(q)
	if err != nil {
		h.logger.Error("Log export failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Export failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Log exported", gin.H{"path": path})
}

// Clear drops all log entries
func (h *LogHandler) Clear(c *gin.Context) {
	h.sink.Clear()
	utils.SuccessResponse(c, http.StatusOK, "Log cleared", nil)
}
