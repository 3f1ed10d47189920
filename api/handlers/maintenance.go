package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/archive-ocr/internal/service/maintenance"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

// defaultRetentionDays applies when an operator triggers a cleanup without a
// window.
const defaultRetentionDays = 30

type MaintenanceHandler struct {
	service *maintenance.Service
	logger  logger.Logger
}

func NewMaintenanceHandler(service *maintenance.Service, log logger.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		service: service,
		logger:  log,
	}
}

type cleanupRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

// CleanupAssets 操作员触发的资源清理
func (h *MaintenanceHandler) CleanupAssets(c *gin.Context) {
	req := cleanupRequest{OlderThanDays: defaultRetentionDays}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid cleanup request", err)
			return
		}
	}

	err := h.service.CleanupAssets(c.Request.Context(), time.Duration(req.OlderThanDays)*24*time.Hour)
	if err != nil {
		if errors.Is(err, maintenance.ErrInvalidRetention) {
			h.handleError(c, http.StatusBadRequest, "Retention window must be positive", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to clean up assets", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"olderThanDays": req.OlderThanDays,
	})
}

func (h *MaintenanceHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}
