package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/service/batch"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

type BatchHandler struct {
	service batch.Orchestrator
	logger  logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewBatchHandler(service batch.Orchestrator, log logger.Logger) *BatchHandler {
	return &BatchHandler{
		service: service,
		logger:  log,
	}
}

// CreateBatch 批量上传文件
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	files := make([]batch.UploadFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to open upload", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to read upload", err)
			return
		}
		files = append(files, batch.UploadFile{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	result, err := h.service.CreateBatch(c.Request.Context(), files)
	if err != nil {
		if errors.Is(err, batch.ErrNoImages) {
			h.handleError(c, http.StatusBadRequest, "No image payloads in request", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to create batch", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batchId":    result.ID,
		"totalFiles": result.TotalFiles,
		"status":     string(result.Status),
	})
}

// GetStatus 查询批次状态
func (h *BatchHandler) GetStatus(c *gin.Context) {
	batchID := c.Param("batchId")

	snapshot, err := h.service.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Batch not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

type batchActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// SetAction 应用 pause/resume/cancel
func (h *BatchHandler) SetAction(c *gin.Context) {
	batchID := c.Param("batchId")

	var req batchActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid action request", err)
		return
	}

	err := h.service.SetBatchAction(c.Request.Context(), batchID, models.BatchAction(req.Action))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.handleError(c, http.StatusNotFound, "Batch not found", err)
		case errors.Is(err, batch.ErrInvalidAction):
			h.handleError(c, http.StatusConflict, "Action not allowed for current status", err)
		default:
			h.handleError(c, http.StatusInternalServerError, "Failed to apply action", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batchId": batchID,
		"action":  req.Action,
	})
}

// RetryItem 重试失败的条目
func (h *BatchHandler) RetryItem(c *gin.Context) {
	batchID := c.Param("batchId")
	itemID := c.Param("itemId")

	if err := h.service.RetryItem(c.Request.Context(), batchID, itemID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Batch item not found", err)
			return
		}
		h.handleError(c, http.StatusConflict, "Failed to retry item", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batchId": batchID,
		"itemId":  itemID,
	})
}

// handleError 统一错误处理
func (h *BatchHandler) handleError(c *gin.Context, status int, message string, err error) {
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
