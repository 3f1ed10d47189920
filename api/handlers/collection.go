package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

type CollectionHandler struct {
	service collection.Aggregator
	logger  logger.Logger
}

func NewCollectionHandler(service collection.Aggregator, log logger.Logger) *CollectionHandler {
	return &CollectionHandler{
		service: service,
		logger:  log,
	}
}

// CreateCollection 创建多页合集
// Pages arrive in reading order; their ordinals follow upload order.
func (h *CollectionHandler) CreateCollection(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	headers := form.File["pages"]
	if len(headers) == 0 {
		h.handleError(c, http.StatusBadRequest, "No pages provided", nil)
		return
	}

	pages := make([]collection.UploadPage, 0, len(headers))
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
		pages = append(pages, collection.UploadPage{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	linkage := models.Linkage{
		MovieID:     c.PostForm("movieId"),
		CharacterID: c.PostForm("characterId"),
	}

	col, err := h.service.CreateCollection(c.Request.Context(), pages, c.PostForm("title"), linkage)
	if err != nil {
		if errors.Is(err, collection.ErrNoPages) {
			h.handleError(c, http.StatusBadRequest, "No pages provided", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to create collection", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"collectionId": col.ID,
		"totalPages":   col.TotalPages,
		"status":       string(col.Processing),
	})
}

// GetStatus 查询合集状态
func (h *CollectionHandler) GetStatus(c *gin.Context) {
	collectionID := c.Param("collectionId")

	snapshot, err := h.service.GetCollectionStatus(c.Request.Context(), collectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Collection not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// RemovePage 删除一页并重排页码
func (h *CollectionHandler) RemovePage(c *gin.Context) {
	collectionID := c.Param("collectionId")
	pageID := c.Param("pageId")

	if err := h.service.RemovePage(c.Request.Context(), collectionID, pageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Page not found in collection", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to remove page", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"collectionId": collectionID,
		"removed":      pageID,
	})
}

// Refinalize 显式重算合并文本与指标
func (h *CollectionHandler) Refinalize(c *gin.Context) {
	collectionID := c.Param("collectionId")

	if err := h.service.Refinalize(c.Request.Context(), collectionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Collection not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to refinalize collection", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"collectionId": collectionID,
	})
}

func (h *CollectionHandler) handleError(c *gin.Context, status int, message string, err error) {
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
