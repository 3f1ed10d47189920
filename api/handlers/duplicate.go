package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/internal/service/duplicate"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

// DuplicateHandler exposes the pure detector. It owns all the I/O the
// detector refuses to do: page texts are fetched here and any confirmed
// removal goes through the collection endpoints.
type DuplicateHandler struct {
	collections collection.Aggregator
	logger      logger.Logger
}

func NewDuplicateHandler(collections collection.Aggregator, log logger.Logger) *DuplicateHandler {
	return &DuplicateHandler{
		collections: collections,
		logger:      log,
	}
}

type detectRequest struct {
	Pages      []duplicate.Page      `json:"pages" binding:"required"`
	Thresholds *duplicate.Thresholds `json:"thresholds"`
}

// Detect 对调用方提供的页面文本做重复检测
func (h *DuplicateHandler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid detection request", err)
		return
	}

	thresholds := duplicate.DefaultThresholds()
	if req.Thresholds != nil {
		thresholds = *req.Thresholds
	}

	report := duplicate.Detect(req.Pages, thresholds)
	c.JSON(http.StatusOK, report)
}

// DetectInCollection 对合集当前页面做重复检测
func (h *DuplicateHandler) DetectInCollection(c *gin.Context) {
	collectionID := c.Param("collectionId")

	pages, err := h.collections.GetPages(c.Request.Context(), collectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Collection not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to load pages", err)
		return
	}

	input := make([]duplicate.Page, 0, len(pages))
	for _, p := range pages {
		input = append(input, duplicate.Page{
			ID:         p.ID,
			Text:       p.Text,
			Confidence: p.Confidence,
		})
	}

	report := duplicate.Detect(input, duplicate.DefaultThresholds())
	c.JSON(http.StatusOK, report)
}

func (h *DuplicateHandler) handleError(c *gin.Context, status int, message string, err error) {
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
