package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/archive-ocr/api/handlers"
	"github.com/feichai0017/archive-ocr/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.CORS())

	v1 := r.Group("/api/v1")

	batches := v1.Group("/batches")
	{
		batches.POST("", h.Batch.CreateBatch)
		batches.GET("/:batchId", h.Batch.GetStatus)
		batches.POST("/:batchId/actions", h.Batch.SetAction)
		batches.POST("/:batchId/items/:itemId/retry", h.Batch.RetryItem)
	}

	collections := v1.Group("/collections")
	{
		collections.POST("", h.Collection.CreateCollection)
		collections.GET("/:collectionId", h.Collection.GetStatus)
		collections.DELETE("/:collectionId/pages/:pageId", h.Collection.RemovePage)
		collections.POST("/:collectionId/refinalize", h.Collection.Refinalize)
		collections.GET("/:collectionId/duplicates", h.Duplicate.DetectInCollection)
	}

	duplicates := v1.Group("/duplicates")
	{
		duplicates.POST("/detect", h.Duplicate.Detect)
	}

	maintenance := v1.Group("/maintenance")
	{
		maintenance.POST("/cleanup", h.Maintenance.CleanupAssets)
	}
}
