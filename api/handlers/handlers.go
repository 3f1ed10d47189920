package handlers

import (
	"github.com/feichai0017/archive-ocr/internal/service/batch"
	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/internal/service/maintenance"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

type Handlers struct {
	Batch       *BatchHandler
	Collection  *CollectionHandler
	Duplicate   *DuplicateHandler
	Maintenance *MaintenanceHandler
}

func NewHandlers(
	batchService batch.Orchestrator,
	collectionService collection.Aggregator,
	maintenanceService *maintenance.Service,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Batch:       NewBatchHandler(batchService, log),
		Collection:  NewCollectionHandler(collectionService, log),
		Duplicate:   NewDuplicateHandler(collectionService, log),
		Maintenance: NewMaintenanceHandler(maintenanceService, log),
	}
}
