// Package maintenance holds operator-triggered housekeeping over the asset
// store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/storage"
)

// ErrInvalidRetention is returned when the retention window would wipe
// everything.
var ErrInvalidRetention = errors.New("retention window must be positive")

type Service struct {
	storage storage.Storage
	logger  logger.Logger
}

func NewService(assetStore storage.Storage, log logger.Logger) *Service {
	return &Service{
		storage: assetStore,
		logger:  log,
	}
}

// CleanupAssets 清理早于保留窗口的资源文件
//
// Metadata records are untouched: this sweeps assets whose aggregates were
// removed or whose retention has lapsed, including orphans left behind by
// failed deletes.
func (s *Service) CleanupAssets(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return ErrInvalidRetention
	}

	threshold := time.Now().Add(-olderThan)
	if err := s.storage.CleanupBefore(ctx, threshold); err != nil {
		return fmt.Errorf("failed to clean up assets: %w", err)
	}

	s.logger.Info("Asset cleanup completed",
		logger.Time("threshold", threshold),
	)
	return nil
}
