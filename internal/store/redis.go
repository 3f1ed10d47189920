package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/archive-ocr/internal/models"
)

const (
	batchKeyPrefix      = "archive:batch:"
	collectionKeyPrefix = "archive:collection:"
	pageKeyPrefix       = "archive:page:"
)

// Verify interface compliance
var _ MetadataStore = (*RedisStore)(nil)

// RedisStore keeps aggregates in redis hashes. Rollup counters are plain hash
// fields so HINCRBY gives the atomic increment-and-return needed by the
// terminal-transition check; everything else is JSON blobs inside the hash.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

type batchMeta struct {
	ID         string    `json:"id"`
	TotalFiles int       `json:"totalFiles"`
	CreatedAt  time.Time `json:"createdAt"`
}

func batchKey(id string) string      { return batchKeyPrefix + id }
func batchItemsKey(id string) string { return batchKey(id) + ":items" }
func batchOrderKey(id string) string { return batchKey(id) + ":order" }
func batchClaimKey(id string) string { return batchKey(id) + ":claims" }

// CreateBatch 写入批次的静态元数据并初始化计数器
func (s *RedisStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	meta, err := json.Marshal(batchMeta{
		ID:         batch.ID,
		TotalFiles: batch.TotalFiles,
		CreatedAt:  batch.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch meta: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, batchKey(batch.ID), map[string]interface{}{
		"meta":           meta,
		"status":         string(batch.Status),
		CounterCompleted: 0,
		CounterFailed:    0,
		CounterFinished:  0,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	fields, err := s.client.HGetAll(ctx, batchKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var meta batchMeta
	if err := json.Unmarshal([]byte(fields["meta"]), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch meta: %w", err)
	}

	batch := &models.Batch{
		ID:             meta.ID,
		TotalFiles:     meta.TotalFiles,
		CreatedAt:      meta.CreatedAt,
		Status:         models.BatchStatus(fields["status"]),
		CompletedFiles: atoi(fields[CounterCompleted]),
		FailedFiles:    atoi(fields[CounterFailed]),
	}
	if ts := fields["finishedAt"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			batch.FinishedAt = t
		}
	}

	itemIDs, err := s.client.LRange(ctx, batchOrderKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch item order: %w", err)
	}
	if len(itemIDs) > 0 {
		raw, err := s.client.HMGet(ctx, batchItemsKey(id), itemIDs...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read batch items: %w", err)
		}
		for _, v := range raw {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var item models.BatchItem
			if err := json.Unmarshal([]byte(str), &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal batch item: %w", err)
			}
			batch.Items = append(batch.Items, item)
		}
	}

	return batch, nil
}

func (s *RedisStore) SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error {
	exists, err := s.client.Exists(ctx, batchKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check batch: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	values := map[string]interface{}{"status": string(status)}
	if status.IsTerminal() {
		values["finishedAt"] = time.Now().Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, batchKey(id), values).Err(); err != nil {
		return fmt.Errorf("failed to set batch status: %w", err)
	}
	return nil
}

func (s *RedisStore) PutBatchItem(ctx context.Context, batchID string, item models.BatchItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal batch item: %w", err)
	}

	existed, err := s.client.HSet(ctx, batchItemsKey(batchID), item.ID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to store batch item: %w", err)
	}
	// HSET returns the number of newly created fields; preserve insertion
	// order only on first write.
	if existed == 1 {
		if err := s.client.RPush(ctx, batchOrderKey(batchID), item.ID).Err(); err != nil {
			return fmt.Errorf("failed to record batch item order: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) GetBatchItem(ctx context.Context, batchID, itemID string) (*models.BatchItem, error) {
	raw, err := s.client.HGet(ctx, batchItemsKey(batchID), itemID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch item: %w", err)
	}

	var item models.BatchItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch item: %w", err)
	}
	return &item, nil
}

// RecordItemOutcome runs both increments inside MULTI/EXEC so a partial write
// cannot leave the outcome counters and the finished counter disagreeing.
func (s *RedisStore) RecordItemOutcome(ctx context.Context, batchID, outcomeField string, delta int64) (int64, error) {
	var finished *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, batchKey(batchID), outcomeField, delta)
		finished = pipe.HIncrBy(ctx, batchKey(batchID), CounterFinished, delta)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record %s outcome: %w", outcomeField, err)
	}
	return finished.Val(), nil
}

func (s *RedisStore) ClaimItemCompletion(ctx context.Context, batchID, itemID string) (bool, error) {
	claimed, err := s.client.HSetNX(ctx, batchClaimKey(batchID), itemID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim item completion: %w", err)
	}
	return claimed, nil
}

func (s *RedisStore) ReleaseItemClaim(ctx context.Context, batchID, itemID string) error {
	if err := s.client.HDel(ctx, batchClaimKey(batchID), itemID).Err(); err != nil {
		return fmt.Errorf("failed to release item claim: %w", err)
	}
	return nil
}

type collectionMeta struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Linkage   models.Linkage `json:"linkage,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func collectionKey(id string) string      { return collectionKeyPrefix + id }
func collectionClaimKey(id string) string { return collectionKey(id) + ":claims" }

func (s *RedisStore) CreateCollection(ctx context.Context, col *models.Collection) error {
	meta, err := json.Marshal(collectionMeta{
		ID:        col.ID,
		Title:     col.Title,
		Linkage:   col.Linkage,
		CreatedAt: col.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal collection meta: %w", err)
	}
	pages, err := json.Marshal(col.PageIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal page ids: %w", err)
	}

	if err := s.client.HSet(ctx, collectionKey(col.ID), map[string]interface{}{
		"meta":          meta,
		"status":        string(col.Processing),
		"publication":   string(col.Publication),
		"total":         col.TotalPages,
		"pages":         pages,
		CounterOCRDone:  0,
	}).Err(); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	fields, err := s.client.HGetAll(ctx, collectionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var meta collectionMeta
	if err := json.Unmarshal([]byte(fields["meta"]), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection meta: %w", err)
	}

	col := &models.Collection{
		ID:                meta.ID,
		Title:             meta.Title,
		Linkage:           meta.Linkage,
		CreatedAt:         meta.CreatedAt,
		TotalPages:        atoi(fields["total"]),
		OCRCompletedPages: atoi(fields[CounterOCRDone]),
		CombinedText:      fields["combined"],
		Processing:        models.ProcessingStatus(fields["status"]),
		Publication:       models.PublicationStatus(fields["publication"]),
	}
	if raw := fields["pages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &col.PageIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page ids: %w", err)
		}
	}
	if raw := fields["metrics"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &col.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	if ts := fields["completedAt"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			col.CompletedAt = t
		}
	}

	return col, nil
}

// UpdateCollection rewrites the mutable snapshot fields. Counters are left
// alone; they only ever move through IncrCollectionCounter.
func (s *RedisStore) UpdateCollection(ctx context.Context, col *models.Collection) error {
	exists, err := s.client.Exists(ctx, collectionKey(col.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pages, err := json.Marshal(col.PageIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal page ids: %w", err)
	}
	metrics, err := json.Marshal(col.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	values := map[string]interface{}{
		"status":      string(col.Processing),
		"publication": string(col.Publication),
		"total":       col.TotalPages,
		"pages":       pages,
		"combined":    col.CombinedText,
		"metrics":     metrics,
	}
	if !col.CompletedAt.IsZero() {
		values["completedAt"] = col.CompletedAt.Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, collectionKey(col.ID), values).Err(); err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrCollectionCounter(ctx context.Context, collectionID, field string, by int64) (int64, error) {
	val, err := s.client.HIncrBy(ctx, collectionKey(collectionID), field, by).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return val, nil
}

func (s *RedisStore) ClaimPageCompletion(ctx context.Context, collectionID, pageID string) (bool, error) {
	claimed, err := s.client.HSetNX(ctx, collectionClaimKey(collectionID), pageID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim page completion: %w", err)
	}
	return claimed, nil
}

func (s *RedisStore) ReleasePageClaim(ctx context.Context, collectionID, pageID string) error {
	if err := s.client.HDel(ctx, collectionClaimKey(collectionID), pageID).Err(); err != nil {
		return fmt.Errorf("failed to release page claim: %w", err)
	}
	return nil
}

func (s *RedisStore) SavePage(ctx context.Context, page *models.PageUnit) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}
	if err := s.client.Set(ctx, pageKeyPrefix+page.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store page: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPage(ctx context.Context, id string) (*models.PageUnit, error) {
	raw, err := s.client.Get(ctx, pageKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	var page models.PageUnit
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page: %w", err)
	}
	return &page, nil
}

func (s *RedisStore) GetPages(ctx context.Context, ids []string) ([]*models.PageUnit, error) {
	pages := make([]*models.PageUnit, 0, len(ids))
	for _, id := range ids {
		page, err := s.GetPage(ctx, id)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (s *RedisStore) DeletePage(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, pageKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
