// Package memory holds an in-process asset store used by tests and local
// development; nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/feichai0017/archive-ocr/pkg/storage"
)

var _ storage.Storage = (*MemoryStorage)(nil)

type object struct {
	data     []byte
	storedAt time.Time
}

type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string]object),
	}
}

func (m *MemoryStorage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: data, storedAt: time.Now()}
	return key, nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, obj := range m.objects {
		if obj.storedAt.Before(threshold) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
