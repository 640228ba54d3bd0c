// Package memory stores objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// BlobStore keeps objects in a map guarded by a mutex.
type BlobStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes map[string]int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:   make(map[string][]byte),
		writes: make(map[string]int),
	}
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, fanout.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data, replacing any previous object under key.
func (s *BlobStore) Put(_ context.Context, key string, _ string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.writes[key]++
	return nil
}

// List returns the objects under prefix in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]fanout.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fanout.ObjectInfo
	for key, data := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, fanout.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Writes reports how many times key has been written.
func (s *BlobStore) Writes(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[key]
}
