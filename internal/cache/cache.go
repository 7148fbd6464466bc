// Package cache is the device-local blob store a terminal falls back to when
// the remote store is slow or unreachable.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
)

// LocalCache stores JSON objects by key. Merge overlays the top-level fields
// of patch onto the stored object, creating it when missing. Calls are
// synchronous.
type LocalCache interface {
	Get(key string) ([]byte, bool, error)
	Merge(key string, patch []byte) error
}

// MergeJSON overlays the top-level fields of patch onto base. An empty base
// is treated as an empty object.
func MergeJSON(base []byte, patch []byte) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decode cached object: %w", err)
		}
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type MemoryCache struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{blobs: map[string][]byte{}}
}

func (c *MemoryCache) Get(key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blob, ok := c.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (c *MemoryCache) Merge(key string, patch []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged, err := MergeJSON(c.blobs[key], patch)
	if err != nil {
		return err
	}
	c.blobs[key] = merged
	return nil
}
