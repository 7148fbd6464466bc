package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func decodeObject(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func exerciseCache(t *testing.T, c LocalCache) {
	t.Helper()

	if _, ok, err := c.Get("pos-state"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%t err=%v", ok, err)
	}
	if err := c.Merge("pos-state", []byte(`{"workers":["Sara"],"orders":[]}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := c.Merge("pos-state", []byte(`{"workers":["Omar"],"dirty":true}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	raw, ok, err := c.Get("pos-state")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%t err=%v", ok, err)
	}
	obj := decodeObject(t, raw)
	if _, ok := obj["orders"]; !ok {
		t.Fatalf("merge dropped an untouched key: %s", raw)
	}
	if workers := obj["workers"].([]any); len(workers) != 1 || workers[0] != "Omar" {
		t.Fatalf("expected patched workers, got %v", workers)
	}
	if obj["dirty"] != true {
		t.Fatalf("expected new key, got %s", raw)
	}

	if err := c.Merge("pos-state", []byte(`not json`)); err == nil {
		t.Fatalf("expected invalid patch to be rejected")
	}
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemoryCache())
}

func TestSQLiteCache(t *testing.T) {
	c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	exerciseCache(t, c)
}

func TestSQLiteCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite3")
	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Merge("k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	_ = c.Close()

	reopened, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	raw, ok, err := reopened.Get("k")
	if err != nil || !ok {
		t.Fatalf("expected persisted blob, got ok=%t err=%v", ok, err)
	}
	if decodeObject(t, raw)["a"] != float64(1) {
		t.Fatalf("unexpected blob %s", raw)
	}
}
