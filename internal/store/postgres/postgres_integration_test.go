package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("POSSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSSYNC_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	collection := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1`, collection)
		_ = s.Close()
	})
	return s, collection
}

func TestCreateIsIdempotentOnID(t *testing.T) {
	s, coll := newIntegrationStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, coll, "idem-1", domain.Document{"orderNo": 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, coll, "idem-1", domain.Document{"orderNo": 2}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	doc, err := s.Get(ctx, coll, "idem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if codec.Int(doc["orderNo"], 0) != 1 {
		t.Fatalf("expected first write to win, got %v", doc)
	}
}

func TestTransactSerializesConcurrentWriters(t *testing.T) {
	s, coll := newIntegrationStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := s.Transact(ctx, coll, "counter", func(cur domain.Document) (domain.Document, error) {
					return domain.Document{"n": codec.Int(cur["n"], 0) + 1}, nil
				})
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				if err != nil {
					t.Errorf("transact: %v", err)
				}
				return
			}
		}()
	}
	wg.Wait()

	doc, err := s.Get(ctx, coll, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := codec.Int(doc["n"], 0); n != writers {
		t.Fatalf("expected %d, got %d", writers, n)
	}
}

func TestRangeDeleteAndNotify(t *testing.T) {
	s, coll := newIntegrationStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.Changes(ctx, coll)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Set(ctx, coll, "in", domain.Document{"date": codec.FormatTime(day.Add(time.Hour))}, false)
	_ = s.Set(ctx, coll, "out", domain.Document{"date": codec.FormatTime(day.Add(25 * time.Hour))}, false)

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a change notification")
	}

	ids, err := s.RangeByDate(ctx, coll, day, day.Add(24*time.Hour-time.Millisecond))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(ids) != 1 || ids[0] != "in" {
		t.Fatalf("expected [in], got %v", ids)
	}
	if err := s.DeleteBatch(ctx, coll, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, coll, "in"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted document, got %v", err)
	}
}
