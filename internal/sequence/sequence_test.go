package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"possync/internal/domain"
	"possync/internal/store"
	"possync/internal/store/memory"
	"possync/internal/store/redisstore"
)

func allocateConcurrently(t *testing.T, a *Allocator, n int) map[int64]bool {
	t.Helper()

	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var no int64
			var err error
			for attempt := 0; attempt < 20; attempt++ {
				no, err = a.Next(context.Background())
				if err == nil || !store.IsTransient(err) {
					break
				}
			}
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[no] {
				t.Errorf("order number %d handed out twice", no)
			}
			seen[no] = true
		}()
	}
	wg.Wait()
	return seen
}

func assertContiguous(t *testing.T, seen map[int64]bool, n int) {
	t.Helper()
	if len(seen) != n {
		t.Fatalf("expected %d distinct numbers, got %d", n, len(seen))
	}
	for i := int64(1); i <= int64(n); i++ {
		if !seen[i] {
			t.Fatalf("missing order number %d", i)
		}
	}
}

func TestConcurrentAllocationsMemory(t *testing.T) {
	const n = 50
	seen := allocateConcurrently(t, New(memory.New()), n)
	assertContiguous(t, seen, n)
}

func TestConcurrentAllocationsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s := redisstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "seq")
	t.Cleanup(func() { _ = s.Close() })

	const n = 20
	seen := allocateConcurrently(t, New(s), n)
	assertContiguous(t, seen, n)
}

func TestContinuesFromStoredCounter(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.Set(ctx, Collection, CounterID, domain.Document{"lastOrderNo": "41"}, false)

	no, err := New(s).Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if no != 42 {
		t.Fatalf("expected 42, got %d", no)
	}
}

type failingTransactor struct {
	err error
}

func (f failingTransactor) Transact(context.Context, string, string, store.TxFunc) (domain.Document, error) {
	return nil, f.err
}

func TestFailureIsSurfaced(t *testing.T) {
	no, err := New(failingTransactor{err: store.ErrUnavailable}).Next(context.Background())
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if no != 0 {
		t.Fatalf("no number may be returned on failure, got %d", no)
	}
}

func TestCorruptCounterIsRejected(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.Set(ctx, Collection, CounterID, domain.Document{"lastOrderNo": "garbage"}, false)

	if _, err := New(s).Next(ctx); !errors.Is(err, ErrCorruptCounter) {
		t.Fatalf("expected ErrCorruptCounter, got %v", err)
	}
}
