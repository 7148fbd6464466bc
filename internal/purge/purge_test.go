package purge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/store"
	"possync/internal/store/memory"
)

type recordingTarget struct {
	ids     []string
	batches [][]string
	failOn  int
}

func (r *recordingTarget) RangeByDate(context.Context, string, time.Time, time.Time) ([]string, error) {
	return r.ids, nil
}

func (r *recordingTarget) DeleteBatch(_ context.Context, _ string, ids []string) error {
	if r.failOn > 0 && len(r.batches)+1 == r.failOn {
		return store.ErrUnavailable
	}
	r.batches = append(r.batches, append([]string(nil), ids...))
	return nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("order-%04d", i)
	}
	return out
}

func TestEmptyRangeIssuesNoDeletes(t *testing.T) {
	target := &recordingTarget{}
	n, err := Range(context.Background(), target, "orders", time.Time{}, time.Now(), 400)
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil; got %d, %v", n, err)
	}
	if len(target.batches) != 0 {
		t.Fatalf("expected no delete calls, got %d", len(target.batches))
	}
}

func TestBatchesOf400(t *testing.T) {
	target := &recordingTarget{ids: ids(850)}
	n, err := Range(context.Background(), target, "orders", time.Time{}, time.Now(), 400)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if n != 850 {
		t.Fatalf("expected 850 deleted, got %d", n)
	}
	want := []int{400, 400, 50}
	if len(target.batches) != len(want) {
		t.Fatalf("expected %d batches, got %d", len(want), len(target.batches))
	}
	for i, size := range want {
		if len(target.batches[i]) != size {
			t.Fatalf("batch %d: expected %d ids, got %d", i, size, len(target.batches[i]))
		}
	}
}

func TestBatchSizeIsCapped(t *testing.T) {
	target := &recordingTarget{ids: ids(1200)}
	if _, err := Range(context.Background(), target, "orders", time.Time{}, time.Now(), 10_000); err != nil {
		t.Fatalf("range: %v", err)
	}
	for _, batch := range target.batches {
		if len(batch) > MaxBatchSize {
			t.Fatalf("batch of %d exceeds the cap", len(batch))
		}
	}
}

func TestPartialFailureReportsCommittedCount(t *testing.T) {
	target := &recordingTarget{ids: ids(850), failOn: 2}
	n, err := Range(context.Background(), target, "orders", time.Time{}, time.Now(), 0)

	var partial *PartialBatchError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialBatchError, got %v", err)
	}
	if n != 400 || partial.Deleted != 400 {
		t.Fatalf("expected 400 committed, got n=%d deleted=%d", n, partial.Deleted)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestRangeAgainstMemoryStore(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = s.Set(ctx, "orders", fmt.Sprintf("in-%d", i), domain.Document{"date": codec.FormatTime(day.Add(time.Duration(i) * time.Hour))}, false)
	}
	_ = s.Set(ctx, "orders", "tomorrow", domain.Document{"date": codec.FormatTime(day.Add(30 * time.Hour))}, false)

	n, err := Range(ctx, s, "orders", day, day.Add(24*time.Hour-time.Millisecond), 2)
	if err != nil || n != 5 {
		t.Fatalf("expected 5, nil; got %d, %v", n, err)
	}
	records, _ := s.List(ctx, "orders")
	if len(records) != 1 || records[0].ID != "tomorrow" {
		t.Fatalf("unexpected survivors %+v", records)
	}
}
