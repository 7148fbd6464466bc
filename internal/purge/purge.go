// Package purge removes a date range of documents in bounded batches.
package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize = 400
	MaxBatchSize     = 500
)

type Target interface {
	RangeByDate(ctx context.Context, collection string, start time.Time, end time.Time) ([]string, error)
	DeleteBatch(ctx context.Context, collection string, ids []string) error
}

// PartialBatchError reports a batch that failed after earlier batches were
// already committed. Deleted is how many documents are gone for good.
type PartialBatchError struct {
	Deleted int
	Err     error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("purge stopped after %d deletions: %v", e.Deleted, e.Err)
}

func (e *PartialBatchError) Unwrap() error {
	return e.Err
}

// Range deletes every document of collection dated in [start, end] and
// returns how many were removed. Each batch commits atomically; batches do
// not. batchSize <= 0 means DefaultBatchSize.
func Range(ctx context.Context, target Target, collection string, start time.Time, end time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	ids, err := target.RangeByDate(ctx, collection, start, end)
	if err != nil {
		return 0, fmt.Errorf("query %s range: %w", collection, err)
	}

	deleted := 0
	for from := 0; from < len(ids); from += batchSize {
		to := min(from+batchSize, len(ids))
		if err := target.DeleteBatch(ctx, collection, ids[from:to]); err != nil {
			return deleted, &PartialBatchError{Deleted: deleted, Err: err}
		}
		deleted += to - from
		log.Debug().Str("collection", collection).Int("deleted", deleted).Int("total", len(ids)).Msg("purge batch committed")
	}
	return deleted, nil
}
