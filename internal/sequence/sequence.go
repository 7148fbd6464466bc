// Package sequence hands out order numbers shared by every terminal of a
// store.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/store"
)

const (
	// Collection and CounterID locate the shared counter document.
	Collection = "meta"
	CounterID  = "orderCounter"

	lastField = "lastOrderNo"
)

// ErrCorruptCounter means the stored counter cannot be read as a number.
var ErrCorruptCounter = errors.New("order counter is not a number")

// Allocator hands out order numbers from the shared counter.
type Allocator struct {
	tx store.Transactor
}

// New returns an allocator that increments the counter through tx.
func New(tx store.Transactor) *Allocator {
	return &Allocator{tx: tx}
}

// Next atomically increments the shared counter and returns the new value.
// A missing counter starts at zero. On any failure no number is returned:
// callers must not invent one.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	committed, err := a.tx.Transact(ctx, Collection, CounterID, func(cur domain.Document) (domain.Document, error) {
		last := int64(0)
		if raw, ok := cur[lastField]; ok && raw != nil {
			f, ok := codec.Float(raw)
			if !ok || f < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptCounter, raw)
			}
			last = int64(f)
		}
		return domain.Document{lastField: last + 1}, nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocate order number: %w", err)
	}
	return codec.Int(committed[lastField], 0), nil
}
