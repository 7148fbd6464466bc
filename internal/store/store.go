package store

import (
	"context"
	"errors"
	"time"

	"possync/internal/codec"
	"possync/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("write conflict")
	ErrUnavailable   = errors.New("remote store unavailable")
	ErrNotConfigured = errors.New("remote store not configured")
)

// Record is one stored document together with its key.
type Record struct {
	ID  string
	Doc domain.Document
}

type Reader interface {
	Get(ctx context.Context, collection string, id string) (domain.Document, error)
	List(ctx context.Context, collection string) ([]Record, error)
}

type Writer interface {
	// Set writes doc under id. With merge the top-level fields of doc are
	// overlaid onto the existing document instead of replacing it.
	Set(ctx context.Context, collection string, id string, doc domain.Document, merge bool) error
	// Create writes doc only when id does not exist yet, else ErrAlreadyExists.
	Create(ctx context.Context, collection string, id string, doc domain.Document) error
}

// TxFunc receives the current document (nil when missing) and returns the
// fields to merge into it. It may run more than once and must not have side
// effects.
type TxFunc func(current domain.Document) (domain.Document, error)

type Transactor interface {
	// Transact runs fn and commits its result atomically with respect to
	// every other writer of the same document.
	Transact(ctx context.Context, collection string, id string, fn TxFunc) (domain.Document, error)
}

type DateRanger interface {
	// RangeByDate lists ids whose "date" field lies in [start, end].
	RangeByDate(ctx context.Context, collection string, start time.Time, end time.Time) ([]string, error)
}

type BatchDeleter interface {
	// DeleteBatch removes all ids in one atomic write.
	DeleteBatch(ctx context.Context, collection string, ids []string) error
}

type Watcher interface {
	// Changes signals every committed write to the collection. Signals are
	// coalesced. The channel is closed when ctx ends or the stream breaks.
	Changes(ctx context.Context, collection string) (<-chan struct{}, error)
}

// Remote is the full set of capabilities a shared backend offers.
type Remote interface {
	Reader
	Writer
	Transactor
	DateRanger
	BatchDeleter
	Watcher
	Close() error
}

// IsTransient reports whether retrying the operation may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Merge overlays the top-level fields of patch onto a copy of base.
func Merge(base domain.Document, patch domain.Document) domain.Document {
	out := make(domain.Document, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// ResolveServerTimestamps returns a copy of doc with every ServerTimestamp
// sentinel replaced by at.
func ResolveServerTimestamps(doc domain.Document, at time.Time) domain.Document {
	out := make(domain.Document, len(doc))
	stamp := codec.FormatTime(at)
	for k, v := range doc {
		if domain.IsServerTimestamp(v) {
			out[k] = stamp
			continue
		}
		out[k] = v
	}
	return out
}

// DocumentDate extracts the "date" field used for range queries.
func DocumentDate(doc domain.Document) (time.Time, bool) {
	return codec.ParseTime(doc["date"])
}

// Clone deep-copies a document tree of maps and slices.
func Clone(doc domain.Document) domain.Document {
	if doc == nil {
		return nil
	}
	return cloneValue(map[string]any(doc)).(map[string]any)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case domain.Document:
		return domain.Document(cloneValue(map[string]any(x)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
