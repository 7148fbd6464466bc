// Package feed turns a collection's change notifications into a stream of
// full order snapshots.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/store"
)

var ErrStreamClosed = errors.New("change stream closed")

type Source interface {
	List(ctx context.Context, collection string) ([]store.Record, error)
	Changes(ctx context.Context, collection string) (<-chan struct{}, error)
}

// Snapshot is the whole collection as of one change. Seq increases by one
// per snapshot delivered on a subscription.
type Snapshot struct {
	Orders []domain.Order
	Seq    uint64
	At     time.Time
}

// Event carries either a snapshot or the error that ended the subscription.
type Event struct {
	Snapshot Snapshot
	Err      error
}

type Subscription struct {
	collection string
	events     chan Event
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// Subscribe starts streaming snapshots of collection. The first event is the
// collection as it is now.
func Subscribe(ctx context.Context, source Source, collection string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	changes, err := source.Changes(subCtx, collection)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", collection, err)
	}

	sub := &Subscription{
		collection: collection,
		events:     make(chan Event),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go sub.run(subCtx, source, changes)
	return sub, nil
}

// Events is closed once the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops the subscription. No event is delivered after Close returns.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Subscription) run(ctx context.Context, source Source, changes <-chan struct{}) {
	defer close(s.done)
	defer close(s.events)

	var seq uint64
	if !s.emit(ctx, source, &seq) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					s.send(ctx, Event{Err: ErrStreamClosed})
				}
				return
			}
			if !s.emit(ctx, source, &seq) {
				return
			}
		}
	}
}

func (s *Subscription) emit(ctx context.Context, source Source, seq *uint64) bool {
	records, err := source.List(ctx, s.collection)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("collection", s.collection).Msg("feed snapshot failed")
			s.send(ctx, Event{Err: fmt.Errorf("list %s: %w", s.collection, err)})
		}
		return false
	}

	orders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		orders = append(orders, codec.FromRemote(r.ID, r.Doc))
	}
	*seq++
	return s.send(ctx, Event{Snapshot: Snapshot{Orders: orders, Seq: *seq, At: time.Now().UTC()}})
}

func (s *Subscription) send(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
