package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"possync/internal/domain"
	"possync/internal/store"
)

// Store keeps every collection in process memory. It backs local-only
// terminals and tests.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]domain.Document
	subscribers map[string]map[int]chan struct{}
	nextSubID   int
	now         func() time.Time
}

func New() *Store {
	return &Store{
		collections: map[string]map[string]domain.Document{},
		subscribers: map[string]map[int]chan struct{}{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for coll, subs := range s.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subscribers, coll)
	}
	return nil
}

func (s *Store) Get(_ context.Context, collection string, id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.Clone(doc), nil
}

func (s *Store) List(_ context.Context, collection string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]
	records := make([]store.Record, 0, len(docs))
	for id, doc := range docs {
		records = append(records, store.Record{ID: id, Doc: store.Clone(doc)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *Store) Set(_ context.Context, collection string, id string, doc domain.Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := store.ResolveServerTimestamps(store.Clone(doc), s.now())
	if current, ok := s.collections[collection][id]; ok && merge {
		next = store.Merge(current, next)
	}
	s.putLocked(collection, id, next)
	return nil
}

func (s *Store) Create(_ context.Context, collection string, id string, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[collection][id]; exists {
		return store.ErrAlreadyExists
	}
	s.putLocked(collection, id, store.ResolveServerTimestamps(store.Clone(doc), s.now()))
	return nil
}

func (s *Store) Transact(ctx context.Context, collection string, id string, fn store.TxFunc) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.collections[collection][id]
	var snapshot domain.Document
	if exists {
		snapshot = store.Clone(current)
	}
	patch, err := fn(snapshot)
	if err != nil {
		return nil, err
	}

	next := store.ResolveServerTimestamps(store.Clone(patch), s.now())
	if exists {
		next = store.Merge(current, next)
	}
	s.putLocked(collection, id, next)
	return store.Clone(next), nil
}

func (s *Store) RangeByDate(_ context.Context, collection string, start time.Time, end time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type dated struct {
		id   string
		date time.Time
	}
	matches := make([]dated, 0)
	for id, doc := range s.collections[collection] {
		date, ok := store.DocumentDate(doc)
		if !ok || date.Before(start) || date.After(end) {
			continue
		}
		matches = append(matches, dated{id: id, date: date})
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].date.Equal(matches[j].date) {
			return matches[i].date.Before(matches[j].date)
		}
		return matches[i].id < matches[j].id
	})

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.id)
	}
	return ids, nil
}

func (s *Store) DeleteBatch(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	for _, id := range ids {
		delete(docs, id)
	}
	s.notifyLocked(collection)
	return nil
}

func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan struct{}, 1)
	if s.subscribers[collection] == nil {
		s.subscribers[collection] = map[int]chan struct{}{}
	}
	s.subscribers[collection][id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subscribers[collection]; ok {
			if _, ok := subs[id]; ok {
				close(ch)
				delete(subs, id)
			}
		}
	}()

	return ch, nil
}

func (s *Store) putLocked(collection string, id string, doc domain.Document) {
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]domain.Document{}
	}
	s.collections[collection][id] = doc
	s.notifyLocked(collection)
}

func (s *Store) notifyLocked(collection string) {
	for _, ch := range s.subscribers[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
