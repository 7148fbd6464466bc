// Package redisstore keeps documents in Redis: one JSON string per document,
// a sorted set per collection indexed by the document's date, and a pub/sub
// channel per collection for change notifications.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"possync/internal/domain"
	"possync/internal/store"
)

const maxTxRetries = 8

// undatedScore keeps documents without a date out of every date range.
const undatedScore = -1

// txPipeliner is satisfied by both *redis.Client and the *redis.Tx handed to
// Watch callbacks.
type txPipeliner interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New opens a client and fails when the server does not answer a ping.
func New(ctx context.Context, addr string, password string, db int, prefix string) (*Store, error) {
	s := Open(addr, password, db, prefix)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open returns a store without contacting the server. The client connects
// on first use and reconnects on its own, so an unreachable server only
// fails individual calls with store.ErrUnavailable.
func Open(addr string, password string, db int, prefix string) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(client, prefix)
}

func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "possync"
	}
	return &Store{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(collection string, id string) string {
	return s.prefix + ":" + collection + ":doc:" + id
}

func (s *Store) indexKey(collection string) string {
	return s.prefix + ":" + collection + ":index"
}

func (s *Store) channel(collection string) string {
	return s.prefix + ":" + collection + ":changes"
}

func (s *Store) Get(ctx context.Context, collection string, id string) (domain.Document, error) {
	return readDoc(ctx, s.client, s.docKey(collection, id))
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(collection), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return s.fetch(ctx, collection, ids)
}

func (s *Store) Set(ctx context.Context, collection string, id string, doc domain.Document, merge bool) error {
	if !merge {
		next := store.ResolveServerTimestamps(doc, s.now())
		if err := s.write(ctx, s.client, collection, id, next); err != nil {
			return err
		}
		s.publish(ctx, collection, id)
		return nil
	}

	_, err := s.Transact(ctx, collection, id, func(domain.Document) (domain.Document, error) {
		return doc, nil
	})
	return err
}

func (s *Store) Create(ctx context.Context, collection string, id string, doc domain.Document) error {
	key := s.docKey(collection, id)
	next := store.ResolveServerTimestamps(doc, s.now())

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var cbErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			switch {
			case err != nil:
				cbErr = unavailable(err)
			case exists > 0:
				cbErr = store.ErrAlreadyExists
			default:
				cbErr = s.write(ctx, tx, collection, id, next)
			}
			return cbErr
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return watchError(err, cbErr)
		}
		s.publish(ctx, collection, id)
		return nil
	}
	return store.ErrConflict
}

func (s *Store) Transact(ctx context.Context, collection string, id string, fn store.TxFunc) (domain.Document, error) {
	key := s.docKey(collection, id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var committed domain.Document
		var cbErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readDoc(ctx, tx, key)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				cbErr = err
				return err
			}
			patch, err := fn(store.Clone(current))
			if err != nil {
				cbErr = err
				return err
			}
			next := store.ResolveServerTimestamps(patch, s.now())
			if current != nil {
				next = store.Merge(current, next)
			}
			if err := s.write(ctx, tx, collection, id, next); err != nil {
				cbErr = err
				return err
			}
			committed = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("collection", collection).Str("id", id).Int("attempt", attempt+1).Msg("redis transaction retry")
			continue
		}
		if err != nil {
			return nil, watchError(err, cbErr)
		}
		s.publish(ctx, collection, id)
		return committed, nil
	}
	return nil, store.ErrConflict
}

func (s *Store) RangeByDate(ctx context.Context, collection string, start time.Time, end time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(collection), &redis.ZRangeBy{
		Min: strconv.FormatInt(ceilMillis(start), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// ceilMillis rounds up so a start with a sub-millisecond part does not match
// documents stamped in the millisecond before it.
func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

func (s *Store) DeleteBatch(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.docKey(collection, id))
		members = append(members, id)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(collection), members...)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	s.publish(ctx, collection, "")
	return nil
}

func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.channel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable(err)
	}

	out := make(chan struct{}, 1)
	messages := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) fetch(ctx context.Context, collection string, ids []string) ([]store.Record, error) {
	if len(ids) == 0 {
		return []store.Record{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.docKey(collection, id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	records := make([]store.Record, 0, len(ids))
	for i, raw := range values {
		payload, ok := raw.(string)
		if !ok {
			// Deleted between the index read and the fetch.
			continue
		}
		doc, err := decode(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, store.Record{ID: ids[i], Doc: doc})
	}
	return records, nil
}

// write queues the document body and its index entry in one MULTI block.
func (s *Store) write(ctx context.Context, c txPipeliner, collection string, id string, doc domain.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	score := float64(undatedScore)
	if date, ok := store.DocumentDate(doc); ok {
		score = float64(date.UnixMilli())
	}

	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(collection, id), payload, 0)
		pipe.ZAdd(ctx, s.indexKey(collection), redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return unavailable(err)
	}
	return err
}

func (s *Store) publish(ctx context.Context, collection string, id string) {
	if err := s.client.Publish(ctx, s.channel(collection), id).Err(); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("redis change notification failed")
	}
}

func readDoc(ctx context.Context, c getter, key string) (domain.Document, error) {
	payload, err := c.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decode(payload)
}

func decode(payload string) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// watchError returns the callback's own error when it raised one; anything
// else came from WATCH itself, usually a dead connection.
func watchError(err error, cbErr error) error {
	if cbErr != nil {
		return cbErr
	}
	return unavailable(err)
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
