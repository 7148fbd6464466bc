package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"possync/internal/cache"
	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/feed"
	"possync/internal/metrics"
	"possync/internal/purge"
	"possync/internal/reconcile"
	"possync/internal/sequence"
	"possync/internal/store"
	"possync/internal/xid"
)

const (
	OrdersCollection = "orders"
	StateCollection  = "state"

	stateCacheKey       = "pos-state"
	pendingSyncField    = "pendingSync"
	pendingUpdatesField = "pendingOrderUpdates"
	allocateAttempts    = 3
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidPIN       = errors.New("invalid admin pin")
	ErrAlreadyVoided    = errors.New("order already voided")
	ErrNotVoided        = errors.New("order is not voided")
	ErrAlreadyRestocked = errors.New("order already restocked")
)

// Source tells where Hydrate found the state it loaded.
type Source string

const (
	SourceEmpty  Source = "empty"
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

type Settings struct {
	StoreID        string
	TerminalID     string
	RemoteTimeout  time.Duration
	PurgeBatchSize int
}

// Terminal owns the canonical in-memory state of one point-of-sale device.
// The remote store is optional: without one the terminal runs from its local
// cache only.
type Terminal struct {
	mu    sync.RWMutex
	state domain.ApplicationState
	// idempotency keys of remote orders edited while the remote was down
	pendingUpdates map[string]struct{}

	createMu  sync.Mutex
	persistMu sync.Mutex
	dirty     atomic.Bool

	remote    store.Remote
	local     cache.LocalCache
	allocator *sequence.Allocator
	publisher events.Publisher

	storeID        string
	terminalID     string
	remoteTimeout  time.Duration
	purgeBatchSize int
	now            func() time.Time
}

func New(remote store.Remote, local cache.LocalCache, publisher events.Publisher, settings Settings) *Terminal {
	if settings.StoreID == "" {
		settings.StoreID = "main-store"
	}
	if settings.TerminalID == "" {
		settings.TerminalID = "terminal"
	}
	if settings.RemoteTimeout <= 0 {
		settings.RemoteTimeout = 8 * time.Second
	}
	if local == nil {
		local = cache.NewMemoryCache()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	t := &Terminal{
		remote:         remote,
		local:          local,
		publisher:      publisher,
		storeID:        settings.StoreID,
		terminalID:     settings.TerminalID,
		remoteTimeout:  settings.RemoteTimeout,
		purgeBatchSize: settings.PurgeBatchSize,
		pendingUpdates: map[string]struct{}{},
		now:            func() time.Time { return time.Now().UTC() },
	}
	if remote != nil {
		t.allocator = sequence.New(remote)
	}
	t.state = emptyState(t.now())
	return t
}

func (t *Terminal) StoreID() string { return t.storeID }

// Connected reports whether a remote store is configured.
func (t *Terminal) Connected() bool { return t.remote != nil }

// PendingSync reports whether the remote store is missing local changes.
func (t *Terminal) PendingSync() bool {
	if t.dirty.Load() {
		return true
	}
	return t.PendingOrders() > 0
}

// PendingOrders counts orders and order edits kept locally because the
// remote store could not take them yet.
func (t *Terminal) PendingOrders() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingOrdersLocked()
}

func (t *Terminal) pendingOrdersLocked() int {
	if t.remote == nil {
		return 0
	}
	n := len(t.pendingUpdates)
	for _, o := range t.state.Orders {
		if o.CloudID == "" {
			n++
		}
	}
	return n
}

// State returns a copy of the current state.
func (t *Terminal) State() domain.ApplicationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneState(t.state)
}

// Orders returns the reconciled order list, newest first.
func (t *Terminal) Orders() []domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneOrders(t.state.Orders)
}

// Hydrate loads the cached state, then overlays the remote snapshot if the
// remote store answers within the timeout. Remote failures are logged and
// leave the cached state in place.
func (t *Terminal) Hydrate(ctx context.Context) (Source, error) {
	source := SourceEmpty
	if loaded, err := t.loadFromCache(); err != nil {
		return source, err
	} else if loaded {
		source = SourceCache
	}

	if t.remote == nil {
		return source, nil
	}

	if err := t.pullRemote(ctx); err != nil {
		metrics.RemoteErrors.WithLabelValues("hydrate").Inc()
		log.Warn().Err(err).Str("store", t.storeID).Msg("remote hydrate failed, using local cache")
		return source, nil
	}
	if t.PendingSync() {
		if n, err := t.Sync(ctx); err != nil {
			log.Warn().Err(err).Int("pushed", n).Msg("pending orders not fully synced")
		}
	}
	return SourceRemote, nil
}

func (t *Terminal) loadFromCache() (bool, error) {
	blob, ok, err := t.local.Get(stateCacheKey)
	if err != nil {
		return false, fmt.Errorf("read local cache: %w", err)
	}
	if !ok {
		return false, nil
	}

	var doc domain.Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		log.Warn().Err(err).Msg("local cache is unreadable, starting empty")
		return false, nil
	}

	t.mu.Lock()
	fallback := codec.DefaultDayMeta(t.now(), t.state.DayMeta.ActiveWorker)
	t.state = codec.UnpackState(doc, t.state, fallback)
	t.state.Orders = reconcile.Dedupe(t.state.Orders)
	t.pendingUpdates = map[string]struct{}{}
	if keys, ok := doc[pendingUpdatesField].([]any); ok {
		for _, key := range keys {
			if k := codec.String(key); k != "" {
				t.pendingUpdates[k] = struct{}{}
			}
		}
	}
	t.mu.Unlock()

	if codec.Bool(doc[pendingSyncField]) {
		t.setDirty(true)
	}
	return true, nil
}

func (t *Terminal) pullRemote(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	stateDoc, err := t.remote.Get(rctx, StateCollection, t.storeID)
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		return fmt.Errorf("read remote state: %w", err)
	}
	records, err := t.remote.List(rctx, OrdersCollection)
	if err != nil {
		return fmt.Errorf("read remote orders: %w", err)
	}

	remoteOrders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		remoteOrders = append(remoteOrders, codec.FromRemote(r.ID, r.Doc))
	}

	t.mu.Lock()
	if !missing && !t.dirty.Load() {
		delete(stateDoc, "orders")
		t.state = codec.UnpackState(stateDoc, t.state, t.state.DayMeta)
	}
	t.state.Orders = mergeOrders(remoteOrders, t.state.Orders, t.pendingUpdates)
	t.mu.Unlock()

	return t.save(ctx, missing || t.dirty.Load())
}

// UpdateState overlays the fields present in patch onto the current state
// and persists it. Orders are only changed through the order operations, so
// an "orders" key in patch is ignored.
func (t *Terminal) UpdateState(ctx context.Context, patch domain.Document) (domain.ApplicationState, error) {
	patch = store.Clone(patch)
	delete(patch, "orders")

	t.mu.Lock()
	t.state = codec.UnpackState(patch, t.state, t.state.DayMeta)
	snapshot := cloneState(t.state)
	t.mu.Unlock()

	if err := t.save(ctx, true); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// CreateOrder ingests a new order exactly once per idempotency key. A retry
// with a key already seen locally or remotely returns the stored order and
// duplicate=true without allocating a number.
//
// When the remote store is unreachable the order is still accepted: it is
// kept locally without a cloud id, and without an order number if none could
// be allocated, until Sync pushes it. No number is ever invented.
func (t *Terminal) CreateOrder(ctx context.Context, draft domain.Order) (domain.Order, bool, error) {
	t.createMu.Lock()
	defer t.createMu.Unlock()

	draft.IdemKey = strings.TrimSpace(draft.IdemKey)
	if draft.IdemKey == "" {
		draft.IdemKey = xid.IdempotencyKey(t.terminalID)
	}

	if existing, ok := t.findByIdemKey(draft.IdemKey); ok {
		metrics.OrdersCreated.WithLabelValues("duplicate").Inc()
		return existing, true, nil
	}

	order, err := t.prepareOrder(draft)
	if err != nil {
		return domain.Order{}, false, err
	}

	if t.remote == nil {
		order.OrderNo = t.nextLocalOrderNo()
		t.upsertLocal(order)
		metrics.OrdersCreated.WithLabelValues("local").Inc()
		log.Info().Int64("orderNo", order.OrderNo).Str("idemKey", order.IdemKey).Float64("total", order.Total).Msg("order created")
		t.publish(ctx, domain.EventOrderCreated, &order, 0)
		return order, false, t.save(ctx, false)
	}

	existing, found, err := t.fetchRemoteOrder(ctx, order.IdemKey)
	switch {
	case err != nil && store.IsTransient(err):
		return t.acceptPending(ctx, order, err)
	case err != nil:
		return domain.Order{}, false, err
	case found:
		t.upsertLocal(existing)
		metrics.OrdersCreated.WithLabelValues("duplicate").Inc()
		return existing, true, t.save(ctx, false)
	}

	created, duplicate, err := t.pushOrder(ctx, order)
	if err != nil {
		if store.IsTransient(err) {
			return t.acceptPending(ctx, created, err)
		}
		return domain.Order{}, false, err
	}
	t.upsertLocal(created)
	if duplicate {
		metrics.OrdersCreated.WithLabelValues("duplicate").Inc()
		return created, true, t.save(ctx, false)
	}

	metrics.OrdersCreated.WithLabelValues("created").Inc()
	log.Info().Int64("orderNo", created.OrderNo).Str("idemKey", created.IdemKey).Float64("total", created.Total).Msg("order created")
	t.publish(ctx, domain.EventOrderCreated, &created, 0)

	if n, err := t.flushPendingLocked(ctx); err != nil {
		log.Warn().Err(err).Int("pushed", n).Msg("pending orders not fully synced")
	}
	return created, false, t.save(ctx, false)
}

// acceptPending keeps an order the remote store could not take.
func (t *Terminal) acceptPending(ctx context.Context, order domain.Order, cause error) (domain.Order, bool, error) {
	order.CloudID = ""
	t.upsertLocal(order)
	metrics.OrdersCreated.WithLabelValues("pending").Inc()
	log.Warn().Err(cause).Str("idemKey", order.IdemKey).Int64("orderNo", order.OrderNo).Msg("remote store unreachable, order kept for sync")
	return order, false, t.save(ctx, false)
}

// pushOrder numbers order when it has no number yet and writes it under its
// idempotency key. On failure the returned order keeps any number that was
// already allocated. duplicate is set when the key was written elsewhere
// first; the stored order is returned instead.
func (t *Terminal) pushOrder(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	if order.OrderNo <= 0 {
		no, err := t.nextOrderNo(ctx)
		if err != nil {
			metrics.SequenceFailures.Inc()
			return order, false, err
		}
		order.OrderNo = no
	}

	rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	err := t.remote.Create(rctx, OrdersCollection, order.IdemKey, codec.NormalizeForRemote(order))
	cancel()
	if errors.Is(err, store.ErrAlreadyExists) {
		// Another path wrote this key between the lookup and the write.
		existing, found, getErr := t.fetchRemoteOrder(ctx, order.IdemKey)
		if getErr != nil {
			return order, false, getErr
		}
		if found {
			return existing, true, nil
		}
		return order, false, fmt.Errorf("write order %s: %w", order.IdemKey, store.ErrConflict)
	}
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("create_order").Inc()
		return order, false, fmt.Errorf("write order #%d: %w", order.OrderNo, err)
	}
	order.CloudID = order.IdemKey
	return order, false, nil
}

// Sync pushes orders and order edits kept locally while the remote store was
// unreachable, then rewrites the remote state document. It returns how many
// orders reached the remote store.
func (t *Terminal) Sync(ctx context.Context) (int, error) {
	if t.remote == nil {
		return 0, store.ErrNotConfigured
	}

	t.createMu.Lock()
	pushed, err := t.flushPendingLocked(ctx)
	t.createMu.Unlock()

	if saveErr := t.save(ctx, true); err == nil {
		err = saveErr
	}
	return pushed, err
}

// flushPendingLocked pushes unsynced orders oldest first, then queued edits.
// It stops at the first failure. createMu must be held.
func (t *Terminal) flushPendingLocked(ctx context.Context) (int, error) {
	if t.remote == nil {
		return 0, nil
	}

	t.mu.RLock()
	unsynced := make([]domain.Order, 0)
	for _, o := range t.state.Orders {
		if o.CloudID == "" {
			unsynced = append(unsynced, o.Clone())
		}
	}
	edited := make([]string, 0, len(t.pendingUpdates))
	for key := range t.pendingUpdates {
		edited = append(edited, key)
	}
	t.mu.RUnlock()

	if len(unsynced) == 0 && len(edited) == 0 {
		return 0, nil
	}
	sort.Slice(unsynced, func(i, j int) bool {
		if !unsynced[i].Date.Equal(unsynced[j].Date) {
			return unsynced[i].Date.Before(unsynced[j].Date)
		}
		return unsynced[i].IdemKey < unsynced[j].IdemKey
	})
	sort.Strings(edited)

	pushed := 0
	for _, order := range unsynced {
		synced, duplicate, err := t.pushOrder(ctx, order)
		if err != nil {
			if synced.OrderNo != order.OrderNo {
				t.upsertLocal(synced)
			}
			return pushed, err
		}
		t.upsertLocal(synced)
		pushed++
		if !duplicate {
			log.Info().Int64("orderNo", synced.OrderNo).Str("idemKey", synced.IdemKey).Msg("pending order synced")
			t.publish(ctx, domain.EventOrderCreated, &synced, 0)
		}
	}

	for _, key := range edited {
		order, ok := t.findByIdemKey(key)
		if ok && order.CloudID != "" {
			rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
			err := t.remote.Set(rctx, OrdersCollection, order.CloudID, codec.NormalizeForRemote(order), true)
			cancel()
			if err != nil {
				metrics.RemoteErrors.WithLabelValues("update_order").Inc()
				return pushed, fmt.Errorf("update order #%d: %w", order.OrderNo, err)
			}
		}
		t.mu.Lock()
		delete(t.pendingUpdates, key)
		t.mu.Unlock()
	}
	return pushed, nil
}

// LookupOrder finds an order by idempotency key, locally first.
func (t *Terminal) LookupOrder(ctx context.Context, idemKey string) (domain.Order, bool, error) {
	idemKey = strings.TrimSpace(idemKey)
	if idemKey == "" {
		return domain.Order{}, false, ErrInvalidOrder
	}
	if order, ok := t.findByIdemKey(idemKey); ok {
		return order, true, nil
	}
	if t.remote == nil {
		return domain.Order{}, false, nil
	}
	return t.fetchRemoteOrder(ctx, idemKey)
}

func (t *Terminal) MarkDone(ctx context.Context, orderNo int64, done bool) (domain.Order, error) {
	return t.updateOrder(ctx, orderNo, domain.EventOrderUpdated, false, func(o *domain.Order) error {
		o.Done = done
		return nil
	})
}

func (t *Terminal) SetNote(ctx context.Context, orderNo int64, note string) (domain.Order, error) {
	return t.updateOrder(ctx, orderNo, domain.EventOrderUpdated, false, func(o *domain.Order) error {
		o.Note = strings.TrimSpace(note)
		return nil
	})
}

// VoidOrder marks the order voided. When admin PINs are configured one of
// them must be supplied. Voiding a delivery-like order with a delivery fee
// books that fee as an expense.
func (t *Terminal) VoidOrder(ctx context.Context, orderNo int64, reason string, pin string) (domain.Order, error) {
	t.mu.RLock()
	pins := t.state.AdminPins
	ok := verifyPIN(pins, pin)
	t.mu.RUnlock()
	if !ok {
		return domain.Order{}, ErrInvalidPIN
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	voided, err := t.updateOrder(ctx, orderNo, domain.EventOrderVoided, true, func(o *domain.Order) error {
		if o.Voided {
			return ErrAlreadyVoided
		}
		o.Voided = true
		o.VoidReason = reason
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return voided, nil
}

// RestockOrder records that a voided order's stock went back on the shelf.
// It can happen once per order.
func (t *Terminal) RestockOrder(ctx context.Context, orderNo int64) (domain.Order, error) {
	at := t.now()
	return t.updateOrder(ctx, orderNo, domain.EventOrderUpdated, false, func(o *domain.Order) error {
		if !o.Voided {
			return ErrNotVoided
		}
		if o.RestockedAt != nil {
			return ErrAlreadyRestocked
		}
		o.RestockedAt = &at
		return nil
	})
}

// SetAdminPIN stores a bcrypt hash of pin under name.
func (t *Terminal) SetAdminPIN(ctx context.Context, name string, pin string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(pin) < 4 {
		return ErrInvalidPIN
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	t.mu.Lock()
	pins := make(map[string]string, len(t.state.AdminPins)+1)
	for k, v := range t.state.AdminPins {
		pins[k] = v
	}
	pins[name] = string(hash)
	t.state.AdminPins = pins
	t.mu.Unlock()

	return t.save(ctx, true)
}

// ChangeShift hands the till to worker and logs the change.
func (t *Terminal) ChangeShift(ctx context.Context, worker string) (domain.DayMeta, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return domain.DayMeta{}, ErrInvalidOrder
	}

	t.mu.Lock()
	day := t.state.DayMeta
	shifts := append([]domain.ShiftChange(nil), day.ShiftChanges...)
	day.ShiftChanges = append(shifts, domain.ShiftChange{At: t.now(), From: day.ActiveWorker, To: worker})
	day.ActiveWorker = worker
	t.state.DayMeta = day
	t.mu.Unlock()

	return day, t.save(ctx, true)
}

// ApplySnapshot folds a change feed snapshot into the local state. Orders
// that never reached the remote store are kept.
func (t *Terminal) ApplySnapshot(snapshot feed.Snapshot) error {
	t.mu.Lock()
	t.state.Orders = mergeOrders(snapshot.Orders, t.state.Orders, t.pendingUpdates)
	t.mu.Unlock()

	metrics.FeedSnapshots.Inc()
	return t.save(context.Background(), false)
}

// Subscribe opens a change feed on the remote order collection.
func (t *Terminal) Subscribe(ctx context.Context) (*feed.Subscription, error) {
	if t.remote == nil {
		return nil, store.ErrNotConfigured
	}
	return feed.Subscribe(ctx, t.remote, OrdersCollection)
}

// Watch applies remote order snapshots until ctx ends, resubscribing with
// backoff when the feed fails. While the feed is down the terminal keeps
// serving the last cached state.
func (t *Terminal) Watch(ctx context.Context) error {
	if t.remote == nil {
		return store.ErrNotConfigured
	}

	const (
		minBackoff = 500 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	backoff := minBackoff
	for {
		sub, err := t.Subscribe(ctx)
		if err == nil {
			for ev := range sub.Events() {
				if ev.Err != nil {
					err = ev.Err
					break
				}
				backoff = minBackoff
				if applyErr := t.ApplySnapshot(ev.Snapshot); applyErr != nil {
					log.Warn().Err(applyErr).Msg("persist feed snapshot")
				}
				// The first snapshot after (re)connecting proves the remote is back.
				if ev.Snapshot.Seq == 1 && t.PendingSync() {
					if n, syncErr := t.Sync(ctx); syncErr != nil {
						log.Warn().Err(syncErr).Int("pushed", n).Msg("pending orders not fully synced")
					}
				}
			}
			sub.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.RemoteErrors.WithLabelValues("feed").Inc()
			log.Warn().Err(err).Dur("retryIn", backoff).Msg("order feed interrupted, falling back to local cache")
			if _, cacheErr := t.loadFromCache(); cacheErr != nil {
				log.Error().Err(cacheErr).Msg("local cache fallback failed")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// CloseDay removes the orders dated in [start, end] from the live set and
// stamps the day as ended. On a partial remote purge the local list is left
// for the change feed to correct.
func (t *Terminal) CloseDay(ctx context.Context, start time.Time, end time.Time) (int, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("%w: day range ends before it starts", ErrInvalidOrder)
	}

	purged := 0
	if t.remote != nil {
		pctx, cancel := context.WithTimeout(ctx, t.purgeTimeout(start, end))
		n, err := purge.Range(pctx, t.remote, OrdersCollection, start, end, t.purgeBatchSize)
		cancel()
		metrics.OrdersPurged.Add(float64(n))
		if err != nil {
			log.Error().Err(err).Int("purged", n).Msg("day close purge incomplete")
			return n, err
		}
		purged = n
	}

	at := t.now()
	t.mu.Lock()
	kept := make([]domain.Order, 0, len(t.state.Orders))
	for _, o := range t.state.Orders {
		if !o.Date.Before(start) && !o.Date.After(end) {
			if t.remote == nil {
				purged++
			}
			delete(t.pendingUpdates, o.IdemKey)
			continue
		}
		kept = append(kept, o)
	}
	t.state.Orders = kept
	t.state.DayMeta.EndedAt = &at
	t.state.DayMeta.ResetAt = &at
	t.mu.Unlock()

	log.Info().Int("purged", purged).Time("start", start).Time("end", end).Msg("day closed")
	t.publish(ctx, domain.EventDayClosed, nil, purged)
	return purged, t.save(ctx, true)
}

// purgeTimeout gives the range query and every delete batch one remote
// timeout each.
func (t *Terminal) purgeTimeout(start time.Time, end time.Time) time.Duration {
	batch := t.purgeBatchSize
	if batch <= 0 {
		batch = purge.DefaultBatchSize
	}
	batch = min(batch, purge.MaxBatchSize)

	t.mu.RLock()
	inRange := 0
	for _, o := range t.state.Orders {
		if !o.Date.Before(start) && !o.Date.After(end) {
			inRange++
		}
	}
	t.mu.RUnlock()

	return t.remoteTimeout * time.Duration(inRange/batch+2)
}

func (t *Terminal) updateOrder(ctx context.Context, orderNo int64, eventType string, pushState bool, mutate func(*domain.Order) error) (domain.Order, error) {
	t.createMu.Lock()
	defer t.createMu.Unlock()

	t.mu.RLock()
	current, ok := findByNo(t.state.Orders, orderNo)
	t.mu.RUnlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("order #%d: %w", orderNo, store.ErrNotFound)
	}

	updated := current.Clone()
	if err := mutate(&updated); err != nil {
		return domain.Order{}, err
	}

	// Orders still waiting for their first push carry the edit with them.
	queued, pushed := false, false
	if t.remote != nil && updated.CloudID != "" {
		rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
		err := t.remote.Set(rctx, OrdersCollection, updated.CloudID, codec.NormalizeForRemote(updated), true)
		cancel()
		switch {
		case err == nil:
			pushed = true
		case store.IsTransient(err):
			metrics.RemoteErrors.WithLabelValues("update_order").Inc()
			log.Warn().Err(err).Int64("orderNo", orderNo).Msg("remote store unreachable, order edit kept for sync")
			queued = true
		default:
			metrics.RemoteErrors.WithLabelValues("update_order").Inc()
			return domain.Order{}, fmt.Errorf("update order #%d: %w", orderNo, err)
		}
	}

	t.upsertLocal(updated)
	t.mu.Lock()
	if queued {
		t.pendingUpdates[updated.IdemKey] = struct{}{}
	} else {
		delete(t.pendingUpdates, updated.IdemKey)
	}
	t.mu.Unlock()

	if eventType == domain.EventOrderVoided && domain.IsDeliveryLike(updated.OrderType) && updated.DeliveryFee > 0 {
		t.mu.Lock()
		t.state.Expenses = append(t.state.Expenses, domain.Expense{
			ID:       xid.New("exp"),
			Date:     t.now(),
			Amount:   updated.DeliveryFee,
			Category: domain.ExpenseCategoryVoidedDelivery,
			Note:     fmt.Sprintf("Voided order #%d (%s)", updated.OrderNo, updated.OrderType),
			OrderNo:  updated.OrderNo,
		})
		t.mu.Unlock()
	}

	t.publish(ctx, eventType, &updated, 0)
	if pushed {
		if n, err := t.flushPendingLocked(ctx); err != nil {
			log.Warn().Err(err).Int("pushed", n).Msg("pending orders not fully synced")
		}
	}
	return updated, t.save(ctx, pushState)
}

func (t *Terminal) prepareOrder(draft domain.Order) (domain.Order, error) {
	order := draft.Clone()
	if order.Total < 0 || order.ItemsTotal < 0 || order.DeliveryFee < 0 {
		return domain.Order{}, ErrInvalidOrder
	}

	t.mu.RLock()
	activeWorker := t.state.DayMeta.ActiveWorker
	t.mu.RUnlock()

	order.Worker = strings.TrimSpace(order.Worker)
	if order.Worker == "" {
		order.Worker = activeWorker
	}
	if strings.TrimSpace(order.OrderType) == "" {
		order.OrderType = domain.OrderTypeDineIn
	}
	if !domain.IsDeliveryLike(order.OrderType) {
		order.DeliveryFee = 0
		order.DeliveryName = ""
		order.DeliveryPhone = ""
		order.DeliveryAddress = ""
		order.DeliveryZoneID = ""
	}

	order.PaymentParts = domain.NormalizePaymentParts(order.PaymentParts)
	fallback := strings.TrimSpace(order.Payment)
	if fallback == "" {
		fallback = domain.PaymentCash
	}
	order.Payment = domain.PrimaryPayment(order.PaymentParts, fallback)
	if order.CashReceived != nil {
		change := domain.ChangeDue(order.Total, *order.CashReceived)
		order.ChangeDue = &change
	}

	if order.Date.IsZero() {
		order.Date = t.now()
	}
	order.Date = order.Date.UTC().Truncate(time.Millisecond)
	order.Done = false
	order.Voided = false
	order.VoidReason = ""
	order.RestockedAt = nil
	order.CloudID = ""
	if order.Cart == nil {
		order.Cart = []domain.CartLine{}
	}
	return order, nil
}

// nextLocalOrderNo continues from the highest local order. Only terminals
// without a remote store number this way.
func (t *Terminal) nextLocalOrderNo() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	highest := int64(0)
	for _, o := range t.state.Orders {
		highest = max(highest, o.OrderNo)
	}
	return highest + 1
}

// nextOrderNo allocates from the shared counter, retrying transient
// failures a bounded number of times.
func (t *Terminal) nextOrderNo(ctx context.Context) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
		no, err := t.allocator.Next(rctx)
		cancel()
		if err == nil {
			return no, nil
		}
		lastErr = err
		if !store.IsTransient(err) || ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("order number allocation failed, retrying")
	}
	return 0, lastErr
}

func (t *Terminal) fetchRemoteOrder(ctx context.Context, idemKey string) (domain.Order, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	doc, err := t.remote.Get(rctx, OrdersCollection, idemKey)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("lookup_order").Inc()
		return domain.Order{}, false, fmt.Errorf("lookup order %s: %w", idemKey, err)
	}
	return codec.FromRemote(idemKey, doc), true, nil
}

func (t *Terminal) findByIdemKey(idemKey string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.state.Orders {
		if o.IdemKey == idemKey {
			return o.Clone(), true
		}
	}
	return domain.Order{}, false
}

func (t *Terminal) upsertLocal(order domain.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()

	orders := make([]domain.Order, 0, len(t.state.Orders)+1)
	for _, o := range t.state.Orders {
		if o.IdemKey != "" && o.IdemKey == order.IdemKey {
			continue
		}
		orders = append(orders, o)
	}
	t.state.Orders = reconcile.Dedupe(append(orders, order))
}

// save writes the current state to the local cache and, when pushRemote is
// set or an earlier push failed, to the remote state document.
func (t *Terminal) save(ctx context.Context, pushRemote bool) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.RLock()
	packed := codec.PackState(t.state)
	pendingOrders := t.pendingOrdersLocked()
	edited := make([]string, 0, len(t.pendingUpdates))
	for key := range t.pendingUpdates {
		edited = append(edited, key)
	}
	t.mu.RUnlock()
	sort.Strings(edited)
	metrics.PendingOrders.Set(float64(pendingOrders))

	if t.remote != nil && (pushRemote || t.dirty.Load()) {
		remoteDoc := store.Clone(packed)
		delete(remoteDoc, "orders")

		rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
		err := t.remote.Set(rctx, StateCollection, t.storeID, remoteDoc, true)
		cancel()
		if err != nil {
			metrics.RemoteErrors.WithLabelValues("save_state").Inc()
			log.Warn().Err(err).Str("store", t.storeID).Msg("remote state write failed, keeping local copy")
			t.setDirty(true)
		} else {
			t.setDirty(false)
		}
	}

	local := store.ResolveServerTimestamps(packed, t.now())
	local[pendingSyncField] = t.dirty.Load() || pendingOrders > 0
	local[pendingUpdatesField] = edited
	blob, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("encode local state: %w", err)
	}
	if err := t.local.Merge(stateCacheKey, blob); err != nil {
		return fmt.Errorf("write local cache: %w", err)
	}
	return nil
}

func (t *Terminal) setDirty(dirty bool) {
	t.dirty.Store(dirty)
	if dirty {
		metrics.PendingSync.Set(1)
	} else {
		metrics.PendingSync.Set(0)
	}
}

func (t *Terminal) publish(ctx context.Context, eventType string, order *domain.Order, purged int) {
	ev := domain.OrderEvent{
		Type:     eventType,
		StoreID:  t.storeID,
		Terminal: t.terminalID,
		Order:    order,
		Purged:   purged,
		At:       t.now(),
	}
	pctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()
	if err := t.publisher.Publish(pctx, ev); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("publish order event failed")
	}
}

// mergeOrders reconciles remote orders with local ones. Local orders that
// never reached the remote store are kept unless the remote already holds
// their idempotency key. Local edits still waiting to be pushed win over the
// remote copy.
func mergeOrders(remote []domain.Order, local []domain.Order, edited map[string]struct{}) []domain.Order {
	remoteKeys := make(map[string]bool, len(remote))
	for _, o := range remote {
		remoteKeys[o.IdemKey] = true
	}

	merged := make([]domain.Order, 0, len(remote)+len(local))
	localEdits := map[string]domain.Order{}
	for _, o := range local {
		if o.CloudID == "" {
			if o.IdemKey == "" || !remoteKeys[o.IdemKey] {
				merged = append(merged, o)
			}
			continue
		}
		if _, ok := edited[o.IdemKey]; ok {
			localEdits[o.IdemKey] = o
		}
	}
	for _, o := range remote {
		if edit, ok := localEdits[o.IdemKey]; ok {
			merged = append(merged, edit)
			continue
		}
		merged = append(merged, o)
	}
	return reconcile.Dedupe(merged)
}

func findByNo(orders []domain.Order, orderNo int64) (domain.Order, bool) {
	for _, o := range orders {
		if o.OrderNo == orderNo {
			return o, true
		}
	}
	return domain.Order{}, false
}

// verifyPIN accepts any PIN when none are configured.
func verifyPIN(pins map[string]string, pin string) bool {
	if len(pins) == 0 {
		return true
	}
	if pin == "" {
		return false
	}
	for _, hash := range pins {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil {
			return true
		}
	}
	return false
}

func emptyState(now time.Time) domain.ApplicationState {
	return domain.ApplicationState{
		Menu:               []domain.Document{},
		Extras:             []domain.Document{},
		Orders:             []domain.Order{},
		Inventory:          []domain.InventoryItem{},
		Workers:            []string{},
		PaymentMethods:     []string{domain.PaymentCash},
		OrderTypes:         []string{domain.OrderTypeDineIn, domain.OrderTypeTakeAway, domain.OrderTypeDelivery},
		DayMeta:            codec.DefaultDayMeta(now, ""),
		Expenses:           []domain.Expense{},
		Purchases:          []domain.Purchase{},
		PurchaseCategories: []string{},
		Customers:          []domain.Customer{},
		DeliveryZones:      []domain.DeliveryZone{},
		BankTransactions:   []domain.BankTransaction{},
		AdminPins:          map[string]string{},
		InventorySnapshot:  []domain.InventoryItem{},
	}
}

func cloneOrders(orders []domain.Order) []domain.Order {
	out := make([]domain.Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}

func cloneState(s domain.ApplicationState) domain.ApplicationState {
	dup := s
	dup.Menu = make([]domain.Document, len(s.Menu))
	for i, d := range s.Menu {
		dup.Menu[i] = store.Clone(d)
	}
	dup.Extras = make([]domain.Document, len(s.Extras))
	for i, d := range s.Extras {
		dup.Extras[i] = store.Clone(d)
	}
	dup.Orders = cloneOrders(s.Orders)
	dup.Inventory = append([]domain.InventoryItem{}, s.Inventory...)
	dup.Workers = append([]string{}, s.Workers...)
	dup.PaymentMethods = append([]string{}, s.PaymentMethods...)
	dup.OrderTypes = append([]string{}, s.OrderTypes...)
	dup.DayMeta.ShiftChanges = append([]domain.ShiftChange{}, s.DayMeta.ShiftChanges...)
	dup.Expenses = append([]domain.Expense{}, s.Expenses...)
	dup.Purchases = append([]domain.Purchase{}, s.Purchases...)
	dup.PurchaseCategories = append([]string{}, s.PurchaseCategories...)
	dup.Customers = append([]domain.Customer{}, s.Customers...)
	dup.DeliveryZones = append([]domain.DeliveryZone{}, s.DeliveryZones...)
	dup.BankTransactions = append([]domain.BankTransaction{}, s.BankTransactions...)
	dup.InventorySnapshot = append([]domain.InventoryItem{}, s.InventorySnapshot...)
	dup.AdminPins = make(map[string]string, len(s.AdminPins))
	for k, v := range s.AdminPins {
		dup.AdminPins[k] = v
	}
	return dup
}
