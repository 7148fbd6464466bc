package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"possync/internal/domain"
	"possync/internal/store"
)

const (
	notifyChannel = "possync_changes"
	maxTxRetries  = 5
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	doc_date TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_collection_date_idx ON documents (collection, doc_date);
`

type Store struct {
	db  *sql.DB
	now func() time.Time

	schemaMu sync.Mutex
	migrated bool
}

// New opens the pool and fails when the database cannot be reached or
// migrated.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	s, err := Open(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open prepares the pool without connecting. The documents table is created
// by the first call that reaches the database, so a store opened while the
// database is down starts working once it comes back.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks connectivity and runs the migration if it has not run yet.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s.ready(ctx)
}

func (s *Store) ready(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.migrated {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents table: %w", unavailable(err))
	}
	s.migrated = true
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection string, id string) (domain.Document, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return decode(body)
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body
		FROM documents
		WHERE collection = $1
		ORDER BY doc_date NULLS FIRST, id
	`, collection)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	records := make([]store.Record, 0, 64)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, unavailable(err)
		}
		doc, err := decode(body)
		if err != nil {
			return nil, err
		}
		records = append(records, store.Record{ID: id, Doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

func (s *Store) Set(ctx context.Context, collection string, id string, doc domain.Document, merge bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	body, date, err := s.encode(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (collection, id, body, doc_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (collection, id)
		DO UPDATE SET body = EXCLUDED.body, doc_date = EXCLUDED.doc_date, updated_at = now()
	`
	if merge {
		query = `
			INSERT INTO documents (collection, id, body, doc_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (collection, id)
			DO UPDATE SET body = documents.body || EXCLUDED.body,
				doc_date = COALESCE(EXCLUDED.doc_date, documents.doc_date),
				updated_at = now()
		`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, query, collection, id, body, date); err != nil {
		return unavailable(err)
	}
	if err := notify(ctx, tx, collection); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Commit())
}

func (s *Store) Create(ctx context.Context, collection string, id string, doc domain.Document) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	body, date, err := s.encode(doc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, doc_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, body, date)
	if err != nil {
		return unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return store.ErrAlreadyExists
	}
	if err := notify(ctx, tx, collection); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Commit())
}

func (s *Store) Transact(ctx context.Context, collection string, id string, fn store.TxFunc) (domain.Document, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		doc, err := s.transactOnce(ctx, collection, id, fn)
		if err == nil {
			return doc, nil
		}
		if !isSerializationFailure(err) && !isUniqueViolation(err) {
			return nil, unavailable(err)
		}
		log.Debug().Str("collection", collection).Str("id", id).Int("attempt", attempt+1).Msg("postgres transaction retry")
	}
	return nil, store.ErrConflict
}

func (s *Store) transactOnce(ctx context.Context, collection string, id string, fn store.TxFunc) (domain.Document, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current domain.Document
	var raw []byte
	err = pgTx.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE
	`, collection, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		if current, err = decode(raw); err != nil {
			return nil, err
		}
	}

	patch, err := fn(store.Clone(current))
	if err != nil {
		return nil, err
	}
	next := store.ResolveServerTimestamps(patch, s.now())
	if current != nil {
		next = store.Merge(current, next)
	}

	body, date, err := s.encode(next)
	if err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, doc_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (collection, id)
		DO UPDATE SET body = EXCLUDED.body, doc_date = EXCLUDED.doc_date, updated_at = now()
	`, collection, id, body, date); err != nil {
		return nil, err
	}
	if err := notify(ctx, pgTx, collection); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) RangeByDate(ctx context.Context, collection string, start time.Time, end time.Time) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM documents
		WHERE collection = $1 AND doc_date >= $2 AND doc_date <= $3
		ORDER BY doc_date, id
	`, collection, start.UTC(), end.UTC())
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (s *Store) DeleteBatch(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = ANY($2)
	`, collection, ids); err != nil {
		return unavailable(err)
	}
	if err := notify(ctx, tx, collection); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Commit())
}

// Changes holds one pooled connection in LISTEN mode for the lifetime of ctx.
// The connection is discarded afterwards rather than returned to the pool.
func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if _, err := conn.ExecContext(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close()
		return nil, unavailable(err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer conn.Close()

		err := conn.Raw(func(driverConn any) error {
			pgxConn := driverConn.(*stdlib.Conn).Conn()
			for {
				n, err := pgxConn.WaitForNotification(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("collection", collection).Msg("postgres listener stopped")
					}
					return driver.ErrBadConn
				}
				if n.Payload != collection {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		})
		if err != nil && !errors.Is(err, driver.ErrBadConn) {
			log.Warn().Err(err).Msg("postgres listener connection")
		}
	}()
	return out, nil
}

func (s *Store) encode(doc domain.Document) ([]byte, any, error) {
	resolved := store.ResolveServerTimestamps(doc, s.now())
	body, err := json.Marshal(resolved)
	if err != nil {
		return nil, nil, err
	}
	if date, ok := store.DocumentDate(resolved); ok {
		return body, date, nil
	}
	return body, nil, nil
}

func decode(body []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func notify(ctx context.Context, tx *sql.Tx, collection string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection)
	return err
}

// unavailable wraps connection failures in store.ErrUnavailable so callers
// can retry them. Context errors and every other error pass through as-is.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
