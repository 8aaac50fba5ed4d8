// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The session_records table uses a composite primary key (partition,
// record_type, record_id) that mirrors the key space used by the BBolt and
// in-memory backends. Envelope fields are stored as individual columns.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironsession/storage"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE 53100 disk_full, 54000 program_limit_exceeded.
var quotaCodes = map[string]bool{"53100": true, "54000": true}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// EnsureSchema creates the required tables and indexes if they do not exist.
// It is safe to call on every startup (all statements use IF NOT EXISTS).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertSQL = `INSERT INTO session_records (partition, record_type, record_id, ver, scheme, nonce, ciphertext, version, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	 ON CONFLICT (partition, record_type, record_id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8, updated_at = now()`

const deleteSQL = `DELETE FROM session_records WHERE partition = $1 AND record_type = $2 AND record_id = $3`

// execer abstracts both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func put(ctx context.Context, q execer, partition, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := q.Exec(ctx, upsertSQL,
		partition, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, int64(envelope.Version))
	return classify(err, recordType, recordID)
}

func del(ctx context.Context, q execer, partition, recordType, recordID string) error {
	tag, err := q.Exec(ctx, deleteSQL, partition, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, q, partition, recordType, recordID)
	}
	return nil
}

func (s *Store) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	return put(context.Background(), s.pool, partition, recordType, recordID, envelope)
}

func (s *Store) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	var version int64
	err := s.pool.QueryRow(context.Background(),
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM session_records WHERE partition = $1 AND record_type = $2 AND record_id = $3`,
		partition, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(context.Background(), s.pool, partition, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func (s *Store) List(partition, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM session_records WHERE partition = $1 AND record_type = $2`,
		partition, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(partition, recordType, recordID string) error {
	return del(context.Background(), s.pool, partition, recordType, recordID)
}

func (s *Store) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx, partition: partition}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	tx        pgx.Tx
	partition string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return put(context.Background(), btx.tx, btx.partition, recordType, recordID, envelope)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return del(context.Background(), btx.tx, btx.partition, recordType, recordID)
}

func classify(err error, recordType, recordID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && quotaCodes[pgErr.Code] {
		return fmt.Errorf("%s/%s: %w: %s", recordType, recordID, storage.ErrQuotaExceeded, pgErr.Message)
	}
	return err
}

// notFoundError distinguishes a missing partition from a missing record,
// preserving the BBolt semantics.
func notFoundError(ctx context.Context, q execer, partition, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM session_records WHERE partition = $1 LIMIT 1)`,
		partition).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
