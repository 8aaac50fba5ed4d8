// Package sqlite implements storage.Repository on a single SQLite table
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	msqlite "modernc.org/sqlite"

	"github.com/jmcleod/ironsession/storage"
)

// SQLITE_FULL and SQLITE_TOOBIG primary result codes.
const (
	codeFull   = 13
	codeTooBig = 18
)

const migration = `
CREATE TABLE IF NOT EXISTS records (
    partition   TEXT    NOT NULL,
    record_type TEXT    NOT NULL,
    record_id   TEXT    NOT NULL,
    ver         INTEGER NOT NULL,
    scheme      TEXT    NOT NULL,
    nonce       BLOB,
    ciphertext  BLOB    NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (partition, record_type, record_id)
);
CREATE INDEX IF NOT EXISTS idx_records_type ON records(partition, record_type);
`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (or creates) the database at dataSourceName and runs the
// migration.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writers serialised and lets ":memory:" work.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations creates the records table if it does not exist.
func (s *Store) RunMigrations() error {
	if _, err := s.db.Exec(migration); err != nil {
		return fmt.Errorf("failed to run migration: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func put(q execer, partition, recordType, recordID string, env *storage.Envelope) error {
	_, err := q.Exec(`INSERT INTO records (partition, record_type, record_id, ver, scheme, nonce, ciphertext, version, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (partition, record_type, record_id)
		DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, nonce = excluded.nonce,
			ciphertext = excluded.ciphertext, version = excluded.version, modified_at = CURRENT_TIMESTAMP`,
		partition, recordType, recordID, env.Ver, env.Scheme, env.Nonce, env.Ciphertext, int64(env.Version))
	if err != nil {
		return classify(err, recordType, recordID)
	}
	return nil
}

func del(q execer, partition, recordType, recordID string) error {
	res, err := q.Exec(`DELETE FROM records WHERE partition = ? AND record_type = ? AND record_id = ?`,
		partition, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundError(q, partition, recordType, recordID)
	}
	return nil
}

func (s *Store) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	return put(s.db, partition, recordType, recordID, envelope)
}

func (s *Store) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	var version int64
	err := s.db.QueryRow(`SELECT ver, scheme, nonce, ciphertext, version FROM records
		WHERE partition = ? AND record_type = ? AND record_id = ?`,
		partition, recordType, recordID).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(s.db, partition, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func (s *Store) List(partition, recordType string) ([]string, error) {
	rows, err := s.db.Query(`SELECT record_id FROM records WHERE partition = ? AND record_type = ? ORDER BY record_id`,
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
	return del(s.db, partition, recordType, recordID)
}

func (s *Store) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&batchTx{tx: tx, partition: partition}); err != nil {
		return err
	}
	return tx.Commit()
}

type batchTx struct {
	tx        *sql.Tx
	partition string
}

func (b *batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return put(b.tx, b.partition, recordType, recordID, envelope)
}

func (b *batchTx) Delete(recordType, recordID string) error {
	return del(b.tx, b.partition, recordType, recordID)
}

func classify(err error, recordType, recordID string) error {
	var sqErr *msqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case codeFull, codeTooBig:
			return fmt.Errorf("%s/%s: %w: %v", recordType, recordID, storage.ErrQuotaExceeded, err)
		}
	}
	return err
}

func notFoundError(q execer, partition, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(`SELECT EXISTS(SELECT 1 FROM records WHERE partition = ? LIMIT 1)`, partition).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
