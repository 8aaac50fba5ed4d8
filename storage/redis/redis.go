// Package redis implements storage.Repository on Redis. Each record is one
// key holding the JSON envelope; record types can carry their own TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironsession/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "ironsession:"

// Store implements storage.Repository backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    map[string]time.Duration
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires records of recordType after ttl. A zero ttl keeps them
// forever.
func WithTTL(recordType string, ttl time.Duration) Option {
	return func(s *Store) { s.ttl[recordType] = ttl }
}

// NewRepository creates a Redis-backed repository.
func NewRepository(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, ttl: make(map[string]time.Duration)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) partitionPrefix(partition string) string {
	return s.prefix + partition + "/"
}

func (s *Store) key(partition, recordType, recordID string) string {
	return s.partitionPrefix(partition) + recordType + "/" + recordID
}

func (s *Store) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = s.client.Set(context.Background(), s.key(partition, recordType, recordID), data, s.ttl[recordType]).Err()
	return classify(err, recordType, recordID)
}

func (s *Store) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, s.key(partition, recordType, recordID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, s.notFoundError(ctx, partition, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	var env storage.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s/%s: %w", recordType, recordID, err)
	}
	return &env, nil
}

func (s *Store) List(partition, recordType string) ([]string, error) {
	prefix := s.partitionPrefix(partition) + recordType + "/"
	keys, err := s.scan(context.Background(), escapeGlob(prefix)+"*", 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Delete(partition, recordType, recordID string) error {
	ctx := context.Background()
	n, err := s.client.Del(ctx, s.key(partition, recordType, recordID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.notFoundError(ctx, partition, recordType, recordID)
	}
	return nil
}

// Batch stages writes and applies them in one MULTI/EXEC. Nothing is sent
// when fn fails.
func (s *Store) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	btx := &batchTx{store: s, ctx: ctx, partition: partition}
	if err := fn(btx); err != nil {
		return err
	}
	if len(btx.ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range btx.ops {
			op(pipe)
		}
		return nil
	})
	return classify(err, "batch", partition)
}

type batchTx struct {
	store     *Store
	ctx       context.Context
	partition string
	ops       []func(redis.Pipeliner)
}

func (b *batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := b.store.key(b.partition, recordType, recordID)
	ttl := b.store.ttl[recordType]
	b.ops = append(b.ops, func(p redis.Pipeliner) { p.Set(b.ctx, key, data, ttl) })
	return nil
}

func (b *batchTx) Delete(recordType, recordID string) error {
	key := b.store.key(b.partition, recordType, recordID)
	n, err := b.store.client.Exists(b.ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return b.store.notFoundError(b.ctx, b.partition, recordType, recordID)
	}
	b.ops = append(b.ops, func(p redis.Pipeliner) { p.Del(b.ctx, key) })
	return nil
}

// scan walks the keyspace for match. limit > 0 stops early.
func (s *Store) scan(ctx context.Context, match string, limit int) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *Store) notFoundError(ctx context.Context, partition, recordType, recordID string) error {
	keys, err := s.scan(ctx, escapeGlob(s.partitionPrefix(partition))+"*", 1)
	if err == nil && len(keys) == 0 {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func classify(err error, recordType, recordID string) error {
	if err != nil && strings.HasPrefix(err.Error(), "OOM ") {
		return fmt.Errorf("%s/%s: %w: %v", recordType, recordID, storage.ErrQuotaExceeded, err)
	}
	return err
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
