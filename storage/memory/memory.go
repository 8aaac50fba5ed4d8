// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/ironsession/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and tabs sharing one process.
type Repository struct {
	mu    sync.RWMutex
	data  map[string]map[string]*storage.Envelope
	quota int
	used  int
}

var _ storage.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithQuota caps the total payload bytes held. Writes that would exceed it
// fail with storage.ErrQuotaExceeded, like a full browser storage area.
func WithQuota(bytes int) Option {
	return func(r *Repository) {
		r.quota = bytes
	}
}

// NewRepository creates a new empty in-memory Repository.
func NewRepository(opts ...Option) *Repository {
	r := &Repository{data: make(map[string]map[string]*storage.Envelope)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetQuota changes the byte quota; 0 disables it.
func (r *Repository) SetQuota(bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quota = bytes
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(partition, recordType, recordID, envelope)
}

func (r *Repository) putLocked(partition, recordType, recordID string, envelope *storage.Envelope) error {
	k := makeKey(recordType, recordID)
	previous := r.data[partition][k].Size()
	if r.quota > 0 && r.used-previous+envelope.Size() > r.quota {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrQuotaExceeded)
	}
	if _, ok := r.data[partition]; !ok {
		r.data[partition] = make(map[string]*storage.Envelope)
	}
	r.data[partition][k] = envelope.Clone()
	r.used += envelope.Size() - previous
	return nil
}

func (r *Repository) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records, ok := r.data[partition]
	if !ok {
		return nil, fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	env, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return env.Clone(), nil
}

func (r *Repository) List(partition, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[partition] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(partition, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(partition, recordType, recordID)
}

func (r *Repository) deleteLocked(partition, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	records, ok := r.data[partition]
	if !ok {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	env, ok := records[k]
	if !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	r.used -= env.Size()
	delete(records, k)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, used := r.snapshotPartition(partition), r.used

	tx := &memoryBatchTx{repo: r, partition: partition}
	if err := fn(tx); err != nil {
		r.restorePartition(partition, snapshot)
		r.used = used
		return err
	}
	return nil
}

func (r *Repository) snapshotPartition(partition string) map[string]*storage.Envelope {
	original, ok := r.data[partition]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restorePartition(partition string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, partition)
	} else {
		r.data[partition] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	partition string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return tx.repo.putLocked(tx.partition, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.partition, recordType, recordID)
}
