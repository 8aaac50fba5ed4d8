// Package file implements storage.Repository on a directory tree:
//
//	<root>/<partition>/<record type>/<record id>.json
//
// Partitions and record ids are query-escaped so origins map to a single
// path element. Every write goes through a temp file and a rename, so
// readers in other processes never observe a torn record.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/jmcleod/ironsession/storage"
)

const recordExt = ".json"

// Store implements storage.Repository on the local filesystem.
type Store struct {
	mu   sync.RWMutex
	root string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Store rooted at dir, creating it if needed.
func NewRepository(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// PartitionDir returns the directory holding the records of partition.
func PartitionDir(root, partition string) string {
	return filepath.Join(root, url.QueryEscape(partition))
}

func (s *Store) path(partition, recordType, recordID string) string {
	return filepath.Join(PartitionDir(s.root, partition), recordType, url.QueryEscape(recordID)+recordExt)
}

func (s *Store) Put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(partition, recordType, recordID, envelope)
}

func (s *Store) put(partition, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	path := s.path(partition, recordType, recordID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return classify(fmt.Errorf("create record dir: %w", err))
	}
	return classify(WriteFileAtomic(path, data, 0o600))
}

func (s *Store) Get(partition, recordType, recordID string) (*storage.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(partition, recordType, recordID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, s.notFoundError(partition, recordType, recordID)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(PartitionDir(s.root, partition), recordType))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id, err := url.QueryUnescape(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Delete(partition, recordType, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(partition, recordType, recordID)
}

func (s *Store) delete(partition, recordType, recordID string) error {
	err := os.Remove(s.path(partition, recordType, recordID))
	if errors.Is(err, os.ErrNotExist) {
		return s.notFoundError(partition, recordType, recordID)
	}
	return err
}

// Batch stages the operations of fn and applies them once fn returns nil.
// Each record is replaced atomically; the batch as a whole is not.
func (s *Store) Batch(partition string, fn func(tx storage.BatchTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	btx := &batchTx{store: s, partition: partition}
	if err := fn(btx); err != nil {
		return err
	}
	for _, op := range btx.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

type batchTx struct {
	store     *Store
	partition string
	ops       []func() error
}

func (b *batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	env := envelope.Clone()
	b.ops = append(b.ops, func() error { return b.store.put(b.partition, recordType, recordID, env) })
	return nil
}

func (b *batchTx) Delete(recordType, recordID string) error {
	if _, err := os.Stat(b.store.path(b.partition, recordType, recordID)); errors.Is(err, os.ErrNotExist) {
		return b.store.notFoundError(b.partition, recordType, recordID)
	}
	b.ops = append(b.ops, func() error { return b.store.delete(b.partition, recordType, recordID) })
	return nil
}

func (s *Store) notFoundError(partition, recordType, recordID string) error {
	if _, err := os.Stat(PartitionDir(s.root, partition)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", partition, storage.ErrPartitionNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func classify(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", storage.ErrQuotaExceeded, err)
	}
	return err
}

// WriteFileAtomic writes content to a temp file beside path, syncs it and
// renames it into place.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	return nil
}
