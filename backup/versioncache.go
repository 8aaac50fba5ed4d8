package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// ErrVersionRollback is returned when a backup version would move backwards.
var ErrVersionRollback = errors.New("backup version rollback: version is older than the highest seen")

// VersionCache tracks the highest backup version seen per session so
// versions stay strictly increasing even when the mirrored set is lost or
// replaced by an older copy.
type VersionCache interface {
	Max(sessionID string) uint64
	SetMax(sessionID string, version uint64) error
}

// MemoryVersionCache is an in-memory implementation for a single process.
type MemoryVersionCache struct {
	mu       sync.RWMutex
	versions map[string]uint64
}

func NewMemoryVersionCache() *MemoryVersionCache {
	return &MemoryVersionCache{versions: make(map[string]uint64)}
}

func (c *MemoryVersionCache) Max(sessionID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[sessionID]
}

func (c *MemoryVersionCache) SetMax(sessionID string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version < c.versions[sessionID] {
		return ErrVersionRollback
	}
	c.versions[sessionID] = version
	return nil
}

var versionCacheBucket = []byte("__backup_versions")

// BoltVersionCache persists the highest version in a dedicated BBolt
// bucket. Reads come from an in-memory map; writes go to BBolt first and
// update the map once committed.
type BoltVersionCache struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]uint64
}

// NewBoltVersionCache loads every stored version from db.
func NewBoltVersionCache(db *bbolt.DB) (*BoltVersionCache, error) {
	c := &BoltVersionCache{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(versionCacheBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				c.cache[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewBoltVersionCacheFromFile opens a BBolt database at path.
func NewBoltVersionCacheFromFile(path string, options *bbolt.Options) (*BoltVersionCache, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltVersionCache(db)
}

// Close closes the underlying database.
func (c *BoltVersionCache) Close() error {
	return c.db.Close()
}

func (c *BoltVersionCache) Max(sessionID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[sessionID]
}

func (c *BoltVersionCache) SetMax(sessionID string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version < c.cache[sessionID] {
		return ErrVersionRollback
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(versionCacheBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], version)
		return b.Put([]byte(sessionID), buf[:])
	})
	if err != nil {
		return err
	}

	c.cache[sessionID] = version
	return nil
}
