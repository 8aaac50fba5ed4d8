package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/storagetest"
)

func newTestDB(t *testing.T) (*bbolt.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return db, path
}

func TestBBoltStorage(t *testing.T) {
	db, _ := newTestDB(t)
	t.Cleanup(func() { db.Close() })
	storagetest.Run(t, NewRepository(db))
}

func TestBBoltStorage_SurvivesReopen(t *testing.T) {
	db, path := newTestDB(t)
	s := NewRepository(db)
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}
	require.NoError(t, s.Put("origin", storage.RecordState, storage.CurrentID, env))
	require.NoError(t, s.Close())

	reopened, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("origin", storage.RecordState, storage.CurrentID)
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), got.Ciphertext)
	assert.Same(t, reopened.db, reopened.DB())
}

func TestBBoltStorage_ListIgnoresShorterKeys(t *testing.T) {
	db, _ := newTestDB(t)
	t.Cleanup(func() { db.Close() })
	s := NewRepository(db)

	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM}
	require.NoError(t, s.Put("origin", "A", "1", env))
	require.NoError(t, s.Put("origin", "AB", "2", env))

	ids, err := s.List("origin", "AB")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids)
}

func TestBBoltStorage_MissingPartition(t *testing.T) {
	db, _ := newTestDB(t)
	t.Cleanup(func() { db.Close() })
	s := NewRepository(db)

	_, err := s.Get("nowhere", storage.RecordState, storage.CurrentID)
	assert.ErrorIs(t, err, storage.ErrPartitionNotFound)
	assert.ErrorIs(t, s.Delete("nowhere", storage.RecordState, storage.CurrentID), storage.ErrPartitionNotFound)
}
