// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backend tests call Run with a fresh repository.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/storage"
)

func envelope(payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAESGCM,
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(payload),
		Version:    1,
	}
}

// Run exercises repo. The repository must start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	const partition = "https://app.example.test"

	t.Run("PutAndGet", func(t *testing.T) {
		env := envelope("state-v1")
		require.NoError(t, repo.Put(partition, storage.RecordState, storage.CurrentID, env))

		got, err := repo.Get(partition, storage.RecordState, storage.CurrentID)
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Nonce, got.Nonce)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Version, got.Version)

		got.Ciphertext[0] = 'X'
		again, err := repo.Get(partition, storage.RecordState, storage.CurrentID)
		require.NoError(t, err)
		assert.Equal(t, byte('s'), again.Ciphertext[0], "returned envelopes must not alias stored data")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get("https://never.example.test", storage.RecordState, storage.CurrentID)
		assert.True(t, storage.IsNotFound(err), "missing partition: %v", err)

		_, err = repo.Get(partition, storage.RecordState, "no-such-record")
		assert.True(t, storage.IsNotFound(err), "missing record: %v", err)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Put(partition, storage.RecordSession, storage.CurrentID, envelope("first")))
		require.NoError(t, repo.Put(partition, storage.RecordSession, storage.CurrentID, envelope("second")))
		got, err := repo.Get(partition, storage.RecordSession, storage.CurrentID)
		require.NoError(t, err)
		assert.Equal(t, "second", string(got.Ciphertext))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(partition, storage.RecordCSRF, "tab-a", envelope("a")))
		require.NoError(t, repo.Put(partition, storage.RecordCSRF, "tab-b", envelope("b")))
		require.NoError(t, repo.Put(partition, storage.RecordBackups, "sess-1", envelope("c")))

		ids, err := repo.List(partition, storage.RecordCSRF)
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"tab-a", "tab-b"}, ids)

		ids, err = repo.List("https://never.example.test", storage.RecordCSRF)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(partition, storage.RecordCSRF, "tab-del", envelope("d")))
		require.NoError(t, repo.Delete(partition, storage.RecordCSRF, "tab-del"))
		_, err := repo.Get(partition, storage.RecordCSRF, "tab-del")
		assert.True(t, storage.IsNotFound(err))

		err = repo.Delete(partition, storage.RecordCSRF, "tab-del")
		assert.True(t, storage.IsNotFound(err), "second delete: %v", err)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(partition, func(tx storage.BatchTx) error {
			if err := tx.Put(storage.RecordState, "batch-1", envelope("one")); err != nil {
				return err
			}
			return tx.Put(storage.RecordState, "batch-2", envelope("two"))
		})
		require.NoError(t, err)

		for _, id := range []string{"batch-1", "batch-2"} {
			_, err := repo.Get(partition, storage.RecordState, id)
			assert.NoError(t, err, id)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(partition, func(tx storage.BatchTx) error {
			if err := tx.Put(storage.RecordState, "rolled-back", envelope("x")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(partition, storage.RecordState, "rolled-back")
		assert.True(t, storage.IsNotFound(err), "write inside failed batch must not persist: %v", err)
	})

	t.Run("BatchDelete", func(t *testing.T) {
		require.NoError(t, repo.Put(partition, storage.RecordBackups, "sess-del", envelope("b")))
		err := repo.Batch(partition, func(tx storage.BatchTx) error {
			return tx.Delete(storage.RecordBackups, "sess-del")
		})
		require.NoError(t, err)
		_, err = repo.Get(partition, storage.RecordBackups, "sess-del")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("PartitionsAreIsolated", func(t *testing.T) {
		require.NoError(t, repo.Put("https://other.example.test", storage.RecordState, storage.CurrentID, envelope("other")))
		got, err := repo.Get(partition, storage.RecordState, storage.CurrentID)
		require.NoError(t, err)
		assert.NotEqual(t, "other", string(got.Ciphertext))
	})
}
