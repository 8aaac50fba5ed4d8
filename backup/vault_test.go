package backup

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/crypto"
	"github.com/jmcleod/ironsession/fault"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/memory"
)

const partition = "https://app.example.test"

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newCrypto(t *testing.T) *crypto.Store {
	t.Helper()
	s, err := crypto.NewStore()
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func stateAt(i int) *session.State {
	s := session.New("sess-1", "tab-a", t0, session.Metadata{Locale: "en-GB"})
	s.Record(session.Activity{Timestamp: t0.Add(time.Duration(i) * time.Second), Type: session.ActivityInteraction, Details: fmt.Sprintf("step-%d", i)})
	return s
}

func TestSnapshotBound(t *testing.T) {
	v := New(newCrypto(t), WithClock(clock.NewFake(t0)))
	ctx := context.Background()
	const k = 3
	for i := 0; i < MaxBackups+k; i++ {
		_, err := v.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
	}
	set := v.Backups("sess-1")
	require.Len(t, set, MaxBackups)
	for i, b := range set {
		assert.Equal(t, uint64(MaxBackups+k-i), b.Version, "newest first, most recent retained")
	}
}

func TestSnapshotVersionsStrictlyIncrease(t *testing.T) {
	v := New(newCrypto(t))
	ctx := context.Background()
	var last uint64
	for i := 0; i < 12; i++ {
		b, err := v.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
		assert.Greater(t, b.Version, last)
		last = b.Version
	}
}

func TestSnapshotChecksumCoversPlaintext(t *testing.T) {
	v := New(newCrypto(t))
	s := stateAt(1)
	b, err := v.Snapshot(context.Background(), s)
	require.NoError(t, err)
	want, err := crypto.Checksum(s)
	require.NoError(t, err)
	assert.Equal(t, want, b.Checksum)
}

func TestRestoreLatestValid(t *testing.T) {
	v := New(newCrypto(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := v.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
	}
	got, err := v.RestoreLatestValid(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stateAt(2), got)
}

func TestRestoreSkipsTamperedBackup(t *testing.T) {
	v := New(newCrypto(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := v.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
	}

	raw, err := base64.StdEncoding.DecodeString(v.sets["sess-1"][0].Data)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x80
	v.sets["sess-1"][0].Data = base64.StdEncoding.EncodeToString(raw)

	got, err := v.RestoreLatestValid(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "step-1", got.LastActivity.Details, "falls back to the previous valid backup")
}

func TestRestoreRejectsChecksumMismatch(t *testing.T) {
	v := New(newCrypto(t))
	ctx := context.Background()
	_, err := v.Snapshot(ctx, stateAt(0))
	require.NoError(t, err)
	v.sets["sess-1"][0].Checksum = "0000"

	got, err := v.RestoreLatestValid(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRestoreUnknownSession(t *testing.T) {
	v := New(newCrypto(t))
	got, err := v.RestoreLatestValid(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMirrorAndLoadInFreshProcess(t *testing.T) {
	repo := memory.NewRepository()
	secret := []byte("shared wrapping secret")
	ctx := context.Background()

	keyA, err := crypto.LoadOrCreateKey(repo, partition, secret)
	require.NoError(t, err)
	defer keyA.Destroy()
	first := New(keyA, WithRepository(repo, partition))
	for i := 0; i < 2; i++ {
		_, err := first.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
	}

	keyB, err := crypto.LoadOrCreateKey(repo, partition, secret)
	require.NoError(t, err)
	defer keyB.Destroy()
	second := New(keyB, WithRepository(repo, partition))
	require.NoError(t, second.Load(ctx, "sess-1"))
	require.Len(t, second.Backups("sess-1"), 2)

	got, err := second.RestoreLatestValid(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, stateAt(1), got)

	b, err := second.Snapshot(ctx, stateAt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Version, "versions continue from the mirrored set")
}

func TestLoadWithForeignKeyDegrades(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()
	first := New(newCrypto(t), WithRepository(repo, partition))
	_, err := first.Snapshot(ctx, stateAt(0))
	require.NoError(t, err)

	second := New(newCrypto(t), WithRepository(repo, partition))
	err = second.Load(ctx, "sess-1")
	require.Error(t, err)
	assert.True(t, fault.IsIntegrity(err))
	assert.Empty(t, second.Backups("sess-1"))

	require.NoError(t, second.Load(ctx, "never-written"))
}

func TestSnapshotQuotaExceededKeepsMemoryCopy(t *testing.T) {
	repo := memory.NewRepository(memory.WithQuota(64))
	v := New(newCrypto(t), WithRepository(repo, partition))

	b, err := v.Snapshot(context.Background(), stateAt(0))
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	assert.Equal(t, uint64(1), b.Version)
	assert.Len(t, v.Backups("sess-1"), 1)

	got, err := v.RestoreLatestValid(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestVersionCacheSurvivesLostMirror(t *testing.T) {
	repo := memory.NewRepository()
	cache := NewMemoryVersionCache()
	ctx := context.Background()
	v := New(newCrypto(t), WithRepository(repo, partition), WithVersionCache(cache))
	for i := 0; i < 3; i++ {
		_, err := v.Snapshot(ctx, stateAt(i))
		require.NoError(t, err)
	}
	require.NoError(t, v.Forget("sess-1"))

	b, err := v.Snapshot(ctx, stateAt(9))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), b.Version)
}

func TestMemoryVersionCache(t *testing.T) {
	c := NewMemoryVersionCache()
	require.NoError(t, c.SetMax("s", 10))
	assert.Equal(t, uint64(10), c.Max("s"))
	assert.ErrorIs(t, c.SetMax("s", 9), ErrVersionRollback)
	require.NoError(t, c.SetMax("s", 10))
	assert.Equal(t, uint64(0), c.Max("other"))
}

func TestBoltVersionCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.db")
	c, err := NewBoltVersionCacheFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.SetMax("s1", 10))
	require.NoError(t, c.SetMax("s2", 20))
	require.NoError(t, c.Close())

	c2, err := NewBoltVersionCacheFromFile(path, nil)
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, uint64(10), c2.Max("s1"))
	assert.Equal(t, uint64(20), c2.Max("s2"))
	assert.ErrorIs(t, c2.SetMax("s1", 9), ErrVersionRollback)
	require.NoError(t, c2.SetMax("s1", 11))
	assert.Equal(t, uint64(11), c2.Max("s1"))
}
