package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/fault"
	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/memory"
)

const partition = "https://app.example.test"

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleState() *session.State {
	s := session.New("sess-1", "tab-a", t0, session.Metadata{
		Locale:   "en-GB",
		Security: session.Security{MFAVerified: true, AuthMethod: "oidc"},
		Extra:    map[string]string{"plan": "pro"},
	})
	s.Record(session.Activity{Timestamp: t0.Add(time.Second), Type: session.ActivityInteraction, Details: "pointer"})
	s.Record(session.Activity{Timestamp: t0.Add(2 * time.Second), Type: session.ActivityNavigation, Details: "/home",
		Metadata: &session.ActivityMeta{Route: "/home"}})
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore()
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newStore(t)
	in := sampleState()
	aad := icrypto.AADState(partition)

	ct, err := s.Encrypt(in, aad)
	require.NoError(t, err)

	var out session.State
	require.NoError(t, s.Decrypt(ct, aad, &out))
	assert.Equal(t, in, &out)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	s := newStore(t)
	in := sampleState()
	aad := icrypto.AADState(partition)

	a, err := s.Encrypt(in, aad)
	require.NoError(t, err)
	b, err := s.Encrypt(in, aad)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ra, _ := base64.StdEncoding.DecodeString(a)
	rb, _ := base64.StdEncoding.DecodeString(b)
	assert.NotEqual(t, ra[:12], rb[:12])
}

func TestDecryptRejectsTampering(t *testing.T) {
	s := newStore(t)
	aad := icrypto.AADState(partition)
	ct, err := s.Encrypt(sampleState(), aad)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	var out session.State
	err = s.Decrypt(tampered, aad, &out)
	require.ErrorIs(t, err, ErrDecryption)
	assert.True(t, fault.IsIntegrity(err))

	err = s.Decrypt(ct, icrypto.AADState("https://evil.example.test"), &out)
	assert.ErrorIs(t, err, ErrDecryption, "ciphertext is bound to its partition")

	err = s.Decrypt("not base64!", aad, &out)
	assert.ErrorIs(t, err, ErrDecryption)

	err = s.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), aad, &out)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptWithOtherKeyFails(t *testing.T) {
	a := newStore(t)
	b := newStore(t)
	aad := icrypto.AADState(partition)
	ct, err := a.Encrypt(sampleState(), aad)
	require.NoError(t, err)
	var out session.State
	assert.ErrorIs(t, b.Decrypt(ct, aad, &out), ErrDecryption)
	assert.NotEqual(t, a.KeyID(), b.KeyID())
}

func TestSealRecordRoundTrip(t *testing.T) {
	s := newStore(t)
	aad := icrypto.AADBackup(partition, "sess-1", 3)
	env, err := s.SealRecord([]byte("payload"), aad, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), env.Version)

	got, err := s.OpenRecord(env, aad)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = s.OpenRecord(env, icrypto.AADBackup(partition, "sess-1", 4))
	assert.True(t, fault.IsIntegrity(err))
}

func TestChecksumSensitivity(t *testing.T) {
	base := sampleState()
	sum, err := Checksum(base)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	again, err := Checksum(base.Clone())
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	mutations := map[string]func(*session.State){
		"session id": func(s *session.State) { s.SessionID = "sess-2" },
		"tab id":     func(s *session.State) { s.TabID = "tab-b" },
		"start":      func(s *session.State) { s.StartTime = s.StartTime.Add(time.Nanosecond) },
		"active":     func(s *session.State) { s.IsActive = false },
		"activity":   func(s *session.State) { s.Activities[1].Details = "other" },
		"locale":     func(s *session.State) { s.Metadata.Locale = "fr-FR" },
		"mfa":        func(s *session.State) { s.Metadata.Security.MFAVerified = false },
		"extra":      func(s *session.State) { s.Metadata.Extra["plan"] = "free" },
		"updated":    func(s *session.State) { s.UpdatedAt = s.UpdatedAt.Add(time.Second) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := base.Clone()
			mutate(c)
			got, err := Checksum(c)
			require.NoError(t, err)
			assert.NotEqual(t, sum, got)
		})
	}
}

func TestChecksumJSONIsCanonical(t *testing.T) {
	a, err := ChecksumJSON([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := ChecksumJSON([]byte(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDestroy(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)
	s.Destroy()
	_, err = s.Encrypt(sampleState(), nil)
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = s.Open([]byte("anything at all"), nil)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestNewStoreFromKeyValidatesSize(t *testing.T) {
	_, err := NewStoreFromKey(make([]byte, 16))
	assert.Error(t, err)
}

func TestLoadOrCreateKeyShared(t *testing.T) {
	repo := memory.NewRepository()
	secret := []byte("correct horse battery staple")

	a, err := LoadOrCreateKey(repo, partition, secret)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := LoadOrCreateKey(repo, partition, secret)
	require.NoError(t, err)
	defer b.Destroy()
	assert.Equal(t, a.KeyID(), b.KeyID())

	aad := icrypto.AADState(partition)
	ct, err := a.Encrypt(sampleState(), aad)
	require.NoError(t, err)
	var out session.State
	require.NoError(t, b.Decrypt(ct, aad, &out))

	env, err := repo.Get(partition, storage.RecordKey, KeyRecordID)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAESGCM, env.Scheme, "origin key is never stored in clear")
}

func TestLoadOrCreateKeyRotatesOnSecretChange(t *testing.T) {
	repo := memory.NewRepository()
	a, err := LoadOrCreateKey(repo, partition, []byte("secret-one"))
	require.NoError(t, err)
	defer a.Destroy()
	b, err := LoadOrCreateKey(repo, partition, []byte("secret-two"))
	require.NoError(t, err)
	defer b.Destroy()
	assert.NotEqual(t, a.KeyID(), b.KeyID())

	c, err := LoadOrCreateKey(repo, partition, []byte("secret-two"))
	require.NoError(t, err)
	defer c.Destroy()
	assert.Equal(t, b.KeyID(), c.KeyID())
}

func TestLoadOrCreateKeyWithoutSecretIsPerProcess(t *testing.T) {
	repo := memory.NewRepository()
	a, err := LoadOrCreateKey(repo, partition, nil)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := LoadOrCreateKey(repo, partition, nil)
	require.NoError(t, err)
	defer b.Destroy()
	assert.NotEqual(t, a.KeyID(), b.KeyID())

	_, err = repo.Get(partition, storage.RecordKey, KeyRecordID)
	assert.True(t, storage.IsNotFound(err))
}

func TestLoadKey(t *testing.T) {
	repo := memory.NewRepository()
	secret := []byte("correct horse battery staple")

	_, err := LoadKey(repo, partition, secret)
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = repo.Get(partition, storage.RecordKey, KeyRecordID)
	assert.True(t, storage.IsNotFound(err), "LoadKey never creates a key")

	created, err := LoadOrCreateKey(repo, partition, secret)
	require.NoError(t, err)
	defer created.Destroy()

	loaded, err := LoadKey(repo, partition, secret)
	require.NoError(t, err)
	defer loaded.Destroy()
	assert.Equal(t, created.KeyID(), loaded.KeyID())

	_, err = LoadKey(repo, partition, []byte("wrong"))
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = LoadKey(repo, partition, nil)
	assert.ErrorIs(t, err, ErrNoKey)
}
