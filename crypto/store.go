// Package crypto seals session payloads with AES-256-GCM and computes the
// canonical checksums used to verify backups. The key lives in a memguard
// enclave and is only decrypted for the duration of a single operation.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/gowebpki/jcs"

	"github.com/jmcleod/ironsession/fault"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage"
)

var (
	// ErrDecryption is returned when a ciphertext is malformed or fails
	// authentication. Callers must treat the payload as unusable.
	ErrDecryption = errors.New("decryption failed")
	// ErrDestroyed is returned once the key has been wiped.
	ErrDestroyed = errors.New("crypto store destroyed")
)

// Store holds one symmetric key.
type Store struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	keyID   string
}

// NewStore generates a fresh random key.
func NewStore() (*Store, error) {
	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	return NewStoreFromKey(key)
}

// NewStoreFromKey takes ownership of key; the slice is wiped.
func NewStoreFromKey(key []byte) (*Store, error) {
	if len(key) != util.AESKeySize {
		util.WipeBytes(key)
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), util.AESKeySize)
	}
	sum := sha256.Sum256(key)
	id := util.HexEncode(sum[:4])
	return &Store{enclave: memguard.NewEnclave(key), keyID: id}, nil
}

// KeyID is a short, non-secret fingerprint of the key for logs.
func (s *Store) KeyID() string {
	return s.keyID
}

// Destroy drops the key. Later operations fail with ErrDestroyed.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
}

func (s *Store) withKey(fn func(key []byte) error) error {
	s.mu.RLock()
	enclave := s.enclave
	s.mu.RUnlock()
	if enclave == nil {
		return ErrDestroyed
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Seal encrypts plaintext under aad with a fresh nonce and returns
// nonce || ciphertext.
func (s *Store) Seal(plaintext, aad []byte) ([]byte, error) {
	var out []byte
	err := s.withKey(func(key []byte) error {
		var err error
		out, err = util.EncryptAESWithAAD(plaintext, key, aad)
		return err
	})
	return out, err
}

// Open reverses Seal.
func (s *Store) Open(sealed, aad []byte) ([]byte, error) {
	var out []byte
	err := s.withKey(func(key []byte) error {
		var err error
		out, err = util.DecryptAESWithAAD(sealed, key, aad)
		return err
	})
	if err != nil && !errors.Is(err, ErrDestroyed) {
		return nil, decryptionError(err)
	}
	return out, err
}

// Encrypt serialises payload as JSON and returns base64(nonce || ciphertext).
func (s *Store) Encrypt(payload any, aad []byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	defer util.WipeBytes(data)
	sealed, err := s.Seal(data, aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext and decodes the JSON payload into out.
func (s *Store) Decrypt(ciphertext string, aad []byte, out any) error {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return decryptionError(err)
	}
	data, err := s.Open(sealed, aad)
	if err != nil {
		return err
	}
	defer util.WipeBytes(data)
	if err := json.Unmarshal(data, out); err != nil {
		return decryptionError(err)
	}
	return nil
}

// SealRecord encrypts plaintext into a storage envelope.
func (s *Store) SealRecord(plaintext, aad []byte, version ...uint64) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := s.withKey(func(key []byte) error {
		var err error
		env, err = storage.SealRecord(key, plaintext, aad, version...)
		return err
	})
	return env, err
}

// OpenRecord decrypts a storage envelope.
func (s *Store) OpenRecord(env *storage.Envelope, aad []byte) ([]byte, error) {
	var out []byte
	err := s.withKey(func(key []byte) error {
		var err error
		out, err = storage.OpenRecord(key, env, aad)
		return err
	})
	if err != nil && !errors.Is(err, ErrDestroyed) {
		return nil, decryptionError(err)
	}
	return out, err
}

// Checksum is the hex SHA-256 of the RFC 8785 canonical JSON of payload.
func (s *Store) Checksum(payload any) (string, error) {
	return Checksum(payload)
}

// Checksum is the hex SHA-256 of the RFC 8785 canonical JSON of payload.
// It does not depend on a key.
func Checksum(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return ChecksumJSON(data)
}

// ChecksumJSON canonicalises already-encoded JSON and hashes it.
func ChecksumJSON(data []byte) (string, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return util.HexEncode(sum[:]), nil
}

func decryptionError(cause error) error {
	return fault.Wrap(fmt.Errorf("%w: %v", ErrDecryption, cause), fault.Integrity, "decrypt_failed")
}
