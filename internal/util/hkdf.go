package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// DeriveKey expands secret into a 32-byte key bound to salt and purpose.
// Distinct purposes yield independent keys from the same secret.
func DeriveKey(secret []byte, salt, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("derive key: empty secret")
	}
	h := hkdf.New(sha256.New, secret, []byte(salt), []byte(purpose))
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
