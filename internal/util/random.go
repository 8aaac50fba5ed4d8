package util

import (
	"encoding/base64"
	"fmt"
	"io"
)

// RandomBytesFrom reads n bytes from r. Callers inject r in tests to
// simulate entropy failures.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns n random bytes from r encoded as unpadded base64url.
func RandomToken(r io.Reader, n int) (string, error) {
	b, err := RandomBytesFrom(r, n)
	if err != nil {
		return "", err
	}
	defer WipeBytes(b)
	return base64.RawURLEncoding.EncodeToString(b), nil
}
