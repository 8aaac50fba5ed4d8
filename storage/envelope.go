package storage

import (
	"fmt"

	"github.com/jmcleod/ironsession/internal/util"
)

const (
	SchemeAESGCM    = "aes256gcm"
	SchemePlainJSON = "plain-json"
)

// Envelope is a stored record. Sealed records carry AES-256-GCM output;
// plain-json records carry index data that is safe to store in clear.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Size is the number of payload bytes the envelope occupies.
func (e *Envelope) Size() int {
	if e == nil {
		return 0
	}
	return len(e.Nonce) + len(e.Ciphertext)
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(full, recordKey, aad)
}

// PlainRecord wraps clear index data.
func PlainRecord(data []byte) *Envelope {
	return &Envelope{Ver: 1, Scheme: SchemePlainJSON, Ciphertext: append([]byte(nil), data...)}
}

// OpenPlain returns the data of a plain-json envelope.
func OpenPlain(envelope *Envelope) ([]byte, error) {
	if envelope.Scheme != SchemePlainJSON {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	return append([]byte(nil), envelope.Ciphertext...), nil
}
