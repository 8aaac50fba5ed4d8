package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/ironsession/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte("session state")
	aad := []byte("context")

	env, err := SealRecord(key, plain, aad, 7)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}

	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if env.Version != 7 {
		t.Errorf("expected record version 7, got %d", env.Version)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}

	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenRecord(key, env, []byte("wrong context")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		if _, err := OpenRecord(wrongKey, env, aad); err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		if _, err := OpenRecord(key, &badEnv, aad); err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		if _, err := OpenRecord(key, PlainRecord(plain), aad); err == nil {
			t.Error("expected error with plain scheme, got nil")
		}
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		c := env.Clone()
		c.Nonce[0] ^= 0xFF
		if bytes.Equal(c.Nonce, env.Nonce) {
			t.Error("clone shares nonce backing array")
		}
		if env.Size() != len(env.Nonce)+len(env.Ciphertext) {
			t.Error("unexpected size")
		}
	})
}

func TestPlainRecord(t *testing.T) {
	env := PlainRecord([]byte(`{"session_id":"s"}`))
	data, err := OpenPlain(env)
	if err != nil {
		t.Fatalf("OpenPlain failed: %v", err)
	}
	if string(data) != `{"session_id":"s"}` {
		t.Errorf("unexpected data %s", data)
	}
	key, _ := util.NewAESKey()
	sealed, _ := SealRecord(key, []byte("x"), nil)
	if _, err := OpenPlain(sealed); err == nil {
		t.Error("expected OpenPlain to reject sealed envelopes")
	}
}
