package crypto

import (
	"errors"
	"fmt"

	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage"
)

// KeyRecordID is the record id of the sealed origin key.
const KeyRecordID = "origin"

const keyWrapPurpose = "ironsession key wrap v1"

// ErrNoKey is returned by LoadKey when no origin key opens under the
// secret.
var ErrNoKey = errors.New("no origin key for this secret")

// LoadKey opens the shared origin key without creating one.
func LoadKey(repo storage.Repository, partition string, wrappingSecret []byte) (*Store, error) {
	if len(wrappingSecret) == 0 {
		return nil, ErrNoKey
	}
	wrappingKey, err := util.DeriveKey(wrappingSecret, partition, keyWrapPurpose)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrappingKey)
	key, ok, err := openStoredKey(repo, partition, wrappingKey, icrypto.AADKeyWrap(partition))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoKey
	}
	return NewStoreFromKey(key)
}

// LoadOrCreateKey returns the store for partition.
//
// Without a wrapping secret every call yields an independent random key,
// so other processes cannot read what this one writes. With a secret the
// key is shared: it is sealed under an HKDF-derived wrapping key at
// KEY/origin, created on first use. A stored key that does not open under
// the current secret is replaced.
func LoadOrCreateKey(repo storage.Repository, partition string, wrappingSecret []byte) (*Store, error) {
	if len(wrappingSecret) == 0 {
		return NewStore()
	}
	wrappingKey, err := util.DeriveKey(wrappingSecret, partition, keyWrapPurpose)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrappingKey)
	aad := icrypto.AADKeyWrap(partition)

	if key, ok, err := openStoredKey(repo, partition, wrappingKey, aad); err != nil {
		return nil, err
	} else if ok {
		return NewStoreFromKey(key)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing origin key: %w", err)
	}
	if err := repo.Put(partition, storage.RecordKey, KeyRecordID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting origin key: %w", err)
	}

	// Another process may have raced us; adopt whatever won.
	if stored, ok, err := openStoredKey(repo, partition, wrappingKey, aad); err == nil && ok {
		util.WipeBytes(key)
		key = stored
	}
	return NewStoreFromKey(key)
}

func openStoredKey(repo storage.Repository, partition string, wrappingKey, aad []byte) ([]byte, bool, error) {
	env, err := repo.Get(partition, storage.RecordKey, KeyRecordID)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading origin key: %w", err)
	}
	key, err := storage.OpenRecord(wrappingKey, env, aad)
	if err != nil || len(key) != util.AESKeySize {
		// Wrong wrapping secret or corrupt record; callers regenerate.
		if key != nil {
			util.WipeBytes(key)
		}
		return nil, false, nil
	}
	return key, true, nil
}
