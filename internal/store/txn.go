package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/crosssigning"
)

const (
	keyCrossSigningKeys    = "account/cross_signing_keys"
	keyCrossSigningPrivate = "account/cross_signing_private/"
	keySessionBackup       = "account/session_backup_key"
)

type Txn struct {
	txn   *badger.Txn
	store *Store
	mode  Mode
	areas []string
}

type crossSigningRecord struct {
	Keys     map[string]crosssigning.KeyInfo `cbor:"keys"`
	Trusted  bool                            `cbor:"trusted"`
	StoredAt int64                           `cbor:"stored_at"`
}

func (t *Txn) hasArea(area string) bool {
	for _, a := range t.areas {
		if a == area {
			return true
		}
	}
	return false
}

func (t *Txn) put(key string, value []byte) error {
	if t.mode != ModeReadWrite {
		return ErrReadOnly
	}
	if !t.hasArea(AreaAccount) {
		return fmt.Errorf("%w: transaction does not cover %s", ErrUnknownArea, AreaAccount)
	}
	return t.txn.Set([]byte(key), value)
}

func (t *Txn) get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *Txn) putSealed(key string, value []byte) error {
	sealed, err := t.store.seal(key, value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return t.put(key, sealed)
}

func (t *Txn) getSealed(key string) ([]byte, error) {
	sealed, err := t.get(key)
	if err != nil {
		return nil, err
	}
	return t.store.unseal(key, sealed)
}

// StoreCrossSigningKeys records keys as the account's trusted public
// cross-signing identity.
func (t *Txn) StoreCrossSigningKeys(keys crosssigning.PublicKeys) error {
	record := crossSigningRecord{
		Keys:     make(map[string]crosssigning.KeyInfo, len(keys)),
		Trusted:  true,
		StoredAt: time.Now().UnixMilli(),
	}
	for role, info := range keys {
		record.Keys[string(role)] = info
	}
	data, err := marshal(record)
	if err != nil {
		return fmt.Errorf("encode cross-signing keys: %w", err)
	}
	return t.put(keyCrossSigningKeys, data)
}

func (t *Txn) GetCrossSigningKeys() (crosssigning.PublicKeys, bool, error) {
	data, err := t.get(keyCrossSigningKeys)
	if err != nil {
		return nil, false, err
	}
	var record crossSigningRecord
	if err := unmarshal(data, &record); err != nil {
		return nil, false, fmt.Errorf("decode cross-signing keys: %w", err)
	}
	keys := make(crosssigning.PublicKeys, len(record.Keys))
	for role, info := range record.Keys {
		keys[id.CrossSigningUsage(role)] = info
	}
	return keys, record.Trusted, nil
}

func (t *Txn) StoreCrossSigningPrivateKey(role id.CrossSigningUsage, key []byte) error {
	return t.putSealed(keyCrossSigningPrivate+string(role), key)
}

func (t *Txn) GetCrossSigningPrivateKey(role id.CrossSigningUsage) ([]byte, error) {
	return t.getSealed(keyCrossSigningPrivate + string(role))
}
