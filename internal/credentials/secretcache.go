package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/secretstorage"
)

// KeyringSecretCache keeps secret storage keys in the OS keyring. It
// answers key requests from keys cached earlier, then from the stored
// recovery key.
type KeyringSecretCache struct {
	userID id.UserID
	logger *slog.Logger
}

var (
	_ secretstorage.Callbacks = (*KeyringSecretCache)(nil)
	_ secretstorage.KeyCacher = (*KeyringSecretCache)(nil)
)

func NewKeyringSecretCache(userID id.UserID, logger *slog.Logger) *KeyringSecretCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyringSecretCache{userID: userID, logger: logger}
}

func (c *KeyringSecretCache) entry(keyID string) string {
	return userKey(c.userID, "ssss:"+keyID)
}

func (c *KeyringSecretCache) GetSecretStorageKey(_ context.Context, keys map[string]secretstorage.KeyInfo, name string) (string, []byte, error) {
	ids := secretstorage.KeyIDs(keys)

	for _, keyID := range ids {
		encoded, err := keyring.Get(serviceName, c.entry(keyID))
		if err != nil {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			c.logger.Warn("ignoring corrupt cached secret storage key", "key_id", keyID, "err", err)
			continue
		}
		if ok, _ := secretstorage.CheckKey(key, keys[keyID]); ok {
			return keyID, key, nil
		}
	}

	recoveryKey, err := LoadRecoveryKey(c.userID)
	if err != nil {
		return "", nil, nil
	}
	key, err := secretstorage.DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return "", nil, fmt.Errorf("decode stored recovery key: %w", err)
	}
	for _, keyID := range ids {
		if ok, _ := secretstorage.CheckKey(key, keys[keyID]); ok {
			c.logger.Debug("using stored recovery key", "key_id", keyID, "secret", name)
			return keyID, key, nil
		}
	}
	return "", nil, nil
}

func (c *KeyringSecretCache) CacheSecretStorageKey(keyID string, _ secretstorage.KeyInfo, key []byte) error {
	if err := keyring.Set(serviceName, c.entry(keyID), base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("store secret storage key: %w", err)
	}
	return nil
}
