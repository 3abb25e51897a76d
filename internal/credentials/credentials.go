package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

const (
	serviceName    = "arko-keys"
	keyAccessToken = "access_token"
	keyRecoveryKey = "recovery_key"
	keyMetadata    = "metadata"
	knownUsersKey  = "app:known_users"
)

var ErrNotFound = errors.New("credentials: not found")

type SessionMetadata struct {
	Homeserver string      `json:"homeserver"`
	UserID     id.UserID   `json:"user_id"`
	DeviceID   id.DeviceID `json:"device_id"`
}

func userKey(userID id.UserID, name string) string {
	return string(userID) + ":" + name
}

func StoreSession(meta SessionMetadata, accessToken string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := keyring.Set(serviceName, userKey(meta.UserID, keyMetadata), string(metaJSON)); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	if err := keyring.Set(serviceName, userKey(meta.UserID, keyAccessToken), accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return addKnownUser(meta.UserID)
}

func LoadSession(userID id.UserID) (SessionMetadata, string, error) {
	metaRaw, err := keyring.Get(serviceName, userKey(userID, keyMetadata))
	if err != nil {
		return SessionMetadata{}, "", ErrNotFound
	}

	var meta SessionMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return SessionMetadata{}, "", fmt.Errorf("unmarshal metadata: %w", err)
	}

	token, err := keyring.Get(serviceName, userKey(userID, keyAccessToken))
	if err != nil {
		return SessionMetadata{}, "", fmt.Errorf("load access token: %w", err)
	}
	return meta, token, nil
}

func DeleteSession(userID id.UserID) {
	_ = keyring.Delete(serviceName, userKey(userID, keyMetadata))
	_ = keyring.Delete(serviceName, userKey(userID, keyAccessToken))
	_ = removeKnownUser(userID)
}

func StoreAppSecret(key string, value string) error {
	return keyring.Set(serviceName, "app:"+key, value)
}

func LoadAppSecret(key string) (string, error) {
	val, err := keyring.Get(serviceName, "app:"+key)
	if err != nil {
		return "", ErrNotFound
	}
	return val, nil
}

func StoreRecoveryKey(userID id.UserID, key string) error {
	return keyring.Set(serviceName, userKey(userID, keyRecoveryKey), key)
}

func LoadRecoveryKey(userID id.UserID) (string, error) {
	val, err := keyring.Get(serviceName, userKey(userID, keyRecoveryKey))
	if err != nil {
		return "", ErrNotFound
	}
	return val, nil
}

func DeleteRecoveryKey(userID id.UserID) {
	_ = keyring.Delete(serviceName, userKey(userID, keyRecoveryKey))
}

// KnownUsers lists accounts with a stored session, in the order they were
// first stored.
func KnownUsers() []id.UserID {
	raw, err := keyring.Get(serviceName, knownUsersKey)
	if err != nil {
		return nil
	}
	var users []id.UserID
	_ = json.Unmarshal([]byte(raw), &users)
	return users
}

func addKnownUser(userID id.UserID) error {
	users := KnownUsers()
	if slices.Contains(users, userID) {
		return nil
	}
	return saveKnownUsers(append(users, userID))
}

func removeKnownUser(userID id.UserID) error {
	users := slices.DeleteFunc(KnownUsers(), func(u id.UserID) bool { return u == userID })
	return saveKnownUsers(users)
}

func saveKnownUsers(users []id.UserID) error {
	data, _ := json.Marshal(users)
	return keyring.Set(serviceName, knownUsersKey, string(data))
}
