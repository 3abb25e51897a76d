package secretstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/crypto/ssss"

	"github.com/arko-chat/keysetup/internal/accountdata"
)

const (
	DefaultKeyEventType = "m.secret_storage.default_key"
	KeyEventTypePrefix  = "m.secret_storage.key."
)

var (
	ErrNoCallbacks      = errors.New("secretstorage: no key callbacks configured")
	ErrNoDefaultKey     = errors.New("secretstorage: no default key")
	ErrUnknownKey       = errors.New("secretstorage: unknown key")
	ErrUnknownAlgorithm = errors.New("secretstorage: unknown algorithm")
	ErrNoKeyReturned    = errors.New("secretstorage: no key returned")
	ErrSecretNotFound   = errors.New("secretstorage: secret not found")
	ErrNotEncrypted     = errors.New("secretstorage: secret content is not encrypted")
)

// Callbacks resolves the private key for one of the candidate key
// descriptions. It returns the chosen key id and the raw key bytes.
type Callbacks interface {
	GetSecretStorageKey(ctx context.Context, keys map[string]KeyInfo, name string) (string, []byte, error)
}

// KeyCacher is an optional extension of Callbacks that persists a newly
// created key outside the current session.
type KeyCacher interface {
	CacheSecretStorageKey(keyID string, info KeyInfo, key []byte) error
}

type AccountDataClient interface {
	GetFromServer(ctx context.Context, eventType string) (map[string]any, error)
	Set(eventType string, content map[string]any) *accountdata.Write
	Subscribe(fn func(accountdata.Notification)) func()
}

type AddKeyOptions struct {
	Name       string
	Key        []byte
	Passphrase *PassphraseInfo
}

type Storage struct {
	client    AccountDataClient
	callbacks Callbacks
	logger    *slog.Logger
}

func New(client AccountDataClient, callbacks Callbacks, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{client: client, callbacks: callbacks, logger: logger}
}

func (s *Storage) GetDefaultKeyID(ctx context.Context) (string, error) {
	content, err := s.client.GetFromServer(ctx, DefaultKeyEventType)
	if err != nil {
		return "", fmt.Errorf("get default key: %w", err)
	}
	var defaultKey ssss.DefaultSecretStorageKeyContent
	if err := fromContent(content, &defaultKey); err != nil {
		return "", fmt.Errorf("decode default key: %w", err)
	}
	return defaultKey.KeyID, nil
}

// SetDefaultKeyID returns once the write has been observed by the account
// data listeners.
func (s *Storage) SetDefaultKeyID(ctx context.Context, keyID string) error {
	observed := make(chan struct{})
	var once sync.Once
	unsubscribe := s.client.Subscribe(func(n accountdata.Notification) {
		if n.Event.Type.Type != DefaultKeyEventType {
			return
		}
		if key, _ := n.Event.Content.Raw["key"].(string); key == keyID {
			once.Do(func() { close(observed) })
		}
	})
	defer unsubscribe()

	if err := s.client.Set(DefaultKeyEventType, map[string]any{"key": keyID}).Wait(ctx); err != nil {
		return fmt.Errorf("set default key: %w", err)
	}

	select {
	case <-observed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddKey writes a new key description. An empty keyID picks a random one
// that isn't already in use.
func (s *Storage) AddKey(ctx context.Context, algorithm ssss.Algorithm, opts AddKeyOptions, keyID string) (string, KeyInfo, error) {
	if algorithm != AlgorithmAESHMACSHA2 {
		return "", KeyInfo{}, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}

	info := KeyInfo{
		Algorithm:  algorithm,
		Name:       opts.Name,
		Passphrase: opts.Passphrase,
	}
	if opts.Key != nil {
		iv, mac, err := keyCheck(opts.Key)
		if err != nil {
			return "", KeyInfo{}, err
		}
		info.IV = iv
		info.MAC = mac
	}

	if keyID == "" {
		for {
			candidate := random.String(32)
			existing, err := s.client.GetFromServer(ctx, KeyEventTypePrefix+candidate)
			if err != nil {
				return "", KeyInfo{}, fmt.Errorf("check key id: %w", err)
			}
			if existing == nil {
				keyID = candidate
				break
			}
		}
	}

	content, err := toContent(info)
	if err != nil {
		return "", KeyInfo{}, err
	}
	if info.MAC == "" {
		delete(content, "iv")
		delete(content, "mac")
	}
	if err := s.client.Set(KeyEventTypePrefix+keyID, content).Wait(ctx); err != nil {
		return "", KeyInfo{}, fmt.Errorf("store key description: %w", err)
	}
	s.logger.Debug("added secret storage key", "key_id", keyID)
	return keyID, info, nil
}

// GetKey returns the description for keyID, or for the default key if keyID
// is empty. A missing key yields a nil KeyInfo.
func (s *Storage) GetKey(ctx context.Context, keyID string) (string, *KeyInfo, error) {
	if keyID == "" {
		var err error
		keyID, err = s.GetDefaultKeyID(ctx)
		if err != nil {
			return "", nil, err
		}
		if keyID == "" {
			return "", nil, nil
		}
	}

	content, err := s.client.GetFromServer(ctx, KeyEventTypePrefix+keyID)
	if err != nil {
		return "", nil, fmt.Errorf("get key %s: %w", keyID, err)
	}
	if content == nil {
		return keyID, nil, nil
	}
	var info KeyInfo
	if err := fromContent(content, &info); err != nil {
		return "", nil, fmt.Errorf("decode key %s: %w", keyID, err)
	}
	return keyID, &info, nil
}

func (s *Storage) HasKey(ctx context.Context, keyID string) (bool, error) {
	_, info, err := s.GetKey(ctx, keyID)
	return info != nil, err
}

// CheckKey reports whether key matches the description. Descriptions written
// without a check value are accepted as-is.
func CheckKey(key []byte, info KeyInfo) (bool, error) {
	if info.Algorithm != AlgorithmAESHMACSHA2 {
		return false, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, info.Algorithm)
	}
	if info.MAC == "" {
		return true, nil
	}
	if len(key) != KeyLength {
		return false, ErrBadKeyLen
	}
	return info.VerifyKey(key), nil
}

// StoreSecret encrypts secret under each of keyIDs, or the default key when
// none are given, and writes it as account data named name.
func (s *Storage) StoreSecret(ctx context.Context, name string, secret []byte, keyIDs []string) error {
	if len(keyIDs) == 0 {
		defaultKey, err := s.GetDefaultKeyID(ctx)
		if err != nil {
			return err
		}
		if defaultKey == "" {
			return ErrNoDefaultKey
		}
		keyIDs = []string{defaultKey}
	}

	encrypted := make(map[string]any, len(keyIDs))
	for _, keyID := range keyIDs {
		_, info, err := s.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		if info.Algorithm != AlgorithmAESHMACSHA2 {
			s.logger.Warn("unknown secret storage key algorithm", "key_id", keyID, "algorithm", info.Algorithm)
			continue
		}

		_, key, err := s.getSecretStorageKey(ctx, map[string]KeyInfo{keyID: *info}, name)
		if err != nil {
			return err
		}
		data, err := encrypt(secret, key, name)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", name, err)
		}
		encrypted[keyID] = map[string]any{
			"iv":         data.IV,
			"ciphertext": data.Ciphertext,
			"mac":        data.MAC,
		}
	}

	if err := s.client.Set(name, map[string]any{"encrypted": encrypted}).Wait(ctx); err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

type secretContent = ssss.EncryptedAccountDataEventContent

// GetSecret decrypts the secret stored as account data named name with the
// key the callbacks pick.
func (s *Storage) GetSecret(ctx context.Context, name string) ([]byte, error) {
	content, err := s.client.GetFromServer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if content == nil {
		return nil, ErrSecretNotFound
	}
	var secret secretContent
	if err := fromContent(content, &secret); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	if len(secret.Encrypted) == 0 {
		return nil, ErrNotEncrypted
	}

	keys := make(map[string]KeyInfo, len(secret.Encrypted))
	for keyID := range secret.Encrypted {
		_, info, err := s.GetKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if info == nil || info.Algorithm != AlgorithmAESHMACSHA2 {
			continue
		}
		keys[keyID] = *info
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable key for %s", ErrUnknownKey, name)
	}

	keyID, key, err := s.getSecretStorageKey(ctx, keys, name)
	if err != nil {
		return nil, err
	}
	info := keys[keyID]
	plaintext, err := secret.Decrypt(name, &ssss.Key{ID: keyID, Key: key, Metadata: &info})
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}

// IsStored returns the key descriptions name is encrypted with, or nil if
// it is not stored under any known key. With checkKey set, entries missing
// any of the encryption fields are ignored.
func (s *Storage) IsStored(ctx context.Context, name string, checkKey bool) (map[string]KeyInfo, error) {
	content, err := s.client.GetFromServer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if content == nil {
		return nil, nil
	}
	var secret secretContent
	if err := fromContent(content, &secret); err != nil {
		return nil, nil
	}

	var stored map[string]KeyInfo
	for keyID, data := range secret.Encrypted {
		_, info, err := s.GetKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if info == nil || info.Algorithm != AlgorithmAESHMACSHA2 {
			continue
		}
		if checkKey && (data.IV == "" || data.Ciphertext == "" || data.MAC == "") {
			continue
		}
		if stored == nil {
			stored = make(map[string]KeyInfo)
		}
		stored[keyID] = *info
	}
	return stored, nil
}

func (s *Storage) getSecretStorageKey(ctx context.Context, keys map[string]KeyInfo, name string) (string, []byte, error) {
	if s.callbacks == nil {
		return "", nil, ErrNoCallbacks
	}
	keyID, key, err := s.callbacks.GetSecretStorageKey(ctx, keys, name)
	if err != nil {
		return "", nil, fmt.Errorf("get secret storage key: %w", err)
	}
	if keyID == "" || key == nil {
		return "", nil, ErrNoKeyReturned
	}
	info, ok := keys[keyID]
	if !ok {
		return "", nil, fmt.Errorf("%w: callback returned %s", ErrUnknownKey, keyID)
	}
	if info.Algorithm != AlgorithmAESHMACSHA2 {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, info.Algorithm)
	}
	if len(key) != KeyLength {
		return "", nil, ErrBadKeyLen
	}
	return keyID, key, nil
}

// KeyIDs returns the ids of keys in sorted order.
func KeyIDs(keys map[string]KeyInfo) []string {
	ids := make([]string, 0, len(keys))
	for keyID := range keys {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)
	return ids
}

func toContent(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	return content, nil
}

func fromContent(content map[string]any, v any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
