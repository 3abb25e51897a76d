package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/curve25519"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/accountdata"
	"github.com/arko-chat/keysetup/internal/crosssigning"
	"github.com/arko-chat/keysetup/internal/secretstorage"
)

const (
	SecretMasterKey      = "m.cross_signing.master"
	SecretSelfSigningKey = "m.cross_signing.self_signing"
	SecretUserSigningKey = "m.cross_signing.user_signing"
	SecretMegolmBackup   = "m.megolm_backup.v1"
)

var secretNames = map[id.CrossSigningUsage]string{
	id.XSUsageMaster:      SecretMasterKey,
	id.XSUsageSelfSigning: SecretSelfSigningKey,
	id.XSUsageUserSigning: SecretUserSigningKey,
}

var ErrMissingConfig = errors.New("bootstrap: user id, api, cross-signing info and store are required")

type Config struct {
	UserID          id.UserID
	DeviceID        id.DeviceID
	API             API
	Info            CrossSigningInfo
	Store           CryptoStore
	SecretCallbacks secretstorage.Callbacks
	Logger          *slog.Logger
}

// Crypto owns the long-lived collaborators of a device and runs bootstrap
// sessions against them.
type Crypto struct {
	userID    id.UserID
	deviceID  id.DeviceID
	api       API
	info      CrossSigningInfo
	store     CryptoStore
	callbacks secretstorage.Callbacks
	logger    *slog.Logger
}

func New(cfg Config) (*Crypto, error) {
	if cfg.UserID == "" || cfg.API == nil || cfg.Info == nil || cfg.Store == nil {
		return nil, ErrMissingConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Crypto{
		userID:    cfg.UserID,
		deviceID:  cfg.DeviceID,
		api:       cfg.API,
		info:      cfg.Info,
		store:     cfg.Store,
		callbacks: cfg.SecretCallbacks,
		logger:    logger.With("user", cfg.UserID),
	}, nil
}

func (c *Crypto) API() API                           { return c.api }
func (c *Crypto) CrossSigningInfo() CrossSigningInfo { return c.info }
func (c *Crypto) CryptoStore() CryptoStore           { return c.store }

type Options struct {
	AuthUpload AuthUploadFunc
	// ExistingAccountData is the snapshot the session overlays.
	ExistingAccountData map[string]*event.Event
	// DeviceKeys, when set, is this device's key object. It gets signed
	// with the new self-signing key.
	DeviceKeys map[string]any

	SetupSecretStorage bool
	// Passphrase derives the secret storage key instead of generating one.
	Passphrase       string
	PassphraseRounds int

	SetupKeyBackup bool
	// ExistingBackup is re-signed with the new master key when no new
	// backup is being created.
	ExistingBackup *KeyBackupInfo
}

type Result struct {
	MasterKeyID        string
	SecretStorageKeyID string
	RecoveryKey        string
	KeyBackup          *KeyBackupInfo
}

// Bootstrap creates a new cross-signing identity and, optionally, secret
// storage and a key backup, then applies the result to the server and the
// local store.
func (c *Crypto) Bootstrap(ctx context.Context, opts Options) (*Result, error) {
	b := NewBuilder(opts.ExistingAccountData, c.callbacks, c.logger)
	defer b.Close()

	public, private, err := crosssigning.Generate(c.userID)
	if err != nil {
		return nil, err
	}
	b.CrossSigningCache().BulkStore(private)
	b.AddCrossSigningKeys(opts.AuthUpload, public)
	result := &Result{MasterKeyID: public[id.XSUsageMaster].KeyID()}
	c.logger.Info("generated cross-signing keys", "master", result.MasterKeyID)

	if opts.DeviceKeys != nil {
		signed, err := crosssigning.SignJSON(private[id.XSUsageSelfSigning], c.userID, opts.DeviceKeys)
		if err != nil {
			return nil, fmt.Errorf("sign device keys: %w", err)
		}
		b.AddKeySignature(c.userID, string(c.deviceID), signed)
	}

	var ss *secretstorage.Storage
	if opts.SetupSecretStorage {
		ss = secretstorage.New(b.AccountData(), b.SecretStorageCache(), c.logger)
		keyID, recoveryKey, err := c.setupSecretStorage(ctx, b, ss, opts)
		if err != nil {
			return nil, err
		}
		result.SecretStorageKeyID = keyID
		result.RecoveryKey = recoveryKey

		for _, role := range crosssigning.Roles {
			if err := ss.StoreSecret(ctx, secretNames[role], private[role], nil); err != nil {
				return nil, fmt.Errorf("store %s secret: %w", role, err)
			}
		}
	}

	switch {
	case opts.SetupKeyBackup:
		info, backupKey, err := newKeyBackup(c.userID, private[id.XSUsageMaster])
		if err != nil {
			return nil, err
		}
		b.AddSessionBackup(*info)
		b.AddSessionBackupPrivateKeyToCache(backupKey)
		if ss != nil {
			if err := ss.StoreSecret(ctx, SecretMegolmBackup, backupKey, nil); err != nil {
				return nil, fmt.Errorf("store backup secret: %w", err)
			}
		}
		result.KeyBackup = info
	case opts.ExistingBackup != nil && opts.ExistingBackup.Version != "":
		info := opts.ExistingBackup.clone()
		signed, err := crosssigning.SignJSON(private[id.XSUsageMaster], c.userID, info.AuthData)
		if err != nil {
			return nil, fmt.Errorf("sign existing backup: %w", err)
		}
		info.AuthData = signed
		b.AddSessionBackup(*info)
		result.KeyBackup = info
	}

	applied, err := b.BuildOperation().Apply(ctx, c)
	if err != nil {
		return nil, err
	}
	if version := applied.CreatedBackupVersion; version != "" {
		result.KeyBackup.Version = version
	}
	if err := b.Persist(ctx, c); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Crypto) setupSecretStorage(ctx context.Context, b *Builder, ss *secretstorage.Storage, opts Options) (string, string, error) {
	var (
		key        []byte
		passphrase *secretstorage.PassphraseInfo
		err        error
	)
	if opts.Passphrase != "" {
		key, passphrase, err = secretstorage.NewPassphraseKey(opts.Passphrase, opts.PassphraseRounds)
	} else {
		key = make([]byte, secretstorage.KeyLength)
		_, err = rand.Read(key)
	}
	if err != nil {
		return "", "", fmt.Errorf("create secret storage key: %w", err)
	}

	keyID, info, err := ss.AddKey(ctx, secretstorage.AlgorithmAESHMACSHA2, secretstorage.AddKeyOptions{
		Name:       "Recovery key",
		Key:        key,
		Passphrase: passphrase,
	}, "")
	if err != nil {
		return "", "", err
	}
	b.SecretStorageCache().Store(keyID, info, key)
	if err := ss.SetDefaultKeyID(ctx, keyID); err != nil {
		return "", "", err
	}
	c.logger.Info("created secret storage key", "key_id", keyID)
	return keyID, secretstorage.EncodeRecoveryKey(key), nil
}

func newKeyBackup(userID id.UserID, masterSeed []byte) (*KeyBackupInfo, []byte, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("generate backup key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive backup public key: %w", err)
	}

	authData, err := crosssigning.SignJSON(masterSeed, userID, map[string]any{
		"public_key": base64.RawStdEncoding.EncodeToString(public),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sign backup auth data: %w", err)
	}
	return &KeyBackupInfo{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  accountdata.CloneContent(authData),
	}, private, nil
}
