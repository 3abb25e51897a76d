package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/accountdata"
	"github.com/arko-chat/keysetup/internal/crosssigning"
	"github.com/arko-chat/keysetup/internal/keycache"
	"github.com/arko-chat/keysetup/internal/secretstorage"
	"github.com/arko-chat/keysetup/internal/store"
)

// Builder collects everything a bootstrap wants to change without touching
// the server. BuildOperation snapshots the staged changes for Apply, and
// Persist writes the local half to the crypto store.
type Builder struct {
	logger        *slog.Logger
	accountData   *accountdata.Store
	crossSigning  *keycache.CrossSigning
	secretStorage *keycache.SecretStorage

	mu                      sync.Mutex
	crossSigningKeys        *CrossSigningUpload
	keyBackupInfo           *KeyBackupInfo
	sessionBackupPrivateKey []byte
	keySignatures           KeySignatures
}

func NewBuilder(existing map[string]*event.Event, delegate secretstorage.Callbacks, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		logger:        logger,
		accountData:   accountdata.New(existing, logger),
		crossSigning:  keycache.NewCrossSigning(),
		secretStorage: keycache.NewSecretStorage(delegate, logger),
	}
}

func (b *Builder) AccountData() *accountdata.Store {
	return b.accountData
}

func (b *Builder) CrossSigningCache() *keycache.CrossSigning {
	return b.crossSigning
}

func (b *Builder) SecretStorageCache() *keycache.SecretStorage {
	return b.secretStorage
}

func (b *Builder) AddCrossSigningKeys(authUpload AuthUploadFunc, keys crosssigning.PublicKeys) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crossSigningKeys = &CrossSigningUpload{AuthUpload: authUpload, Keys: keys.Clone()}
}

func (b *Builder) AddSessionBackup(info KeyBackupInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyBackupInfo = info.clone()
}

// AddSessionBackupPrivateKeyToCache stages the backup decryption key for
// Persist. It is never sent to the server.
func (b *Builder) AddSessionBackupPrivateKeyToCache(key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionBackupPrivateKey = bytes.Clone(key)
}

func (b *Builder) AddKeySignature(userID id.UserID, keyOrDeviceID string, signature any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keySignatures == nil {
		b.keySignatures = make(KeySignatures)
	}
	if b.keySignatures[userID] == nil {
		b.keySignatures[userID] = make(map[string]any)
	}
	b.keySignatures[userID][keyOrDeviceID] = signature
}

// SetAccountData stages content and waits for its notification.
func (b *Builder) SetAccountData(ctx context.Context, eventType string, content map[string]any) error {
	return b.accountData.Set(eventType, content).Wait(ctx)
}

// BuildOperation returns an independent snapshot of the staged changes.
// Later builder calls do not affect a previously built operation.
func (b *Builder) BuildOperation() *Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Operation{
		accountData:      b.accountData.Entries(),
		crossSigningKeys: b.crossSigningKeys.clone(),
		keyBackupInfo:    b.keyBackupInfo.clone(),
		keySignatures:    b.keySignatures.clone(),
		logger:           b.logger,
	}
}

// Persist stores the private cross-signing keys from the session cache and
// the staged public keys as trusted in one transaction, then the session
// backup key. Nothing here talks to the server.
func (b *Builder) Persist(ctx context.Context, sess Context) error {
	b.mu.Lock()
	pending := b.crossSigningKeys.clone()
	backupKey := bytes.Clone(b.sessionBackupPrivateKey)
	b.mu.Unlock()

	cryptoStore := sess.CryptoStore()
	if pending != nil {
		err := cryptoStore.DoTxn(ctx, store.ModeReadWrite, []string{store.AreaAccount}, func(txn *store.Txn) error {
			for _, role := range crosssigning.Roles {
				key := b.crossSigning.GetCached(role)
				if key == nil {
					b.logger.Debug("no private key cached for role", "role", role)
					continue
				}
				b.logger.Info("storing cross-signing private key locally", "role", role)
				if err := txn.StoreCrossSigningPrivateKey(role, key); err != nil {
					return fmt.Errorf("store %s private key: %w", role, err)
				}
			}
			return txn.StoreCrossSigningKeys(pending.Keys)
		})
		if err != nil {
			return fmt.Errorf("persist cross-signing keys: %w", err)
		}
	}

	if backupKey != nil {
		if err := cryptoStore.StoreSessionBackupPrivateKey(ctx, backupKey); err != nil {
			return fmt.Errorf("persist session backup key: %w", err)
		}
	}
	return nil
}

func (b *Builder) Close() {
	b.accountData.Close()
}
