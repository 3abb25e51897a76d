package bootstrap

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/accountdata"
	"github.com/arko-chat/keysetup/internal/crosssigning"
	"github.com/arko-chat/keysetup/internal/store"
)

// AuthUploadFunc drives user-interactive auth around an upload. It calls
// makeRequest one or more times, each with the auth dict to send.
type AuthUploadFunc func(ctx context.Context, makeRequest func(ctx context.Context, auth map[string]any) error) error

type CrossSigningUpload struct {
	AuthUpload AuthUploadFunc
	Keys       crosssigning.PublicKeys
}

func (u *CrossSigningUpload) clone() *CrossSigningUpload {
	if u == nil {
		return nil
	}
	return &CrossSigningUpload{AuthUpload: u.AuthUpload, Keys: u.Keys.Clone()}
}

// KeyBackupInfo describes a server-side key backup version. An empty
// Version means the backup does not exist yet.
type KeyBackupInfo struct {
	Version   id.KeyBackupVersion   `json:"version,omitempty"`
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  map[string]any        `json:"auth_data"`
}

func (k *KeyBackupInfo) clone() *KeyBackupInfo {
	if k == nil {
		return nil
	}
	return &KeyBackupInfo{
		Version:   k.Version,
		Algorithm: k.Algorithm,
		AuthData:  accountdata.CloneContent(k.AuthData),
	}
}

// KeySignatures is the body of a signature upload:
// user id -> key or device id -> signed object.
type KeySignatures map[id.UserID]map[string]any

func (k KeySignatures) clone() KeySignatures {
	if k == nil {
		return nil
	}
	out := make(KeySignatures, len(k))
	for userID, inner := range k {
		copied := make(map[string]any, len(inner))
		for keyID, sig := range inner {
			if obj, ok := sig.(map[string]any); ok {
				copied[keyID] = accountdata.CloneContent(obj)
			} else {
				copied[keyID] = sig
			}
		}
		out[userID] = copied
	}
	return out
}

// API is the subset of the homeserver client an operation needs.
type API interface {
	UploadDeviceSigningKeys(ctx context.Context, auth map[string]any, keys map[string]crosssigning.KeyInfo) error
	SetAccountData(ctx context.Context, eventType string, content map[string]any) error
	UploadKeySignatures(ctx context.Context, signatures KeySignatures) error
	UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, algorithm id.KeyBackupAlgorithm, authData map[string]any) error
	CreateKeyBackupVersion(ctx context.Context, info KeyBackupInfo) (id.KeyBackupVersion, error)
}

type CrossSigningInfo interface {
	SetKeys(keys crosssigning.PublicKeys)
}

type CryptoStore interface {
	DoTxn(ctx context.Context, mode store.Mode, areas []string, fn func(*store.Txn) error) error
	StoreSessionBackupPrivateKey(ctx context.Context, key []byte) error
}

// Context bundles the collaborators Apply and Persist act on.
type Context interface {
	API() API
	CrossSigningInfo() CrossSigningInfo
	CryptoStore() CryptoStore
}
