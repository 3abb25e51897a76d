package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/accountdata"
	"github.com/arko-chat/keysetup/internal/crosssigning"
)

// Operation is an immutable batch of server-side changes produced by
// Builder.BuildOperation.
type Operation struct {
	accountData      []accountdata.Entry
	crossSigningKeys *CrossSigningUpload
	keyBackupInfo    *KeyBackupInfo
	keySignatures    KeySignatures
	logger           *slog.Logger
}

// ApplyResult reports what the homeserver assigned while applying.
type ApplyResult struct {
	// CreatedBackupVersion is the version of a backup created by Apply,
	// empty if none was created.
	CreatedBackupVersion id.KeyBackupVersion
}

func (o *Operation) AccountData() []accountdata.Entry {
	out := make([]accountdata.Entry, len(o.accountData))
	for i, entry := range o.accountData {
		out[i] = accountdata.Entry{Type: entry.Type, Content: accountdata.CloneContent(entry.Content)}
	}
	return out
}

func (o *Operation) CrossSigningKeys() *CrossSigningUpload {
	return o.crossSigningKeys.clone()
}

func (o *Operation) KeyBackupInfo() *KeyBackupInfo {
	return o.keyBackupInfo.clone()
}

func (o *Operation) KeySignatures() KeySignatures {
	return o.keySignatures.clone()
}

// Apply sends the staged changes in a fixed order: cross-signing keys,
// account data, signatures, key backup. The first failure stops the rest.
// Nothing already sent is rolled back. The operation itself is not modified,
// so it may be applied from several goroutines.
func (o *Operation) Apply(ctx context.Context, sess Context) (*ApplyResult, error) {
	api := sess.API()
	result := &ApplyResult{}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if o.crossSigningKeys != nil {
		keys := make(map[string]crosssigning.KeyInfo, len(o.crossSigningKeys.Keys))
		for role, info := range o.crossSigningKeys.Keys {
			keys[string(role)+"_key"] = info
		}

		upload := func(ctx context.Context, auth map[string]any) error {
			return api.UploadDeviceSigningKeys(ctx, auth, keys)
		}
		var err error
		if o.crossSigningKeys.AuthUpload != nil {
			err = o.crossSigningKeys.AuthUpload(ctx, upload)
		} else {
			err = upload(ctx, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("upload cross-signing keys: %w", err)
		}
		sess.CrossSigningInfo().SetKeys(o.crossSigningKeys.Keys.Clone())
		logger.Info("uploaded cross-signing keys")
	}

	for _, entry := range o.accountData {
		if err := api.SetAccountData(ctx, entry.Type, entry.Content); err != nil {
			return nil, fmt.Errorf("set account data %s: %w", entry.Type, err)
		}
		logger.Debug("set account data", "type", entry.Type)
	}

	if len(o.keySignatures) > 0 {
		if err := api.UploadKeySignatures(ctx, o.keySignatures); err != nil {
			return nil, fmt.Errorf("upload key signatures: %w", err)
		}
		logger.Info("uploaded key signatures", "users", len(o.keySignatures))
	}

	if o.keyBackupInfo != nil {
		info := o.keyBackupInfo
		if info.Version != "" {
			if err := api.UpdateKeyBackupVersion(ctx, info.Version, info.Algorithm, info.AuthData); err != nil {
				return nil, fmt.Errorf("update key backup %s: %w", info.Version, err)
			}
			logger.Info("updated key backup", "version", info.Version)
		} else {
			version, err := api.CreateKeyBackupVersion(ctx, *info)
			if err != nil {
				return nil, fmt.Errorf("create key backup: %w", err)
			}
			result.CreatedBackupVersion = version
			logger.Info("created key backup", "version", version)
		}
	}
	return result, nil
}
