package commands

import (
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/arko-chat/keysetup/internal/bootstrap"
	"github.com/arko-chat/keysetup/internal/credentials"
	"github.com/arko-chat/keysetup/internal/matrix"
	"github.com/arko-chat/keysetup/internal/secretstorage"
)

func bootstrapCmd() *cobra.Command {
	var (
		password      string
		passphrase    string
		secretStorage bool
		keyBackup     bool
		qrPath        string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create new cross-signing keys and optionally secret storage and a key backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			existing, err := sess.client.AccountDataSnapshot(ctx, secretstorage.DefaultKeyEventType)
			if err != nil {
				return fmt.Errorf("fetch account data: %w", err)
			}

			opts := bootstrap.Options{
				AuthUpload:          matrix.NoAuth(),
				ExistingAccountData: existing,
				SetupSecretStorage:  secretStorage,
				Passphrase:          passphrase,
				PassphraseRounds:    cfg.PassphraseRounds,
				SetupKeyBackup:      keyBackup,
			}
			if password != "" {
				opts.AuthUpload = matrix.PasswordAuth(cfg.UserID, password)
			}

			if own, err := sess.client.QueryOwnDeviceKeys(ctx); err != nil {
				slogger.Warn("not signing this device, key query failed", "err", err)
			} else {
				opts.DeviceKeys = own.Device
			}

			if !keyBackup {
				backup, err := sess.client.KeyBackupVersion(ctx)
				if err != nil {
					slogger.Warn("could not look up existing key backup", "err", err)
				}
				opts.ExistingBackup = backup
			}

			result, err := sess.crypto.Bootstrap(ctx, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Master key: %s\n", result.MasterKeyID)
			if result.KeyBackup != nil {
				fmt.Fprintf(out, "Key backup version: %s\n", result.KeyBackup.Version)
			}
			if result.RecoveryKey == "" {
				return nil
			}

			fmt.Fprintf(out, "Secret storage key: %s\nRecovery key: %s\n", result.SecretStorageKeyID, result.RecoveryKey)
			if err := credentials.StoreRecoveryKey(cfg.UserID, result.RecoveryKey); err != nil {
				slogger.Warn("failed to keep recovery key in keyring", "err", err)
			}
			if qrPath != "" {
				if err := qrcode.WriteFile(result.RecoveryKey, qrcode.Medium, 256, qrPath); err != nil {
					return fmt.Errorf("write recovery key qr code: %w", err)
				}
				fmt.Fprintf(out, "Recovery key QR code written to %s\n", qrPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password for user-interactive auth")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "derive the secret storage key from a passphrase")
	cmd.Flags().BoolVar(&secretStorage, "secret-storage", true, "create secret storage and store the private keys in it")
	cmd.Flags().BoolVar(&keyBackup, "key-backup", false, "create a new server-side key backup")
	cmd.Flags().StringVar(&qrPath, "qr", "", "write the recovery key as a PNG QR code to this file")
	return cmd
}
