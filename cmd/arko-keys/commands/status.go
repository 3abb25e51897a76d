package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/credentials"
	"github.com/arko-chat/keysetup/internal/crosssigning"
	"github.com/arko-chat/keysetup/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local and server key state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			out := cmd.OutOrStdout()

			var (
				local      crosssigning.PublicKeys
				hasPrivate = map[id.CrossSigningUsage]bool{}
			)
			err = sess.store.DoTxn(ctx, store.ModeReadOnly, []string{store.AreaAccount}, func(txn *store.Txn) error {
				keys, trusted, err := txn.GetCrossSigningKeys()
				if errors.Is(err, store.ErrNotFound) {
					return nil
				} else if err != nil {
					return err
				}
				if !trusted {
					return nil
				}
				local = keys
				for _, role := range crosssigning.Roles {
					_, err := txn.GetCrossSigningPrivateKey(role)
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
					hasPrivate[role] = err == nil
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("read store: %w", err)
			}

			if local == nil {
				fmt.Fprintln(out, "Local cross-signing keys: none")
			} else {
				for _, role := range crosssigning.Roles {
					fmt.Fprintf(out, "Local %s key: %s (private key stored: %t)\n", role, local[role].KeyID(), hasPrivate[role])
				}
			}

			if own, err := sess.client.QueryOwnDeviceKeys(ctx); err != nil {
				fmt.Fprintf(out, "Server keys: unavailable (%v)\n", err)
			} else if own.MasterKey == nil {
				fmt.Fprintln(out, "Server master key: none")
			} else {
				match := local != nil && own.MasterKey.PublicKey() == local[id.XSUsageMaster].PublicKey()
				fmt.Fprintf(out, "Server master key: %s (matches local: %t)\n", own.MasterKey.KeyID(), match)
			}

			backup, err := sess.client.KeyBackupVersion(ctx)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Key backup: unavailable (%v)\n", err)
			case backup == nil:
				fmt.Fprintln(out, "Key backup: none")
			default:
				fmt.Fprintf(out, "Key backup: version %s (%s)\n", backup.Version, backup.Algorithm)
			}

			if _, err := sess.store.GetSessionBackupPrivateKey(ctx); err == nil {
				fmt.Fprintln(out, "Key backup private key: stored")
			}
			if _, err := credentials.LoadRecoveryKey(cfg.UserID); err == nil {
				fmt.Fprintln(out, "Recovery key: stored in keyring")
			}
			return nil
		},
	}
}
