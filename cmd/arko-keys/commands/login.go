package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/credentials"
)

func loginCmd() *cobra.Command {
	var (
		homeserver  string
		userID      string
		deviceID    string
		accessToken string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an existing session's access token in the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := credentials.SessionMetadata{
				Homeserver: firstNonEmpty(homeserver, cfg.Homeserver),
				UserID:     id.UserID(firstNonEmpty(userID, string(cfg.UserID))),
				DeviceID:   id.DeviceID(firstNonEmpty(deviceID, string(cfg.DeviceID))),
			}
			if meta.Homeserver == "" || meta.UserID == "" || meta.DeviceID == "" || accessToken == "" {
				return fmt.Errorf("homeserver, user, device and access token are all required")
			}
			if err := credentials.StoreSession(meta, accessToken); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored session for %s (%s).\n", meta.UserID, meta.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&homeserver, "homeserver", "", "homeserver base URL")
	cmd.Flags().StringVar(&userID, "user", "", "Matrix user id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id the token belongs to")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
