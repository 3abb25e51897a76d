package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arko-chat/keysetup/internal/bootstrap"
	"github.com/arko-chat/keysetup/internal/config"
	"github.com/arko-chat/keysetup/internal/credentials"
	"github.com/arko-chat/keysetup/internal/crosssigning"
	"github.com/arko-chat/keysetup/internal/logger"
	"github.com/arko-chat/keysetup/internal/matrix"
	"github.com/arko-chat/keysetup/internal/store"
)

var (
	configPath string
	cfg        *config.Config
	slogger    *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "arko-keys",
		Short:         "Set up cross-signing, secret storage and key backup for a Matrix account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.LoadFile(configPath)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			slogger, err = logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(slogger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/arko/keysetup.json)")

	root.AddCommand(loginCmd(), bootstrapCmd(), statusCmd())
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

// session is everything a command needs to talk to the account.
type session struct {
	client *matrix.Client
	store  *store.Store
	info   *crosssigning.Info
	crypto *bootstrap.Crypto
}

func openSession() (*session, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("no access token for %q, run login first", cfg.UserID)
	}
	client, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: cfg.Homeserver,
		AccessToken:   cfg.AccessToken,
		UserID:        cfg.UserID,
		DeviceID:      cfg.DeviceID,
		Logger:        slogger,
	})
	if err != nil {
		return nil, err
	}

	pickleKey, err := cfg.PickleKeyBytes()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorePath, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	st, err := store.Open(store.Options{Path: cfg.StorePath, PickleKey: pickleKey, Logger: slogger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	info := crosssigning.NewInfo(cfg.UserID, slogger)
	c, err := bootstrap.New(bootstrap.Config{
		UserID:          cfg.UserID,
		DeviceID:        cfg.DeviceID,
		API:             client,
		Info:            info,
		Store:           st,
		SecretCallbacks: credentials.NewKeyringSecretCache(cfg.UserID, slogger),
		Logger:          slogger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &session{client: client, store: st, info: info, crypto: c}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		slogger.Warn("failed to close store", "err", err)
	}
}
