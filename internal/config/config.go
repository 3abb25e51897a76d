package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/credentials"
)

const (
	appName    = "arko"
	configFile = "keysetup.json"
)

var ErrNoPickleKey = errors.New("config: pickle key is not valid base64")

type Config struct {
	Homeserver       string      `json:"homeserver"`
	UserID           id.UserID   `json:"user_id"`
	DeviceID         id.DeviceID `json:"device_id"`
	StorePath        string      `json:"store_path"`
	LogLevel         string      `json:"log_level"`
	LogFormat        string      `json:"log_format"`
	PassphraseRounds int         `json:"passphrase_rounds,omitempty"`

	AccessToken string `json:"-"`
	PickleKey   string `json:"-"`
}

func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName, configFile), nil
}

func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path, which may contain comments, writing
// one with defaults if it doesn't exist. Environment variables (and a .env
// file in the working directory) override file values. The pickle key and
// access token come from the OS keyring.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Config{LogLevel: "info", LogFormat: "text"}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		cfg.StorePath = filepath.Join(filepath.Dir(path), "keys")
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
		slog.Info("generated new config", "path", path)
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.PickleKey == "" {
		cfg.PickleKey, err = credentials.LoadAppSecret("pickle_key")
		if err != nil {
			pickle := make([]byte, 32)
			if _, err := rand.Read(pickle); err != nil {
				return nil, err
			}
			cfg.PickleKey = base64.StdEncoding.EncodeToString(pickle)
			if err := credentials.StoreAppSecret("pickle_key", cfg.PickleKey); err != nil {
				return nil, err
			}
		}
	}

	if cfg.AccessToken == "" && cfg.UserID != "" {
		if meta, token, err := credentials.LoadSession(cfg.UserID); err == nil {
			cfg.AccessToken = token
			if cfg.Homeserver == "" {
				cfg.Homeserver = meta.Homeserver
			}
			if cfg.DeviceID == "" {
				cfg.DeviceID = meta.DeviceID
			}
		}
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARKO_HOMESERVER"); v != "" {
		cfg.Homeserver = v
	}
	if v := os.Getenv("ARKO_USER_ID"); v != "" {
		cfg.UserID = id.UserID(v)
	}
	if v := os.Getenv("ARKO_DEVICE_ID"); v != "" {
		cfg.DeviceID = id.DeviceID(v)
	}
	if v := os.Getenv("ARKO_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("ARKO_ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("ARKO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARKO_PASSPHRASE_ROUNDS"); v != "" {
		if rounds, err := strconv.Atoi(v); err == nil {
			cfg.PassphraseRounds = rounds
		}
	}
	if v := os.Getenv("PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
}

func (c *Config) PickleKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.PickleKey)
	if err != nil || len(key) == 0 {
		return nil, ErrNoPickleKey
	}
	return key, nil
}
