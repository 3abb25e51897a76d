package matrix

import (
	"context"
	"net/http"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/bootstrap"
)

const backupVersionKey = "current"

// KeyBackupVersion returns the current server-side backup, or nil if there
// is none. Results are cached briefly.
func (c *Client) KeyBackupVersion(ctx context.Context) (*bootstrap.KeyBackupInfo, error) {
	return c.backupVersions.Get(ctx, backupVersionKey, c.fetchKeyBackupVersion)
}

func (c *Client) fetchKeyBackupVersion(ctx context.Context) (*bootstrap.KeyBackupInfo, error) {
	var info bootstrap.KeyBackupInfo
	err := c.do(ctx, http.MethodGet, c.endpoint("room_keys", "version"), nil, &info)
	if IsMatrixError(err, "M_NOT_FOUND") {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &info, nil
}

type backupVersionBody struct {
	Version   id.KeyBackupVersion   `json:"version,omitempty"`
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  map[string]any        `json:"auth_data"`
}

func (c *Client) UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, algorithm id.KeyBackupAlgorithm, authData map[string]any) error {
	defer c.backupVersions.Invalidate(backupVersionKey)
	body := backupVersionBody{Version: version, Algorithm: algorithm, AuthData: authData}
	return c.do(ctx, http.MethodPut, c.endpoint("room_keys", "version", string(version)), body, nil)
}

func (c *Client) CreateKeyBackupVersion(ctx context.Context, info bootstrap.KeyBackupInfo) (id.KeyBackupVersion, error) {
	defer c.backupVersions.Invalidate(backupVersionKey)
	body := backupVersionBody{Algorithm: info.Algorithm, AuthData: info.AuthData}
	var resp struct {
		Version id.KeyBackupVersion `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("room_keys", "version"), body, &resp); err != nil {
		return "", err
	}
	if resp.Version == "" {
		return "", ErrNoBackupVersion
	}
	c.logger.Info("created key backup", "version", resp.Version)
	return resp.Version, nil
}
