package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/bootstrap"
	"github.com/arko-chat/keysetup/internal/cache"
)

const clientPrefix = "/_matrix/client/v3"

type ClientConfig struct {
	HomeserverURL string
	AccessToken   string
	UserID        id.UserID
	DeviceID      id.DeviceID
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client is the slice of the client-server API that key setup needs.
type Client struct {
	homeserver  string
	accessToken string
	userID      id.UserID
	deviceID    id.DeviceID
	http        *http.Client
	logger      *slog.Logger

	backupVersions *cache.Single[*bootstrap.KeyBackupInfo]
}

var _ bootstrap.API = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, ErrNoHomeserver
	}
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("parse homeserver url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		homeserver:     strings.TrimRight(cfg.HomeserverURL, "/"),
		accessToken:    cfg.AccessToken,
		userID:         cfg.UserID,
		deviceID:       cfg.DeviceID,
		http:           httpClient,
		logger:         logger.With("user", cfg.UserID),
		backupVersions: cache.NewSingle[*bootstrap.KeyBackupInfo](cache.DefaultTTL),
	}, nil
}

func (c *Client) UserID() id.UserID     { return c.userID }
func (c *Client) DeviceID() id.DeviceID { return c.deviceID }

func (c *Client) endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.homeserver)
	b.WriteString(clientPrefix)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses come back as *MatrixError or *UIAError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(bodyJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("matrix request failed", "method", method, "url", req.URL.Path, "status", resp.StatusCode)
		return parseError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
