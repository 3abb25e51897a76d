package matrix

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/bootstrap"
	"github.com/arko-chat/keysetup/internal/crosssigning"
)

// UploadDeviceSigningKeys publishes cross-signing public keys. keys is keyed
// by request field (master_key, self_signing_key, user_signing_key). A nil
// auth is left out of the body, which is how the UIA session is obtained.
func (c *Client) UploadDeviceSigningKeys(ctx context.Context, auth map[string]any, keys map[string]crosssigning.KeyInfo) error {
	body := make(map[string]any, len(keys)+1)
	for field, info := range keys {
		body[field] = info
	}
	if auth != nil {
		body["auth"] = auth
	}
	return c.do(ctx, http.MethodPost, c.endpoint("keys", "device_signing", "upload"), body, nil)
}

// SignatureUploadError lists the signatures the homeserver rejected.
type SignatureUploadError struct {
	Failures map[id.UserID]map[string]MatrixError
}

func (e *SignatureUploadError) Error() string {
	var failed []string
	for userID, keys := range e.Failures {
		for keyID, mErr := range keys {
			failed = append(failed, fmt.Sprintf("%s/%s: %s", userID, keyID, mErr.Code))
		}
	}
	sort.Strings(failed)
	return "matrix: signature upload failed for " + strings.Join(failed, ", ")
}

type signatureUploadResponse struct {
	Failures map[id.UserID]map[string]MatrixError `json:"failures"`
}

func (c *Client) UploadKeySignatures(ctx context.Context, signatures bootstrap.KeySignatures) error {
	var resp signatureUploadResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("keys", "signatures", "upload"), signatures, &resp); err != nil {
		return err
	}
	if len(resp.Failures) > 0 {
		return &SignatureUploadError{Failures: resp.Failures}
	}
	return nil
}

// OwnKeys is what the homeserver publishes for this device and account.
type OwnKeys struct {
	Device         map[string]any
	MasterKey      *crosssigning.KeyInfo
	SelfSigningKey *crosssigning.KeyInfo
	UserSigningKey *crosssigning.KeyInfo
}

type keyQueryResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]map[string]any `json:"device_keys"`
	MasterKeys      map[id.UserID]crosssigning.KeyInfo           `json:"master_keys"`
	SelfSigningKeys map[id.UserID]crosssigning.KeyInfo           `json:"self_signing_keys"`
	UserSigningKeys map[id.UserID]crosssigning.KeyInfo           `json:"user_signing_keys"`
	Failures        map[string]any                               `json:"failures"`
}

// QueryOwnDeviceKeys fetches the signed device key object of this device
// along with whatever cross-signing keys the account has published.
func (c *Client) QueryOwnDeviceKeys(ctx context.Context) (*OwnKeys, error) {
	body := map[string]any{
		"device_keys": map[id.UserID][]id.DeviceID{c.userID: {c.deviceID}},
	}
	var resp keyQueryResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("keys", "query"), body, &resp); err != nil {
		return nil, err
	}

	device, ok := resp.DeviceKeys[c.userID][c.deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	own := &OwnKeys{Device: device}
	if k, ok := resp.MasterKeys[c.userID]; ok {
		own.MasterKey = &k
	}
	if k, ok := resp.SelfSigningKeys[c.userID]; ok {
		own.SelfSigningKey = &k
	}
	if k, ok := resp.UserSigningKeys[c.userID]; ok {
		own.UserSigningKey = &k
	}
	return own, nil
}
