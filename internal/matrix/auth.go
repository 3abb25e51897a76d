package matrix

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/bootstrap"
)

const authTypePassword = "m.login.password"

// PasswordAuth sends the request once without auth to learn the UIA session
// and, if the homeserver asks for it, once more with m.login.password.
func PasswordAuth(userID id.UserID, password string) bootstrap.AuthUploadFunc {
	return func(ctx context.Context, makeRequest func(ctx context.Context, auth map[string]any) error) error {
		err := makeRequest(ctx, nil)
		var uia *UIAError
		if !errors.As(err, &uia) {
			return err
		}
		if !uia.HasSingleStageFlow(authTypePassword) {
			return fmt.Errorf("%w: %v", ErrUnsupportedAuth, uia.Flows)
		}

		auth := map[string]any{
			"type":    authTypePassword,
			"session": uia.Session,
			"identifier": map[string]any{
				"type": "m.id.user",
				"user": string(userID),
			},
			"password": password,
		}
		if err := makeRequest(ctx, auth); err != nil {
			return fmt.Errorf("authenticated upload: %w", err)
		}
		return nil
	}
}

// NoAuth sends the request once with no auth, for homeservers that allow
// the first cross-signing upload without UIA.
func NoAuth() bootstrap.AuthUploadFunc {
	return func(ctx context.Context, makeRequest func(ctx context.Context, auth map[string]any) error) error {
		return makeRequest(ctx, nil)
	}
}
