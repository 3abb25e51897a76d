package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"

	"github.com/arko-chat/keysetup/internal/decryption"
)

// EventDecrypter is the decrypting half of a mautrix crypto helper.
type EventDecrypter interface {
	Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error)
}

var _ EventDecrypter = (*cryptohelper.CryptoHelper)(nil)

const CodeUnknownSession = "MEGOLM_UNKNOWN_INBOUND_SESSION_ID"

// DefaultDecryptionErrors maps the crypto errors that mean "no usable key
// yet" to the code reported on the event.
var DefaultDecryptionErrors = map[error]string{
	crypto.ErrNoSessionFound: CodeUnknownSession,
}

// HelperDecrypter adapts an EventDecrypter to decryption.Decrypter. Errors
// listed in Recognised become *decryption.DecryptionError, everything else
// is passed through as an infrastructure failure.
type HelperDecrypter struct {
	helper     EventDecrypter
	recognised map[error]string
	logger     *slog.Logger
}

var _ decryption.Decrypter = (*HelperDecrypter)(nil)

func NewHelperDecrypter(helper EventDecrypter, recognised map[error]string, logger *slog.Logger) *HelperDecrypter {
	if recognised == nil {
		recognised = DefaultDecryptionErrors
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HelperDecrypter{helper: helper, recognised: recognised, logger: logger}
}

func (d *HelperDecrypter) DecryptEvent(ctx context.Context, evt *decryption.Event) (*decryption.Result, error) {
	raw := evt.Raw()
	if len(raw.Content.VeryRaw) == 0 && raw.Content.Raw != nil {
		veryRaw, err := json.Marshal(raw.Content.Raw)
		if err != nil {
			return nil, fmt.Errorf("encode wire content: %w", err)
		}
		raw.Content.VeryRaw = veryRaw
	}
	if raw.Content.Parsed == nil {
		_ = raw.Content.ParseRaw(raw.Type)
	}
	encrypted, ok := raw.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, &decryption.DecryptionError{Code: "BAD_ENCRYPTED_MESSAGE", Reason: "malformed encrypted event"}
	}

	decrypted, err := d.helper.Decrypt(ctx, raw)
	if err != nil {
		for known, code := range d.recognised {
			if errors.Is(err, known) {
				return nil, &decryption.DecryptionError{Code: code, Reason: err.Error(), Err: err}
			}
		}
		return nil, err
	}

	content := decrypted.Content.Raw
	if content == nil && len(decrypted.Content.VeryRaw) > 0 {
		if err := json.Unmarshal(decrypted.Content.VeryRaw, &content); err != nil {
			return nil, fmt.Errorf("decode decrypted content: %w", err)
		}
	}

	res := &decryption.Result{
		ClearType:    decrypted.Type.Type,
		ClearContent: content,
		SenderKey:    encrypted.SenderKey,
		Untrusted:    decrypted.Mautrix.ForwardedKeys,
	}
	if source := decrypted.Mautrix.TrustSource; source != nil {
		res.ClaimedEd25519Key = source.SigningKey
	}
	d.logger.Debug("decrypted event", "event_id", raw.ID, "session_id", encrypted.SessionID)
	return res, nil
}
