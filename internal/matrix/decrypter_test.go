package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/decryption"
)

type fakeHelper struct {
	decrypted *event.Event
	err       error
	got       *event.Event
}

func (f *fakeHelper) Decrypt(_ context.Context, evt *event.Event) (*event.Event, error) {
	f.got = evt
	return f.decrypted, f.err
}

func newEncrypted(t *testing.T) *decryption.Event {
	t.Helper()
	factory, err := decryption.NewFactory(decryption.FactoryConfig{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return factory.NewEvent(&event.Event{
		ID:     "$enc",
		Sender: "@bob:example.org",
		Type:   event.EventEncrypted,
		Content: event.Content{Raw: map[string]any{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"ciphertext": "AwgAEnAC",
			"device_id":  "BOBDEV",
			"sender_key": "curvekey",
			"session_id": "sess1",
		}},
	})
}

func TestHelperDecrypterSuccess(t *testing.T) {
	clearJSON, _ := json.Marshal(map[string]any{"msgtype": "m.text", "body": "hi"})
	helper := &fakeHelper{decrypted: &event.Event{
		Type:    event.EventMessage,
		Content: event.Content{VeryRaw: clearJSON},
		Mautrix: event.MautrixInfo{
			ForwardedKeys: true,
			TrustSource:   &id.Device{SigningKey: "edkey"},
		},
	}}
	d := NewHelperDecrypter(helper, nil, nil)

	res, err := d.DecryptEvent(context.Background(), newEncrypted(t))
	if err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if res.ClearType != "m.room.message" || res.ClearContent["body"] != "hi" {
		t.Errorf("clear = %s %v", res.ClearType, res.ClearContent)
	}
	if res.SenderKey != "curvekey" || res.ClaimedEd25519Key != "edkey" || !res.Untrusted {
		t.Errorf("key info = %+v", res)
	}
	if len(helper.got.Content.VeryRaw) == 0 {
		t.Error("wire content not encoded for the helper")
	}
}

func TestHelperDecrypterErrors(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		wrapped := fmt.Errorf("decrypt: %w", crypto.ErrNoSessionFound)
		d := NewHelperDecrypter(&fakeHelper{err: wrapped}, nil, nil)
		_, err := d.DecryptEvent(context.Background(), newEncrypted(t))

		decErr, ok := decryption.AsDecryptionError(err)
		if !ok {
			t.Fatalf("err = %v, want DecryptionError", err)
		}
		if decErr.Code != CodeUnknownSession || !errors.Is(err, crypto.ErrNoSessionFound) {
			t.Errorf("decErr = %+v", decErr)
		}
	})

	t.Run("custom recognised error", func(t *testing.T) {
		withheld := errors.New("withheld")
		d := NewHelperDecrypter(&fakeHelper{err: withheld}, map[error]string{withheld: "WITHHELD"}, nil)
		_, err := d.DecryptEvent(context.Background(), newEncrypted(t))
		if decErr, ok := decryption.AsDecryptionError(err); !ok || decErr.Code != "WITHHELD" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("infrastructure error", func(t *testing.T) {
		boom := errors.New("database is locked")
		d := NewHelperDecrypter(&fakeHelper{err: boom}, nil, nil)
		_, err := d.DecryptEvent(context.Background(), newEncrypted(t))
		if _, ok := decryption.AsDecryptionError(err); ok || !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})
}
