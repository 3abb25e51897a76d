package decryption

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DecryptedListener is told about every finished decryption attempt that
// was not suppressed. err is the decryption error, nil on success.
type DecryptedListener func(evt *Event, err error)

type FactoryConfig struct {
	InternSize int
	Logger     *slog.Logger
}

// Factory creates Events sharing one interner and one listener registry.
type Factory struct {
	interner  *Interner
	listeners *xsync.Map[uint64, DecryptedListener]
	idCounter atomic.Uint64
	logger    *slog.Logger
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	interner, err := NewInterner(cfg.InternSize)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		interner:  interner,
		listeners: xsync.NewMap[uint64, DecryptedListener](),
		logger:    logger,
	}, nil
}

func (f *Factory) Interner() *Interner {
	return f.interner
}

func (f *Factory) OnDecrypted(fn DecryptedListener) func() {
	listenerID := f.idCounter.Add(1)
	f.listeners.Store(listenerID, fn)
	return func() {
		f.listeners.Delete(listenerID)
	}
}

func (f *Factory) emitDecrypted(evt *Event, err error) {
	f.listeners.Range(func(_ uint64, fn DecryptedListener) bool {
		fn(evt, err)
		return true
	})
}

// NewEvent wraps raw, interning its frequently repeated strings in place.
func (f *Factory) NewEvent(raw *event.Event) *Event {
	if raw.Content.Raw == nil && len(raw.Content.VeryRaw) > 0 {
		var content map[string]any
		if err := json.Unmarshal(raw.Content.VeryRaw, &content); err == nil {
			raw.Content.Raw = content
		}
	}
	f.intern(raw)
	return &Event{factory: f, raw: raw}
}

func (f *Factory) intern(raw *event.Event) {
	in := f.interner
	raw.Type.Type = in.Intern(raw.Type.Type)
	raw.Sender = id.UserID(in.Intern(string(raw.Sender)))
	raw.RoomID = id.RoomID(in.Intern(string(raw.RoomID)))
	if raw.StateKey != nil {
		stateKey := in.Intern(*raw.StateKey)
		raw.StateKey = &stateKey
	}

	content := raw.Content.Raw
	if content == nil {
		return
	}
	for _, prop := range []string{"membership", "avatar_url", "displayname"} {
		if s, ok := content[prop].(string); ok {
			content[prop] = in.Intern(s)
		}
	}
	if relatesTo, ok := content["m.relates_to"].(map[string]any); ok {
		if s, ok := relatesTo["rel_type"].(string); ok {
			relatesTo["rel_type"] = in.Intern(s)
		}
	}
}
