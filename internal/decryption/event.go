package decryption

import (
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	EventTypeEncrypted   = "m.room.encrypted"
	EventTypeMessage     = "m.room.message"
	MsgTypeBadEncrypted  = "m.bad.encrypted"
	badEncryptedTemplate = "** Unable to decrypt: %s **"
)

type PushActions struct {
	Notify    bool
	Highlight bool
	Tweaks    map[string]any
}

type clearEvent struct {
	Type    string
	Content map[string]any
}

// Event is a room event that may need decrypting. The wire event is never
// modified after construction; cleartext is installed alongside it.
type Event struct {
	factory *Factory
	raw     *event.Event

	mu          sync.RWMutex
	clear       *clearEvent
	senderKey   id.SenderKey
	claimedKey  id.Ed25519
	keyChain    []string
	untrusted   bool
	pushActions *PushActions
	attempt     *Attempt
	retry       bool
}

func (e *Event) Raw() *event.Event { return e.raw }
func (e *Event) ID() id.EventID    { return e.raw.ID }
func (e *Event) Sender() id.UserID { return e.raw.Sender }
func (e *Event) RoomID() id.RoomID { return e.raw.RoomID }
func (e *Event) Timestamp() int64  { return e.raw.Timestamp }
func (e *Event) IsState() bool     { return e.raw.StateKey != nil }
func (e *Event) WireType() string  { return e.raw.Type.Type }
func (e *Event) IsEncrypted() bool { return !e.IsState() && e.raw.Type.Type == EventTypeEncrypted }

func (e *Event) WireContent() map[string]any {
	return e.raw.Content.Raw
}

// SessionID returns the megolm session id from the encrypted content.
func (e *Event) SessionID() string {
	s, _ := e.WireContent()["session_id"].(string)
	return s
}

// Type is the cleartext type if the event has been decrypted, else the wire
// type.
func (e *Event) Type() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.clear != nil {
		return e.clear.Type
	}
	return e.raw.Type.Type
}

func (e *Event) Content() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.clear != nil {
		return e.clear.Content
	}
	return e.raw.Content.Raw
}

// ClearContent is nil until a decryption attempt has finished.
func (e *Event) ClearContent() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.clear == nil {
		return nil
	}
	return e.clear.Content
}

// EffectiveContent is the cleartext content with wire fields it lacks copied
// over, leaving out the encryption envelope.
func (e *Event) EffectiveContent() map[string]any {
	content := make(map[string]any)
	for k, v := range e.Content() {
		content[k] = v
	}
	if e.raw.Type.Type != EventTypeEncrypted {
		return content
	}
	for k, v := range e.WireContent() {
		switch k {
		case "algorithm", "ciphertext", "device_id", "sender_key", "session_id":
			continue
		}
		if _, ok := content[k]; !ok {
			content[k] = v
		}
	}
	return content
}

func (e *Event) IsBeingDecrypted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempt != nil
}

func (e *Event) IsDecryptionFailure() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isDecryptionFailureLocked()
}

func (e *Event) isDecryptionFailureLocked() bool {
	if e.clear == nil {
		return false
	}
	msgType, _ := e.clear.Content["msgtype"].(string)
	return msgType == MsgTypeBadEncrypted
}

func (e *Event) ShouldAttemptDecryption() bool {
	if !e.IsEncrypted() {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempt == nil && e.clear == nil
}

// DecryptionAttempt returns the attempt in flight, or nil.
func (e *Event) DecryptionAttempt() *Attempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempt
}

func (e *Event) SenderKey() id.SenderKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.senderKey
}

func (e *Event) ClaimedEd25519Key() id.Ed25519 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claimedKey
}

func (e *Event) ForwardingKeyChain() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.keyChain...)
}

func (e *Event) IsKeySourceUntrusted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.untrusted
}

func (e *Event) PushActions() *PushActions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pushActions
}

func (e *Event) SetPushActions(actions *PushActions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushActions = actions
}

type KeyRequestRecipient struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// KeyRequestRecipients lists who to ask for this event's room key: all of
// our own devices, plus the sending device when someone else sent it.
func (e *Event) KeyRequestRecipients(ownUserID id.UserID) []KeyRequestRecipient {
	recipients := []KeyRequestRecipient{{UserID: ownUserID, DeviceID: "*"}}
	if sender := e.Sender(); sender != ownUserID {
		deviceID, _ := e.WireContent()["device_id"].(string)
		recipients = append(recipients, KeyRequestRecipient{UserID: sender, DeviceID: id.DeviceID(deviceID)})
	}
	return recipients
}

func (e *Event) setClearDataLocked(res *Result) {
	e.clear = &clearEvent{Type: res.ClearType, Content: res.ClearContent}
	e.senderKey = res.SenderKey
	e.claimedKey = res.ClaimedEd25519Key
	e.keyChain = append([]string{}, res.ForwardingKeyChain...)
	e.untrusted = res.Untrusted
}
