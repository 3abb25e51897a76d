package crosssigning

import (
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Info tracks the current trusted cross-signing identity of one user.
type Info struct {
	mu     sync.RWMutex
	userID id.UserID
	keys   PublicKeys
	logger *slog.Logger
}

func NewInfo(userID id.UserID, logger *slog.Logger) *Info {
	if logger == nil {
		logger = slog.Default()
	}
	return &Info{userID: userID, keys: make(PublicKeys), logger: logger}
}

func (i *Info) UserID() id.UserID {
	return i.userID
}

// SetKeys merges keys into the identity. A new master key invalidates the
// subordinate keys signed by the old one unless they are replaced too.
func (i *Info) SetKeys(keys PublicKeys) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if master, ok := keys[id.XSUsageMaster]; ok {
		if old, had := i.keys[id.XSUsageMaster]; had && old.PublicKey() != master.PublicKey() {
			i.logger.Info("master cross-signing key changed", "user", i.userID, "old", old.PublicKey(), "new", master.PublicKey())
			delete(i.keys, id.XSUsageSelfSigning)
			delete(i.keys, id.XSUsageUserSigning)
		}
	}
	for role, info := range keys {
		i.keys[role] = info.clone()
	}
}

func (i *Info) Keys() PublicKeys {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.keys.Clone()
}

// MasterKeyID returns the key id (ed25519:<pub>) of the master key, or ""
// if none is known.
func (i *Info) MasterKeyID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	master, ok := i.keys[id.XSUsageMaster]
	if !ok {
		return ""
	}
	return master.KeyID()
}
