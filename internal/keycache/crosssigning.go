package keycache

import (
	"bytes"
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// CrossSigning holds private cross-signing keys for the lifetime of one
// bootstrap session.
type CrossSigning struct {
	mu   sync.RWMutex
	keys map[id.CrossSigningUsage][]byte
}

func NewCrossSigning() *CrossSigning {
	return &CrossSigning{keys: make(map[id.CrossSigningUsage][]byte)}
}

// Get resolves the private key for role. Keys are only ever sourced from
// this session, so it answers the same as GetCached.
func (c *CrossSigning) Get(_ context.Context, role id.CrossSigningUsage) ([]byte, error) {
	return c.GetCached(role), nil
}

func (c *CrossSigning) GetCached(role id.CrossSigningUsage) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bytes.Clone(c.keys[role])
}

func (c *CrossSigning) Store(_ context.Context, role id.CrossSigningUsage, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[role] = bytes.Clone(key)
	return nil
}

func (c *CrossSigning) BulkStore(keys map[id.CrossSigningUsage][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for role, key := range keys {
		c.keys[role] = bytes.Clone(key)
	}
}
