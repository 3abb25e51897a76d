package keycache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/arko-chat/keysetup/internal/secretstorage"
)

type resolvedKey struct {
	keyID string
	key   []byte
}

// SecretStorage caches secret storage private keys for one bootstrap
// session. Misses fall through to the delegate, and concurrent misses for
// the same request share one delegate call.
type SecretStorage struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	delegate secretstorage.Callbacks
	group    singleflight.Group
	logger   *slog.Logger
}

func NewSecretStorage(delegate secretstorage.Callbacks, logger *slog.Logger) *SecretStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretStorage{
		keys:     make(map[string][]byte),
		delegate: delegate,
		logger:   logger,
	}
}

// GetSecretStorageKey returns the first cached key among keys in sorted id
// order. With nothing cached and no delegate it returns an empty result.
func (s *SecretStorage) GetSecretStorageKey(ctx context.Context, keys map[string]secretstorage.KeyInfo, name string) (string, []byte, error) {
	ids := secretstorage.KeyIDs(keys)

	if hit, ok := s.lookup(ids); ok {
		return hit.keyID, hit.key, nil
	}

	if s.delegate == nil {
		return "", nil, nil
	}

	// The flight is detached from whichever caller starts it; each caller
	// waits on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(name+"\x00"+strings.Join(ids, ","), func() (any, error) {
		// A flight that finished between the lookup above and this one
		// may already have filled the cache.
		if hit, ok := s.lookup(ids); ok {
			return hit, nil
		}
		keyID, key, err := s.delegate.GetSecretStorageKey(flightCtx, keys, name)
		if err != nil {
			return nil, err
		}
		if keyID == "" || key == nil {
			return nil, nil
		}
		s.mu.Lock()
		s.keys[keyID] = key
		s.mu.Unlock()
		return resolvedKey{keyID: keyID, key: key}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	if res.Err != nil {
		return "", nil, res.Err
	}
	resolved, ok := res.Val.(resolvedKey)
	if !ok {
		return "", nil, nil
	}
	return resolved.keyID, resolved.key, nil
}

func (s *SecretStorage) lookup(ids []string) (resolvedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, keyID := range ids {
		if key, ok := s.keys[keyID]; ok {
			return resolvedKey{keyID: keyID, key: key}, true
		}
	}
	return resolvedKey{}, false
}

// Store caches key and offers it to the delegate's persistence hook if it has
// one. The hook is best effort: its failures are logged and never returned.
func (s *SecretStorage) Store(keyID string, info secretstorage.KeyInfo, key []byte) {
	s.mu.Lock()
	s.keys[keyID] = key
	s.mu.Unlock()

	cacher, ok := s.delegate.(secretstorage.KeyCacher)
	if !ok {
		return
	}
	if err := safeCache(cacher, keyID, info, key); err != nil {
		s.logger.Warn("failed to cache secret storage key", "key_id", keyID, "err", err)
	}
}

func safeCache(cacher secretstorage.KeyCacher, keyID string, info secretstorage.KeyInfo, key []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cacher.CacheSecretStorageKey(keyID, info, key)
}
