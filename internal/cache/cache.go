package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 3 * time.Second

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Single caches the result of one fetch per key. Concurrent misses share a
// single fetch. Entries older than the TTL are still served while a
// background fetch replaces them.
type Single[T any] struct {
	ttl     time.Duration
	group   singleflight.Group
	entries *xsync.Map[string, entry[T]]
}

func NewSingle[T any](ttl time.Duration) *Single[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Single[T]{
		ttl:     ttl,
		entries: xsync.NewMap[string, entry[T]](),
	}
}

func (c *Single[T]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if e, ok := c.entries.Load(key); ok {
		if time.Since(e.fetchedAt) > c.ttl {
			refreshCtx := context.WithoutCancel(ctx)
			go c.group.Do(key, func() (any, error) {
				value, err := fetch(refreshCtx)
				if err == nil {
					c.entries.Store(key, entry[T]{value: value, fetchedAt: time.Now()})
				}
				return nil, nil
			})
		}
		return e.value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.entries.Load(key); ok {
			return e, nil
		}
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		e := entry[T]{value: value, fetchedAt: time.Now()}
		c.entries.Store(key, e)
		return e, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	e, ok := v.(entry[T])
	if !ok {
		// Joined a background refresh; it has stored its result by now.
		if e, ok = c.entries.Load(key); !ok {
			return c.Get(ctx, key, fetch)
		}
	}
	return e.value, nil
}

// Invalidate drops key so the next Get fetches again.
func (c *Single[T]) Invalidate(key string) {
	c.entries.Delete(key)
}
