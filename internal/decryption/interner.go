package decryption

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultInternSize = 4096

// Interner deduplicates the small set of strings repeated across many
// events (types, senders, room ids). It is bounded so long-running clients
// don't grow it without limit.
type Interner struct {
	cache *lru.Cache[string, string]
}

func NewInterner(size int) (*Interner, error) {
	if size <= 0 {
		size = DefaultInternSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Interner{cache: cache}, nil
}

func (i *Interner) Intern(s string) string {
	if s == "" {
		return s
	}
	if v, ok := i.cache.Get(s); ok {
		return v
	}
	i.cache.Add(s, s)
	return s
}

func (i *Interner) Len() int {
	return i.cache.Len()
}
