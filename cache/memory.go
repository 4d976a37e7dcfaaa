package cache

import (
	"context"
	"time"

	"github.com/gobwas/glob"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Memory is an in-process Cache used when no Redis transport is configured,
// and by tests. Expired entries are purged once a minute.
type Memory struct {
	store *gocache.Cache
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		store: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.store.Set(key, value, ttl)
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

// Keys implements Cache. Patterns use ':'-separated glob syntax.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, errors.Wrapf(err, "could not compile key pattern %q", pattern)
	}
	var keys []string
	for k := range m.store.Items() {
		if g.Match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
