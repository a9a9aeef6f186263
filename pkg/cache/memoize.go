package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FetchFunc is an underlying fetch operation that a connector wants cached.
// Arguments identify the request within the operation's namespace.
type FetchFunc func(ctx context.Context, args ...string) ([]byte, error)

// Key derives a deterministic cache key from an operation identity and its
// arguments. Keys are namespaced by op so identical argument lists of
// different operations never collide.
func Key(op string, args ...string) string {
	h := xxhash.New()
	for _, a := range args {
		_, _ = h.WriteString(a)
		_, _ = h.Write([]byte{0x1f}) // unit separator, keeps ("ab") != ("a","b")
	}
	return fmt.Sprintf("%s:%016x", op, h.Sum64())
}

// KeyFunc derives the cache key for an argument list.
type KeyFunc func(args ...string) string

// Memoize wraps fetch so results are served from the cache when fresh and
// stored after a miss, using the default key derivation Key(op, args...).
// A ttl <= 0 uses the cache default.
func (c *Cache) Memoize(op string, ttl time.Duration, fetch FetchFunc) FetchFunc {
	return c.MemoizeWithKey(ttl, func(args ...string) string {
		return Key(op, args...)
	}, fetch)
}

// MemoizeWithKey is Memoize with a caller-supplied key derivation, for
// operations whose identity is not captured by the argument list alone
// (e.g. keys that should ignore an argument or fold several into one).
//
// Concurrent misses for the same key are not deduplicated: both callers
// invoke fetch and the later Set wins. No lock is held across the fetch.
func (c *Cache) MemoizeWithKey(ttl time.Duration, keyFn KeyFunc, fetch FetchFunc) FetchFunc {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		key := keyFn(args...)

		if value, ok := c.Get(key); ok {
			return value, nil
		}

		value, err := fetch(ctx, args...)
		if err != nil {
			return nil, err
		}

		c.Set(key, value, ttl)
		return value, nil
	}
}
