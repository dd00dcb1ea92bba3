package actor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 128

// Entry is one memoised call result.
type Entry struct {
	Fingerprint string
	Result      any
	CreatedAt   time.Time
}

// Cache memoises call results for a single worker. Eviction is
// least-recently-used with a fixed size bound.
type Cache struct {
	entries  *lru.Cache[string, Entry]
	hits     atomic.Uint64
	misses   atomic.Uint64
	onLookup func(hit bool)
}

func newCache(size int, onLookup func(hit bool)) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("init call cache: %w", err)
	}
	return &Cache{entries: entries, onLookup: onLookup}, nil
}

func (c *Cache) Get(fingerprint string) (Entry, bool) {
	e, ok := c.entries.Get(fingerprint)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	return e, ok
}

func (c *Cache) Add(fingerprint string, result any) {
	c.entries.Add(fingerprint, Entry{Fingerprint: fingerprint, Result: result, CreatedAt: time.Now()})
}

func (c *Cache) Len() int { return c.entries.Len() }

// Stats reports lookup hits and misses since the worker started.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) purge() { c.entries.Purge() }

// Fingerprint hashes the function name, the state key and the JSON form of args.
func Fingerprint(fn, stateKey string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s args: %w", fn, err)
	}
	h := sha256.New()
	h.Write([]byte(fn))
	h.Write([]byte{0})
	h.Write([]byte(stateKey))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CallFunc is a computation over a worker's loaded state identified by stateKey.
type CallFunc[A, R any] func(ctx context.Context, w *Worker, stateKey string, args A) (R, error)

// Memoize wraps f so repeated calls with the same state key and args on the
// same worker return the stored result without recomputing. Errors are not cached.
func Memoize[A, R any](name string, f CallFunc[A, R]) CallFunc[A, R] {
	return func(ctx context.Context, w *Worker, stateKey string, args A) (R, error) {
		var zero R
		fp, err := Fingerprint(name, stateKey, args)
		if err != nil {
			return zero, err
		}
		if e, ok := w.cache.Get(fp); ok {
			if r, ok := e.Result.(R); ok {
				return r, nil
			}
		}
		r, err := f(ctx, w, stateKey, args)
		if err != nil {
			return zero, err
		}
		w.cache.Add(fp, r)
		return r, nil
	}
}
