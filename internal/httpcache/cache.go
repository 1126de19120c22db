// Package httpcache remembers HTTP validator tokens (ETag,
// Last-Modified) per request URL so repeat fetches can be issued as
// conditional requests that do not count against API quota when nothing
// changed.
package httpcache

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/store"
)

// ErrNotModified signals that the server answered a conditional request
// with 304. It is a cache-hit marker, not a failure: the caller should
// reuse its last-known-good data explicitly.
var ErrNotModified = errors.New("remote data not modified")

// Retention is how long stored validators stay usable. Entries older
// than this are treated as a cache miss and removed.
const Retention = 7 * 24 * time.Hour

// volatileParams are query parameters that never affect payload
// identity and are stripped before keying.
var volatileParams = map[string]bool{
	"_":         true,
	"ts":        true,
	"timestamp": true,
}

// Validators is the pair of conditional-request tokens remembered for a URL.
type Validators struct {
	ETag         string
	LastModified string
}

// Cache stores validator tokens in the durable store. All cache I/O
// failures degrade to a cache miss; they are logged, never fatal.
type Cache struct {
	store store.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// New creates a Cache backed by the given store.
func New(s store.Store, log logrus.FieldLogger) *Cache {
	return &Cache{store: s, log: log, now: time.Now}
}

// NewWithClock creates a Cache with an injected clock, for tests.
func NewWithClock(s store.Store, log logrus.FieldLogger, now func() time.Time) *Cache {
	return &Cache{store: s, log: log, now: now}
}

// NormalizeURL reduces a request URL to its cache key: the fragment is
// dropped, volatile query parameters are stripped, and the remaining
// parameters are sorted so equivalent URLs share one entry.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""

	values := u.Query()
	for param := range values {
		if volatileParams[param] {
			values.Del(param)
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()

	return u.String()
}

// Lookup returns the stored validators for a URL, or nil on a cache
// miss. An entry older than the retention window counts as a miss and
// is deleted as a side effect.
func (c *Cache) Lookup(ctx context.Context, rawURL string) *Validators {
	key := NormalizeURL(rawURL)

	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("url", key).Warn("cache read failed, treating as miss")
		return nil
	}
	if entry == nil {
		return nil
	}

	if c.now().Sub(entry.CachedAt) > Retention {
		if err := c.store.DeleteCacheEntry(ctx, key); err != nil {
			c.log.WithError(err).WithField("url", key).Warn("failed to delete expired cache entry")
		}
		return nil
	}

	return &Validators{ETag: entry.ETag, LastModified: entry.LastModified}
}

// Save overwrites the stored validators for a URL after a fresh
// (non-304) response. Empty validators clear the entry instead, since
// there is nothing to present next time.
func (c *Cache) Save(ctx context.Context, rawURL, etag, lastModified string) {
	key := NormalizeURL(rawURL)

	if etag == "" && lastModified == "" {
		if err := c.store.DeleteCacheEntry(ctx, key); err != nil {
			c.log.WithError(err).WithField("url", key).Warn("failed to clear cache entry")
		}
		return
	}

	err := c.store.PutCacheEntry(ctx, store.CacheEntry{
		URLKey:       key,
		ETag:         etag,
		LastModified: lastModified,
		CachedAt:     c.now(),
	})
	if err != nil {
		c.log.WithError(err).WithField("url", key).Warn("cache write failed")
	}
}

// Cleanup removes all entries older than the retention window to bound
// storage growth.
func (c *Cache) Cleanup(ctx context.Context) {
	cutoff := c.now().Add(-Retention)
	deleted, err := c.store.PurgeCacheBefore(ctx, cutoff)
	if err != nil {
		c.log.WithError(err).Warn("cache cleanup failed")
		return
	}
	if deleted > 0 {
		c.log.WithField("deleted", deleted).Debug("pruned expired cache entries")
	}
}
