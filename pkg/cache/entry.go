// Package cache defines the pluggable cache backend contract, the provider
// registry, and four backend implementations: in-memory FIFO, in-memory LRU
// with TTL, redis, and a persistent sqlite store.
package cache

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mseverin/fetchkit/pkg/cachecontrol"
)

// Entry is one cached response value. Identity is (provider, table, key).
type Entry struct {
	// Key is the caller-chosen cache key.
	Key string `json:"key"`

	// Table is the namespace the entry lives in.
	Table string `json:"table"`

	// Updated is when the value was last written or revalidated. Backends
	// keep it monotonically non-decreasing per key.
	Updated time.Time `json:"updated"`

	// Value is the raw JSON body of the cached response.
	Value json.RawMessage `json:"value"`

	// Headers are the response headers the value arrived with.
	Headers http.Header `json:"headers"`

	// CacheControl is the directive record parsed from Headers at store time.
	CacheControl cachecontrol.Record `json:"cache_control"`
}

// ETag returns the entry's entity tag, if any.
func (e *Entry) ETag() string {
	return e.Headers.Get("ETag")
}

// LastModified returns the entry's Last-Modified validator, if any.
func (e *Entry) LastModified() string {
	return e.Headers.Get("Last-Modified")
}

// RetentionTTL returns how long a backend with expiring storage should keep
// the entry: the freshness lifetime extended by the longest stale-* window.
// The second return is false when the entry should be kept indefinitely.
func (e *Entry) RetentionTTL() (time.Duration, bool) {
	rec := e.CacheControl
	if !rec.MaxAge.Present() || rec.MaxAge.Unlimited() {
		return 0, false
	}
	if rec.StaleWhileRevalidate.Unlimited() || rec.StaleIfError.Unlimited() {
		return 0, false
	}
	maxAge, _ := rec.MaxAge.Value()
	relax := 0
	if n, ok := rec.StaleWhileRevalidate.Value(); ok && n > relax {
		relax = n
	}
	if n, ok := rec.StaleIfError.Value(); ok && n > relax {
		relax = n
	}
	return time.Duration(maxAge+relax) * time.Second, true
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Value != nil {
		out.Value = append(json.RawMessage(nil), e.Value...)
	}
	if e.Headers != nil {
		out.Headers = e.Headers.Clone()
	}
	return &out
}
