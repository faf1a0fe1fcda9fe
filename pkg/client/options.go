package client

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mseverin/fetchkit/pkg/cachecontrol"
)

// CacheMode selects the coordination strategy between cache and transport.
type CacheMode string

const (
	// ModeCacheControl serves by HTTP freshness: fresh hits from cache,
	// stale hits revalidated conditionally. The default.
	ModeCacheControl CacheMode = "cacheControl"

	// ModeFetchFirst always fetches and falls back to the cache on failure.
	ModeFetchFirst CacheMode = "fetchFirst"

	// ModeRace races the cache read against the fetch and serves whichever
	// usable result arrives first.
	ModeRace CacheMode = "race"
)

// DefaultTable is the cache table used when none is named.
const DefaultTable = "Cached"

// CacheOptions enables the caching coordinator for a JSON request.
type CacheOptions struct {
	// Key identifies the cached value. Required; without it the request
	// bypasses caching.
	Key string

	// Table namespaces the key. Defaults to DefaultTable.
	Table string

	// Mode selects the strategy. Defaults to ModeCacheControl.
	Mode CacheMode

	// DefaultCacheControl supplies directives used when the response does
	// not carry its own.
	DefaultCacheControl cachecontrol.Record

	// ForcedCacheControl overrides both defaults and response directives.
	ForcedCacheControl cachecontrol.Record

	// ActiveCache restricts (and orders) the providers consulted for this
	// request. Empty means all configured providers.
	ActiveCache []string

	// Update requests an update channel on the result. Valid with
	// ModeCacheControl and ModeRace.
	Update bool

	// Equal decides whether a fetched value equals the cached one when no
	// validator headers can. Defaults to deep structural equality of the
	// decoded JSON.
	Equal func(cached, fetched json.RawMessage) bool

	// CacheTimeout bounds the cache lookup.
	CacheTimeout time.Duration
}

func (o *CacheOptions) table() string {
	if o.Table == "" {
		return DefaultTable
	}
	return o.Table
}

func (o *CacheOptions) mode() CacheMode {
	if o.Mode == "" {
		return ModeCacheControl
	}
	return o.Mode
}

// bypass reports whether the coordinator should not run at all: no key, or
// storage forced off for the request (forced no-store or boolean-false
// max-age).
func (o *CacheOptions) bypass() bool {
	if o == nil || o.Key == "" {
		return true
	}
	forced := o.ForcedCacheControl
	if forced.NoStore != nil && *forced.NoStore {
		return true
	}
	return forced.MaxAge == cachecontrol.Never()
}

// RequestOptions are per-call options for Fetch and JSON.
type RequestOptions struct {
	// Headers are caller-supplied headers; their values come ahead of the
	// client's defaults. An explicitly empty value deletes the header.
	Headers http.Header

	// SkipFailOnErrorCode treats non-2xx statuses as normal responses
	// instead of errors.
	SkipFailOnErrorCode bool

	// SkipAcceptHeader suppresses the automatic Accept: application/json.
	SkipAcceptHeader bool

	// SkipContentTypeValidation accepts non-JSON content types.
	SkipContentTypeValidation bool

	// UseCache enables the caching coordinator (JSON requests only).
	UseCache *CacheOptions
}

func (o *RequestOptions) orEmpty() *RequestOptions {
	if o == nil {
		return &RequestOptions{}
	}
	return o
}
