// Package client provides the resilient, cache-aware HTTP client: default
// headers, base URL handling, the JSON request path with its caching
// coordinator, and the request lifecycle (abort, close).
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mseverin/fetchkit/pkg/cache"
	"github.com/mseverin/fetchkit/pkg/logging"
	"github.com/mseverin/fetchkit/pkg/resilience"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to relative request targets.
	BaseURL string

	// DefaultHeaders are merged into every request: for a header the caller
	// set, the caller's values come first and a default adds only values
	// not already present.
	DefaultHeaders http.Header

	// DefaultHeadersByMethod adds per-method defaults, e.g. a Content-Type
	// for POST.
	DefaultHeadersByMethod map[string]http.Header

	// HTTPClient is the underlying transport. Defaults to a client with a
	// 30s timeout.
	HTTPClient *http.Client

	// Transport overrides HTTPClient entirely (mainly for tests).
	Transport resilience.Transport

	// Pipeline configures the resilience layers.
	Pipeline resilience.Config

	// CacheProviders are consulted in order when a request enables caching.
	CacheProviders []cache.Provider
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Pipeline: resilience.Config{
			TimeoutRequest: 30 * time.Second,
			Retry:          ptr(resilience.DefaultRetryConfig()),
		},
	}
}

func ptr[T any](v T) *T { return &v }

// Client is the resilient, cache-aware HTTP client.
type Client struct {
	baseURL   string
	defaults  http.Header
	byMethod  map[string]http.Header
	pipeline  *resilience.Pipeline
	providers []cache.Provider
	logger    zerolog.Logger

	// backends caches created backends per provider and table.
	backendMu sync.Mutex
	backends  map[string]cache.Backend

	// active tracks every outstanding request and background task so that
	// AbortAll and Close can reach them.
	mu     sync.Mutex
	closed bool
	active map[*handle]struct{}
}

// handle is one outstanding request's abort hook.
type handle struct {
	cancel context.CancelCauseFunc
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
	}

	transport := cfg.Transport
	if transport == nil {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 30 * time.Second}
		}
		transport = resilience.NewHTTPTransport(httpClient)
	}

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		defaults:  cfg.DefaultHeaders,
		byMethod:  cfg.DefaultHeadersByMethod,
		pipeline:  resilience.New(transport, cfg.Pipeline),
		providers: cfg.CacheProviders,
		logger:    logging.Component(logging.ComponentClient),
		backends:  make(map[string]cache.Backend),
		active:    make(map[*handle]struct{}),
	}, nil
}

// resolveURL joins a request target with the base URL. Absolute targets pass
// through.
func (c *Client) resolveURL(target string) string {
	if c.baseURL == "" || strings.Contains(target, "://") {
		return target
	}
	if target == "" {
		return c.baseURL
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.baseURL + target
}

// begin registers an outstanding request. It fails once the client is
// closed. The returned context is cancelled by AbortAll and Close(0).
func (c *Client) begin(ctx context.Context) (context.Context, *handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClientClosed
	}
	ctx, cancel := context.WithCancelCause(ctx)
	h := &handle{cancel: cancel}
	c.active[h] = struct{}{}
	return ctx, h, nil
}

// end unregisters a request. The context is released without surfacing a
// cancellation to work that already completed.
func (c *Client) end(h *handle) {
	c.mu.Lock()
	delete(c.active, h)
	c.mu.Unlock()
	h.cancel(context.Canceled)
}

// track registers a background task (revalidation, write-through) so Close
// drains it and AbortAll reaches it. The task must call the returned done.
func (c *Client) track(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithCancelCause(ctx)
	h := &handle{cancel: cancel}
	c.active[h] = struct{}{}
	return ctx, func() { c.end(h) }
}

func (c *Client) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// AbortAll cancels every outstanding request and background task with the
// given reason. A nil reason surfaces as an abort without one.
func (c *Client) AbortAll(reason error) {
	c.mu.Lock()
	handles := make([]*handle, 0, len(c.active))
	for h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	c.logger.Debug().Int("outstanding", len(handles)).Msg("Aborting all requests")
	for _, h := range handles {
		h.cancel(reason)
	}
}

// closePollTick is how often Close re-checks the outstanding request count.
const closePollTick = 25 * time.Millisecond

// Close marks the client closed (new requests fail with ErrClientClosed) and
// drains outstanding work. A negative timeout waits indefinitely, a zero
// timeout aborts immediately, a positive timeout waits that long before
// aborting the rest.
func (c *Client) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if timeout == 0 {
		c.AbortAll(ErrClientClosed)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	aborted := timeout == 0
	for c.activeCount() > 0 {
		if !aborted && !deadline.IsZero() && time.Now().After(deadline) {
			c.AbortAll(ErrClientClosed)
			aborted = true
		}
		time.Sleep(closePollTick)
	}

	c.closeBackends()
	return nil
}

// closeBackends shuts down every backend the client created.
func (c *Client) closeBackends() {
	c.backendMu.Lock()
	defer c.backendMu.Unlock()
	for id, backend := range c.backends {
		if err := backend.Close(); err != nil {
			c.logger.Warn().Err(err).Str("backend", id).Msg("Failed to close cache backend")
		}
	}
	c.backends = make(map[string]cache.Backend)
}

// selectBackend returns the first available backend for the request, in
// provider order (or the request's ActiveCache order). It returns nil when
// no provider is available and caching should be bypassed.
func (c *Client) selectBackend(opts *CacheOptions) cache.Backend {
	providers := c.providers
	if len(opts.ActiveCache) > 0 {
		providers = make([]cache.Provider, 0, len(opts.ActiveCache))
		for _, id := range opts.ActiveCache {
			for _, p := range c.providers {
				if p.CacheID() == id {
					providers = append(providers, p)
					break
				}
			}
		}
	}

	for _, p := range providers {
		backend, err := c.backendFor(p, opts.table())
		if err != nil {
			c.logger.Warn().Err(err).Str("provider", p.CacheID()).Msg("Cache backend unavailable")
			continue
		}
		if backend.Available() {
			return backend
		}
	}
	return nil
}

func (c *Client) backendFor(p cache.Provider, table string) (cache.Backend, error) {
	key := p.CacheID() + "/" + table
	c.backendMu.Lock()
	defer c.backendMu.Unlock()
	if b, ok := c.backends[key]; ok {
		return b, nil
	}
	b, err := p.Create(table)
	if err != nil {
		return nil, err
	}
	c.backends[key] = b
	return b, nil
}

// Fetch performs a plain HTTP request through the resilience pipeline and
// returns the raw response. The response body must be closed by the caller.
//
// Known limitation: Fetch does not consult the cache; UseCache in opts is
// ignored on this path.
func (c *Client) Fetch(ctx context.Context, method, target string, body io.Reader, opts *RequestOptions) (*http.Response, error) {
	opts = opts.orEmpty()

	ctx, h, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, c.resolveURL(target), body, opts, nil)
	if err != nil {
		c.end(h)
		return nil, err
	}
	if resp.StatusCode >= 400 && !opts.SkipFailOnErrorCode {
		httpErr := &HTTPError{
			Endpoint:   target,
			Method:     method,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Headers:    resp.Header,
		}
		resp.Body.Close()
		c.end(h)
		return nil, httpErr
	}

	resp.Body = &handleBody{ReadCloser: resp.Body, release: func() { c.end(h) }}
	return resp, nil
}

// send builds the effective request and runs it through the pipeline.
func (c *Client) send(ctx context.Context, method, fullURL string, body io.Reader, opts *RequestOptions, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}

	// Caller headers win over defaults; conditional headers injected by the
	// coordinator outrank both. The merge happens exactly once, so retries
	// inside the pipeline carry the same effective set.
	merged := mergeHeaders(extra, opts.Headers, c.byMethod[method], c.defaults)
	for key, values := range merged {
		req.Header[key] = values
	}

	started := time.Now()
	resp, err := c.pipeline.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	if err == nil {
		requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}

// handleBody unregisters the request when its body is closed.
type handleBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *handleBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
