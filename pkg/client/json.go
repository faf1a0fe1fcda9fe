package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mseverin/fetchkit/pkg/logging"
)

// Result is the outcome of a JSON request.
type Result struct {
	// Value is the raw JSON body.
	Value json.RawMessage

	// Status and StatusText mirror the response (200/"200 OK" for values
	// served from cache).
	Status     int
	StatusText string

	// Header holds the response headers (or the cached entry's headers).
	Header http.Header

	// FromCache is true when the value was served from a cache entry.
	FromCache bool

	// Update, when requested via CacheOptions.Update, eventually delivers
	// either a newer Result or a NoUpdate signal. Nil otherwise.
	Update <-chan UpdateResult
}

// UpdateResult is what the update channel delivers: a newer Result, a
// NoUpdate signal in Err, or a real error from the background fetch.
type UpdateResult struct {
	Result *Result
	Err    error
}

// Decode unmarshals a Result's value into T.
func Decode[T any](res *Result) (T, error) {
	var v T
	if res == nil {
		return v, fmt.Errorf("fetchkit: nil result")
	}
	if err := json.Unmarshal(res.Value, &v); err != nil {
		return v, fmt.Errorf("fetchkit: decode value: %w", err)
	}
	return v, nil
}

// GetJSON performs a GET request for a JSON value.
func (c *Client) GetJSON(ctx context.Context, target string, opts *RequestOptions) (*Result, error) {
	return c.JSON(ctx, http.MethodGet, target, nil, opts)
}

// JSON performs a request for a JSON value. With opts.UseCache set (and a
// usable cache backend) the caching coordinator mediates between cache and
// transport; otherwise the request goes straight through the pipeline.
func (c *Client) JSON(ctx context.Context, method, target string, body io.Reader, opts *RequestOptions) (*Result, error) {
	opts = opts.orEmpty()

	ctx, h, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer c.end(h)

	fullURL := c.resolveURL(target)

	if !opts.UseCache.bypass() {
		if backend := c.selectBackend(opts.UseCache); backend != nil {
			coord := &coordinator{
				client:  c,
				opts:    *opts.UseCache,
				reqOpts: opts,
				backend: backend,
				logger:  logging.Component(logging.ComponentCoordinator),
				method:  method,
				url:     fullURL,
				target:  target,
				body:    body,
			}
			return coord.run(ctx)
		}
		c.logger.Debug().Str("key", opts.UseCache.Key).Msg("No cache backend available, bypassing cache")
	}

	return c.fetchJSON(ctx, method, fullURL, target, body, opts, nil)
}

// fetchJSON runs one JSON exchange through the pipeline and materializes the
// body.
func (c *Client) fetchJSON(ctx context.Context, method, fullURL, endpoint string, body io.Reader, opts *RequestOptions, extra http.Header) (*Result, error) {
	if !opts.SkipAcceptHeader {
		if extra == nil {
			extra = http.Header{}
		} else {
			extra = extra.Clone()
		}
		if extra.Get("Accept") == "" && opts.Headers.Get("Accept") == "" {
			extra.Set("Accept", "application/json")
		}
	}

	resp, err := c.send(ctx, method, fullURL, body, opts, extra)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			Status:     resp.StatusCode,
			StatusText: resp.Status,
			Header:     resp.Header,
		}, nil
	}

	if resp.StatusCode >= 400 && !opts.SkipFailOnErrorCode {
		return nil, &HTTPError{
			Endpoint:   endpoint,
			Method:     method,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Headers:    resp.Header,
		}
	}

	if !opts.SkipContentTypeValidation && resp.StatusCode != http.StatusNoContent {
		if ct := resp.Header.Get("Content-Type"); !isJSONContentType(ct) {
			return nil, &ContentTypeError{Endpoint: endpoint, ContentType: ct}
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetchkit: read body: %w", err)
	}

	return &Result{
		Value:      data,
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Header:     resp.Header,
	}, nil
}

// isJSONContentType accepts application/json and any +json suffix type.
func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}
