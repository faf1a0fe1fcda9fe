package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/mseverin/fetchkit/pkg/cache"
	"github.com/mseverin/fetchkit/pkg/cachecontrol"
	"github.com/mseverin/fetchkit/pkg/resilience"
)

// coordinator multiplexes one JSON request between a cache backend and the
// resilience pipeline according to the selected strategy.
type coordinator struct {
	client  *Client
	opts    CacheOptions
	reqOpts *RequestOptions
	backend cache.Backend
	logger  zerolog.Logger
	method  string
	url     string
	target  string
	body    io.Reader
}

func (co *coordinator) run(ctx context.Context) (*Result, error) {
	switch co.opts.mode() {
	case ModeFetchFirst:
		return co.fetchFirst(ctx)
	case ModeRace:
		return co.race(ctx)
	default:
		return co.cacheControl(ctx)
	}
}

// lookup reads the cached entry, bounded by CacheTimeout. Misses and backend
// errors both come back as nil; a broken cache never fails the request.
func (co *coordinator) lookup(ctx context.Context) *cache.Entry {
	if co.opts.CacheTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.opts.CacheTimeout)
		defer cancel()
	}
	entry, err := co.backend.Get(ctx, co.opts.Key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			co.logger.Warn().Err(err).Str("key", co.opts.Key).Msg("Cache get error")
		}
		return nil
	}
	return entry
}

// state classifies the entry under the request's effective directives.
func (co *coordinator) state(entry *cache.Entry) cachecontrol.State {
	effective := cachecontrol.Resolve(co.opts.DefaultCacheControl, entry.CacheControl, co.opts.ForcedCacheControl)
	return cachecontrol.Evaluate(effective, entry.Updated, time.Now())
}

// fetch runs the transport exchange, optionally with conditional headers.
func (co *coordinator) fetch(ctx context.Context, cond http.Header) (*Result, error) {
	if cond != nil {
		conditionalRequests.Inc()
	}
	return co.client.fetchJSON(ctx, co.method, co.url, co.target, co.body, co.reqOpts, cond)
}

// conditionalHeaders derives validators from the cached entry: If-None-Match
// from its ETag, else If-Modified-Since from its Last-Modified.
func conditionalHeaders(entry *cache.Entry) http.Header {
	if etag := entry.ETag(); etag != "" {
		return http.Header{"If-None-Match": []string{etag}}
	}
	if lm := entry.LastModified(); lm != "" {
		return http.Header{"If-Modified-Since": []string{lm}}
	}
	return nil
}

// resultFromEntry converts a cached entry into a caller-facing Result.
func (co *coordinator) resultFromEntry(entry *cache.Entry) *Result {
	return &Result{
		Value:      append(json.RawMessage(nil), entry.Value...),
		Status:     http.StatusOK,
		StatusText: "200 OK",
		Header:     entry.Headers.Clone(),
		FromCache:  true,
	}
}

// resolvedUpdate returns an update channel that already carries its final
// outcome.
func resolvedUpdate(u UpdateResult) <-chan UpdateResult {
	ch := make(chan UpdateResult, 1)
	ch <- u
	return ch
}

// writeThrough inserts a fetched value into the cache off the caller's
// critical path. Failures are logged and swallowed; write-through never
// fails a request.
func (co *coordinator) writeThrough(res *Result) {
	parsed := cachecontrol.Parse(res.Header)
	effective := cachecontrol.Resolve(co.opts.DefaultCacheControl, parsed, co.opts.ForcedCacheControl)
	if !effective.Storable() {
		co.logger.Debug().Str("key", co.opts.Key).Msg("Response not storable, skipping write-through")
		return
	}

	entry := &cache.Entry{
		Key:          co.opts.Key,
		Table:        co.opts.table(),
		Updated:      time.Now(),
		Value:        append(json.RawMessage(nil), res.Value...),
		Headers:      res.Header.Clone(),
		CacheControl: parsed,
	}
	co.storeEntry(entry)
}

// storeEntry performs the actual asynchronous backend write.
func (co *coordinator) storeEntry(entry *cache.Entry) {
	ctx, done := co.client.track(context.Background())
	go func() {
		defer done()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := co.backend.Set(ctx, entry.Key, entry); err != nil {
			co.logger.Warn().Err(err).Str("key", entry.Key).Msg("Cache write-through failed")
			return
		}
		cacheWrites.Inc()
	}()
}

// revalidate sends a (possibly conditional) fetch for a stale entry. A 304
// refreshes the entry's freshness stamp and signals Unchanged; a 2xx is
// written through and returned.
func (co *coordinator) revalidate(ctx context.Context, entry *cache.Entry, cond http.Header) UpdateResult {
	res, err := co.fetch(ctx, cond)
	if err != nil {
		return UpdateResult{Err: err}
	}
	if res.Status == http.StatusNotModified {
		notModifiedResponses.Inc()
		refreshed := entry.Clone()
		refreshed.Updated = time.Now()
		if rec := cachecontrol.Parse(res.Header); !rec.IsZero() {
			refreshed.CacheControl = rec
		}
		co.storeEntry(refreshed)
		return UpdateResult{Err: &NoUpdate{Reason: NoUpdateUnchanged}}
	}
	co.writeThrough(res)
	return UpdateResult{Result: res}
}

// staleIfErrorEligible reports whether a revalidation failure may be covered
// by stale-if-error: an upstream 5xx or a network-level failure.
func staleIfErrorEligible(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var netErr *resilience.NetworkError
	return errors.As(err, &netErr)
}

// cacheControl is the default strategy: dispatch on the entry's freshness.
func (co *coordinator) cacheControl(ctx context.Context) (*Result, error) {
	entry := co.lookup(ctx)
	if entry == nil {
		return co.fetchAndStore(ctx)
	}

	st := co.state(entry)
	switch st.Kind {
	case cachecontrol.Disabled:
		return co.fetchAndStore(ctx)

	case cachecontrol.Fresh:
		res := co.resultFromEntry(entry)
		if co.opts.Update {
			res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateFreshCache}})
		}
		return res, nil
	}

	// Stale: revalidate, conditionally when the entry carries validators.
	cond := conditionalHeaders(entry)

	if st.StaleWhileRevalidate {
		// Serve the stale value immediately; the revalidation resolves in
		// the background and feeds the update channel when requested.
		res := co.resultFromEntry(entry)
		bgCtx, done := co.client.track(context.Background())
		ch := make(chan UpdateResult, 1)
		go func() {
			defer done()
			ch <- co.revalidate(bgCtx, entry, cond)
		}()
		if co.opts.Update {
			res.Update = ch
		}
		return res, nil
	}

	upd := co.revalidate(ctx, entry, cond)
	if upd.Err != nil {
		if reason, ok := IsNoUpdate(upd.Err); ok && reason == NoUpdateUnchanged {
			res := co.resultFromEntry(entry)
			if co.opts.Update {
				res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateUnchanged}})
			}
			return res, nil
		}
		if st.StaleIfError && staleIfErrorEligible(upd.Err) {
			co.logger.Debug().Err(upd.Err).Str("key", co.opts.Key).
				Msg("Revalidation failed, serving stale (stale-if-error)")
			res := co.resultFromEntry(entry)
			if co.opts.Update {
				// The channel still resolves: no newer value is coming, and
				// the revalidation failure says why.
				res.Update = resolvedUpdate(upd)
			}
			return res, nil
		}
		return nil, upd.Err
	}

	res := upd.Result
	if co.opts.Update {
		res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateFreshCache}})
	}
	return res, nil
}

// fetchAndStore handles cache miss and cache-disabled dispatch.
func (co *coordinator) fetchAndStore(ctx context.Context) (*Result, error) {
	res, err := co.fetch(ctx, nil)
	if err != nil {
		return nil, err
	}
	co.writeThrough(res)
	if co.opts.Update {
		res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateCacheDisabled}})
	}
	return res, nil
}

// fetchFirst executes the pipeline and falls back to a usable cached entry
// only when the fetch fails.
func (co *coordinator) fetchFirst(ctx context.Context) (*Result, error) {
	res, err := co.fetch(ctx, nil)
	if err == nil {
		co.writeThrough(res)
		return res, nil
	}

	entry := co.lookup(ctx)
	if entry != nil {
		st := co.state(entry)
		if st.Kind == cachecontrol.Fresh || (st.Kind == cachecontrol.Stale && st.StaleIfError) {
			co.logger.Debug().Err(err).Str("key", co.opts.Key).
				Msg("Fetch failed, serving cached value")
			return co.resultFromEntry(entry), nil
		}
	}
	return nil, err
}

type fetchOutcome struct {
	res *Result
	err error
}

// race starts the cache read and the fetch concurrently and serves whichever
// usable result arrives first.
func (co *coordinator) race(ctx context.Context) (*Result, error) {
	// The fetch may outlive this call (update channel, background
	// write-through), so it runs on a tracked background context rather
	// than the request's.
	fetchCtx, done := co.client.track(context.Background())
	fetchCtx, cancelFetch := context.WithCancelCause(fetchCtx)
	fetchCh := make(chan fetchOutcome, 1)
	go func() {
		defer done()
		res, err := co.fetch(fetchCtx, nil)
		fetchCh <- fetchOutcome{res, err}
	}()

	cacheCh := make(chan *cache.Entry, 1)
	go func() {
		cacheCh <- co.lookup(ctx)
	}()

	var entry *cache.Entry
	select {
	case entry = <-cacheCh:

	case out := <-fetchCh:
		// Fetch wins outright.
		if out.err != nil {
			// Give the cache its say before propagating.
			entry = <-cacheCh
			return co.raceFetchFailed(entry, out.err)
		}
		co.writeThrough(out.res)
		if co.opts.Update {
			out.res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateNoCached}})
		}
		return out.res, nil

	case <-ctx.Done():
		cancelFetch(context.Cause(ctx))
		return nil, abortError(ctx)
	}

	usable := false
	var st cachecontrol.State
	if entry != nil {
		st = co.state(entry)
		usable = st.Kind == cachecontrol.Fresh ||
			(st.Kind == cachecontrol.Stale && (st.StaleWhileRevalidate || st.StaleIfError))
	}

	if !usable {
		// Miss, disabled, or stale without a relaxation: the fetch decides.
		select {
		case out := <-fetchCh:
			if out.err != nil {
				return co.raceFetchFailed(entry, out.err)
			}
			co.writeThrough(out.res)
			if co.opts.Update {
				out.res.Update = resolvedUpdate(UpdateResult{Err: &NoUpdate{Reason: NoUpdateNoCached}})
			}
			return out.res, nil
		case <-ctx.Done():
			cancelFetch(context.Cause(ctx))
			return nil, abortError(ctx)
		}
	}

	res := co.resultFromEntry(entry)

	if !co.opts.Update {
		if st.Kind == cachecontrol.Stale && st.StaleWhileRevalidate {
			// Let the revalidation finish and land in the cache.
			go func() {
				if out := <-fetchCh; out.err == nil {
					co.writeThrough(out.res)
				}
			}()
		} else {
			// A usable hit makes the in-flight fetch worthless.
			cancelFetch(nil)
			go func() { <-fetchCh }()
		}
		return res, nil
	}

	// update=true: compare the eventual fetch against the cached value.
	cached := entry
	ch := make(chan UpdateResult, 1)
	go func() {
		out := <-fetchCh
		if out.err != nil {
			ch <- UpdateResult{Err: out.err}
			return
		}
		co.writeThrough(out.res)
		if co.equal(cached, out.res) {
			ch <- UpdateResult{Err: &NoUpdate{Reason: NoUpdateEqual}}
			return
		}
		ch <- UpdateResult{Result: out.res}
	}()
	res.Update = ch
	return res, nil
}

// raceFetchFailed decides what a failed race fetch yields: the cached entry
// when one exists (even merely stale), else the fetch error.
func (co *coordinator) raceFetchFailed(entry *cache.Entry, err error) (*Result, error) {
	if entry != nil {
		if st := co.state(entry); st.Kind != cachecontrol.Disabled {
			co.logger.Debug().Err(err).Str("key", co.opts.Key).
				Msg("Race fetch failed, serving cached value")
			return co.resultFromEntry(entry), nil
		}
	}
	return nil, err
}

// equal decides value equality for the update channel: matching ETags, else
// matching Last-Modified, else deep structural equality of the decoded JSON
// (or the caller's Equal).
func (co *coordinator) equal(entry *cache.Entry, res *Result) bool {
	if cachedTag, fetchedTag := entry.ETag(), res.Header.Get("ETag"); cachedTag != "" && fetchedTag != "" {
		return cachedTag == fetchedTag
	}
	if cachedLM, fetchedLM := entry.LastModified(), res.Header.Get("Last-Modified"); cachedLM != "" && fetchedLM != "" {
		return cachedLM == fetchedLM
	}
	if co.opts.Equal != nil {
		return co.opts.Equal(entry.Value, res.Value)
	}
	var a, b any
	if err := json.Unmarshal(entry.Value, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(res.Value, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// abortError surfaces a cancelled request context: the carried reason when
// there is one, otherwise a bare abort.
func abortError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return resilience.ErrAborted
}
