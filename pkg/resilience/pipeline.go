package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mseverin/fetchkit/pkg/logging"
)

// Config assembles a pipeline. Nil layer configs elide the layer.
type Config struct {
	// TimeoutRequest bounds each transport attempt.
	TimeoutRequest time.Duration

	// TimeoutTotal bounds the whole call including retries, queue waits and
	// backoff sleeps.
	TimeoutTotal time.Duration

	Retry    *RetryConfig
	Bulkhead *BulkheadConfig
	Breaker  *BreakerConfig
}

// Pipeline runs requests through the configured policy layers in the fixed
// order deadline, retry, bulkhead, circuit breaker, per-request timeout,
// transport.
type Pipeline struct {
	transport Transport
	cfg       Config
	retry     *retryPolicy
	bulkhead  *Bulkhead
	breaker   *CircuitBreaker
}

// New creates a pipeline around transport.
func New(transport Transport, cfg Config) *Pipeline {
	p := &Pipeline{transport: transport, cfg: cfg}
	if cfg.Retry != nil {
		p.retry = newRetryPolicy(*cfg.Retry)
	}
	if cfg.Bulkhead != nil {
		p.bulkhead = NewBulkhead(*cfg.Bulkhead)
	}
	if cfg.Breaker != nil {
		p.breaker = NewCircuitBreaker(*cfg.Breaker)
	}
	return p
}

// Breaker exposes the breaker state for observability; nil when the layer is
// not configured.
func (p *Pipeline) Breaker() *CircuitBreaker { return p.breaker }

// Do executes the request through every configured layer. The response body
// must be closed by the caller; closing it releases the pipeline's timers.
func (p *Pipeline) Do(req *http.Request) (*http.Response, error) {
	started := time.Now()
	ctx := req.Context()

	cancelTotal := context.CancelFunc(func() {})
	if p.cfg.TimeoutTotal > 0 {
		ctx, cancelTotal = context.WithTimeoutCause(ctx, p.cfg.TimeoutTotal,
			&TimeoutError{Total: true, Elapsed: p.cfg.TimeoutTotal})
	}

	if err := materializeBody(req); err != nil {
		cancelTotal()
		return nil, err
	}

	attempts := 1
	if p.retry != nil {
		attempts = p.retry.cfg.MaxRetries + 1
	}

	var (
		resp          *http.Response
		cancelAttempt context.CancelFunc
		err           error
		clampedOnce   bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retriesTotal.Inc()
		}

		resp, cancelAttempt, err = p.attempt(ctx, req, started)

		if p.breaker != nil && !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, ErrBulkheadRejected) {
			p.breaker.Observe(req.Method, resp, err)
		}

		// The overall deadline or the caller's abort dominates everything;
		// no further attempt is initiated once it fired.
		if ctx.Err() != nil {
			drain(resp)
			cancelAttempt()
			cancelTotal()
			return nil, abortCause(ctx, started)
		}

		if p.retry == nil || !p.retry.retriable(req.Method, resp, err) {
			break
		}
		if attempt == attempts-1 {
			retryExhaustedTotal.Inc()
			break
		}

		delay := p.retry.backoff(attempt)
		if hinted, ok := retryAfter(resp, time.Now()); ok {
			delay = hinted
			// Leave the next attempt a fighting chance under the overall
			// deadline; the clamp applies once per call.
			if deadline, hasDeadline := ctx.Deadline(); hasDeadline && !clampedOnce {
				const margin = 5 * time.Second
				if remaining := time.Until(deadline); delay > remaining-margin {
					delay = remaining - margin
					if delay < 0 {
						delay = 0
					}
					clampedOnce = true
				}
			}
		}

		drain(resp)
		cancelAttempt()

		resilienceLogger := logging.Component(logging.ComponentResilience)
		resilienceLogger.Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")
		retryBackoffSeconds.Observe(delay.Seconds())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			cancelTotal()
			return nil, abortCause(ctx, started)
		case <-timer.C:
		}
	}

	if err != nil {
		cancelAttempt()
		cancelTotal()
		return nil, err
	}

	// Hand the timers to the body: they are released when it is closed.
	resp.Body = &cancelBody{
		ReadCloser: resp.Body,
		cancels:    []context.CancelFunc{cancelAttempt, cancelTotal},
	}
	return resp, nil
}

// attempt runs one pass through bulkhead, breaker, per-request timeout and
// transport. The returned cancel releases the attempt timer and must be
// called after the response body is consumed.
func (p *Pipeline) attempt(ctx context.Context, req *http.Request, started time.Time) (*http.Response, context.CancelFunc, error) {
	nopCancel := context.CancelFunc(func() {})

	if p.bulkhead != nil {
		if err := p.bulkhead.Acquire(ctx); err != nil {
			if errors.Is(err, ErrBulkheadRejected) {
				return nil, nopCancel, err
			}
			// Cancelled while queued.
			return nil, nopCancel, abortCause(ctx, started)
		}
		defer p.bulkhead.Release()
	}

	if p.breaker != nil && !p.breaker.Allow() {
		breakerRejections.Inc()
		return nil, nopCancel, ErrCircuitOpen
	}

	attemptCtx, cancel := ctx, nopCancel
	attemptStart := time.Now()
	if p.cfg.TimeoutRequest > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.TimeoutRequest)
	}

	clone := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, nopCancel, err
		}
		clone.Body = body
	}

	resp, err := p.transport.RoundTrip(clone)
	if err != nil {
		err = p.mapTransportError(ctx, attemptCtx, req, err, attemptStart)
		cancel()
		attemptsTotal.WithLabelValues(req.Method, outcomeOf(nil, err)).Inc()
		return nil, nopCancel, err
	}

	attemptsTotal.WithLabelValues(req.Method, outcomeOf(resp, nil)).Inc()
	return resp, cancel, nil
}

// mapTransportError normalizes a transport failure into the pipeline's error
// kinds: per-attempt timeout, abort, or network error.
func (p *Pipeline) mapTransportError(ctx, attemptCtx context.Context, req *http.Request, err error, attemptStart time.Time) error {
	if ctx.Err() != nil {
		return abortCause(ctx, attemptStart)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return &TimeoutError{Elapsed: time.Since(attemptStart)}
	}
	return &NetworkError{URL: req.URL.String(), Err: err}
}

func outcomeOf(resp *http.Response, err error) string {
	switch {
	case err == nil && resp != nil && resp.StatusCode < 400:
		return "success"
	case err == nil:
		return "http_error"
	case isTimeout(err):
		return "timeout"
	default:
		return "network_error"
	}
}

// materializeBody makes the request body replayable so every retry gets an
// independent reader.
func materializeBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// drain discards the body of an abandoned attempt so its connection can be
// reused.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// cancelBody couples the pipeline's timers to the response body lifetime.
type cancelBody struct {
	io.ReadCloser
	cancels []context.CancelFunc
	once    sync.Once
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		for _, cancel := range b.cancels {
			cancel()
		}
	})
	return err
}
