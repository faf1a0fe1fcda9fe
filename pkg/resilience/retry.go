package resilience

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls the retry layer.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the backoff base for the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// Exponent is the backoff growth factor.
	Exponent float64

	// StatusCodes are the response statuses considered retriable. Nil means
	// the default set.
	StatusCodes []int

	// RetryPosts additionally allows retrying POST requests.
	RetryPosts bool

	// RetryTimeout retries per-attempt timeouts. Defaults to true.
	RetryTimeout *bool

	// RetryNetworkErrors retries network errors. Defaults to true.
	RetryNetworkErrors *bool
}

// DefaultRetryConfig returns the default retry parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 128 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Exponent:     2.0,
		StatusCodes:  []int{408, 420, 429, 500, 502, 503, 504},
	}
}

// idempotentMethods are always eligible for retry on a retriable status.
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

type retryPolicy struct {
	cfg         RetryConfig
	statusCodes map[int]struct{}
}

func newRetryPolicy(cfg RetryConfig) *retryPolicy {
	def := DefaultRetryConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Exponent <= 1 {
		cfg.Exponent = def.Exponent
	}
	if cfg.StatusCodes == nil {
		cfg.StatusCodes = def.StatusCodes
	}
	p := &retryPolicy{
		cfg:         cfg,
		statusCodes: make(map[int]struct{}, len(cfg.StatusCodes)),
	}
	for _, code := range cfg.StatusCodes {
		p.statusCodes[code] = struct{}{}
	}
	return p
}

// retriable reports whether the outcome of an attempt may be retried.
func (p *retryPolicy) retriable(method string, resp *http.Response, err error) bool {
	if err != nil {
		if isTimeout(err) {
			return p.cfg.RetryTimeout == nil || *p.cfg.RetryTimeout
		}
		var ne *NetworkError
		if errors.As(err, &ne) {
			return p.cfg.RetryNetworkErrors == nil || *p.cfg.RetryNetworkErrors
		}
		return false
	}
	if resp == nil {
		return false
	}
	if _, ok := p.statusCodes[resp.StatusCode]; !ok {
		return false
	}
	if _, ok := idempotentMethods[method]; ok {
		return true
	}
	return method == http.MethodPost && p.cfg.RetryPosts
}

// backoff returns the full-jitter delay before retry attempt i (0-indexed).
func (p *retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Exponent, float64(attempt))
	if cap := float64(p.cfg.MaxDelay); delay > cap {
		delay = cap
	}
	return time.Duration(rand.Float64() * delay)
}

// retryAfterHeaders are examined, in order, for a server-directed retry
// instant on 429 and 503 responses.
var retryAfterHeaders = []string{
	"Retry-After",
	"RateLimit-Reset",
	"X-RateLimit-Reset",
	"X-Rate-Limit-Reset",
}

// retryAfter extracts the server's retry hint from a response. A finite
// number is seconds from now; anything else is tried as an HTTP-date.
func retryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests &&
		resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}

	var value string
	for _, name := range retryAfterHeaders {
		if v := resp.Header.Get(name); v != "" {
			value = v
			break
		}
	}
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil && !math.IsInf(secs, 0) && !math.IsNaN(secs) {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		delay := at.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
