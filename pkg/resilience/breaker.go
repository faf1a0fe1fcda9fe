package resilience

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the circuit breaker parameters and failure predicate.
type BreakerConfig struct {
	// OpenAfter is the number of consecutive matching failures that trips
	// the breaker.
	OpenAfter int

	// HalfOpenAfter is how long the breaker stays open before admitting
	// probe requests.
	HalfOpenAfter time.Duration

	// StatusCodes are the response statuses counted as failures. Nil means
	// the default set.
	StatusCodes []int

	// Methods restricts status-code failures to these methods. Nil means
	// all methods.
	Methods []string

	// TriggerOnTimeout counts timeouts as failures. Defaults to true.
	TriggerOnTimeout *bool

	// TriggerOnNetworkError counts network errors as failures. Defaults to
	// true.
	TriggerOnNetworkError *bool
}

// DefaultBreakerConfig returns the default breaker parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		OpenAfter:     5,
		HalfOpenAfter: 30 * time.Second,
		StatusCodes:   []int{408, 420, 429, 500, 502, 503, 504},
	}
}

// CircuitBreaker counts consecutive matching failures and short-circuits
// requests while open. All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg         BreakerConfig
	statusCodes map[int]struct{}
	methods     map[string]struct{}

	state    BreakerState
	failures int
	until    time.Time // when the open period ends

	nowFunc func() time.Time // for testing; defaults to time.Now
}

// NewCircuitBreaker creates a breaker from cfg, applying defaults for zero
// fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.OpenAfter <= 0 {
		cfg.OpenAfter = def.OpenAfter
	}
	if cfg.HalfOpenAfter <= 0 {
		cfg.HalfOpenAfter = def.HalfOpenAfter
	}
	if cfg.StatusCodes == nil {
		cfg.StatusCodes = def.StatusCodes
	}

	b := &CircuitBreaker{
		cfg:         cfg,
		statusCodes: make(map[int]struct{}, len(cfg.StatusCodes)),
		state:       BreakerClosed,
		nowFunc:     time.Now,
	}
	for _, code := range cfg.StatusCodes {
		b.statusCodes[code] = struct{}{}
	}
	if cfg.Methods != nil {
		b.methods = make(map[string]struct{}, len(cfg.Methods))
		for _, m := range cfg.Methods {
			b.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	return b
}

// Allow reports whether a request may proceed. While open it returns false
// until HalfOpenAfter has elapsed, then transitions to half-open and admits
// probes.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.nowFunc().Before(b.until) {
			return false
		}
		b.setState(BreakerHalfOpen)
	}
	return true
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.nowFunc().Before(b.until) {
		return BreakerHalfOpen
	}
	return b.state
}

// Observe feeds the outcome of one transport attempt into the breaker.
// Responses and errors that do not match the failure predicate count as
// successes.
func (b *CircuitBreaker) Observe(method string, resp *http.Response, err error) {
	if b.matches(method, resp, err) {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

// matches applies the failure predicate.
func (b *CircuitBreaker) matches(method string, resp *http.Response, err error) bool {
	if err != nil {
		if isTimeout(err) {
			return b.cfg.TriggerOnTimeout == nil || *b.cfg.TriggerOnTimeout
		}
		var ne *NetworkError
		if errors.As(err, &ne) {
			return b.cfg.TriggerOnNetworkError == nil || *b.cfg.TriggerOnNetworkError
		}
		return false
	}
	if resp == nil {
		return false
	}
	if _, ok := b.statusCodes[resp.StatusCode]; !ok {
		return false
	}
	if b.methods != nil {
		if _, ok := b.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	return true
}

func (b *CircuitBreaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.setState(BreakerClosed)
		b.failures = 0
	}
}

func (b *CircuitBreaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.OpenAfter {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	case BreakerOpen:
		// Late results from attempts admitted before the trip.
	}
}

// trip opens the breaker for another HalfOpenAfter period. Must be called
// with b.mu held.
func (b *CircuitBreaker) trip() {
	b.setState(BreakerOpen)
	b.until = b.nowFunc().Add(b.cfg.HalfOpenAfter)
}

// setState transitions and records the transition metric. Must be called
// with b.mu held.
func (b *CircuitBreaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	breakerTransitions.WithLabelValues(s.String()).Inc()
}
