// Package cachecontrol parses HTTP freshness headers into a normalized
// directive record and classifies cached entries as fresh, stale, or
// uncacheable.
//
// The parser understands Cache-Control (no-cache, no-store, must-revalidate,
// max-age, stale-while-revalidate, stale-if-error), falls back to Expires
// when Cache-Control is absent, and accounts for the Age header.
package cachecontrol

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Duration is a directive value that is either absent, boolean, or a number
// of seconds. Boolean true means "without limit", boolean false means zero.
type Duration struct {
	kind    durKind
	seconds int
}

type durKind int

const (
	durUnset durKind = iota
	durSeconds
	durTrue
	durFalse
)

// Seconds returns a Duration of n seconds.
func Seconds(n int) Duration {
	return Duration{kind: durSeconds, seconds: n}
}

// Always returns the boolean-true Duration (no limit).
func Always() Duration {
	return Duration{kind: durTrue}
}

// Never returns the boolean-false Duration (zero).
func Never() Duration {
	return Duration{kind: durFalse}
}

// Present reports whether the directive was set at all.
func (d Duration) Present() bool { return d.kind != durUnset }

// Unlimited reports whether the directive is boolean true.
func (d Duration) Unlimited() bool { return d.kind == durTrue }

// Zero reports whether the directive resolves to zero seconds.
func (d Duration) Zero() bool {
	return d.kind == durFalse || (d.kind == durSeconds && d.seconds <= 0)
}

// Value returns the duration in seconds and whether a numeric value exists.
// Boolean false counts as zero seconds; boolean true has no numeric value.
func (d Duration) Value() (int, bool) {
	switch d.kind {
	case durSeconds:
		return d.seconds, true
	case durFalse:
		return 0, true
	default:
		return 0, false
	}
}

// MarshalJSON encodes the duration the way directives are written: null when
// absent, true/false for the boolean forms, a number for seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case durSeconds:
		return []byte(strconv.Itoa(d.seconds)), nil
	case durTrue:
		return []byte("true"), nil
	case durFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (d *Duration) UnmarshalJSON(data []byte) error {
	switch s := strings.TrimSpace(string(data)); s {
	case "null":
		*d = Duration{}
	case "true":
		*d = Always()
	case "false":
		*d = Never()
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("cachecontrol: invalid duration %q", s)
		}
		*d = Seconds(n)
	}
	return nil
}

// Bool is a convenience for building optional boolean directives.
func Bool(v bool) *bool { return &v }

// Record is the normalized form of the freshness directives that apply to a
// request. Boolean fields are pointers so that merging can distinguish
// "unset" from "explicitly false".
type Record struct {
	MaxAge               Duration
	NoCache              *bool
	NoStore              *bool
	MustRevalidate       *bool
	StaleWhileRevalidate Duration
	StaleIfError         Duration
}

// IsZero reports whether no directive is set.
func (r Record) IsZero() bool {
	return !r.MaxAge.Present() && r.NoCache == nil && r.NoStore == nil &&
		r.MustRevalidate == nil && !r.StaleWhileRevalidate.Present() &&
		!r.StaleIfError.Present()
}

func (r Record) noCache() bool        { return r.NoCache != nil && *r.NoCache }
func (r Record) noStore() bool        { return r.NoStore != nil && *r.NoStore }
func (r Record) mustRevalidate() bool { return r.MustRevalidate != nil && *r.MustRevalidate }

// Storable reports whether a response carrying these effective directives may
// be written to a cache. A no-store response is never storable; a zero
// max-age is storable only when some revalidation or staleness directive
// still gives the entry a purpose.
func (r Record) Storable() bool {
	if r.noStore() {
		return false
	}
	if r.MaxAge.Present() && r.MaxAge.Zero() {
		return r.noCache() || r.mustRevalidate() ||
			r.StaleWhileRevalidate.Present() || r.StaleIfError.Present()
	}
	return true
}

// Header serializes the recognized directives back into a Cache-Control
// header value. Parsing the result yields a semantically equal Record.
func (r Record) Header() string {
	var parts []string
	if r.noCache() {
		parts = append(parts, "no-cache")
	}
	if r.noStore() {
		parts = append(parts, "no-store")
	}
	if r.mustRevalidate() {
		parts = append(parts, "must-revalidate")
	}
	if n, ok := r.MaxAge.Value(); ok {
		parts = append(parts, fmt.Sprintf("max-age=%d", n))
	}
	if n, ok := r.StaleWhileRevalidate.Value(); ok {
		parts = append(parts, fmt.Sprintf("stale-while-revalidate=%d", n))
	}
	if n, ok := r.StaleIfError.Value(); ok {
		parts = append(parts, fmt.Sprintf("stale-if-error=%d", n))
	}
	return strings.Join(parts, ", ")
}

// Merge overlays one record on top of another. Directives set in overlay win;
// everything else carries over from base.
func Merge(base, overlay Record) Record {
	out := base
	if overlay.MaxAge.Present() {
		out.MaxAge = overlay.MaxAge
	}
	if overlay.NoCache != nil {
		out.NoCache = overlay.NoCache
	}
	if overlay.NoStore != nil {
		out.NoStore = overlay.NoStore
	}
	if overlay.MustRevalidate != nil {
		out.MustRevalidate = overlay.MustRevalidate
	}
	if overlay.StaleWhileRevalidate.Present() {
		out.StaleWhileRevalidate = overlay.StaleWhileRevalidate
	}
	if overlay.StaleIfError.Present() {
		out.StaleIfError = overlay.StaleIfError
	}
	return out
}

// Resolve computes the effective directives for a request: configured
// defaults, overridden by what the response carried, overridden by forced
// per-request directives.
func Resolve(defaults, response, forced Record) Record {
	return Merge(Merge(defaults, response), forced)
}

// Parse reads the freshness headers of a response into a Record using the
// current time for the Expires fallback.
func Parse(h http.Header) Record {
	return ParseAt(h, time.Now())
}

// ParseAt is Parse with an explicit clock, for tests.
func ParseAt(h http.Header, now time.Time) Record {
	values := h.Values("Cache-Control")
	if len(values) == 0 {
		return expiresFallback(h, now)
	}

	var rec Record
	for _, header := range values {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				// Arguments may use token or quoted-string syntax.
				arg = strings.Trim(parts[1], "\"")
			}
			switch name {
			case "no-cache":
				rec.NoCache = Bool(true)
			case "no-store":
				rec.NoStore = Bool(true)
			case "must-revalidate":
				rec.MustRevalidate = Bool(true)
			case "max-age":
				if n, err := strconv.Atoi(arg); err == nil {
					rec.MaxAge = Seconds(n)
				}
			case "stale-while-revalidate":
				if n, err := strconv.Atoi(arg); err == nil {
					rec.StaleWhileRevalidate = Seconds(n)
				}
			case "stale-if-error":
				if n, err := strconv.Atoi(arg); err == nil {
					rec.StaleIfError = Seconds(n)
				}
			}
		}
	}

	// A finite Age reduces the remaining lifetime, floored at zero.
	if n, ok := rec.MaxAge.Value(); ok {
		if age, err := strconv.Atoi(h.Get("Age")); err == nil && age >= 0 {
			rec.MaxAge = Seconds(max(0, n-age))
		}
	}

	return rec
}

// expiresFallback derives max-age from the Expires header when Cache-Control
// is absent. An invalid or past date means "already expired".
func expiresFallback(h http.Header, now time.Time) Record {
	expiresStr := h.Get("Expires")
	if expiresStr == "" {
		return Record{}
	}
	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return Record{MaxAge: Seconds(0)}
	}
	secs := int(math.Round(expires.Sub(now).Seconds()))
	return Record{MaxAge: Seconds(max(0, secs))}
}
