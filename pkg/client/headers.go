package client

import (
	"net/http"
	"strings"
)

// mergeHeaders combines header layers into one effective set. Earlier layers
// have higher precedence: their values come first, a later layer appends only
// values the key does not already hold, an explicitly empty value in a higher layer deletes
// the key outright, and comma-separated values are never duplicated.
//
// The merge runs once per call; retries reuse the merged set.
func mergeHeaders(layers ...http.Header) http.Header {
	out := http.Header{}
	deleted := map[string]bool{}

	for _, layer := range layers {
		for key, values := range layer {
			canonical := http.CanonicalHeaderKey(key)
			if deleted[canonical] {
				continue
			}
			for _, value := range values {
				if value == "" {
					// A placeholder value deletes the header and shadows
					// lower-precedence layers.
					deleted[canonical] = true
					out.Del(canonical)
					break
				}
				appendHeaderValue(out, canonical, value)
			}
		}
	}
	return out
}

// appendHeaderValue adds value under key unless the key's comma-joined value
// list already contains it.
func appendHeaderValue(h http.Header, key, value string) {
	for _, existing := range h.Values(key) {
		for _, item := range strings.Split(existing, ",") {
			if strings.TrimSpace(item) == strings.TrimSpace(value) {
				return
			}
		}
	}
	h.Add(key, value)
}
