package resilience

import "net/http"

// Transport issues one HTTP exchange. *http.Client satisfies the contract
// through HTTPTransport; tests substitute their own.
type Transport interface {
	RoundTrip(req *http.Request) (*http.Response, error)
}

// HTTPTransport adapts an *http.Client to the Transport contract.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport wraps client; a nil client uses http.DefaultClient.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Client.Do(req)
}

// TransportFunc adapts a function to the Transport contract.
type TransportFunc func(req *http.Request) (*http.Response, error)

// RoundTrip implements Transport.
func (f TransportFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
