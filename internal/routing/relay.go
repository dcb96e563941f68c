package routing

import (
	"fmt"
	"net/http"
	"net/url"
)

// Header names the relay uses to reconstruct and authorize the forwarded
// request.
const (
	headerTargetURL = "X-Target-URL"
	headerRelayKey  = "X-Relay-Key"
)

// relayTransport rewrites outgoing requests to the forwarding relay. The
// original destination travels in X-Target-URL and the relay credential in
// X-Relay-Key — headers, not the URL, so the credential never lands in
// access logs along the path.
type relayTransport struct {
	relay *url.URL
	key   string
	next  http.RoundTripper
}

// NewRelayTransport builds an http.RoundTripper that tunnels requests
// through the relay at relayURL. Provider SDK clients constructed with this
// transport become the adapters' relay path.
func NewRelayTransport(relayURL, key string) (http.RoundTripper, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("routing: parse relay url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("routing: relay url %q must be absolute", relayURL)
	}
	return &relayTransport{relay: u, key: key, next: http.DefaultTransport}, nil
}

func (t *relayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())

	target := req.URL.String()
	relayURL := *t.relay
	r2.URL = &relayURL
	r2.Host = relayURL.Host

	r2.Header.Set(headerTargetURL, target)
	if t.key != "" {
		r2.Header.Set(headerRelayKey, t.key)
	}

	return t.next.RoundTrip(r2)
}
