package rest

import (
	"net"
	"net/http"
	"time"
)

// newTransport builds the round tripper for one exchange and source IP:
// pooled connections bound to opts.LocalIP, with the exchange's default
// request headers added to every request.
func newTransport(opts Options) http.RoundTripper {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if ip := net.ParseIP(opts.LocalIP); ip != nil {
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
		base.DialContext = dialer.DialContext
	}

	headers := http.Header{"Accept": {"application/json"}}
	if opts.UserAgent != "" {
		headers.Set("User-Agent", opts.UserAgent)
	}
	return headerTransport{headers: headers, base: base}
}

// headerTransport sets default headers a request does not carry already.
type headerTransport struct {
	headers http.Header
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}
	return t.base.RoundTrip(req)
}
