package proxy

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPTransport creates an http.Transport for upstream forwarding.
// responseHeaderTimeout of 0 disables the header timeout.
func NewHTTPTransport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
	}
}
