//go:build !js || !wasm

package request

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates the HTTP client used for regular environments. There
// is no overall timeout since file transfers can be long; connection setup
// and response headers are bounded instead.
func NewHTTPClient() HTTPClient {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
}
