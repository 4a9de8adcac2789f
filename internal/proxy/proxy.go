// Package proxy forwards requests that passed the guard pipeline to the
// protected backend service.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	wardenhttp "github.com/wardenhq/warden/internal/httputil"
)

// Backend is an HTTP reverse proxy for the protected service. Guard
// decisions happen upstream in the pipeline; the proxy only forwards.
type Backend struct {
	proxy *httputil.ReverseProxy
}

// New creates a Backend targeting the provided URL.
func New(target *url.URL) (*Backend, error) {
	if target == nil {
		return nil, fmt.Errorf("proxy: target URL is required")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("proxy: target URL scheme must be http or https, got %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("proxy: target URL must include a host")
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		slog.Error("proxy: backend error", "error", err)
		wardenhttp.WriteJSON(w, http.StatusBadGateway, map[string]string{
			"error": "bad gateway",
		})
	}

	return &Backend{proxy: rp}, nil
}

// ServeHTTP forwards the request to the backend.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.proxy.ServeHTTP(w, r)
}
