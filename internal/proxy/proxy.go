// Package proxy is the Proxy Engine: it dispatches a routed, policy-cleared
// request to its backend service and applies the response filter (§4.7
// steps 6-7). Routing, policy gates and audit/metrics emission live in
// internal/gatewaycore, which calls this package once a request has cleared
// every upstream gate.
package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/wudi/karateway/internal/errors"
	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/router"
)

// Engine dispatches requests to backend services over a shared transport.
type Engine struct {
	client         *http.Client
	defaultTimeout time.Duration
}

// New creates an Engine. defaultTimeout is the end-to-end deadline applied
// when neither the route nor the service specifies one.
func New(defaultTimeout time.Duration) *Engine {
	return &Engine{
		client:         &http.Client{Transport: http.DefaultTransport},
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch builds the upstream request from match and the inbound request,
// applies preserve_host_header and the X-Forwarded-* headers, sends it with
// the resolved timeout as an end-to-end deadline, and returns the upstream
// response for the caller to stream back and filter.
func (e *Engine) Dispatch(ctx context.Context, match router.Match, req *http.Request) (*http.Response, error) {
	upstreamPath := router.TransformPath(match.Route, req.URL.Path)
	upstreamURL, err := router.UpstreamURL(match.Service, upstreamPath, req.URL.RawQuery)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUpstreamInvalidURL.Kind, errors.ErrUpstreamInvalidURL.Code,
			errors.ErrUpstreamInvalidURL.ErrorText, errors.ErrUpstreamInvalidURL.Message)
	}

	timeout := e.resolveTimeout(match.Route, match.Service)
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)

	outbound, err := http.NewRequestWithContext(dispatchCtx, req.Method, upstreamURL.String(), req.Body)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, errors.ErrUpstreamInvalidURL.Kind, errors.ErrUpstreamInvalidURL.Code,
			errors.ErrUpstreamInvalidURL.ErrorText, errors.ErrUpstreamInvalidURL.Message)
	}
	outbound.Header = req.Header.Clone()

	if !match.Route.PreserveHostHeader {
		host, err := router.UpstreamHost(match.Service)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, errors.ErrUpstreamInvalidURL.Kind, errors.ErrUpstreamInvalidURL.Code,
				errors.ErrUpstreamInvalidURL.ErrorText, errors.ErrUpstreamInvalidURL.Message)
		}
		outbound.Host = host
	}
	injectForwardingHeaders(outbound, req)

	resp, err := e.client.Do(outbound)
	if err != nil {
		defer cancel()
		if dispatchCtx.Err() != nil {
			return nil, errors.ErrGatewayTimeout
		}
		return nil, errors.Wrap(err, errors.ErrBadGateway.Kind, errors.ErrBadGateway.Code,
			errors.ErrBadGateway.ErrorText, errors.ErrBadGateway.Message)
	}
	// The deadline stays armed while the caller streams the body; closing
	// the body releases it.
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the dispatch context when the response body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// FilterResponse applies the response filter (§4.7 step 7): it copies the
// upstream's headers and status to w, injecting the Karateway marker header,
// then streams the body through unchanged.
func FilterResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Powered-By", "Karateway")
	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, resp.Body)
	return err
}

func injectForwardingHeaders(outbound, original *http.Request) {
	proto := "http"
	if original.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	outbound.Header.Set("X-Forwarded-Host", original.Host)
	if existing := outbound.Header.Get("X-Forwarded-For"); existing != "" {
		outbound.Header.Set("X-Forwarded-For", existing+", "+clientAddr(original))
	} else {
		outbound.Header.Set("X-Forwarded-For", clientAddr(original))
	}
}

func clientAddr(req *http.Request) string {
	host := req.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// resolveTimeout picks the route's timeout_ms if set, else the service's,
// else the Engine's configured default.
func (e *Engine) resolveTimeout(route model.ApiRoute, svc model.BackendService) time.Duration {
	if route.TimeoutMs > 0 {
		return time.Duration(route.TimeoutMs) * time.Millisecond
	}
	if svc.TimeoutMs > 0 {
		return time.Duration(svc.TimeoutMs) * time.Millisecond
	}
	return e.defaultTimeout
}
