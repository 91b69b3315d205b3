// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
	"github.com/karl-digi/cmux-preview-proxy/pkg/rewrite"
)

// httpError wraps a status code with the underlying round-trip error.
type httpError struct {
	Status int
	Err    error
}

func (e *httpError) Error() string { return fmt.Sprintf("status %d: %v", e.Status, e.Err) }
func (e *httpError) Unwrap() error { return e.Err }

// handleHTTP implements the HTTP Forwarder (module G): it rewrites the
// request target, forwards it to the resolved upstream, and streams the
// response back unmodified aside from hop-by-hop header stripping.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request, sessionCtx *registry.Context, event zerolog.Logger) {
	start := time.Now()

	resp, err := p.forwardRequest(r, sessionCtx)
	if err != nil {
		status := http.StatusBadGateway
		var rewriteErr *rewrite.RewriteError
		var httpErr *httpError
		switch {
		case errors.As(err, &rewriteErr):
			status = rewriteErr.Status
		case errors.As(err, &httpErr):
			status = httpErr.Status
		}
		http.Error(w, http.StatusText(status), status)
		event.Error().Err(err).Dur("duration", time.Since(start)).Msg("request failed")
		return
	}
	defer resp.Body.Close()

	cleanHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		event.Error().Err(err).Dur("duration", time.Since(start)).Msg("stream response failed")
		return
	}

	p.requestLog(event).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("request proxied")
}

// forwardRequest rewrites r's target via the proxy's policy and performs the
// round trip, returning the upstream response for the caller to stream.
func (p *Proxy) forwardRequest(r *http.Request, sessionCtx *registry.Context) (*http.Response, error) {
	uri, err := rewrite.ParseURL(r.URL, r.Header)
	if err != nil {
		return nil, err
	}

	target, err := p.policy.Rewrite(uri, sessionCtx, r)
	if err != nil {
		return nil, err
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.URL.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyHeaders(upstreamReq.Header, r.Header)
	cleanHopHeaders(upstreamReq.Header)
	upstreamReq.Header.Del(rewrite.HeaderPortInternal)
	upstreamReq.Header.Del(rewrite.HeaderWorkspaceInternal)
	upstreamReq.Host = target.Host
	upstreamReq.ContentLength = r.ContentLength

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &httpError{Status: http.StatusGatewayTimeout, Err: err}
		}
		return nil, &httpError{Status: http.StatusBadGateway, Err: err}
	}
	return resp, nil
}
