// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package rewrite computes upstream targets for proxied requests. It
// defines a single Policy abstraction shared by the loopback-rewriting
// preview proxy and the header-dispatching workspace proxy.
package rewrite

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
	"github.com/karl-digi/cmux-preview-proxy/pkg/route"
)

// Target is the ephemeral per-request result of a rewrite: the upstream URI
// to send the request to, the authority to present as the Host header, and
// the TCP port to dial for CONNECT/upgrade traffic.
type Target struct {
	URL         *url.URL
	Host        string // authority sent as the Host header
	ConnectPort uint16
	Secure      bool
}

// Policy computes a Target for a request URI. sessionCtx is the context the
// request authenticated against (nil if the caller has none); req is the
// full request, supplied so policies that key off headers (the workspace
// variant) can read them. Each policy implementation ignores whichever
// input it doesn't need.
type Policy interface {
	Rewrite(uri *url.URL, sessionCtx *registry.Context, req *http.Request) (Target, error)
}

// RewriteError is a rewrite failure that should surface as the given HTTP
// status to the client.
type RewriteError struct {
	Status int
	Msg    string
}

func (e *RewriteError) Error() string { return e.Msg }

func badRequest(msg string) error {
	return &RewriteError{Status: http.StatusBadRequest, Msg: msg}
}

// PreviewPolicy implements the loopback-rewrite algorithm of spec.md §4.C:
// loopback hostnames are replaced by cmux-{morph}-{scope}-{port}.{suffix},
// using the route derived for the authenticated session; non-loopback hosts
// pass through unchanged.
type PreviewPolicy struct{}

// NewPreviewPolicy builds a PreviewPolicy.
func NewPreviewPolicy() *PreviewPolicy {
	return &PreviewPolicy{}
}

// Rewrite implements Policy.
func (p *PreviewPolicy) Rewrite(uri *url.URL, sessionCtx *registry.Context, _ *http.Request) (Target, error) {
	if uri.Hostname() == "" {
		return Target{}, badRequest("missing host")
	}
	if sessionCtx == nil {
		return Target{}, badRequest("missing session context")
	}

	scheme := normalizeScheme(uri.Scheme)
	hostname := uri.Hostname()
	secure := scheme == "https"

	var connectPort uint16
	if !route.IsLoopback(hostname) {
		// Non-loopback hosts pass through essentially unchanged, preserving
		// general forward-proxy semantics.
		target := &url.URL{
			Scheme:   scheme,
			Host:     uri.Host,
			Path:     pathOrRoot(uri),
			RawQuery: uri.RawQuery,
		}
		connectPort = resolvePort(uri, secure)
		return Target{URL: target, Host: uri.Host, ConnectPort: connectPort, Secure: secure}, nil
	}

	requestedPort := resolvePort(uri, secure)
	newHost := sessionCtx.Route.Host(requestedPort)

	target := &url.URL{
		Scheme:   "https",
		Host:     newHost,
		Path:     pathOrRoot(uri),
		RawQuery: uri.RawQuery,
	}
	return Target{URL: target, Host: newHost, ConnectPort: 443, Secure: true}, nil
}

// normalizeScheme maps ws/wss request schemes onto http/https; the protocol
// upgrade is conveyed by headers, not by scheme.
func normalizeScheme(scheme string) string {
	switch strings.ToLower(scheme) {
	case "ws":
		return "http"
	case "wss":
		return "https"
	case "":
		return "http"
	default:
		return strings.ToLower(scheme)
	}
}

func pathOrRoot(uri *url.URL) string {
	if uri.Path == "" {
		return "/"
	}
	return uri.Path
}

// resolvePort determines the requested port: the URI's explicit port if
// present, else 443 for secure schemes, else 80.
func resolvePort(uri *url.URL, secure bool) uint16 {
	if p := uri.Port(); p != "" {
		if n, err := strconv.ParseUint(p, 10, 16); err == nil {
			return uint16(n)
		}
	}
	if secure {
		return 443
	}
	return 80
}

// ParseURL constructs an absolute URL from an incoming request's URI and
// headers: if the URI already carries scheme+authority (absolute-form, as
// sent to a forward proxy) it is used directly with ws/wss normalized to
// http/https; otherwise the Host header is combined with the path and query.
func ParseURL(uri *url.URL, headers http.Header) (*url.URL, error) {
	if uri.IsAbs() {
		clone := *uri
		clone.Scheme = normalizeScheme(clone.Scheme)
		return &clone, nil
	}

	host := headers.Get("Host")
	if host == "" {
		return nil, badRequest("missing Host header")
	}

	pathAndQuery := uri.Path
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}

	raw := fmt.Sprintf("http://%s%s", host, pathAndQuery)
	if uri.RawQuery != "" {
		raw += "?" + uri.RawQuery
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, badRequest("invalid request target")
	}
	return parsed, nil
}
