// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy authenticates and forwards loopback HTTP traffic to its
// rewritten upstream target, handling plain HTTP, WebSocket upgrades, and
// CONNECT tunnels.
package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/auth"
	"github.com/karl-digi/cmux-preview-proxy/pkg/rewrite"
)

// hopHeaders lists standard hop-by-hop headers that must be stripped before a
// request is proxied so upstream connection semantics remain correct. The
// rewrite-specific internal headers are stripped alongside these.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Options configures a Proxy.
type Options struct {
	Authenticator      *auth.Authenticator
	Policy             rewrite.Policy
	ConnectDialTimeout time.Duration
	// IdleConnTimeout, TLSHandshakeTimeout, ResponseHeaderTimeout, and
	// ExpectContinueTimeout tune the pooled *http.Transport used for plain
	// HTTP forwarding. Zero values fall back to 90s, 10s, 20s, and 5s
	// respectively.
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	// InsecureSkipVerify disables upstream certificate verification.
	// Development only: rewritten preview hosts are cloud-issued and should
	// verify in any deployed environment.
	InsecureSkipVerify bool
}

// Proxy authenticates each request against a registry-backed Authenticator,
// rewrites its target via a rewrite.Policy, and forwards it to the result:
// by direct round-trip for plain HTTP, by hijack-and-splice for WebSocket
// upgrades, and by hijack-and-tunnel for CONNECT.
type Proxy struct {
	authn              *auth.Authenticator
	policy             rewrite.Policy
	client             *http.Client
	connectDialTimeout time.Duration
	insecureSkipVerify bool
	logger             zerolog.Logger
}

// New constructs a Proxy from opts and a base logger, tagging sub-loggers
// per spec.md's ambient logging section.
func New(opts Options, logger zerolog.Logger) *Proxy {
	idleConnTimeout := opts.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}
	tlsHandshakeTimeout := opts.TLSHandshakeTimeout
	if tlsHandshakeTimeout == 0 {
		tlsHandshakeTimeout = 10 * time.Second
	}
	responseHeaderTimeout := opts.ResponseHeaderTimeout
	if responseHeaderTimeout == 0 {
		responseHeaderTimeout = 20 * time.Second
	}
	expectContinueTimeout := opts.ExpectContinueTimeout
	if expectContinueTimeout == 0 {
		expectContinueTimeout = 5 * time.Second
	}
	connectDialTimeout := opts.ConnectDialTimeout
	if connectDialTimeout == 0 {
		connectDialTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec
		HTTP2:                 &http.HTTP2Config{SendPingTimeout: 10 * time.Second, PingTimeout: 20 * time.Second},
	}

	return &Proxy{
		authn:  opts.Authenticator,
		policy: opts.Policy,
		client: &http.Client{
			Transport: transport,
			// A forward proxy must hand 3xx responses back to the client
			// unmodified (module G step 5), not silently chase Location
			// itself and return the final hop's response instead.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		connectDialTimeout: connectDialTimeout,
		insecureSkipVerify: opts.InsecureSkipVerify,
		logger:             logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP implements the Request Classifier (authenticate, then dispatch by
// method/Upgrade header to the HTTP forwarder, the upgrade splicer, or the
// CONNECT tunnel).
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionCtx, ok := p.authn.Authenticate(r)
	if !ok {
		auth.ChallengeResponse(w)
		return
	}

	// net/http moves the Host header into r.Host; put it back so origin-form
	// targets can be resolved from it by the rewrite layer.
	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}

	event := p.logger.With().
		Str("method", r.Method).
		Int64("context_id", sessionCtx.ContextID).
		Logger()

	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r, sessionCtx, event)
	case isUpgradeRequest(r):
		p.handleUpgrade(w, r, sessionCtx, event)
	default:
		p.handleHTTP(w, r, sessionCtx, event)
	}
}

// requestLog returns a debug-level event for a human-readable per-request
// log line, or nil when the registry's logging_enabled switch is off (per
// spec.md §3/§4.K and SPEC_FULL.md §7, debug request logs are gated by that
// switch; warnings and errors are not and use event.Warn()/event.Error()
// directly). zerolog no-ops every chained call on a nil *zerolog.Event, so
// callers can chain off the result unconditionally.
func (p *Proxy) requestLog(event zerolog.Logger) *zerolog.Event {
	if !p.authn.LoggingEnabled() {
		return nil
	}
	return event.Debug()
}

// isUpgradeRequest reports whether r carries a protocol-upgrade handshake,
// recognizing Connection tokens case-insensitively and allowing multiple
// comma-separated values (e.g. "keep-alive, Upgrade").
func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "Upgrade") {
			return true
		}
	}
	return false
}

// cleanHopHeaders removes the standard hop-by-hop headers, plus any header
// named in a "Connection" token, per RFC 7230 §6.1.
func cleanHopHeaders(h http.Header) {
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if name := strings.TrimSpace(token); name != "" {
			h.Del(name)
		}
	}
	for name := range hopHeaders {
		h.Del(name)
	}
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
