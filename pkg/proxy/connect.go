// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
)

// handleConnect implements the CONNECT Tunnel (module I): it rewrites the
// requested authority, immediately answers the client with "200 Connection
// Established" (per spec.md §4.I, the client is expected to start sending
// raw bytes on receipt of the 200, before any upstream dial completes),
// then dials the upstream within ConnectDialTimeout. A dial failure is
// reported as a synthesized 502 written into the already-established
// tunnel, never as a fresh HTTP response — the 200 has already committed
// the connection to tunnel semantics.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, sessionCtx *registry.Context, event zerolog.Logger) {
	hostPort := r.URL.Host
	if hostPort == "" {
		hostPort = r.Host
	}
	uri := &url.URL{Scheme: "http", Host: hostPort}

	target, err := p.policy.Rewrite(uri, sessionCtx, r)
	if err != nil {
		writeRewriteError(w, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connect requires a hijackable connection", http.StatusInternalServerError)
		event.Error().Msg("response writer does not support hijacking")
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		event.Error().Err(err).Msg("hijack failed")
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\nConnection: upgrade\r\n\r\n")); err != nil {
		event.Error().Err(err).Msg("write connect response failed")
		return
	}

	upstreamConn, err := net.DialTimeout("tcp", dialAddr(target), p.connectDialTimeout)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")) //nolint:errcheck
		event.Error().Err(err).Str("target", target.Host).Msg("connect dial failed")
		return
	}
	defer upstreamConn.Close()

	p.requestLog(event).Str("upstream", target.Host).Msg("connect tunnel established")
	spliceBidirectional(clientConn, upstreamConn)
	p.requestLog(event).Msg("connect tunnel closed")
}
