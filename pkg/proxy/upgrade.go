// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
	"github.com/karl-digi/cmux-preview-proxy/pkg/rewrite"
)

// handleUpgrade implements the Upgrade Splicer (module H): it rewrites the
// target, dials the upstream directly (upgrades aren't round-trippable
// through http.Client), replays the request line and headers, reads the
// upstream's response, and either mirrors a non-101 rejection verbatim to
// the client or completes the handshake and splices the raw byte stream in
// both directions.
func (p *Proxy) handleUpgrade(w http.ResponseWriter, r *http.Request, sessionCtx *registry.Context, event zerolog.Logger) {
	uri, err := rewrite.ParseURL(r.URL, r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	target, err := p.policy.Rewrite(uri, sessionCtx, r)
	if err != nil {
		writeRewriteError(w, err)
		return
	}

	upstreamConn, err := p.dialUpstream(target)
	if err != nil {
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		event.Error().Err(err).Msg("upgrade dial failed")
		return
	}
	defer upstreamConn.Close()

	upgradeProtocol := r.Header.Get("Upgrade")
	// Strip the standard hop-by-hop set, then re-add Upgrade/Connection: the
	// upgrade path must keep these even though 4.G would strip them.
	cleanHopHeaders(r.Header)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", upgradeProtocol)
	r.Header.Del(rewrite.HeaderPortInternal)
	r.Header.Del(rewrite.HeaderWorkspaceInternal)
	r.Host = target.Host

	// Bound the handshake itself; once splicing starts the deadline is
	// cleared since the tunneled protocol owns the byte stream indefinitely.
	if err := upstreamConn.SetDeadline(time.Now().Add(p.connectDialTimeout)); err != nil {
		event.Error().Err(err).Msg("set upgrade handshake deadline failed")
	}

	if err := r.Write(upstreamConn); err != nil {
		http.Error(w, "failed to forward upgrade request", http.StatusBadGateway)
		event.Error().Err(err).Msg("write upgrade request failed")
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	upstreamResp, err := http.ReadResponse(upstreamReader, r)
	if err != nil {
		http.Error(w, "failed to read upstream upgrade response", http.StatusBadGateway)
		event.Error().Err(err).Msg("read upgrade response failed")
		return
	}
	defer upstreamResp.Body.Close()

	if upstreamResp.StatusCode != http.StatusSwitchingProtocols {
		// Mirror the upstream's own rejection verbatim; no tunnel is
		// established.
		cleanHopHeaders(upstreamResp.Header)
		copyHeaders(w.Header(), upstreamResp.Header)
		w.WriteHeader(upstreamResp.StatusCode)
		io.Copy(w, upstreamResp.Body) //nolint:errcheck
		p.requestLog(event).Int("status", upstreamResp.StatusCode).Msg("upstream rejected upgrade")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade requires a hijackable connection", http.StatusInternalServerError)
		event.Error().Msg("response writer does not support hijacking")
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		event.Error().Err(err).Msg("hijack failed")
		return
	}
	defer clientConn.Close()

	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstreamConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			event.Error().Err(err).Msg("flush buffered client bytes failed")
			return
		}
	}

	// Build the 101 response to the client, mirroring upstream's headers but
	// forcing Connection: upgrade per spec.
	upstreamResp.Header.Set("Connection", "Upgrade")
	if err := upstreamResp.Write(clientConn); err != nil {
		event.Error().Err(err).Msg("write 101 response to client failed")
		return
	}

	// Any bytes upstream already sent past its own response headers
	// (buffered in upstreamReader) belong to the tunneled protocol.
	if upstreamReader.Buffered() > 0 {
		if _, err := io.CopyN(clientConn, upstreamReader, int64(upstreamReader.Buffered())); err != nil {
			event.Error().Err(err).Msg("flush buffered upstream bytes failed")
			return
		}
	}

	// The handshake is complete; the tunneled protocol now owns the byte
	// stream for as long as it likes.
	if err := upstreamConn.SetDeadline(time.Time{}); err != nil {
		event.Error().Err(err).Msg("clear upgrade handshake deadline failed")
	}

	p.requestLog(event).Str("upstream", target.Host).Msg("upgrade splicing started")
	spliceBidirectional(clientConn, upstreamConn)
	p.requestLog(event).Msg("upgrade splicing finished")
}

// writeRewriteError surfaces a rewrite.RewriteError's status, falling back
// to 502 for any other error.
func writeRewriteError(w http.ResponseWriter, err error) {
	if rewriteErr, ok := err.(*rewrite.RewriteError); ok {
		http.Error(w, rewriteErr.Msg, rewriteErr.Status)
		return
	}
	http.Error(w, "rewrite failed", http.StatusBadGateway)
}

// dialAddr renders a Target's dial address, preferring its explicit
// connect port alongside its authority's host.
func dialAddr(target rewrite.Target) string {
	host := target.URL.Hostname()
	if host == "" {
		host = target.Host
	}
	return fmt.Sprintf("%s:%d", host, target.ConnectPort)
}

// dialUpstream opens a connection to target for the upgrade splicer, which
// (unlike the CONNECT tunnel) speaks HTTP directly over the socket rather
// than handing the client an opaque byte tunnel: when the rewrite marked the
// target Secure (e.g. a loopback host rewritten to a cloud preview hostname
// on 443) the proxy itself must complete the TLS handshake before it can
// write the upgrade request and parse the upstream's response.
func (p *Proxy) dialUpstream(target rewrite.Target) (net.Conn, error) {
	addr := dialAddr(target)
	if !target.Secure {
		return net.DialTimeout("tcp", addr, p.connectDialTimeout)
	}

	dialer := &net.Dialer{Timeout: p.connectDialTimeout}
	return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName:         target.URL.Hostname(),
		InsecureSkipVerify: p.insecureSkipVerify, //nolint:gosec
	})
}
