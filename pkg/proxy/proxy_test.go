// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/auth"
	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
	"github.com/karl-digi/cmux-preview-proxy/pkg/rewrite"
)

// selfSignedTLSListener returns a TLS listener backed by a freshly generated,
// unrecognized (self-signed) certificate for host, so upgrade-splicer tests
// can exercise the Secure=true dial path without real cloud preview DNS/TLS.
func selfSignedTLSListener(t *testing.T, host string) net.Listener {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{host},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen tls: %v", err)
	}
	return ln
}

const testInitialURL = "https://cmux-abc-base-3000.cmux.app/"

// stubPolicy redirects every request to a fixed upstream, letting tests
// avoid depending on real DNS resolution of cloud preview hostnames.
type stubPolicy struct {
	target rewrite.Target
}

func (s stubPolicy) Rewrite(uri *url.URL, _ *registry.Context, _ *http.Request) (rewrite.Target, error) {
	target := s.target
	clone := *target.URL
	clone.Path = uri.Path
	clone.RawQuery = uri.RawQuery
	target.URL = &clone
	return target, nil
}

func newTestProxy(t *testing.T, policy rewrite.Policy) (*Proxy, *registry.Registry) {
	t.Helper()
	reg := registry.New("")
	p := New(Options{
		Authenticator:      auth.New(reg),
		Policy:             policy,
		ConnectDialTimeout: 2 * time.Second,
	}, zerolog.Nop())
	return p, reg
}

func newTestProxyInsecure(t *testing.T, policy rewrite.Policy) (*Proxy, *registry.Registry) {
	t.Helper()
	reg := registry.New("")
	p := New(Options{
		Authenticator:      auth.New(reg),
		Policy:             policy,
		ConnectDialTimeout: 2 * time.Second,
		InsecureSkipVerify: true,
	}, zerolog.Nop())
	return p, reg
}

func basicAuthHeader(username, password string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}

func TestServeHTTPRequiresAuthentication(t *testing.T) {
	p, _ := newTestProxy(t, stubPolicy{target: rewrite.Target{URL: &url.URL{}}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", rec.Code)
	}
}

func TestHandleHTTPForwardsToRewrittenTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	policy := stubPolicy{target: rewrite.Target{URL: &url.URL{Scheme: "http", Host: upstreamURL.Host}, Host: upstreamURL.Host}}
	p, reg := newTestProxy(t, policy)

	ctx, ok := reg.Register(1, testInitialURL, "")
	if !ok {
		t.Fatalf("setup: expected registration to succeed")
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost:3000/widgets", nil)
	req.Header.Set("Proxy-Authorization", basicAuthHeader(ctx.Username, ctx.Password))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from /widgets" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("X-From-Upstream") != "yes" {
		t.Fatalf("expected upstream header to be forwarded")
	}
}

func TestHandleHTTPRejectsBadCredentials(t *testing.T) {
	p, reg := newTestProxy(t, stubPolicy{target: rewrite.Target{URL: &url.URL{Scheme: "http", Host: "127.0.0.1:1"}}})
	ctx, _ := reg.Register(1, testInitialURL, "")

	req := httptest.NewRequest(http.MethodGet, "http://localhost:3000/", nil)
	req.Header.Set("Proxy-Authorization", basicAuthHeader(ctx.Username, "wrong"))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", rec.Code)
	}
}

func TestHandleConnectTunnels(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte("world"))
	}()

	addr := upstream.Addr().(*net.TCPAddr)
	policy := stubPolicy{target: rewrite.Target{
		URL:         &url.URL{Scheme: "http", Host: upstream.Addr().String()},
		Host:        upstream.Addr().String(),
		ConnectPort: uint16(addr.Port),
	}}

	p, reg := newTestProxy(t, policy)
	ctx, _ := reg.Register(1, testInitialURL, "")

	server := httptest.NewServer(p)
	defer server.Close()

	conn, err := net.Dial("tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodConnect, "http://localhost:3000", nil)
	req.Header.Set("Proxy-Authorization", basicAuthHeader(ctx.Username, ctx.Password))
	if err := req.Write(conn); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write tunnel bytes: %v", err)
	}
	reply := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("unexpected tunnel reply: %q", reply)
	}
}

func TestHandleUpgradeOverTLSSplicesBytes(t *testing.T) {
	// Target.Secure mirrors a loopback host rewritten to a cloud preview
	// hostname (always https): the splicer must complete a TLS handshake
	// itself before it can write the upgrade request line, since it speaks
	// HTTP directly over this socket rather than handing the client an
	// opaque tunnel (unlike CONNECT).
	ln := selfSignedTLSListener(t, "127.0.0.1")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.Body.Close()
		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")) //nolint:errcheck
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte("world")) //nolint:errcheck
	}()

	addr := ln.Addr().(*net.TCPAddr)
	policy := stubPolicy{target: rewrite.Target{
		URL:         &url.URL{Scheme: "https", Host: ln.Addr().String()},
		Host:        ln.Addr().String(),
		ConnectPort: uint16(addr.Port),
		Secure:      true,
	}}

	p, reg := newTestProxyInsecure(t, policy)
	ctx, _ := reg.Register(1, testInitialURL, "")

	server := httptest.NewServer(p)
	defer server.Close()

	conn, err := net.Dial("tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "ws://localhost:4000/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Proxy-Authorization", basicAuthHeader(ctx.Username, ctx.Password))
	if err := req.Write(conn); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Connection") != "Upgrade" {
		t.Fatalf("expected Connection: Upgrade on 101 response, got %q", resp.Header.Get("Connection"))
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write tunnel bytes: %v", err)
	}
	reply := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("unexpected tunnel reply: %q", reply)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !isUpgradeRequest(req) {
		t.Fatalf("expected request to be recognized as an upgrade")
	}

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	if isUpgradeRequest(plain) {
		t.Fatalf("expected plain request to not be an upgrade")
	}
}

func TestCleanHopHeadersRemovesDynamicConnectionTokens(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom-Token")
	h.Set("X-Custom-Token", "value")
	h.Set("Keep-Alive", "timeout=5")

	cleanHopHeaders(h)

	if h.Get("X-Custom-Token") != "" {
		t.Fatalf("expected dynamically listed header to be removed")
	}
	if h.Get("Keep-Alive") != "" {
		t.Fatalf("expected standard hop-by-hop header to be removed")
	}
}
