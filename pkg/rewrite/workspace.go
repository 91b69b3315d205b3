// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package rewrite

import (
	"hash/fnv"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
)

// Header names consulted by WorkspacePolicy. Both are stripped from the
// forwarded request alongside the standard hop-by-hop set.
const (
	HeaderPortInternal      = "X-Cmux-Port-Internal"
	HeaderWorkspaceInternal = "X-Cmux-Workspace-Internal"
)

// workspaceSubnet is the /16 into which workspace names are hashed.
const workspaceSubnet = "127.18"

// WorkspacePolicy implements the header-driven workspace-proxy variant of
// SPEC_FULL.md §4.C': the upstream is a deterministic 127.18.0.0/16 address
// derived from X-Cmux-Workspace-Internal, and the upstream port comes from
// X-Cmux-Port-Internal (falling back to a "<workspace>-<port>." leading
// label on the Host header). When the workspace header is absent, the same
// Host-derived label is tried for the workspace name; failing that, a
// configured default upstream host is used when allowDefaultUpstream is set.
type WorkspacePolicy struct {
	defaultUpstreamHost  string
	allowDefaultUpstream bool
}

// NewWorkspacePolicy builds a WorkspacePolicy. defaultUpstreamHost is the
// upstream used once neither the workspace header nor the Host-derived
// fallback resolves a workspace name; it is only consulted when
// allowDefaultUpstream is true.
func NewWorkspacePolicy(defaultUpstreamHost string, allowDefaultUpstream bool) *WorkspacePolicy {
	return &WorkspacePolicy{defaultUpstreamHost: defaultUpstreamHost, allowDefaultUpstream: allowDefaultUpstream}
}

// Rewrite implements Policy.
func (p *WorkspacePolicy) Rewrite(uri *url.URL, _ *registry.Context, req *http.Request) (Target, error) {
	headers := req.Header

	port, err := portFromHeaders(headers, uri)
	if err != nil {
		return Target{}, err
	}

	host, err := p.upstreamHost(headers, uri)
	if err != nil {
		return Target{}, err
	}

	hostPort := host + ":" + strconv.FormatUint(uint64(port), 10)
	target := &url.URL{
		Scheme:   "http",
		Host:     hostPort,
		Path:     pathOrRoot(uri),
		RawQuery: uri.RawQuery,
	}
	return Target{URL: target, Host: hostPort, ConnectPort: port, Secure: false}, nil
}

// upstreamHost resolves the 127.18.0.0/16 address (or configured default
// host) for a request, per SPEC_FULL.md §4.C' step 2: X-Cmux-Workspace-
// Internal first, then a workspace name parsed from the Host header, then
// p.defaultUpstreamHost when p.allowDefaultUpstream permits it.
func (p *WorkspacePolicy) upstreamHost(headers http.Header, uri *url.URL) (string, error) {
	if workspace := headers.Get(HeaderWorkspaceInternal); workspace != "" {
		return workspaceIPFromName(workspace), nil
	}

	if name, _, ok := workspaceAndPortFromHost(headers, uri); ok {
		return workspaceIPFromName(name), nil
	}

	if p.allowDefaultUpstream {
		return p.defaultUpstreamHost, nil
	}

	return "", badRequest("missing " + HeaderWorkspaceInternal)
}

// portFromHeaders reads X-Cmux-Port-Internal; absent that, it falls back to
// the port half of a "<workspace>-<port>." leading label on the Host header.
func portFromHeaders(headers http.Header, uri *url.URL) (uint16, error) {
	if raw := headers.Get(HeaderPortInternal); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return 0, badRequest("invalid " + HeaderPortInternal)
		}
		return uint16(n), nil
	}

	if _, port, ok := workspaceAndPortFromHost(headers, uri); ok {
		return port, nil
	}
	return 0, badRequest("cannot determine upstream port")
}

// workspaceAndPortFromHost splits the Host header's leading label (falling
// back to uri.Host) at its last hyphen into a workspace name and a trailing
// port number, e.g. "my-workspace-3000.example.com" yields ("my-workspace",
// 3000). It is the shared Host-derived fallback for both the port and the
// workspace name (SPEC_FULL.md §4.C' step 1 and step 2 use "the same
// pattern").
func workspaceAndPortFromHost(headers http.Header, uri *url.URL) (name string, port uint16, ok bool) {
	host := headers.Get("Host")
	if host == "" {
		host = uri.Host
	}
	if host == "" {
		return "", 0, false
	}

	label, _, _ := strings.Cut(host, ".")
	label, _, _ = strings.Cut(label, ":")

	i := strings.LastIndexByte(label, '-')
	if i <= 0 || i == len(label)-1 {
		return "", 0, false
	}

	namePart, portPart := label[:i], label[i+1:]
	n, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return "", 0, false
	}
	return namePart, uint16(n), true
}

// workspaceIPFromName derives a deterministic 127.18.0.0/16 address for a
// workspace name, matching the ground-truth workspace_ip_from_name: any
// path-like prefix is stripped down to the last "/"-separated segment and
// the remainder is lowercased before either reading a trailing digit run as
// the low 16 bits or, failing that, hashing it with FNV-1a.
func workspaceIPFromName(name string) string {
	base := name
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)

	if hi, lo, ok := trailingDigitsToOctets(base); ok {
		return workspaceSubnet + "." + strconv.Itoa(hi) + "." + strconv.Itoa(lo)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(base))
	sum := h.Sum32() & 0xFFFF
	return workspaceSubnet + "." + strconv.Itoa(int(sum>>8)) + "." + strconv.Itoa(int(sum&0xFF))
}

// trailingDigitsToOctets extracts a trailing run of decimal digits from base
// and, if it fits in 16 bits, splits it into (high, low) octets. base is
// expected to already be stripped/lowercased by workspaceIPFromName.
func trailingDigitsToOctets(base string) (hi, lo int, ok bool) {
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	digits := base[i:]
	if digits == "" {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 16)
	if err != nil {
		return 0, 0, false
	}
	return int(n >> 8), int(n & 0xFF), true
}
