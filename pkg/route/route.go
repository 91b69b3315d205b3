// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package route derives cloud-preview routing information from URLs and
// classifies hostnames as loopback addresses.
package route

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Domains lists the recognized cloud-domain suffixes, in the order they are
// tried against a candidate hostname.
var Domains = []string{
	"cmux.app",
	"cmux.sh",
	"cmux.dev",
	"cmux.local",
	"cmux.localhost",
	"autobuild.app",
}

// Route is the immutable triple used to materialize a cloud hostname from a
// loopback request target.
type Route struct {
	MorphID      string
	Scope        string
	DomainSuffix string
}

// Host builds the cmux-{morph_id}-{scope}-{port}.{domain_suffix} hostname for
// the given requested port.
func (r Route) Host(port uint16) string {
	return "cmux-" + r.MorphID + "-" + r.Scope + "-" + strconv.FormatUint(uint64(port), 10) + "." + r.DomainSuffix
}

const (
	morphPrefix = "port-"
	morphInfix  = "-morphvm-"
	morphSuffix = ".http.cloud.morph.so"
)

// Derive extracts a Route from an "initial URL" captured when a browser
// context navigates. It recognizes two patterns, tried in order, and is pure
// and total: malformed input simply yields ok=false, never a panic.
func Derive(initialURL string) (Route, bool) {
	u, err := url.Parse(initialURL)
	if err != nil {
		return Route{}, false
	}
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return Route{}, false
	}

	if route, ok := deriveMorphPattern(hostname); ok {
		return route, true
	}
	return deriveCmuxPattern(hostname)
}

// deriveMorphPattern recognizes port-<digits>-morphvm-<id>.http.cloud.morph.so.
func deriveMorphPattern(hostname string) (Route, bool) {
	rest, ok := strings.CutPrefix(hostname, morphPrefix)
	if !ok {
		return Route{}, false
	}
	rest, ok = strings.CutSuffix(rest, morphSuffix)
	if !ok {
		return Route{}, false
	}
	idx := strings.Index(rest, morphInfix)
	if idx < 0 {
		return Route{}, false
	}
	portDigits := rest[:idx]
	if portDigits == "" || strings.Trim(portDigits, "0123456789") != "" {
		return Route{}, false
	}
	morphID := rest[idx+len(morphInfix):]
	if morphID == "" {
		return Route{}, false
	}
	return Route{MorphID: morphID, Scope: "base", DomainSuffix: "cmux.app"}, true
}

// deriveCmuxPattern recognizes cmux-{morphId}-{scope}-{port}.{domainSuffix}.
func deriveCmuxPattern(hostname string) (Route, bool) {
	for _, domain := range Domains {
		suffix := "." + domain
		subdomain, ok := strings.CutSuffix(hostname, suffix)
		if !ok {
			continue
		}
		remainder, ok := strings.CutPrefix(subdomain, "cmux-")
		if !ok {
			continue
		}

		var segments []string
		for _, seg := range strings.Split(remainder, "-") {
			if seg != "" {
				segments = append(segments, seg)
			}
		}
		if len(segments) < 3 {
			continue
		}

		portSegment := segments[len(segments)-1]
		if _, err := strconv.ParseUint(portSegment, 10, 16); err != nil {
			continue
		}

		scope := segments[len(segments)-2]
		morphID := strings.Join(segments[:len(segments)-2], "-")
		if morphID == "" {
			continue
		}

		return Route{MorphID: morphID, Scope: scope, DomainSuffix: domain}, true
	}
	return Route{}, false
}

var loopbackLiterals = map[string]struct{}{
	"localhost":          {},
	"127.0.0.1":          {},
	"0.0.0.0":            {},
	"::1":                {},
	"[::1]":              {},
	"::ffff:127.0.0.1":   {},
	"[::ffff:127.0.0.1]": {},
}

// IsLoopback reports whether hostname denotes a loopback address, per the
// closed set of literals, the ".localhost" suffix, and IPv4/IPv6 parsing
// described in spec.md §4.B. Bracket stripping is applied before IP parsing.
func IsLoopback(hostname string) bool {
	lower := strings.ToLower(hostname)
	if _, ok := loopbackLiterals[lower]; ok {
		return true
	}
	if strings.HasSuffix(lower, ".localhost") {
		return true
	}

	stripped := lower
	if strings.HasPrefix(stripped, "[") && strings.HasSuffix(stripped, "]") {
		stripped = stripped[1 : len(stripped)-1]
	}

	ip := net.ParseIP(stripped)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4[0] == 127
	}
	return ip.IsLoopback()
}
