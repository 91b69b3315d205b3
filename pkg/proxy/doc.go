// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy authenticates loopback HTTP/1.1 and HTTP/2 traffic against a
// session registry, rewrites request targets via a pluggable rewrite.Policy,
// and forwards the result: a direct round trip for plain HTTP, a hijack and
// byte splice for WebSocket upgrades, and a hijack and raw TCP tunnel for
// CONNECT.
package proxy
