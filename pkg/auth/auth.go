// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth authenticates proxied requests against the session
// registry using HTTP Basic credentials.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
)

// Realm is presented in the Proxy-Authenticate challenge.
const Realm = "Cmux Preview Proxy"

// Authenticator validates Proxy-Authorization: Basic credentials against a
// registry.Registry, resolving the embedded username to its Context.
type Authenticator struct {
	registry *registry.Registry
}

// New builds an Authenticator backed by reg.
func New(reg *registry.Registry) *Authenticator {
	return &Authenticator{registry: reg}
}

// LoggingEnabled reports the registry's current human-readable-request-log
// switch (spec.md §3, toggled via control.Surface.SetLoggingEnabled). Request
// handlers read this through the Authenticator they already hold rather than
// needing a second registry handle.
func (a *Authenticator) LoggingEnabled() bool {
	return a.registry.LoggingEnabled()
}

// Authenticate parses the Proxy-Authorization header on req, validates it
// against the registry in constant time, and returns the matching Context.
// ok is false whenever the caller should reject the request; every such
// rejection is answered the same way, with ChallengeResponse.
func (a *Authenticator) Authenticate(req *http.Request) (ctx *registry.Context, ok bool) {
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return nil, false
	}

	username, password, ok := parseBasic(header)
	if !ok {
		return nil, false
	}

	found, ok := a.registry.GetByUsername(username)
	if !ok {
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(password), []byte(found.Password)) != 1 {
		return nil, false
	}

	return found, true
}

// parseBasic decodes a "Basic <base64>" credential into username/password,
// splitting on the first colon per RFC 7617.
func parseBasic(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", "", false
	}

	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

// ChallengeResponse writes a 407 Proxy Authentication Required response with
// a Proxy-Authenticate challenge for Realm.
func ChallengeResponse(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", `Basic realm="`+Realm+`"`)
	w.WriteHeader(http.StatusProxyAuthRequired)
}
