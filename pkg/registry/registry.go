// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package registry holds the process-scoped, concurrent registry of
// per-session proxy credentials and their derived routes.
package registry

import (
	"crypto/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karl-digi/cmux-preview-proxy/pkg/route"
)

const (
	usernameSuffixLen = 8
	passwordLen       = 24
	alphanumeric      = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Context is one browser context's session with the proxy.
type Context struct {
	Username   string
	Password   string
	ContextID  int64
	PersistKey string
	Route      route.Route
}

// Registry is a thread-safe mapping from session credentials to
// route/metadata, kept consistent across two indices.
type Registry struct {
	mu             sync.RWMutex
	byUsername     map[string]*Context
	byContextID    map[int64]*Context
	loggingEnabled bool
	persistKeyGate string // required prefix for persist_key, empty disables the gate
}

// New creates an empty registry. persistKeyPrefix, if non-empty, gates
// registration: a persist_key must be present and start with this prefix.
func New(persistKeyPrefix string) *Registry {
	return &Registry{
		byUsername:     make(map[string]*Context),
		byContextID:    make(map[int64]*Context),
		persistKeyGate: persistKeyPrefix,
	}
}

// Register derives a route from initialURL and, on success, generates fresh
// credentials, evicting any prior registration for the same contextID.
func (r *Registry) Register(contextID int64, initialURL string, persistKey string) (*Context, bool) {
	if r.persistKeyGate != "" {
		if persistKey == "" || !strings.HasPrefix(persistKey, r.persistKeyGate) {
			return nil, false
		}
	}

	rt, ok := route.Derive(initialURL)
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byContextID[contextID]; ok {
		delete(r.byUsername, prev.Username)
		delete(r.byContextID, contextID)
	}

	username := r.freshUsername(contextID)
	ctx := &Context{
		Username:   username,
		Password:   randomAlphanumeric(passwordLen),
		ContextID:  contextID,
		PersistKey: persistKey,
		Route:      rt,
	}

	r.byUsername[username] = ctx
	r.byContextID[contextID] = ctx
	return ctx, true
}

// freshUsername generates a username, regenerating on collision. Must be
// called with r.mu held.
func (r *Registry) freshUsername(contextID int64) string {
	for {
		candidate := "wc-" + strconv.FormatInt(contextID, 10) + "-" + randomAlphanumeric(usernameSuffixLen)
		if _, exists := r.byUsername[candidate]; !exists {
			return candidate
		}
	}
}

// Release removes both index entries for contextID atomically, reporting
// whether anything was removed.
func (r *Registry) Release(contextID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.byContextID[contextID]
	if !ok {
		return false
	}
	delete(r.byContextID, contextID)
	delete(r.byUsername, ctx.Username)
	return true
}

// GetByUsername returns a snapshot of the context registered under username.
func (r *Registry) GetByUsername(username string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byUsername[username]
	return ctx, ok
}

// GetByContextID returns a snapshot of the context registered under id.
func (r *Registry) GetByContextID(contextID int64) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byContextID[contextID]
	return ctx, ok
}

// SetLoggingEnabled toggles the human-readable request-log switch.
func (r *Registry) SetLoggingEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loggingEnabled = enabled
}

// LoggingEnabled reports the current state of the logging switch.
func (r *Registry) LoggingEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loggingEnabled
}

// randomAlphanumeric draws n cryptographically random lowercase
// alphanumeric characters. If crypto/rand ever fails to read entropy, it
// falls back to a nanosecond-timestamp-derived sequence, matching the
// fallback idiom used elsewhere in the corpus for identifier generation.
func randomAlphanumeric(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		ts := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(ts >> (i % 8 * 8))
		}
	}
	out := make([]byte, n)
	for i, c := range b {
		out[i] = alphanumeric[int(c)%len(alphanumeric)]
	}
	return string(out)
}
