// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package control exposes the proxy's external control surface (module K):
// the small set of language-neutral operations an embedding host (a
// desktop shell driving browser contexts) uses to start/stop the listener
// and to register, release, and look up per-context credentials. It is not
// a CLI; it is the composition root wiring config, registry, auth, rewrite
// policy, proxy handler, and listener into one object.
package control

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/karl-digi/cmux-preview-proxy/pkg/auth"
	"github.com/karl-digi/cmux-preview-proxy/pkg/config"
	"github.com/karl-digi/cmux-preview-proxy/pkg/proxy"
	"github.com/karl-digi/cmux-preview-proxy/pkg/registry"
	"github.com/karl-digi/cmux-preview-proxy/pkg/rewrite"
	"github.com/karl-digi/cmux-preview-proxy/pkg/server"
)

// Credentials is the (username, password) pair handed back to the
// embedding host on a successful registration or lookup.
type Credentials struct {
	Username string
	Password string
}

// Surface is the external control surface (module K). A zero-value Surface
// is not usable; build one with NewPreviewSurface or NewWorkspaceSurface.
type Surface struct {
	cfg      config.Config
	registry *registry.Registry
	srv      *server.Server
	logger   zerolog.Logger
}

// NewPreviewSurface builds the canonical preview-proxy control surface:
// loopback hostnames are rewritten to cloud-preview hostnames per spec.md
// §4.C, and sessions authenticate with per-context HTTP Basic credentials.
func NewPreviewSurface(cfg config.Config, logger zerolog.Logger) *Surface {
	return newSurface(cfg, rewrite.NewPreviewPolicy(), logger)
}

// NewWorkspaceSurface builds the sibling workspace-proxy control surface
// (SPEC_FULL.md §4.C'): requests are dispatched by the
// X-Cmux-Port-Internal/X-Cmux-Workspace-Internal headers to a deterministic
// 127.18.0.0/16 address, sharing every other module (registry,
// authenticator, classifier, forwarder, splicer, tunnel, listener) with the
// preview surface.
func NewWorkspaceSurface(cfg config.Config, logger zerolog.Logger) *Surface {
	policy := rewrite.NewWorkspacePolicy(cfg.WorkspaceDefaultUpstreamHost, cfg.WorkspaceAllowDefaultUpstream)
	return newSurface(cfg, policy, logger)
}

func newSurface(cfg config.Config, policy rewrite.Policy, logger zerolog.Logger) *Surface {
	reg := registry.New(cfg.PersistKeyPrefix)
	reg.SetLoggingEnabled(cfg.LoggingEnabledAtBoot)

	p := proxy.New(proxy.Options{
		Authenticator:         auth.New(reg),
		Policy:                policy,
		ConnectDialTimeout:    cfg.ConnectDialTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
	}, logger)

	return &Surface{
		cfg:      cfg,
		registry: reg,
		srv:      server.New(p, logger),
		logger:   logger.With().Str("component", "control").Logger(),
	}
}

// Start lazily binds the listener (port-scanning cfg.PortRangeStart through
// cfg.PortRangeStart+cfg.PortRangeAttempts-1) and returns the bound port.
// It is safe to call repeatedly; a Surface that is already running returns
// its existing port.
func (s *Surface) Start() (int, error) {
	host, _, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		host = s.cfg.ListenAddr
	}
	port, err := s.srv.Start(host, s.cfg.PortRangeStart, s.cfg.PortRangeAttempts)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("host", host).Int("port", port).Msg("proxy listening")
	return port, nil
}

// Stop closes the listener and blocks until the accept loop has exited or
// ctx is canceled, whichever comes first. Already-accepted connections are
// not waited for; they finish on their own.
func (s *Surface) Stop(ctx context.Context) error {
	return s.srv.Stop(ctx)
}

// SetLoggingEnabled toggles the registry's human-readable request-log
// switch; it may be called at any time, running or not.
func (s *Surface) SetLoggingEnabled(enabled bool) {
	s.registry.SetLoggingEnabled(enabled)
}

// RegisterContext derives a route from initialURL and, on success,
// generates fresh per-context credentials, atomically evicting any prior
// registration for contextID. It may be called before Start; registrations
// simply buffer into the registry until the listener exists. ok is false
// when initialURL matches neither recognized route pattern, or when a
// persist-key gate is configured and persistKey fails it — the caller
// should treat that as "do not attach this context to the proxy."
func (s *Surface) RegisterContext(contextID int64, initialURL, persistKey string) (Credentials, bool) {
	ctx, ok := s.registry.Register(contextID, initialURL, persistKey)
	if !ok {
		return Credentials{}, false
	}
	return Credentials{Username: ctx.Username, Password: ctx.Password}, true
}

// ReleaseContext removes contextID's registration, reporting whether
// anything was removed.
func (s *Surface) ReleaseContext(contextID int64) bool {
	return s.registry.Release(contextID)
}

// CredentialsForContext returns the credentials currently registered for
// contextID, if any.
func (s *Surface) CredentialsForContext(contextID int64) (Credentials, bool) {
	ctx, ok := s.registry.GetByContextID(contextID)
	if !ok {
		return Credentials{}, false
	}
	return Credentials{Username: ctx.Username, Password: ctx.Password}, true
}

// Port reports the currently bound port, or 0 if Start has not succeeded.
func (s *Surface) Port() int {
	return s.srv.Port()
}
