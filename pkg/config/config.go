// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads runtime settings for the preview proxy from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr            = "CMUX_PREVIEW_LISTEN_ADDR"
	envPortRangeStart        = "CMUX_PREVIEW_PORT_START"
	envPortRangeAttempts     = "CMUX_PREVIEW_PORT_ATTEMPTS"
	envPersistKeyPrefix      = "CMUX_PREVIEW_PERSIST_KEY_PREFIX"
	envConnectDialTimeout    = "CMUX_PREVIEW_CONNECT_DIAL_TIMEOUT"
	envIdleConnTimeout       = "CMUX_PREVIEW_IDLE_CONN_TIMEOUT"
	envTLSHandshakeTimeout   = "CMUX_PREVIEW_TLS_HANDSHAKE_TIMEOUT"
	envResponseHeaderTime    = "CMUX_PREVIEW_RESPONSE_HEADER_TIMEOUT"
	envExpectContinueTime    = "CMUX_PREVIEW_EXPECT_CONTINUE_TIMEOUT"
	envGracefulShutdown      = "CMUX_PREVIEW_GRACEFUL_SHUTDOWN"
	envLogLevel              = "CMUX_PREVIEW_LOG_LEVEL"
	envLoggingEnabledAtBoot  = "CMUX_PREVIEW_LOGGING_ENABLED"
	envInsecureSkipVerify    = "CMUX_PREVIEW_INSECURE_SKIP_VERIFY"
	envWorkspaceDefaultHost  = "CMUX_PREVIEW_WORKSPACE_DEFAULT_UPSTREAM_HOST"
	envWorkspaceAllowDefault = "CMUX_PREVIEW_WORKSPACE_ALLOW_DEFAULT_UPSTREAM"

	defaultListenAddr          = "127.0.0.1:39385"
	defaultPortRangeStart      = 39385
	defaultPortRangeAttempts   = 50
	defaultConnectDialTimeout  = 10 * time.Second
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultResponseHeaderTime  = 20 * time.Second
	defaultExpectContinueTime  = 5 * time.Second
	defaultGracefulShutdown    = 10 * time.Second
	defaultLogLevel            = "info"
)

// Config captures runtime settings for the proxy. Bind always scans forward
// from PortRangeStart through PortRangeStart+PortRangeAttempts-1 looking for
// a free port; ListenAddr supplies only the host/interface portion.
type Config struct {
	ListenAddr              string
	PortRangeStart          int
	PortRangeAttempts       int
	PersistKeyPrefix        string
	ConnectDialTimeout      time.Duration
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
	ExpectContinueTimeout   time.Duration
	GracefulShutdownTimeout time.Duration
	LogLevel                string
	LoggingEnabledAtBoot    bool
	// InsecureSkipVerify disables upstream TLS certificate verification for
	// the HTTP forwarder. Development only; defaults to false.
	InsecureSkipVerify bool
	// WorkspaceDefaultUpstreamHost and WorkspaceAllowDefaultUpstream apply
	// only to the workspace-proxy variant (SPEC_FULL.md §4.C' step 2): once
	// neither X-Cmux-Workspace-Internal nor a Host-derived workspace name
	// resolves an upstream, WorkspaceDefaultUpstreamHost is used if
	// WorkspaceAllowDefaultUpstream is set, else the request is rejected.
	WorkspaceDefaultUpstreamHost  string
	WorkspaceAllowDefaultUpstream bool
}

// Load reads configuration from environment variables, falling back to
// production-sane defaults for everything (there are no required variables:
// an embedding host may run the proxy purely through the control surface).
func Load() Config {
	return Config{
		ListenAddr:              getString(envListenAddr, defaultListenAddr),
		PortRangeStart:          getInt(envPortRangeStart, defaultPortRangeStart),
		PortRangeAttempts:       getInt(envPortRangeAttempts, defaultPortRangeAttempts),
		PersistKeyPrefix:        getString(envPersistKeyPrefix, ""),
		ConnectDialTimeout:      getDuration(envConnectDialTimeout, defaultConnectDialTimeout),
		IdleConnTimeout:         getDuration(envIdleConnTimeout, defaultIdleConnTimeout),
		TLSHandshakeTimeout:     getDuration(envTLSHandshakeTimeout, defaultTLSHandshakeTimeout),
		ResponseHeaderTimeout:   getDuration(envResponseHeaderTime, defaultResponseHeaderTime),
		ExpectContinueTimeout:   getDuration(envExpectContinueTime, defaultExpectContinueTime),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		LoggingEnabledAtBoot:    getBool(envLoggingEnabledAtBoot, false),
		InsecureSkipVerify:      getBool(envInsecureSkipVerify, false),

		WorkspaceDefaultUpstreamHost:  getString(envWorkspaceDefaultHost, ""),
		WorkspaceAllowDefaultUpstream: getBool(envWorkspaceAllowDefault, false),
	}
}

func getStringRaw(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	return val, ok && val != ""
}

func getString(key, fallback string) string {
	if val, ok := getStringRaw(key); ok {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val, ok := getStringRaw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val, ok := getStringRaw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, ok := getStringRaw(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
