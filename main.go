// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/karl-digi/cmux-preview-proxy/pkg/config"
	"github.com/karl-digi/cmux-preview-proxy/pkg/control"
)

// main runs the proxy's control surface (module K) as a standalone process.
// The surface is designed to be embedded in a host application (see
// pkg/control's doc comment); this binary exists only to give the ambient
// stack (config loading, logging, graceful shutdown) a runnable home. The
// -register/-initial-url/-workspace flags let an operator exercise
// register_context from the command line without a full embedding host.
func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	workspace := flag.Bool("workspace", false, "run the workspace-proxy variant instead of the preview proxy")
	registerContextID := flag.Int64("register", 0, "if nonzero, register this context id against -initial-url at startup")
	initialURL := flag.String("initial-url", "", "initial URL to derive a route from when -register is set")
	flag.Parse()

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	var surface *control.Surface
	if *workspace {
		surface = control.NewWorkspaceSurface(cfg, log.Logger)
	} else {
		surface = control.NewPreviewSurface(cfg, log.Logger)
	}

	if *registerContextID != 0 {
		creds, ok := surface.RegisterContext(*registerContextID, *initialURL, "")
		if !ok {
			log.Fatal().Int64("context_id", *registerContextID).Str("initial_url", *initialURL).
				Msg("initial URL did not match a recognized route pattern")
		}
		log.Info().Int64("context_id", *registerContextID).Str("username", creds.Username).
			Msg("registered context")
	}

	port, err := surface.Start()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start proxy listener")
	}
	log.Info().Int("port", port).Bool("workspace", *workspace).Msg("cmux preview proxy listening")

	waitForShutdown(context.Background(), surface, cfg.GracefulShutdownTimeout)
}

func waitForShutdown(ctx context.Context, surface *control.Surface, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down cmux preview proxy")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := surface.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("proxy stopped")
}
