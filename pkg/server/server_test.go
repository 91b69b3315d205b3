// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok") //nolint:errcheck
	})
}

func TestStartBindsFirstFreePortAndServes(t *testing.T) {
	s := New(echoHandler(), zerolog.Nop())

	port, err := s.Start("127.0.0.1", 40100, 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := New(echoHandler(), zerolog.Nop())

	port1, err := s.Start("127.0.0.1", 40200, 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck

	port2, err := s.Start("127.0.0.1", 40200, 5)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if port1 != port2 {
		t.Fatalf("expected idempotent start to return the same port, got %d and %d", port1, port2)
	}
}

func TestStartScansForwardOnAddressInUse(t *testing.T) {
	blocker := New(echoHandler(), zerolog.Nop())
	port, err := blocker.Start("127.0.0.1", 40300, 1)
	if err != nil {
		t.Fatalf("start blocker: %v", err)
	}
	defer blocker.Stop(context.Background()) //nolint:errcheck

	s := New(echoHandler(), zerolog.Nop())
	got, err := s.Start("127.0.0.1", port, 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck

	if got == port {
		t.Fatalf("expected a different port than the already-bound one, got %d", got)
	}
}

func TestStopReleasesPortForReuse(t *testing.T) {
	s := New(echoHandler(), zerolog.Nop())
	port, err := s.Start("127.0.0.1", 40400, 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	s2 := New(echoHandler(), zerolog.Nop())
	got, err := s2.Start("127.0.0.1", port, 1)
	if err != nil {
		t.Fatalf("restart on released port: %v", err)
	}
	defer s2.Stop(context.Background()) //nolint:errcheck
	if got != port {
		t.Fatalf("expected to rebind released port %d, got %d", port, got)
	}
}
