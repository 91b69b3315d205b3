// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"io"
	"net"
)

// spliceBidirectional copies bytes between a and b in both directions until
// both halves are drained, then half-closes each side's write end so the
// peer observes EOF instead of a reset. It blocks until both directions
// finish.
func spliceBidirectional(a, b net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(a, b) //nolint:errcheck
		closeWrite(a)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(b, a) //nolint:errcheck
		closeWrite(b)
	}()

	<-done
	<-done
}

// closeWrite half-closes conn's write side if the underlying connection
// supports it, otherwise closes it outright.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite() //nolint:errcheck
		return
	}
	conn.Close()
}
