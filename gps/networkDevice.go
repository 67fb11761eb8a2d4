/*
	Copyright (c) 2022 R. van Twisk
	Distributable under the terms of The "BSD New" License
	that can be found in the LICENSE file, herein included
	as part of this header.

	networkDevice.go: Receivers reachable over TCP.
*/

package gps

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// TCPDialer connects to a receiver exposed by a serial-to-network bridge.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (t *TCPDialer) Name() string { return "tcp:" + t.Addr }

func (t *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", t.Addr)
}

// ListenDialer waits for a receiver that connects to us, for example a
// wireless bridge configured to push its output to a fixed address. Each
// Dial returns the next incoming connection.
type ListenDialer struct {
	Addr string

	mu sync.Mutex
	ln net.Listener
}

func (l *ListenDialer) Name() string { return "listen:" + l.Addr }

func (l *ListenDialer) listener() (net.Listener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln, nil
	}
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return nil, err
	}
	log.Printf("networkDevice: Listening for network GPS device on %s", ln.Addr().String())
	l.ln = ln
	return ln, nil
}

// ListenAddr returns the bound address once Dial has been called.
func (l *ListenDialer) ListenAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *ListenDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	ln, err := l.listener()
	if err != nil {
		return nil, err
	}

	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		log.Printf("networkDevice: Connecting network GPS device : %s", r.c.RemoteAddr().String())
		return r.c, nil
	case <-ctx.Done():
		// Unblock Accept; the next Dial listens again.
		l.Close()
		if r := <-ch; r.c != nil {
			r.c.Close()
		}
		return nil, ctx.Err()
	}
}

// Close stops listening.
func (l *ListenDialer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
