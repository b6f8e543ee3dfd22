// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
)

// DirectTCPListenSource listens on an ephemeral TCP port, accepts exactly
// one connection, and streams bytes read from it. A dedicated cancel
// channel lets Cancel interrupt a blocked Accept. An optional tlsConfig
// upgrades the accepted connection to mTLS (see internal/pki).
type DirectTCPListenSource struct {
	BaseElement
	ln        net.Listener
	conn      net.Conn
	acceptCh  chan net.Conn
	cancelCh  chan struct{}
	tlsConfig *tls.Config
}

// NewDirectTCPListenSource creates a listen-side DirectTCP source.
func NewDirectTCPListenSource(logger *slog.Logger) *DirectTCPListenSource {
	return &DirectTCPListenSource{
		BaseElement: NewBaseElement("source-directtcp-listen", logger),
		acceptCh:    make(chan net.Conn, 1),
		cancelCh:    make(chan struct{}),
	}
}

// SetTLSConfig enables mTLS on the accepted connection. Must be called
// before Setup.
func (s *DirectTCPListenSource) SetTLSConfig(cfg *tls.Config) { s.tlsConfig = cfg }

func (s *DirectTCPListenSource) MechPairs() []MechPair {
	return []MechPair{{Input: MechNone, Output: MechDirectTCPListen, OpsPerByte: 0, ExtraThreads: 1}}
}

func (s *DirectTCPListenSource) Setup(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("source-directtcp-listen: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln
	return nil
}

func (s *DirectTCPListenSource) Start(ctx context.Context) (bool, error) {
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		select {
		case s.acceptCh <- conn:
		case <-s.cancelCh:
			conn.Close()
		}
	}()
	return false, nil
}

func (s *DirectTCPListenSource) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	close(s.cancelCh)
	s.ln.Close()
	if s.conn != nil {
		s.conn.Close()
	}
	return true
}

// ListenAddrs exposes the address a remote peer should dial.
func (s *DirectTCPListenSource) ListenAddrs() []string {
	return []string{s.ln.Addr().String()}
}

// Conn blocks until a client connects (or cancellation), then returns the
// accepted net.Conn. Called by glue/taper elements that read from it.
func (s *DirectTCPListenSource) Conn() (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	select {
	case conn := <-s.acceptCh:
		s.conn = conn
		return conn, nil
	case <-s.cancelCh:
		return nil, fmt.Errorf("source-directtcp-listen: cancelled waiting for accept")
	}
}

// DirectTCPConnectSource dials a remote DirectTCP endpoint and streams
// bytes read from it.
type DirectTCPConnectSource struct {
	BaseElement
	addrs     []string
	conn      net.Conn
	tlsConfig *tls.Config
}

// NewDirectTCPConnectSource creates a connect-side DirectTCP source.
func NewDirectTCPConnectSource(logger *slog.Logger) *DirectTCPConnectSource {
	return &DirectTCPConnectSource{BaseElement: NewBaseElement("source-directtcp-connect", logger)}
}

func (s *DirectTCPConnectSource) MechPairs() []MechPair {
	return []MechPair{{Input: MechNone, Output: MechDirectTCPConnect, OpsPerByte: 0, ExtraThreads: 1}}
}

func (s *DirectTCPConnectSource) SetConnectAddrs(addrs []string) { s.addrs = addrs }

// SetTLSConfig enables mTLS on the dialed connection. Must be called
// before Setup.
func (s *DirectTCPConnectSource) SetTLSConfig(cfg *tls.Config) { s.tlsConfig = cfg }

func (s *DirectTCPConnectSource) Setup(ctx context.Context) error {
	if len(s.addrs) == 0 {
		return fmt.Errorf("source-directtcp-connect: no addresses configured")
	}
	var lastErr error
	for _, addr := range s.addrs {
		conn, err := dialDirectTCP(ctx, addr, s.tlsConfig)
		if err == nil {
			s.conn = conn
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("source-directtcp-connect: dial failed: %w", lastErr)
}

func (s *DirectTCPConnectSource) Start(ctx context.Context) (bool, error) { return false, nil }

func (s *DirectTCPConnectSource) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	if s.conn != nil {
		s.conn.Close()
	}
	return true
}

// Conn returns the dialed connection.
func (s *DirectTCPConnectSource) Conn() (net.Conn, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("source-directtcp-connect: not connected")
	}
	return s.conn, nil
}

// DirectTCPListenDest listens on an ephemeral TCP port and writes
// whatever it receives from upstream into the first accepted connection.
type DirectTCPListenDest struct {
	BaseElement
	ln        net.Listener
	conn      net.Conn
	acceptCh  chan net.Conn
	cancelCh  chan struct{}
	tlsConfig *tls.Config
}

// NewDirectTCPListenDest creates a listen-side DirectTCP destination.
func NewDirectTCPListenDest(logger *slog.Logger) *DirectTCPListenDest {
	return &DirectTCPListenDest{
		BaseElement: NewBaseElement("dest-directtcp-listen", logger),
		acceptCh:    make(chan net.Conn, 1),
		cancelCh:    make(chan struct{}),
	}
}

// SetTLSConfig enables mTLS on the accepted connection. Must be called
// before Setup.
func (d *DirectTCPListenDest) SetTLSConfig(cfg *tls.Config) { d.tlsConfig = cfg }

func (d *DirectTCPListenDest) MechPairs() []MechPair {
	return []MechPair{{Input: MechDirectTCPListen, Output: MechNone, OpsPerByte: 0, ExtraThreads: 1}}
}

func (d *DirectTCPListenDest) Setup(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("dest-directtcp-listen: %w", err)
	}
	if d.tlsConfig != nil {
		ln = tls.NewListener(ln, d.tlsConfig)
	}
	d.ln = ln
	return nil
}

func (d *DirectTCPListenDest) Start(ctx context.Context) (bool, error) {
	go func() {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		select {
		case d.acceptCh <- conn:
		case <-d.cancelCh:
			conn.Close()
		}
	}()
	return true, nil
}

func (d *DirectTCPListenDest) Cancel(expectEOF bool) bool {
	d.cancelled.Store(true)
	close(d.cancelCh)
	d.ln.Close()
	if d.conn != nil {
		d.conn.Close()
	}
	return false
}

func (d *DirectTCPListenDest) ListenAddrs() []string { return []string{d.ln.Addr().String()} }

// Conn blocks until a client connects, then returns it.
func (d *DirectTCPListenDest) Conn() (net.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	select {
	case conn := <-d.acceptCh:
		d.conn = conn
		return conn, nil
	case <-d.cancelCh:
		return nil, fmt.Errorf("dest-directtcp-listen: cancelled waiting for accept")
	}
}

// DirectTCPConnectDest dials a remote DirectTCP endpoint and writes
// whatever it receives from upstream into that connection.
type DirectTCPConnectDest struct {
	BaseElement
	addrs              []string
	conn               net.Conn
	tlsConfig          *tls.Config
	negotiateMode      bool
	compressionMode    byte
}

// NewDirectTCPConnectDest creates a connect-side DirectTCP destination.
func NewDirectTCPConnectDest(logger *slog.Logger) *DirectTCPConnectDest {
	return &DirectTCPConnectDest{BaseElement: NewBaseElement("dest-directtcp-connect", logger)}
}

func (d *DirectTCPConnectDest) MechPairs() []MechPair {
	return []MechPair{{Input: MechDirectTCPConnect, Output: MechNone, OpsPerByte: 0, ExtraThreads: 1}}
}

func (d *DirectTCPConnectDest) SetConnectAddrs(addrs []string) { d.addrs = addrs }

// SetTLSConfig enables mTLS on the dialed connection. Must be called
// before Setup.
func (d *DirectTCPConnectDest) SetTLSConfig(cfg *tls.Config) { d.tlsConfig = cfg }

// NegotiateCompressionMode has this destination send a DirectTCPHandshake
// frame announcing mode immediately after dialing, and wait for the
// listener's acknowledgment before Setup returns.
func (d *DirectTCPConnectDest) NegotiateCompressionMode(mode CompressionMode) {
	d.negotiateMode = true
	d.compressionMode = byte(mode)
}

func (d *DirectTCPConnectDest) Setup(ctx context.Context) error {
	if len(d.addrs) == 0 {
		return fmt.Errorf("dest-directtcp-connect: no addresses configured")
	}
	var lastErr error
	for _, addr := range d.addrs {
		conn, err := dialDirectTCP(ctx, addr, d.tlsConfig)
		if err != nil {
			lastErr = err
			continue
		}
		if d.negotiateMode {
			if err := negotiateDirectTCPSender(conn, d.compressionMode); err != nil {
				conn.Close()
				return fmt.Errorf("dest-directtcp-connect: %w", err)
			}
		}
		d.conn = conn
		return nil
	}
	return fmt.Errorf("dest-directtcp-connect: dial failed: %w", lastErr)
}

// negotiateDirectTCPSender writes a DirectTCPHandshake announcing mode and
// waits for the peer's acknowledgment.
func negotiateDirectTCPSender(conn net.Conn, mode byte) error {
	if err := WriteHandshake(conn, DirectTCPHandshake{CompressionMode: mode}); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	if err := readHandshakeAck(conn); err != nil {
		return err
	}
	return nil
}

func (d *DirectTCPConnectDest) Start(ctx context.Context) (bool, error) { return true, nil }

func (d *DirectTCPConnectDest) Cancel(expectEOF bool) bool {
	d.cancelled.Store(true)
	if d.conn != nil {
		d.conn.Close()
	}
	return false
}

// Conn returns the dialed connection.
func (d *DirectTCPConnectDest) Conn() (net.Conn, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("dest-directtcp-connect: not connected")
	}
	return d.conn, nil
}

// dialDirectTCP dials addr over TCP, optionally upgrading the connection
// to mTLS when cfg is non-nil.
func dialDirectTCP(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	if cfg == nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return tls.DialWithDialer(&net.Dialer{}, "tcp", addr, cfg)
}
