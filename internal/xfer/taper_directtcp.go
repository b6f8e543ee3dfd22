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
	"sync"
)

// TaperDestDirectTCP writes parts straight from an accepted/dialed TCP
// connection to the Device, with no local disk cache or ring buffer:
// DirectTCP is used precisely when the caller already has its own
// replay/retry story on the wire (e.g. a remote Amanda server that can
// re-request a part), so this destination doesn't duplicate one.
// spec.md §4.11.
type TaperDestDirectTCP struct {
	BaseElement
	blockSizeGate

	listen    bool
	ln        net.Listener
	addrs     []string
	conn      net.Conn
	tlsConfig *tls.Config

	acceptCh chan net.Conn
	cancelCh chan struct{}

	deviceMu sync.Mutex
	device   Device
	partSize int64

	partNumber  uint64
	partWritten int64

	negotiateMode       bool
	negotiatedMode      byte
	negotiatedModeKnown bool
}

// NewTaperDestDirectTCPListen creates a listen-side DirectTCP taper
// destination.
func NewTaperDestDirectTCPListen(device Device, partSize int64, logger *slog.Logger) *TaperDestDirectTCP {
	return &TaperDestDirectTCP{
		BaseElement: NewBaseElement("dest-taper-directtcp-listen", logger),
		listen:      true,
		device:      device,
		partSize:    partSize,
		acceptCh:    make(chan net.Conn, 1),
		cancelCh:    make(chan struct{}),
	}
}

// NewTaperDestDirectTCPConnect creates a connect-side DirectTCP taper
// destination.
func NewTaperDestDirectTCPConnect(device Device, partSize int64, logger *slog.Logger) *TaperDestDirectTCP {
	return &TaperDestDirectTCP{
		BaseElement: NewBaseElement("dest-taper-directtcp-connect", logger),
		listen:      false,
		device:      device,
		partSize:    partSize,
	}
}

// SetConnectAddrs supplies the remote addresses to dial (connect mode).
func (d *TaperDestDirectTCP) SetConnectAddrs(addrs []string) { d.addrs = addrs }

// SetTLSConfig enables mTLS on the accepted/dialed connection. Must be
// called before Setup.
func (d *TaperDestDirectTCP) SetTLSConfig(cfg *tls.Config) { d.tlsConfig = cfg }

// EnableCompressionNegotiation has a listen-mode destination read a
// DirectTCPHandshake frame (and reply with an acknowledgment) before
// streaming any payload bytes, so the sender's chosen compression codec
// is known to the caller via NegotiatedCompressionMode.
func (d *TaperDestDirectTCP) EnableCompressionNegotiation() { d.negotiateMode = true }

// NegotiatedCompressionMode returns the CompressionMode the sender
// announced, once EnableCompressionNegotiation was set and the handshake
// has completed.
func (d *TaperDestDirectTCP) NegotiatedCompressionMode() (CompressionMode, bool) {
	return CompressionMode(d.negotiatedMode), d.negotiatedModeKnown
}

// ListenAddrs exposes the address a remote peer should dial (listen mode).
func (d *TaperDestDirectTCP) ListenAddrs() []string {
	if d.ln == nil {
		return nil
	}
	return []string{d.ln.Addr().String()}
}

func (d *TaperDestDirectTCP) MechPairs() []MechPair {
	if d.listen {
		return []MechPair{{Input: MechDirectTCPListen, Output: MechNone, OpsPerByte: 1, ExtraThreads: 1}}
	}
	return []MechPair{{Input: MechDirectTCPConnect, Output: MechNone, OpsPerByte: 1, ExtraThreads: 1}}
}

func (d *TaperDestDirectTCP) Setup(ctx context.Context) error {
	if err := d.blockSizeGate.useDevice(d.device); err != nil {
		return err
	}
	if d.listen {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return ResourceError("dest-taper-directtcp: listen", err)
		}
		if d.tlsConfig != nil {
			ln = tls.NewListener(ln, d.tlsConfig)
		}
		d.ln = ln
		return nil
	}
	if len(d.addrs) == 0 {
		return ConfigurationError("dest-taper-directtcp: no addresses configured", nil)
	}
	var lastErr error
	for _, addr := range d.addrs {
		conn, err := dialDirectTCP(ctx, addr, d.tlsConfig)
		if err == nil {
			d.conn = conn
			return nil
		}
		lastErr = err
	}
	return ResourceError("dest-taper-directtcp: dial failed", lastErr)
}

func (d *TaperDestDirectTCP) Start(ctx context.Context) (bool, error) {
	if err := d.startPart(ctx); err != nil {
		return false, err
	}
	if d.listen {
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
	}
	go d.pump(ctx)
	return true, nil
}

func (d *TaperDestDirectTCP) Cancel(expectEOF bool) bool {
	d.cancelled.Store(true)
	if !expectEOF {
		if d.ln != nil {
			close(d.cancelCh)
			d.ln.Close()
		}
		if d.conn != nil {
			d.conn.Close()
		}
	}
	return false
}

// Conn satisfies directTCPConnProvider, letting this element sit as the
// terminal consumer of a glue relay as well as a direct linker target.
func (d *TaperDestDirectTCP) Conn() (net.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	if !d.listen {
		return nil, fmt.Errorf("dest-taper-directtcp: not connected")
	}
	select {
	case conn := <-d.acceptCh:
		d.conn = conn
		return conn, nil
	case <-d.cancelCh:
		return nil, fmt.Errorf("dest-taper-directtcp: cancelled waiting for accept")
	}
}

func (d *TaperDestDirectTCP) pump(ctx context.Context) {
	conn, err := d.Conn()
	if err != nil {
		d.postMessage(NewError(d, err.Error()))
		d.postMessage(NewDone(d))
		return
	}
	if d.listen && d.negotiateMode {
		if err := d.negotiateReceiver(conn); err != nil {
			d.postMessage(NewError(d, err.Error()))
			d.postMessage(NewDone(d))
			return
		}
	}
	buf := make([]byte, 256*1024)
	for !d.cancelled.Load() {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := d.writePartAware(ctx, buf[:n]); werr != nil {
				d.postMessage(NewError(d, werr.Error()))
				break
			}
		}
		if err != nil {
			break
		}
	}
	d.finalizePart(ctx)
	d.postMessage(NewDone(d))
}

// negotiateReceiver reads a DirectTCPHandshake announcing the sender's
// compression mode, records it, and replies with an acknowledgment.
func (d *TaperDestDirectTCP) negotiateReceiver(conn net.Conn) error {
	h, err := ReadHandshake(conn)
	if err != nil {
		return fmt.Errorf("dest-taper-directtcp: %w", err)
	}
	d.negotiatedMode = h.CompressionMode
	d.negotiatedModeKnown = true
	if err := writeHandshakeAck(conn); err != nil {
		return fmt.Errorf("dest-taper-directtcp: writing handshake ack: %w", err)
	}
	return nil
}

func (d *TaperDestDirectTCP) writePartAware(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		chunk := data
		remaining := d.partSize - d.partWritten
		if d.partSize > 0 {
			if remaining <= 0 {
				d.rotatePart(ctx)
				remaining = d.partSize - d.partWritten
			}
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
		}
		d.deviceMu.Lock()
		n, err := d.device.Write(chunk)
		d.partWritten += int64(n)
		d.deviceMu.Unlock()
		data = data[n:]
		if err != nil {
			if Classify(err) == ClassDeviceEom {
				d.rotatePart(ctx)
				continue
			}
			return err
		}
	}
	return nil
}

func (d *TaperDestDirectTCP) startPart(ctx context.Context) error {
	if err := d.blockSizeGate.checkStart(); err != nil {
		return err
	}
	d.deviceMu.Lock()
	defer d.deviceMu.Unlock()
	d.partWritten = 0
	return d.device.StartPart(ctx, d.partNumber, false)
}

func (d *TaperDestDirectTCP) rotatePart(ctx context.Context) {
	d.finalizePart(ctx)
	d.partNumber++
	if err := d.startPart(ctx); err != nil {
		d.postMessage(NewError(d, err.Error()))
	}
}

func (d *TaperDestDirectTCP) finalizePart(ctx context.Context) {
	d.deviceMu.Lock()
	err := d.device.FinishPart(ctx)
	written := d.partWritten
	d.deviceMu.Unlock()
	d.postMessage(&Message{
		Kind:       MsgPartDone,
		Origin:     d,
		Version:    ProtocolVersion,
		Successful: err == nil,
		Size:       uint64(written),
		PartNumber: d.partNumber,
	})
	if err != nil {
		d.postMessage(NewError(d, err.Error()))
	}
}

// UseDevice installs a replacement Device between parts, refusing a
// block-size change mid-stream per Open Question #2.
func (d *TaperDestDirectTCP) UseDevice(dev Device) error {
	if err := d.blockSizeGate.useDevice(dev); err != nil {
		return err
	}
	d.deviceMu.Lock()
	d.device = dev
	d.deviceMu.Unlock()
	return nil
}
