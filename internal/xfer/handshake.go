// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"fmt"
	"io"
)

// magicDirectTCPHandshake identifies the optional pre-stream negotiation
// frame a DirectTCP connect side can send before any payload bytes.
var magicDirectTCPHandshake = [4]byte{'X', 'F', 'H', 'S'}

// handshakeVersion is the only version this engine speaks.
const handshakeVersion byte = 0x01

// DirectTCPHandshake carries the compression codec the sender used to
// encode the stream that follows, so a DirectTCP listener learns the codec
// before reading payload bytes (this package has no decompressing filter).
// Wire format: [Magic "XFHS" 4B] [Version 1B] [CompressionMode 1B].
type DirectTCPHandshake struct {
	CompressionMode byte
}

// WriteHandshake writes a DirectTCPHandshake frame to w.
func WriteHandshake(w io.Writer, h DirectTCPHandshake) error {
	buf := make([]byte, 6)
	copy(buf[0:4], magicDirectTCPHandshake[:])
	buf[4] = handshakeVersion
	buf[5] = h.CompressionMode
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a DirectTCPHandshake frame from r.
func ReadHandshake(r io.Reader) (DirectTCPHandshake, error) {
	buf := make([]byte, 6)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DirectTCPHandshake{}, fmt.Errorf("reading directtcp handshake: %w", err)
	}
	if buf[0] != magicDirectTCPHandshake[0] || buf[1] != magicDirectTCPHandshake[1] ||
		buf[2] != magicDirectTCPHandshake[2] || buf[3] != magicDirectTCPHandshake[3] {
		return DirectTCPHandshake{}, fmt.Errorf("directtcp handshake: invalid magic bytes %q", buf[0:4])
	}
	if buf[4] != handshakeVersion {
		return DirectTCPHandshake{}, fmt.Errorf("directtcp handshake: unsupported version %d", buf[4])
	}
	return DirectTCPHandshake{CompressionMode: buf[5]}, nil
}

// handshakeAckOK is the single-byte acknowledgment a listener sends back
// once it has accepted the negotiated CompressionMode.
const handshakeAckOK byte = 0x00

func writeHandshakeAck(w io.Writer) error {
	_, err := w.Write([]byte{handshakeAckOK})
	return err
}

func readHandshakeAck(r io.Reader) error {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading directtcp handshake ack: %w", err)
	}
	if buf[0] != handshakeAckOK {
		return fmt.Errorf("directtcp handshake: peer rejected negotiated mode (status %d)", buf[0])
	}
	return nil
}
