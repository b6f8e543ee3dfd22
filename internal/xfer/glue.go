// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// directTCPConnProvider is implemented by every DirectTCP element (and by
// Glue itself, when it relays), letting glue code treat listen-side and
// connect-side elements identically once a connection exists.
type directTCPConnProvider interface {
	Conn() (net.Conn, error)
}

// glueChunkSize is the unit Glue moves internally when it needs a
// decoupling buffer (same mechanism on both sides, or a DirectTCP relay).
const glueChunkSize = 64 * 1024

// Glue is the single generic adapter element the Linker inserts wherever
// two neighbouring elements' negotiated mechanisms don't directly match.
// Its behaviour is entirely determined by the (input, output) MechPair
// the linker picked via SetMechanism; Start dispatches on that pair.
type Glue struct {
	BaseElement

	bufCh  chan []byte // used by the buffering-stage and relay modes
	doneCh chan struct{}
	relay  net.Conn // our own accepted/dialed conn, for relay/bridge modes
}

// NewGlue creates an unconfigured glue element; the linker calls
// SetMechanism before Setup/Start.
func NewGlue(logger *slog.Logger) *Glue {
	return &Glue{BaseElement: NewBaseElement("glue", logger), doneCh: make(chan struct{})}
}

// MechPairs enumerates every (output, input) combination the glue can
// bridge, each with its cost. The Linker only ever tries pairs whose
// Input matches the mechanism already flowing at that position.
func (g *Glue) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechReadFd, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechPullBuffer, Output: MechWriteFd, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechReadFd, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechPushBuffer, Output: MechWriteFd, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechPullBuffer, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechPushBuffer, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechDirectTCPListen, Output: MechDirectTCPConnect, OpsPerByte: 1, ExtraThreads: 2},
		{Input: MechDirectTCPConnect, Output: MechDirectTCPListen, OpsPerByte: 1, ExtraThreads: 2},
		{Input: MechDirectTCPListen, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechDirectTCPConnect, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechPullBuffer, Output: MechDirectTCPConnect, OpsPerByte: 1, ExtraThreads: 1},
		{Input: MechPullBuffer, Output: MechDirectTCPListen, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (g *Glue) Setup(ctx context.Context) error { return nil }

func (g *Glue) Start(ctx context.Context) (bool, error) {
	in, out := g.Mechanism()
	switch {
	case in == MechReadFd && out == MechPushBuffer:
		go g.pumpFDToPush()
		return true, nil
	case in == MechPullBuffer && out == MechWriteFd:
		go g.pumpPullToFD()
		return true, nil
	case in == MechReadFd && out == MechPullBuffer:
		return false, nil // lazy: PullBuffer() reads the fd per call
	case in == MechPushBuffer && out == MechWriteFd:
		return false, nil // lazy: PushBuffer() writes the fd per call
	case in == MechPullBuffer && out == MechPullBuffer:
		g.bufCh = make(chan []byte, 4)
		go g.pumpPullToChan()
		return false, nil
	case in == MechPushBuffer && out == MechPushBuffer:
		g.bufCh = make(chan []byte, 4)
		go g.pumpChanToPush()
		return true, nil
	case in == MechDirectTCPListen || in == MechDirectTCPConnect:
		go g.pumpDirectTCP(in, out)
		return true, nil
	case in == MechPullBuffer && (out == MechDirectTCPConnect || out == MechDirectTCPListen):
		go g.pumpPullToDirectTCP()
		return true, nil
	default:
		return false, fmt.Errorf("glue: unhandled mechanism pair %v->%v", in, out)
	}
}

func (g *Glue) Cancel(expectEOF bool) bool {
	g.cancelled.Store(true)
	if g.relay != nil {
		g.relay.Close()
	}
	return false
}

func (g *Glue) finish() { g.postMessage(NewDone(g)) }

// pumpFDToPush reads from the upstream fd and pushes each chunk downstream.
func (g *Glue) pumpFDToPush() {
	src, _ := g.upstream.(FDSource)
	dst, _ := g.downstream.(BufferPusher)
	if src == nil || dst == nil {
		g.postMessage(NewError(g, "glue: missing fd source or buffer pusher"))
		g.finish()
		return
	}
	f := src.OutputFD().Get()
	buf := make([]byte, glueChunkSize)
	for !g.cancelled.Load() {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if perr := dst.PushBuffer(chunk); perr != nil {
				g.postMessage(NewError(g, fmt.Sprintf("glue: push: %v", perr)))
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				g.postMessage(NewError(g, fmt.Sprintf("glue: read: %v", err)))
			}
			break
		}
	}
	dst.PushBuffer(nil)
	g.finish()
}

// pumpPullToFD pulls from upstream and writes each chunk to the
// downstream fd.
func (g *Glue) pumpPullToFD() {
	src, _ := g.upstream.(BufferPuller)
	dst, _ := g.downstream.(FDSink)
	if src == nil || dst == nil {
		g.postMessage(NewError(g, "glue: missing buffer puller or fd sink"))
		g.finish()
		return
	}
	f := dst.InputFD().Get()
	for !g.cancelled.Load() {
		data, ok := src.PullBuffer()
		if !ok {
			break
		}
		if _, err := f.Write(data); err != nil {
			g.postMessage(NewError(g, fmt.Sprintf("glue: write: %v", err)))
			break
		}
	}
	g.finish()
}

// PullBuffer implements the lazy ReadFd->PullBuffer and the buffered
// PullBuffer->PullBuffer modes.
func (g *Glue) PullBuffer() ([]byte, bool) {
	in, out := g.Mechanism()
	if in == MechReadFd && out == MechPullBuffer {
		src, _ := g.upstream.(FDSource)
		if src == nil || g.cancelled.Load() {
			return nil, false
		}
		buf := make([]byte, glueChunkSize)
		n, err := src.OutputFD().Get().Read(buf)
		if n > 0 {
			return buf[:n], true
		}
		if err != nil && err != io.EOF {
			g.postMessage(NewError(g, fmt.Sprintf("glue: read: %v", err)))
		}
		return nil, false
	}
	// Buffered PullBuffer->PullBuffer.
	data, ok := <-g.bufCh
	if !ok {
		return nil, false
	}
	return data, true
}

func (g *Glue) pumpPullToChan() {
	src, _ := g.upstream.(BufferPuller)
	defer close(g.bufCh)
	if src == nil {
		g.postMessage(NewError(g, "glue: missing buffer puller"))
		return
	}
	for !g.cancelled.Load() {
		data, ok := src.PullBuffer()
		if !ok {
			return
		}
		select {
		case g.bufCh <- data:
		case <-g.doneCh:
			return
		}
	}
}

// PushBuffer implements the lazy PushBuffer->WriteFd and the buffered
// PushBuffer->PushBuffer modes.
func (g *Glue) PushBuffer(data []byte) error {
	in, out := g.Mechanism()
	if in == MechPushBuffer && out == MechWriteFd {
		dst, _ := g.downstream.(FDSink)
		if dst == nil {
			return fmt.Errorf("glue: missing fd sink")
		}
		if data == nil {
			return nil
		}
		_, err := dst.InputFD().Get().Write(data)
		return err
	}
	// Buffered PushBuffer->PushBuffer.
	if data == nil {
		close(g.bufCh)
		return nil
	}
	select {
	case g.bufCh <- data:
		return nil
	case <-g.doneCh:
		return fmt.Errorf("glue: cancelled")
	}
}

func (g *Glue) pumpChanToPush() {
	dst, _ := g.downstream.(BufferPusher)
	defer g.finish()
	if dst == nil {
		g.postMessage(NewError(g, "glue: missing buffer pusher"))
		return
	}
	for data := range g.bufCh {
		if err := dst.PushBuffer(data); err != nil {
			g.postMessage(NewError(g, fmt.Sprintf("glue: push: %v", err)))
			return
		}
	}
	dst.PushBuffer(nil)
}

// pumpDirectTCP bridges a DirectTCP-facing upstream to whatever the
// downstream mechanism is: another DirectTCP element (true relay) or a
// buffer/fd consumer (treat the accepted/dialed net.Conn as the byte
// source, same as pumpFDToPush but over a socket instead of a file).
func (g *Glue) pumpDirectTCP(in, out Mechanism) {
	provider, _ := g.upstream.(directTCPConnProvider)
	if provider == nil {
		g.postMessage(NewError(g, "glue: upstream does not provide a DirectTCP connection"))
		g.finish()
		return
	}
	conn, err := provider.Conn()
	if err != nil {
		g.postMessage(NewError(g, fmt.Sprintf("glue: accepting/dialing: %v", err)))
		g.finish()
		return
	}
	g.relay = conn

	if out == MechDirectTCPListen || out == MechDirectTCPConnect {
		dstProvider, _ := g.downstream.(directTCPConnProvider)
		if dstProvider == nil {
			g.postMessage(NewError(g, "glue: downstream does not provide a DirectTCP connection"))
			g.finish()
			return
		}
		dstConn, err := dstProvider.Conn()
		if err != nil {
			g.postMessage(NewError(g, fmt.Sprintf("glue: downstream connect: %v", err)))
			g.finish()
			return
		}
		if _, err := io.Copy(dstConn, conn); err != nil && !g.cancelled.Load() {
			g.postMessage(NewError(g, fmt.Sprintf("glue: relay: %v", err)))
		}
		g.finish()
		return
	}

	dst, _ := g.downstream.(BufferPusher)
	if dst == nil {
		g.postMessage(NewError(g, "glue: downstream is not a buffer pusher"))
		g.finish()
		return
	}
	buf := make([]byte, glueChunkSize)
	for !g.cancelled.Load() {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if perr := dst.PushBuffer(chunk); perr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	dst.PushBuffer(nil)
	g.finish()
}

// pumpPullToDirectTCP pulls from a buffer-pulling upstream and writes each
// chunk to the downstream DirectTCP connection (dialed or accepted via
// Conn()), for a PullBuffer source feeding a dial-out or listen-side
// DirectTCP destination directly.
func (g *Glue) pumpPullToDirectTCP() {
	src, _ := g.upstream.(BufferPuller)
	dst, _ := g.downstream.(directTCPConnProvider)
	if src == nil || dst == nil {
		g.postMessage(NewError(g, "glue: missing buffer puller or directtcp conn provider"))
		g.finish()
		return
	}
	conn, err := dst.Conn()
	if err != nil {
		g.postMessage(NewError(g, fmt.Sprintf("glue: connecting: %v", err)))
		g.finish()
		return
	}
	g.relay = conn
	for !g.cancelled.Load() {
		data, ok := src.PullBuffer()
		if !ok {
			break
		}
		if _, err := conn.Write(data); err != nil {
			g.postMessage(NewError(g, fmt.Sprintf("glue: write: %v", err)))
			break
		}
	}
	g.finish()
}
