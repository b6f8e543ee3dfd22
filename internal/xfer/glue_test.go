// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeDirectTCPConnProvider hands back a fixed net.Conn, simulating an
// already-dialed/accepted DirectTCP element.
type fakeDirectTCPConnProvider struct {
	BaseElement
	conn net.Conn
	err  error
}

func (f *fakeDirectTCPConnProvider) Conn() (net.Conn, error) { return f.conn, f.err }

func (f *fakeDirectTCPConnProvider) MechPairs() []MechPair {
	return []MechPair{{Input: MechDirectTCPConnect, Output: MechNone}}
}
func (f *fakeDirectTCPConnProvider) Setup(ctx context.Context) error         { return nil }
func (f *fakeDirectTCPConnProvider) Start(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeDirectTCPConnProvider) Cancel(expectEOF bool) bool             { return false }

func TestGlue_MechPairsCoversTwelveCombinations(t *testing.T) {
	g := &Glue{}
	if got := len(g.MechPairs()); got != 12 {
		t.Fatalf("expected 12 supported mechanism pairs, got %d", got)
	}
}

func TestGlue_PullBufferToPullBufferBuffers(t *testing.T) {
	upstream := &fakeBufferPuller{chunks: [][]byte{[]byte("one"), []byte("two")}}
	g := NewGlue(nil)
	g.SetMechanism(MechPullBuffer, MechPullBuffer)
	g.SetNeighbors(upstream, nil)

	producesDone, err := g.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if producesDone {
		t.Fatal("buffered PullBuffer->PullBuffer should not claim to produce Done itself")
	}

	data, ok := g.PullBuffer()
	if !ok || string(data) != "one" {
		t.Fatalf("unexpected first pull: %q ok=%v", data, ok)
	}
	data, ok = g.PullBuffer()
	if !ok || string(data) != "two" {
		t.Fatalf("unexpected second pull: %q ok=%v", data, ok)
	}
	_, ok = g.PullBuffer()
	if ok {
		t.Fatal("expected EOF once upstream is drained")
	}
}

func TestGlue_PushBufferToPushBufferForwards(t *testing.T) {
	downstream := &fakeBufferPusher{}
	g := NewGlue(nil)
	g.SetMechanism(MechPushBuffer, MechPushBuffer)
	g.SetNeighbors(nil, downstream)

	producesDone, err := g.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !producesDone {
		t.Fatal("buffered PushBuffer->PushBuffer should produce its own Done once the pump goroutine finishes")
	}

	if err := g.PushBuffer([]byte("hello")); err != nil {
		t.Fatalf("PushBuffer error: %v", err)
	}
	if err := g.PushBuffer(nil); err != nil {
		t.Fatalf("PushBuffer(nil) error: %v", err)
	}

	deadline := time.After(1 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for downstream to observe forwarded data")
		default:
		}
		if len(downstream.received) > 0 && downstream.eofSeen {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(downstream.received[0]) != "hello" {
		t.Fatalf("expected downstream to receive %q, got %q", "hello", downstream.received[0])
	}
}

func TestGlue_PullBufferToDirectTCPConnectWritesThrough(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	upstream := &fakeBufferPuller{chunks: [][]byte{[]byte("one"), []byte("two")}}
	downstream := &fakeDirectTCPConnProvider{conn: clientSide}

	g := NewGlue(nil)
	g.SetMechanism(MechPullBuffer, MechDirectTCPConnect)
	g.SetNeighbors(upstream, downstream)

	producesDone, err := g.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !producesDone {
		t.Fatal("expected PullBuffer->DirectTCPConnect to produce its own Done")
	}

	read := make([]byte, 6)
	serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(serverSide, read); err != nil {
		t.Fatalf("reading relayed bytes: %v", err)
	}
	if string(read) != "onetwo" {
		t.Fatalf("expected relayed bytes %q, got %q", "onetwo", read)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestGlue_CancelClosesRelayConn(t *testing.T) {
	g := NewGlue(nil)
	if got := g.Cancel(false); got {
		t.Fatal("Glue.Cancel should always report canGenerateEOF=false")
	}
	if !g.Cancelled() {
		t.Fatal("expected Cancelled() to report true after Cancel")
	}
}
