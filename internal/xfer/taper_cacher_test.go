// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTaperDestCacher_PushBufferWritesOneFullPart(t *testing.T) {
	dev := NewNullDevice(4, 0)
	cacheDir := t.TempDir()

	c := NewTaperDestCacher(dev, 0, 16, 4, cacheDir, "", nil)
	c.SetMechanism(MechPushBuffer, MechNone)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	doneCh := make(chan *Message, 4)
	c.transfer = &Transfer{inbox: NewInbox(8)}
	go func() {
		for msg := range c.transfer.inbox.Receive() {
			doneCh <- msg
			if msg.Kind == MsgDone {
				return
			}
		}
	}()

	if err := c.PushBuffer([]byte("hello world, this is a cached part")); err != nil {
		t.Fatalf("PushBuffer error: %v", err)
	}
	if err := c.PushBuffer(nil); err != nil {
		t.Fatalf("PushBuffer(nil) error: %v", err)
	}

	var sawPartDone, sawDone bool
	deadline := time.After(2 * time.Second)
	for !sawDone {
		select {
		case msg := <-doneCh:
			switch msg.Kind {
			case MsgPartDone:
				sawPartDone = true
				if !msg.Successful {
					t.Fatal("expected the part to report success against a NullDevice")
				}
			case MsgDone:
				sawDone = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for part completion")
		}
	}
	if !sawPartDone {
		t.Fatal("expected at least one PartDone message")
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatalf("reading cache dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected a cache file to have been written")
	}
	if got := filepath.Base(entries[0].Name()); got != "part-0.cache" {
		t.Fatalf("unexpected cache file name: %q", got)
	}
}

func TestTaperDestCacher_CancelStopsDeviceWriter(t *testing.T) {
	dev := NewNullDevice(4, 0)
	cacheDir := t.TempDir()

	c := NewTaperDestCacher(dev, 0, 16, 4, cacheDir, "", nil)
	c.SetMechanism(MechPushBuffer, MechNone)
	c.transfer = &Transfer{inbox: NewInbox(8)}

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	go func() {
		for range c.transfer.inbox.Receive() {
		}
	}()

	if got := c.Cancel(false); got {
		t.Fatal("expected Cancel to report canGenerateEOF=false")
	}
	if !c.Cancelled() {
		t.Fatal("expected Cancelled() to report true")
	}
}

func TestTaperDestCacher_InvalidCronSpecIsConfigError(t *testing.T) {
	dev := NewNullDevice(4, 0)
	c := NewTaperDestCacher(dev, 0, 16, 4, t.TempDir(), "not a cron spec", nil)
	if err := c.Setup(context.Background()); err == nil {
		t.Fatal("expected Setup to reject an invalid cron spec")
	}
}

// TestTaperDestCacher_StreamingRequiredShortPartStillCompletesOnEOF checks
// that a StreamingRequired device's prebuffer gate is satisfied by a clean
// EOF even when fewer than MaxSlabs slabs were ever produced — otherwise a
// short final part would stall deviceWriter forever waiting for a
// prebuffer target the producer will never reach.
func TestTaperDestCacher_StreamingRequiredShortPartStillCompletesOnEOF(t *testing.T) {
	dev := NewNullDevice(4, 0)
	dev.SetStreamingRequirement(StreamingRequired)
	cacheDir := t.TempDir()

	// maxSlabs (4) * slabSize (16) == 64 bytes to reach the prebuffer
	// target; the payload below is well short of that.
	c := NewTaperDestCacher(dev, 0, 16, 4, cacheDir, "", nil)
	c.SetMechanism(MechPushBuffer, MechNone)
	c.transfer = &Transfer{inbox: NewInbox(8)}

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	doneCh := make(chan *Message, 4)
	go func() {
		for msg := range c.transfer.inbox.Receive() {
			doneCh <- msg
			if msg.Kind == MsgDone {
				return
			}
		}
	}()

	if err := c.PushBuffer([]byte("short")); err != nil {
		t.Fatalf("PushBuffer error: %v", err)
	}
	if err := c.PushBuffer(nil); err != nil {
		t.Fatalf("PushBuffer(nil) error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-doneCh:
			if msg.Kind == MsgDone {
				return
			}
		case <-deadline:
			t.Fatal("timed out: StreamingRequired prebuffer gate did not release on EOF")
		}
	}
}

func TestTaperDestCacher_MechPairsAdvertisesPushAndWriteFd(t *testing.T) {
	dev := NewNullDevice(4, 0)
	c := NewTaperDestCacher(dev, 0, 16, 4, t.TempDir(), "", nil)
	pairs := c.MechPairs()
	if len(pairs) != 2 {
		t.Fatalf("expected 2 mechanism pairs, got %d", len(pairs))
	}
}
