// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"os"
	"testing"
	"time"
)

// flakyDevice fails its Nth Write call once, then succeeds on everything
// else, to exercise the splitter's CacheInform/retry path.
type flakyDevice struct {
	blockSize   int
	maxPart     int64
	failOn      int
	writeCalls  int
	written     []byte
	partStarted []uint64
	finished    int
}

func (d *flakyDevice) Name() string       { return "flaky" }
func (d *flakyDevice) BlockSize() int     { return d.blockSize }
func (d *flakyDevice) MaxPartSize() int64 { return d.maxPart }
func (d *flakyDevice) StreamingRequirement() StreamingRequirement { return StreamingNone }

func (d *flakyDevice) StartPart(ctx context.Context, partNumber uint64, retry bool) error {
	d.partStarted = append(d.partStarted, partNumber)
	return nil
}

func (d *flakyDevice) Write(p []byte) (int, error) {
	d.writeCalls++
	if d.writeCalls == d.failOn {
		return 0, ResourceError("flaky device: simulated write failure", nil)
	}
	d.written = append(d.written, p...)
	return len(p), nil
}

func (d *flakyDevice) FinishPart(ctx context.Context) error {
	d.finished++
	return nil
}

func (d *flakyDevice) Close() error { return nil }

func collectInboxFor(t *testing.T, tr *Transfer, count int, timeout time.Duration) []*Message {
	t.Helper()
	var msgs []*Message
	deadline := time.After(timeout)
	for len(msgs) < count {
		select {
		case msg := <-tr.inbox.Receive():
			msgs = append(msgs, msg)
		case <-deadline:
			t.Fatalf("timed out after collecting %d/%d messages", len(msgs), count)
		}
	}
	return msgs
}

func TestTaperDestSplitter_PushBufferWritesThroughAndFinalizes(t *testing.T) {
	dev := &flakyDevice{blockSize: 4, failOn: -1}
	s := NewTaperDestSplitter(dev, 1024, 1024, false, nil)
	s.transfer = &Transfer{inbox: NewInbox(8)}

	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if err := s.PushBuffer([]byte("payload bytes")); err != nil {
		t.Fatalf("PushBuffer error: %v", err)
	}
	if err := s.PushBuffer(nil); err != nil {
		t.Fatalf("PushBuffer(nil) error: %v", err)
	}

	msgs := collectInboxFor(t, s.transfer, 2, 2*time.Second)
	if msgs[0].Kind != MsgPartDone || !msgs[0].Successful {
		t.Fatalf("expected a successful PartDone first, got %+v", msgs[0])
	}
	if msgs[1].Kind != MsgDone {
		t.Fatalf("expected Done second, got %+v", msgs[1])
	}
	if string(dev.written) != "payload bytes" {
		t.Fatalf("unexpected bytes written to device: %q", dev.written)
	}
}

func TestTaperDestSplitter_FailedWriteThenCacheInformReplays(t *testing.T) {
	dev := &flakyDevice{blockSize: 4, failOn: 1}
	s := NewTaperDestSplitter(dev, 1024, 1024, true, nil)
	s.transfer = &Transfer{inbox: NewInbox(8)}

	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := s.PushBuffer([]byte("abcdef"))
	if err == nil {
		t.Fatal("expected the simulated device failure to surface as a PushBuffer error")
	}
	if !s.failedPart {
		t.Fatal("expected failedPart to be set after the write failure")
	}

	msgs := collectInboxFor(t, s.transfer, 1, 2*time.Second)
	if msgs[0].Kind != MsgError {
		t.Fatalf("expected an error message, got %+v", msgs[0])
	}

	cacheFile, err := os.CreateTemp(t.TempDir(), "splitter-cache-*.bin")
	if err != nil {
		t.Fatalf("creating cache file: %v", err)
	}
	if _, err := cacheFile.WriteString("abcdef"); err != nil {
		t.Fatalf("writing cache file: %v", err)
	}
	cacheFile.Close()

	if err := s.CacheInform(cacheFile.Name(), 0, 6); err != nil {
		t.Fatalf("CacheInform error: %v", err)
	}
	if s.failedPart {
		t.Fatal("expected failedPart to clear after a successful CacheInform replay")
	}
	if string(dev.written) != "abcdef" {
		t.Fatalf("expected the full payload to have been replayed from the cache file, got %q", dev.written)
	}
}

func TestTaperDestSplitter_CacheInformWithNoFailedPartIsConfigError(t *testing.T) {
	dev := &flakyDevice{blockSize: 4, failOn: -1}
	s := NewTaperDestSplitter(dev, 1024, 1024, true, nil)
	if err := s.CacheInform("unused", 0, 0); err == nil {
		t.Fatal("expected CacheInform to reject being called with no failed part pending")
	}
}

func TestTaperDestSplitter_StartPartRetryWithoutExpectCacheInformIsConfigError(t *testing.T) {
	dev := &flakyDevice{blockSize: 4, failOn: -1}
	s := NewTaperDestSplitter(dev, 8, 4, false, nil)
	s.failedPart = true
	if err := s.StartPartRetry(context.Background()); err == nil {
		t.Fatal("expected start_part(retry=true) to be rejected when expectCacheInform is false")
	}
}

func TestTaperDestSplitter_RotatesPartOnOwnPartSizeCap(t *testing.T) {
	dev := &flakyDevice{blockSize: 4, failOn: -1, maxPart: 0}
	s := NewTaperDestSplitter(dev, 8, 4, false, nil)
	s.transfer = &Transfer{inbox: NewInbox(8)}

	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if err := s.PushBuffer([]byte("abcdefgh")); err != nil {
		t.Fatalf("PushBuffer error: %v", err)
	}
	if err := s.PushBuffer(nil); err != nil {
		t.Fatalf("PushBuffer(nil) error: %v", err)
	}

	msgs := collectInboxFor(t, s.transfer, 3, 2*time.Second)
	partDones := 0
	for _, m := range msgs {
		if m.Kind == MsgPartDone {
			partDones++
		}
	}
	if partDones != 2 {
		t.Fatalf("expected 2 parts (own partSize=4 cap on an 8-byte push), got %d", partDones)
	}
	if len(dev.partStarted) != 2 {
		t.Fatalf("expected device.StartPart called twice, got %d", len(dev.partStarted))
	}
}
