// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// splitterRing is the fixed-capacity circular buffer spec.md §3 describes:
// sized to max_memory (rounded up to a whole number of blocks), with
// head/tail/count tracking occupancy and eof marking a clean end. It is
// TaperDestSplitter's sole in-memory buffering mechanism between a push and
// the device write it triggers; unlike TaperDestCacher's disk-backed cache,
// nothing here is assumed to survive past the next wraparound, which is
// exactly why a failed part is recovered from caller-supplied File Slices
// (below) instead of replayed out of this buffer.
type splitterRing struct {
	buf   []byte
	head  int
	tail  int
	count int
	eof   bool
}

func newSplitterRing(size int) *splitterRing {
	if size <= 0 {
		size = 1
	}
	return &splitterRing{buf: make([]byte, size)}
}

func (r *splitterRing) free() int { return len(r.buf) - r.count }

// write copies as much of p as currently fits (p is expected to already be
// capped to free() by the caller) into the ring starting at head, wrapping
// modulo len(buf).
func (r *splitterRing) write(p []byte) int {
	n := len(p)
	if n > r.free() {
		n = r.free()
	}
	first := len(r.buf) - r.head
	if first > n {
		first = n
	}
	copy(r.buf[r.head:], p[:first])
	copy(r.buf[0:], p[first:n])
	r.head = (r.head + n) % len(r.buf)
	r.count += n
	return n
}

// advance consumes n bytes from the tail once the device has durably
// accepted them.
func (r *splitterRing) advance(n int) {
	if n > r.count {
		n = r.count
	}
	r.tail = (r.tail + n) % len(r.buf)
	r.count -= n
}

// fileSlice is spec.md §3's File Slice: a region of an external cache file
// the caller has durably written, named so a failed part can be replayed
// by re-reading disk instead of depending on what the ring still holds.
// CacheInform appends these in write order as the caller's own cache layer
// (e.g. a TaperDestCacher-style mirror) persists each chunk.
type fileSlice struct {
	filename string
	offset   int64
	length   int64
	next     *fileSlice
}

// TaperDestSplitter is a part-writing destination that keeps only a
// bounded max_memory window of the current part in RAM (splitterRing)
// instead of caching the whole part to disk itself (TaperDestCacher's
// approach). When expectCacheInform is set, the caller is responsible for
// durably persisting pushed bytes somewhere of its own choosing and
// reporting their location via CacheInform(filename, offset, length); a
// failed part is recovered by replaying those file slices in
// device-block-sized chunks, never out of the ring. spec.md §4.10.
type TaperDestSplitter struct {
	BaseElement
	blockSizeGate

	deviceMu sync.Mutex
	device   Device

	partSize          int64
	maxMemory         int64
	expectCacheInform bool

	mu        sync.Mutex
	ring      *splitterRing
	sliceHead *fileSlice
	sliceTail *fileSlice

	partNumber  uint64
	partWritten int64
	failedPart  bool // true once a part has failed and not yet been informed/retried
}

// NewTaperDestSplitter creates a splitter destination. maxMemory bounds
// the ring buffer, rounded up to a whole number of device blocks.
// expectCacheInform mirrors the controller-API flag from spec.md §6: when
// true, a failed part's StartPart(retry=true) call is legitimate (the
// caller will follow up with CacheInform); when false, retry=true with no
// prior failure is a configuration error (Open Question #1).
func NewTaperDestSplitter(device Device, maxMemory, partSize int64, expectCacheInform bool, logger *slog.Logger) *TaperDestSplitter {
	bs := int64(device.BlockSize())
	if bs <= 0 {
		bs = 32 * 1024
	}
	if maxMemory < bs {
		maxMemory = bs
	}
	rounded := ((maxMemory + bs - 1) / bs) * bs
	return &TaperDestSplitter{
		BaseElement:       NewBaseElement("dest-taper-splitter", logger),
		device:            device,
		partSize:          partSize,
		maxMemory:         rounded,
		expectCacheInform: expectCacheInform,
		ring:              newSplitterRing(int(rounded)),
	}
}

func (s *TaperDestSplitter) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPushBuffer, Output: MechNone, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (s *TaperDestSplitter) Setup(ctx context.Context) error {
	return s.blockSizeGate.useDevice(s.device)
}

func (s *TaperDestSplitter) Start(ctx context.Context) (bool, error) {
	if err := s.startPart(ctx, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TaperDestSplitter) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return false
}

// PushBuffer writes data to the ring and through to the device, rotating
// parts on our own size cap or the device's own EOM signal. A failed
// write refuses further pushes until CacheInform has replayed the gap.
func (s *TaperDestSplitter) PushBuffer(data []byte) error {
	if data == nil {
		s.mu.Lock()
		s.ring.eof = true
		s.mu.Unlock()
		s.finalizePart(context.Background())
		s.postMessage(NewDone(s))
		return nil
	}
	if s.cancelled.Load() {
		return nil
	}
	if s.failedPart {
		return ConfigurationError("dest-taper-splitter: push_buffer called with a failed part pending cache_inform/retry", nil)
	}
	for len(data) > 0 {
		remaining := s.partSize - s.partWritten
		if remaining <= 0 {
			s.rotatePart(context.Background())
			remaining = s.partSize - s.partWritten
		}
		chunk := data
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		s.mu.Lock()
		if room := s.ring.free(); room < len(chunk) {
			chunk = chunk[:room]
		}
		fits := len(chunk) > 0
		if fits {
			s.ring.write(chunk)
		}
		s.mu.Unlock()
		if !fits {
			return ConfigurationError("dest-taper-splitter: max_memory too small to accept this write", nil)
		}

		n, err := s.writeToDevice(chunk)
		s.mu.Lock()
		s.ring.advance(n)
		s.mu.Unlock()
		data = data[n:]
		if err != nil {
			if Classify(err) == ClassDeviceEom {
				s.rotatePart(context.Background())
				continue
			}
			s.failedPart = true
			s.postMessage(NewError(s, err.Error()))
			return err
		}
	}
	return nil
}

func (s *TaperDestSplitter) writeToDevice(p []byte) (int, error) {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	total := 0
	for len(p) > 0 {
		n, err := s.device.Write(p)
		s.partWritten += int64(n)
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *TaperDestSplitter) startPart(ctx context.Context, retry bool) error {
	if retry {
		if !s.expectCacheInform {
			return ConfigurationError("dest-taper-splitter: start_part(retry=true) with expect_cache_inform=false and no prior failed part", nil)
		}
		if !s.failedPart {
			return ConfigurationError("dest-taper-splitter: start_part(retry=true) with nothing to replay", nil)
		}
	}
	if err := s.blockSizeGate.checkStart(); err != nil {
		return err
	}
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if !retry {
		s.mu.Lock()
		s.ring = newSplitterRing(int(s.maxMemory))
		s.sliceHead = nil
		s.sliceTail = nil
		s.mu.Unlock()
		s.partWritten = 0
	}
	return s.device.StartPart(ctx, s.partNumber, retry)
}

func (s *TaperDestSplitter) rotatePart(ctx context.Context) {
	s.finalizePart(ctx)
	s.partNumber++
	if err := s.startPart(ctx, false); err != nil {
		s.postMessage(NewError(s, err.Error()))
	}
}

func (s *TaperDestSplitter) finalizePart(ctx context.Context) {
	s.deviceMu.Lock()
	err := s.device.FinishPart(ctx)
	written := s.partWritten
	s.deviceMu.Unlock()
	successful := err == nil
	if !successful {
		s.failedPart = true
	}
	s.postMessage(&Message{
		Kind:       MsgPartDone,
		Origin:     s,
		Version:    ProtocolVersion,
		Successful: successful,
		Size:       uint64(written),
		PartNumber: s.partNumber,
	})
	if err != nil {
		s.postMessage(NewError(s, err.Error()))
	}
}

// CacheInform appends a File Slice describing where the caller durably
// persisted a range of the failed part's bytes, then immediately attempts
// to close the gap by replaying every pending slice (oldest first) in
// device-block-sized chunks, clearing failedPart once the replay queue
// drains cleanly.
func (s *TaperDestSplitter) CacheInform(filename string, offset, length int64) error {
	s.mu.Lock()
	if !s.failedPart {
		s.mu.Unlock()
		return ConfigurationError("dest-taper-splitter: cache_inform with no failed part pending", nil)
	}
	slice := &fileSlice{filename: filename, offset: offset, length: length}
	if s.sliceHead == nil {
		s.sliceHead = slice
		s.sliceTail = slice
	} else {
		s.sliceTail.next = slice
		s.sliceTail = slice
	}
	s.mu.Unlock()
	return s.replayPendingSlices()
}

// replayPendingSlices walks the File Slice list from the head, re-reading
// each named file in block-size chunks and writing them through to the
// device, consuming slices as they are fully replayed.
func (s *TaperDestSplitter) replayPendingSlices() error {
	blockSize := s.device.BlockSize()
	if blockSize <= 0 {
		blockSize = 32 * 1024
	}
	buf := make([]byte, blockSize)
	for {
		s.mu.Lock()
		slice := s.sliceHead
		s.mu.Unlock()
		if slice == nil {
			break
		}
		if err := s.replaySlice(slice, buf); err != nil {
			return err
		}
		s.mu.Lock()
		s.sliceHead = slice.next
		if s.sliceHead == nil {
			s.sliceTail = nil
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.failedPart = false
	s.mu.Unlock()
	return nil
}

func (s *TaperDestSplitter) replaySlice(slice *fileSlice, buf []byte) error {
	f, err := os.Open(slice.filename)
	if err != nil {
		return ResourceError("dest-taper-splitter: opening cache slice file", err)
	}
	defer f.Close()

	pos := slice.offset
	remaining := slice.length
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := f.ReadAt(chunk, pos)
		if n > 0 {
			if _, werr := s.writeToDevice(chunk[:n]); werr != nil {
				s.mu.Lock()
				s.failedPart = true
				s.mu.Unlock()
				return ResourceError("dest-taper-splitter: replaying cached bytes after cache_inform", werr)
			}
			pos += int64(n)
			remaining -= int64(n)
		}
		if err != nil {
			return ResourceError("dest-taper-splitter: reading cache slice file", err)
		}
	}
	return nil
}

// StartPartRetry begins a retry of the current (failed) part, per the
// controller API's start_part(retry=true) path.
func (s *TaperDestSplitter) StartPartRetry(ctx context.Context) error {
	return s.startPart(ctx, true)
}

// UseDevice installs a replacement Device between parts, refusing a
// block-size change mid-stream per Open Question #2.
func (s *TaperDestSplitter) UseDevice(dev Device) error {
	if err := s.blockSizeGate.useDevice(dev); err != nil {
		return err
	}
	s.deviceMu.Lock()
	s.device = dev
	s.deviceMu.Unlock()
	return nil
}
