// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// SinkNull consumes and discards everything. If Seed is non-zero, it
// verifies every byte against a SourceRandom-equivalent generator seeded
// identically, so round-trip tests can check the stream without a
// separate SourceRandom+SinkBuffer comparison.
type SinkNull struct {
	BaseElement
	seed uint64
	gen  *splitMix64
	want []byte
	pos  int
}

// NewSinkNull creates a discarding sink; seed == 0 disables verification.
func NewSinkNull(seed uint64, logger *slog.Logger) *SinkNull {
	s := &SinkNull{BaseElement: NewBaseElement("dest-null", logger), seed: seed}
	if seed != 0 {
		s.gen = newSplitMix64(seed)
	}
	return s
}

func (s *SinkNull) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechNone, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechWriteFd, Output: MechNone, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (s *SinkNull) Setup(ctx context.Context) error { return nil }
func (s *SinkNull) Start(ctx context.Context) (bool, error) { return true, nil }

func (s *SinkNull) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return false
}

// PushBuffer implements BufferPusher; used when the glue pulls upstream
// and pushes here.
func (s *SinkNull) PushBuffer(data []byte) error {
	if data == nil {
		s.finish()
		return nil
	}
	return s.verify(data)
}

func (s *SinkNull) verify(data []byte) error {
	if s.gen == nil {
		return nil
	}
	for len(data) > 0 {
		if len(s.want) == s.pos {
			buf := make([]byte, 8)
			v := s.gen.next()
			for b := 0; b < 8; b++ {
				buf[b] = byte(v >> (8 * b))
			}
			s.want = buf
			s.pos = 0
		}
		n := len(s.want) - s.pos
		if n > len(data) {
			n = len(data)
		}
		for i := 0; i < n; i++ {
			if data[i] != s.want[s.pos+i] {
				err := fmt.Errorf("dest-null: byte mismatch at stream position, got 0x%02x want 0x%02x", data[i], s.want[s.pos+i])
				s.postMessage(NewError(s, err.Error()))
				return err
			}
		}
		s.pos += n
		data = data[n:]
	}
	return nil
}

func (s *SinkNull) finish() {
	s.postMessage(NewDone(s))
}

// SinkBuffer captures everything written to it into memory, up to
// MaxSize bytes, and exposes the final bytes via Bytes().
type SinkBuffer struct {
	BaseElement
	maxSize int64
	mu      sync.Mutex
	buf     []byte
}

// NewSinkBuffer creates a capturing sink bounded by maxSize.
func NewSinkBuffer(maxSize int64, logger *slog.Logger) *SinkBuffer {
	return &SinkBuffer{BaseElement: NewBaseElement("dest-buffer", logger), maxSize: maxSize}
}

func (s *SinkBuffer) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechNone, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechWriteFd, Output: MechNone, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (s *SinkBuffer) Setup(ctx context.Context) error { return nil }
func (s *SinkBuffer) Start(ctx context.Context) (bool, error) { return true, nil }

func (s *SinkBuffer) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return false
}

func (s *SinkBuffer) PushBuffer(data []byte) error {
	if data == nil {
		s.postMessage(NewDone(s))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && int64(len(s.buf)+len(data)) > s.maxSize {
		err := fmt.Errorf("dest-buffer: exceeds max size %d", s.maxSize)
		s.postMessage(NewError(s, err.Error()))
		return err
	}
	s.buf = append(s.buf, data...)
	return nil
}

// Bytes returns the captured bytes. Safe to call after Done is observed.
func (s *SinkBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// SinkFD writes everything received to an existing fd until upstream EOF.
// It does not close fd.
type SinkFD struct {
	BaseElement
	fd *FD
}

// NewSinkFD wraps an existing *os.File as a pipeline destination.
func NewSinkFD(f *os.File, logger *slog.Logger) *SinkFD {
	s := &SinkFD{BaseElement: NewBaseElement("dest-fd", logger)}
	s.fd = NewFD(nil, f)
	return s
}

func (s *SinkFD) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechWriteFd, Output: MechNone, OpsPerByte: 0, ExtraThreads: 0},
		{Input: MechPullBuffer, Output: MechNone, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (s *SinkFD) Setup(ctx context.Context) error { return nil }
func (s *SinkFD) Start(ctx context.Context) (bool, error) { return true, nil }

func (s *SinkFD) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return false
}

func (s *SinkFD) InputFD() *FD { return s.fd }

func (s *SinkFD) PushBuffer(data []byte) error {
	if data == nil {
		s.postMessage(NewDone(s))
		return nil
	}
	if _, err := s.fd.Get().Write(data); err != nil {
		s.postMessage(NewError(s, fmt.Sprintf("dest-fd write: %v", err)))
		return err
	}
	return nil
}
