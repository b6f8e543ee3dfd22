// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// splitMix64 is a small, fully deterministic PRNG (independent of the Go
// runtime's math/rand implementation, which is not guaranteed stable
// across versions) used by SourceRandom so the same seed always produces
// the same byte stream, on any Go toolchain.
type splitMix64 struct{ state uint64 }

func newSplitMix64(seed uint64) *splitMix64 { return &splitMix64{state: seed} }

func (s *splitMix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// fill writes deterministic bytes into p, advancing internal state.
func (s *splitMix64) fill(p []byte) {
	for i := 0; i < len(p); {
		v := s.next()
		for b := 0; b < 8 && i < len(p); b++ {
			p[i] = byte(v >> (8 * b))
			i++
		}
	}
}

// SourceFD reads to EOF from an fd the caller already owns. It never
// closes that fd — ownership stays with the caller.
type SourceFD struct {
	BaseElement
	fd       *FD
	remaining int64
	hasLimit bool
}

// NewSourceFD wraps an existing *os.File as a pipeline source.
func NewSourceFD(f *os.File, logger *slog.Logger) *SourceFD {
	s := &SourceFD{BaseElement: NewBaseElement("source-fd", logger)}
	s.fd = NewFD(nil, f)
	return s
}

func (s *SourceFD) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechNone, Output: MechReadFd, OpsPerByte: 0, ExtraThreads: 0},
		{Input: MechNone, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (s *SourceFD) Setup(ctx context.Context) error { return nil }

func (s *SourceFD) Start(ctx context.Context) (bool, error) { return false, nil }

func (s *SourceFD) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return true
}

func (s *SourceFD) OutputFD() *FD { return s.fd }

func (s *SourceFD) PullBuffer() ([]byte, bool) {
	if s.cancelled.Load() {
		return nil, false
	}
	if n, ok := s.SizeLimit(); ok && !s.hasLimit {
		s.hasLimit = true
		s.remaining = n
	}
	buf := make([]byte, 64*1024)
	if s.hasLimit {
		if s.remaining <= 0 {
			return nil, false
		}
		if int64(len(buf)) > s.remaining {
			buf = buf[:s.remaining]
		}
	}
	n, err := s.fd.Get().Read(buf)
	if n > 0 {
		if s.hasLimit {
			s.remaining -= int64(n)
		}
		return buf[:n], true
	}
	if err != nil && err != io.EOF {
		s.postMessage(NewError(s, fmt.Sprintf("source-fd read: %v", err)))
	}
	return nil, false
}

// SourceFile opens a path and reads from the start, seeking to offset 0
// when Start is called (even if something else had moved the fd).
type SourceFile struct {
	BaseElement
	path      string
	file      *os.File
	fd        *FD
	remaining int64
	hasLimit  bool
}

// NewSourceFile creates a source that streams path's contents.
func NewSourceFile(path string, logger *slog.Logger) *SourceFile {
	return &SourceFile{BaseElement: NewBaseElement("source-file", logger), path: path}
}

func (s *SourceFile) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechNone, Output: MechReadFd, OpsPerByte: 0, ExtraThreads: 0},
		{Input: MechNone, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (s *SourceFile) Setup(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening source file %s: %w", s.path, err)
	}
	s.file = f
	s.fd = NewFD(s.fdSwapLock(), f)
	return nil
}

func (s *SourceFile) Start(ctx context.Context) (bool, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("seeking source file %s: %w", s.path, err)
		}
	}
	if n, ok := s.SizeLimit(); ok {
		s.hasLimit = true
		s.remaining = n
	}
	return false, nil
}

func (s *SourceFile) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return true
}

func (s *SourceFile) OutputFD() *FD { return s.fd }

func (s *SourceFile) PullBuffer() ([]byte, bool) {
	if s.cancelled.Load() || s.file == nil {
		return nil, false
	}
	buf := make([]byte, 256*1024)
	if s.hasLimit {
		if s.remaining <= 0 {
			return nil, false
		}
		if int64(len(buf)) > s.remaining {
			buf = buf[:s.remaining]
		}
	}
	n, err := s.file.Read(buf)
	if n > 0 {
		if s.hasLimit {
			s.remaining -= int64(n)
		}
		return buf[:n], true
	}
	if err != nil && err != io.EOF {
		s.postMessage(NewError(s, fmt.Sprintf("source-file read: %v", err)))
	}
	return nil, false
}

// SourceRandom produces a deterministic pseudo-random byte stream of Len
// bytes, seeded with Seed.
type SourceRandom struct {
	BaseElement
	length    int64
	remaining int64
	gen       *splitMix64
}

// NewSourceRandom creates a random-byte source of exactly length bytes.
func NewSourceRandom(length int64, seed uint64, logger *slog.Logger) *SourceRandom {
	return &SourceRandom{
		BaseElement: NewBaseElement("source-random", logger),
		length:      length,
		remaining:   length,
		gen:         newSplitMix64(seed),
	}
}

func (s *SourceRandom) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechNone, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechNone, Output: MechReadFd, OpsPerByte: 1, ExtraThreads: 1},
	}
}

func (s *SourceRandom) Setup(ctx context.Context) error { return nil }

func (s *SourceRandom) Start(ctx context.Context) (bool, error) {
	if n, ok := s.SizeLimit(); ok && n < s.length {
		s.length = n
		s.remaining = n
	}
	return false, nil
}

func (s *SourceRandom) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return true
}

func (s *SourceRandom) PullBuffer() ([]byte, bool) {
	if s.cancelled.Load() || s.remaining <= 0 {
		return nil, false
	}
	n := int64(64 * 1024)
	if n > s.remaining {
		n = s.remaining
	}
	buf := make([]byte, n)
	s.gen.fill(buf)
	s.remaining -= n
	return buf, true
}

// GetSeed returns the generator's current internal state, which can be
// used to seed a fresh SourceRandom that continues the same sequence —
// used by spill/retry tests that need to reproduce "the rest of the
// stream" independently.
func (s *SourceRandom) GetSeed() uint64 { return s.gen.state }

// SourcePattern emits a repeating byte pattern for Len bytes total.
type SourcePattern struct {
	BaseElement
	length    int64
	remaining int64
	pattern   []byte
	cursor    int
}

// NewSourcePattern creates a source repeating pattern until length bytes
// have been emitted.
func NewSourcePattern(length int64, pattern []byte, logger *slog.Logger) *SourcePattern {
	p := make([]byte, len(pattern))
	copy(p, pattern)
	return &SourcePattern{
		BaseElement: NewBaseElement("source-pattern", logger),
		length:      length,
		remaining:   length,
		pattern:     p,
	}
}

func (s *SourcePattern) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechNone, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (s *SourcePattern) Setup(ctx context.Context) error { return nil }

func (s *SourcePattern) Start(ctx context.Context) (bool, error) {
	if n, ok := s.SizeLimit(); ok && n < s.length {
		s.length = n
		s.remaining = n
	}
	return false, nil
}

func (s *SourcePattern) Cancel(expectEOF bool) bool {
	s.cancelled.Store(true)
	return true
}

func (s *SourcePattern) PullBuffer() ([]byte, bool) {
	if s.cancelled.Load() || s.remaining <= 0 || len(s.pattern) == 0 {
		return nil, false
	}
	n := int64(64 * 1024)
	if n > s.remaining {
		n = s.remaining
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = s.pattern[s.cursor]
		s.cursor = (s.cursor + 1) % len(s.pattern)
	}
	s.remaining -= n
	return buf, true
}
