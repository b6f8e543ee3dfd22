// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// CompressionMode selects which codec a compress/decompress filter pair
// uses, mirroring the negotiated compression mode byte on the teacher's
// wire protocol (ACK.CompressionMode).
type CompressionMode int

const (
	CompressionGzip CompressionMode = iota // parallel gzip via klauspost/pgzip
	CompressionZstd                        // zstd via klauspost/compress
)

// FilterCompress is a push/pull filter that compresses the stream passing
// through it. It buffers through an in-process pipe so the underlying
// gzip/zstd writer (which wants a plain io.Writer) can run independently
// of the pull/push cadence the linker negotiated for this element.
type FilterCompress struct {
	BaseElement
	mode  CompressionMode
	level int

	pr *io.PipeReader
	pw *io.PipeWriter

	readBuf []byte
	done    chan error
}

// NewFilterCompress creates a compressing filter. level is the gzip
// compression level (ignored for zstd, which picks its own speed/ratio
// tradeoff via zstd.SpeedDefault).
func NewFilterCompress(mode CompressionMode, level int, logger *slog.Logger) *FilterCompress {
	return &FilterCompress{BaseElement: NewBaseElement("filter-compress", logger), mode: mode, level: level}
}

func (f *FilterCompress) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechPullBuffer, OpsPerByte: 2, ExtraThreads: 1},
		{Input: MechPushBuffer, Output: MechPushBuffer, OpsPerByte: 2, ExtraThreads: 1},
	}
}

func (f *FilterCompress) Setup(ctx context.Context) error {
	f.pr, f.pw = io.Pipe()
	f.done = make(chan error, 1)
	return nil
}

func (f *FilterCompress) Start(ctx context.Context) (bool, error) {
	go f.pumpFromUpstream()
	return false, nil
}

func (f *FilterCompress) Cancel(expectEOF bool) bool {
	f.cancelled.Store(true)
	f.pw.CloseWithError(errCancelled)
	return false
}

// pumpFromUpstream drains the upstream PullBuffer source into the
// compressor writer running on the pipe, in its own goroutine — the
// extra thread this filter's MechPairs cost advertises.
func (f *FilterCompress) pumpFromUpstream() {
	var cw io.WriteCloser
	var err error
	switch f.mode {
	case CompressionZstd:
		cw, err = zstd.NewWriter(f.pw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		cw, err = pgzip.NewWriterLevel(f.pw, f.level)
	}
	if err != nil {
		f.pw.CloseWithError(err)
		f.done <- err
		return
	}

	puller, _ := f.upstream.(BufferPuller)
	for puller != nil {
		data, ok := puller.PullBuffer()
		if !ok {
			break
		}
		if _, werr := cw.Write(data); werr != nil {
			cw.Close()
			f.pw.CloseWithError(werr)
			f.done <- werr
			return
		}
	}
	cerr := cw.Close()
	f.pw.CloseWithError(io.EOF)
	f.done <- cerr
}

func (f *FilterCompress) PullBuffer() ([]byte, bool) {
	if f.cancelled.Load() {
		return nil, false
	}
	if f.readBuf == nil {
		f.readBuf = make([]byte, 64*1024)
	}
	n, err := f.pr.Read(f.readBuf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, f.readBuf[:n])
		return out, true
	}
	if err != nil && err != io.EOF {
		f.postMessage(NewError(f, fmt.Sprintf("filter-compress: %v", err)))
	}
	return nil, false
}

var errCancelled = fmt.Errorf("filter-compress: cancelled")
