// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func TestFilterCompress_GzipRoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")
	upstream := &fakeBufferPuller{chunks: [][]byte{original}}

	f := NewFilterCompress(CompressionGzip, 6, nil)
	if err := f.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	f.SetNeighbors(upstream, nil)
	if _, err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	compressed := drainAllGzipOutput(t, f)

	gr, err := pgzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("pgzip.NewReader error: %v", err)
	}
	defer gr.Close()
	decompressed, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("reading decompressed stream: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, original)
	}
}

func TestFilterCompress_ZstdRoundTrip(t *testing.T) {
	original := []byte("zstd round trip payload, zstd round trip payload.")
	upstream := &fakeBufferPuller{chunks: [][]byte{original}}

	f := NewFilterCompress(CompressionZstd, 0, nil)
	if err := f.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	f.SetNeighbors(upstream, nil)
	if _, err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	compressed := drainAllGzipOutput(t, f)

	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("zstd.NewReader error: %v", err)
	}
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading decompressed stream: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, original)
	}
}

// drainAllGzipOutput reads PullBuffer until the pipe reader reports EOF
// (more than three consecutive empty, not-ok reads after the pump closes
// the pipe),
// since the compressor writer runs asynchronously relative to the reads.
func drainAllGzipOutput(t *testing.T, f *FilterCompress) []byte {
	t.Helper()
	var out bytes.Buffer
	deadline := time.After(3 * time.Second)
	misses := 0
	for {
		data, ok := f.PullBuffer()
		if ok {
			out.Write(data)
			misses = 0
			continue
		}
		misses++
		if misses > 3 {
			return out.Bytes()
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for compressed output")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFilterCompress_CancelClosesPipe(t *testing.T) {
	f := NewFilterCompress(CompressionGzip, 6, nil)
	if err := f.Setup(context.Background()); err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	f.SetNeighbors(&fakeBufferPuller{}, nil)
	if _, err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if got := f.Cancel(false); got {
		t.Fatal("expected Cancel to report canGenerateEOF=false")
	}
	if !f.Cancelled() {
		t.Fatal("expected Cancelled() to report true after Cancel")
	}
}
