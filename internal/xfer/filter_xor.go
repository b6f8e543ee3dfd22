// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"log/slog"
)

// FilterXOR XORs every byte with a repeating key. Applying it twice with
// the same key is the identity transform.
type FilterXOR struct {
	BaseElement
	key []byte
}

// NewFilterXOR creates a bytewise XOR filter with the given key (must be
// non-empty).
func NewFilterXOR(key []byte, logger *slog.Logger) *FilterXOR {
	k := make([]byte, len(key))
	copy(k, key)
	return &FilterXOR{BaseElement: NewBaseElement("filter-xor", logger), key: k}
}

func (f *FilterXOR) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechPushBuffer, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (f *FilterXOR) Setup(ctx context.Context) error        { return nil }
func (f *FilterXOR) Start(ctx context.Context) (bool, error) { return false, nil }

func (f *FilterXOR) Cancel(expectEOF bool) bool {
	f.cancelled.Store(true)
	return false
}

func (f *FilterXOR) xor(data []byte) []byte {
	if len(f.key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ f.key[i%len(f.key)]
	}
	return out
}

// PullBuffer pulls from upstream (itself a BufferPuller) and XORs before
// returning — used when the linker wires this filter PullBuffer-to-PullBuffer.
func (f *FilterXOR) PullBuffer() ([]byte, bool) {
	if f.cancelled.Load() || f.upstream == nil {
		return nil, false
	}
	puller, ok := f.upstream.(BufferPuller)
	if !ok {
		return nil, false
	}
	data, ok := puller.PullBuffer()
	if !ok {
		return nil, false
	}
	return f.xor(data), true
}

// PushBuffer XORs data and pushes it downstream — used when the linker
// wires this filter PushBuffer-to-PushBuffer.
func (f *FilterXOR) PushBuffer(data []byte) error {
	if f.downstream == nil {
		return nil
	}
	pusher, ok := f.downstream.(BufferPusher)
	if !ok {
		return nil
	}
	if data == nil {
		return pusher.PushBuffer(nil)
	}
	return pusher.PushBuffer(f.xor(data))
}
