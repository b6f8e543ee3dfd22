// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"hash/crc32"
	"log/slog"
)

// crc32cPolynomial is the wire-format constant spec.md names: CRC-32C,
// polynomial 0x82F63B78 (Castagnoli), applied byte-wise.
const crc32cPolynomial uint32 = 0x82F63B78

// crc32cTable is the stdlib's pre-built Castagnoli table. Using
// hash/crc32 here (rather than an ecosystem CRC package) is deliberate:
// see DESIGN.md — the standard library already implements exactly this
// polynomial with an optimized, architecture-aware inner loop, so no
// third-party package is wiring anything the stdlib lacks.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// RunningCRC accumulates a CRC-32C checksum across any number of Write
// calls, tracking total byte count alongside the checksum value.
type RunningCRC struct {
	value uint32
	size  uint64
}

// Write folds p into the running checksum.
func (c *RunningCRC) Write(p []byte) (int, error) {
	c.value = crc32.Update(c.value, crc32cTable, p)
	c.size += uint64(len(p))
	return len(p), nil
}

// Attachment snapshots the current value into a CRCAttachment.
func (c *RunningCRC) Attachment() *CRCAttachment {
	return &CRCAttachment{Polynomial: crc32cPolynomial, Value: c.value, Size: c.size}
}

// FilterCRC passes bytes through unchanged, accumulating a running
// CRC-32C that it attaches to the PartDone/Done message it eventually
// sees pass by (via the owning Transfer, which asks every element
// implementing crcProvider for its attachment when building those
// messages).
type FilterCRC struct {
	BaseElement
	crc RunningCRC
}

// NewFilterCRC creates a pass-through CRC-32C filter.
func NewFilterCRC(logger *slog.Logger) *FilterCRC {
	return &FilterCRC{BaseElement: NewBaseElement("filter-crc", logger)}
}

func (f *FilterCRC) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechPushBuffer, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (f *FilterCRC) Setup(ctx context.Context) error         { return nil }
func (f *FilterCRC) Start(ctx context.Context) (bool, error) { return false, nil }

func (f *FilterCRC) Cancel(expectEOF bool) bool {
	f.cancelled.Store(true)
	return false
}

// CRCAttachment returns the running checksum snapshot. Implements the
// unexported crcProvider interface Transfer uses when assembling Done.
func (f *FilterCRC) CRCAttachment() *CRCAttachment { return f.crc.Attachment() }

func (f *FilterCRC) PullBuffer() ([]byte, bool) {
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
	f.crc.Write(data)
	return data, true
}

func (f *FilterCRC) PushBuffer(data []byte) error {
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
	f.crc.Write(data)
	return pusher.PushBuffer(data)
}

// crcProvider is implemented by filter-crc; Transfer type-asserts for it
// when building PartDone/Done messages so the CRC attachment rides along
// without every element needing to know about CRC.
type crcProvider interface {
	CRCAttachment() *CRCAttachment
}
