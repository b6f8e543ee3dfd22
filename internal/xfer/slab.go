// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"sync"
)

// Slab is a fixed-capacity reusable byte buffer. Only data[offset:offset+len]
// is meaningful; capacity is len(data). A Slab may be linked into a train
// (next) and is refcounted so multiple cursors can share it without
// copying.
type Slab struct {
	data   []byte
	len    int
	offset int
	serial uint64

	mu       sync.Mutex
	refcount int
	next     *Slab
}

// newSlab allocates a fresh Slab of the given capacity with refcount 1.
func newSlab(capacity int, serial uint64) *Slab {
	return &Slab{data: make([]byte, capacity), refcount: 1, serial: serial}
}

// Bytes returns the usable region of the slab: data[offset:offset+len].
func (s *Slab) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[s.offset : s.offset+s.len]
}

// Len returns the current usable length.
func (s *Slab) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// Serial returns the slab's monotonic train-order serial number.
func (s *Slab) Serial() uint64 {
	return s.serial
}

// Ref increments the refcount and returns s, for chained use at call sites
// that hand a slab to a new cursor.
func (s *Slab) Ref() *Slab {
	s.mu.Lock()
	s.refcount++
	s.mu.Unlock()
	return s
}

// Unref decrements the refcount. Returns the refcount after decrementing;
// callers compare against 1 to decide whether a slab at the tail of the
// train is now reusable (only the train itself still holds it).
func (s *Slab) Unref() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount--
	return s.refcount
}

// Refcount reports the current refcount.
func (s *Slab) Refcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// consume advances offset by n and decreases len by n, reclaiming n bytes
// from the front of the usable region. n must be <= len.
func (s *Slab) consume(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += n
	s.len -= n
}

// append copies p into the slab starting at offset+len, growing len. The
// caller must ensure offset+len+len(p) <= cap(data).
func (s *Slab) append(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(s.data[s.offset+s.len:], p)
	s.len += n
}

// spaceLocked returns how many more bytes can be appended without
// reallocation. Caller must hold s.mu.
func (s *Slab) spaceLocked() int {
	return len(s.data) - s.offset - s.len
}

// Space returns how many more bytes can currently be appended without
// reallocation.
func (s *Slab) Space() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spaceLocked()
}

// heatshrink reclaims an oversized prefix via memmove, then reallocates
// down when the backing array has grown far beyond what's in use. This
// bounds memory growth from variable-sized producer writes that kept
// appending without the consumer ever catching up.
func heatshrink(s *Slab) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.len > 0 && s.offset > 4*s.len {
		copy(s.data, s.data[s.offset:s.offset+s.len])
		s.offset = 0
	}
	if cap(s.data) > 2*s.len+s.offset {
		shrunk := make([]byte, s.len+s.offset)
		copy(shrunk, s.data[:s.len+s.offset])
		s.data = shrunk
	}
}

// mergeSlabs combines a and b's data into one slab and returns it; the
// other input is released (its refcount dropped). Prefers merging
// in-place into a (if b's data fits before a's offset or after a's used
// region) over reallocating; falls back to growing a and copying both
// when neither fits.
func mergeSlabs(a, b *Slab) *Slab {
	a.mu.Lock()
	b.mu.Lock()

	aBytes := a.data[a.offset : a.offset+a.len]
	bBytes := b.data[b.offset : b.offset+b.len]

	// Fits after a's current used region without growing the backing array.
	if a.spaceLocked() >= len(bBytes) {
		copy(a.data[a.offset+a.len:], bBytes)
		a.len += len(bBytes)
		b.mu.Unlock()
		a.mu.Unlock()
		b.Unref()
		return a
	}

	// Fits before a's offset (room freed by prior consume calls).
	if a.offset >= len(bBytes) {
		newOffset := a.offset - len(bBytes)
		copy(a.data[newOffset:a.offset], bBytes)
		a.offset = newOffset
		a.len += len(bBytes)
		b.mu.Unlock()
		a.mu.Unlock()
		b.Unref()
		return a
	}

	// Neither fits: grow a by reallocation and copy both regions in order.
	merged := make([]byte, len(aBytes)+len(bBytes))
	copy(merged, aBytes)
	copy(merged[len(aBytes):], bBytes)
	a.data = merged
	a.offset = 0
	a.len = len(merged)
	b.mu.Unlock()
	a.mu.Unlock()
	b.Unref()
	return a
}

// SlabTrain is a linked sequence of slabs shared by up to four named
// cursors (besides oldest, which always lags the rest). Advancing a
// cursor releases its reference to the previously-current slab; once a
// slab's refcount drops to 1 it is owned solely by the train and becomes
// reusable, capping total memory use.
type SlabTrain struct {
	slabSize int
	maxSlabs int

	mu        sync.Mutex
	cond      sync.Cond // signalled when a new slab is linked
	freeCond  sync.Cond // signalled when the oldest slab becomes reusable
	cancelled bool

	head       *Slab // most recently linked slab
	tail       *Slab // == oldest cursor's slab
	count      int   // number of distinct slabs currently linked
	nextSerial uint64
}

// NewSlabTrain creates an empty train with the given per-slab size and
// cap on distinct slabs outstanding (clamped to at least 2).
func NewSlabTrain(slabSize, maxSlabs int) *SlabTrain {
	if maxSlabs < 2 {
		maxSlabs = 2
	}
	t := &SlabTrain{slabSize: slabSize, maxSlabs: maxSlabs}
	t.cond.L = &t.mu
	t.freeCond.L = &t.mu
	return t
}

// SlabSize returns the configured per-slab capacity.
func (t *SlabTrain) SlabSize() int { return t.slabSize }

// Cancel wakes every blocked Alloc/wait caller; subsequent Alloc calls
// return nil immediately.
func (t *SlabTrain) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.cond.Broadcast()
	t.freeCond.Broadcast()
	t.mu.Unlock()
}

// Alloc returns a slab with refcount 1, ready to append to. If force is
// false, it blocks until either fewer than maxSlabs distinct slabs are
// outstanding, or the oldest slab becomes reusable (refcount 1), in which
// case that slab is unlinked from the train and returned instead of
// allocating a new one. Cancellation wakes any blocked caller and makes
// Alloc return nil.
func (t *SlabTrain) Alloc(force bool) *Slab {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !force && t.count >= t.maxSlabs && !t.cancelled {
		if t.tail != nil && t.tail.Refcount() <= 1 {
			break
		}
		t.freeCond.Wait()
	}
	if t.cancelled {
		return nil
	}

	if t.tail != nil && t.count >= t.maxSlabs && t.tail.Refcount() <= 1 {
		reused := t.tail
		t.tail = reused.next
		if t.tail == nil {
			t.head = nil
		}
		t.count--
		reused.next = nil
		reused.offset = 0
		reused.len = 0
		reused.refcount = 1
		reused.serial = t.nextSerial
		t.nextSerial++
		return reused
	}

	s := newSlab(t.slabSize, t.nextSerial)
	t.nextSerial++
	return s
}

// Link appends s to the train as the new head, giving the train itself
// one reference (so the slab survives until every cursor has advanced
// past it and it is reclaimed via Alloc's reuse path).
func (t *SlabTrain) Link(s *Slab) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.head != nil {
		t.head.next = s
	} else {
		t.tail = s
	}
	t.head = s
	t.count++
	t.cond.Broadcast()
}

// WaitForSerial blocks until a slab with serial >= want is linked (or the
// train is cancelled), then returns it starting from `from` (or the train
// tail if from is nil). Returns nil if cancelled before found.
func (t *SlabTrain) WaitForSerial(from *Slab, want uint64) *Slab {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := from
	if cur == nil {
		cur = t.tail
	}
	for {
		for cur != nil && cur.serial < want {
			cur = cur.next
		}
		if cur != nil {
			return cur
		}
		if t.cancelled {
			return nil
		}
		t.cond.Wait()
		if cur == nil {
			cur = t.tail
		}
	}
}

// Advance releases a cursor's reference to `from` (nil is a no-op). If
// from's refcount drops to 1 or below, broadcasts freeCond so a blocked
// Alloc re-checks whether the train tail has become reusable.
func (t *SlabTrain) Advance(from *Slab) {
	if from == nil {
		return
	}
	remaining := from.Unref()
	if remaining <= 1 {
		t.mu.Lock()
		t.freeCond.Broadcast()
		t.mu.Unlock()
	}
}

// Count returns the number of distinct slabs currently linked.
func (t *SlabTrain) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// MaxSlabs returns the configured cap on distinct slabs outstanding —
// the train's own notion of "max_memory worth of slabs", used by callers
// that prebuffer before draining.
func (t *SlabTrain) MaxSlabs() int { return t.maxSlabs }

// WaitForBuffered blocks until either n distinct slabs are linked, the
// train is cancelled, or eof reports true (the producer has signalled a
// clean end and no more slabs are coming). Returns false only when woken
// by cancellation with eof still false, matching BoundedQueue's
// waitPrebuffered contract: the caller should stop running rather than
// drain further.
func (t *SlabTrain) WaitForBuffered(n int, eof func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.count < n && !t.cancelled && !eof() {
		t.cond.Wait()
	}
	if t.cancelled && !eof() {
		return false
	}
	return true
}

// Head returns the current head slab (most recently linked), or nil.
func (t *SlabTrain) Head() *Slab {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// Tail returns the current tail (oldest) slab, or nil.
func (t *SlabTrain) Tail() *Slab {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tail
}
