// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"bytes"
	"testing"
	"time"
)

func TestSlab_AppendConsume(t *testing.T) {
	s := newSlab(16, 0)

	s.append([]byte("hello"))
	if got := s.Len(); got != 5 {
		t.Fatalf("expected len=5, got %d", got)
	}
	if !bytes.Equal(s.Bytes(), []byte("hello")) {
		t.Fatalf("unexpected bytes: %q", s.Bytes())
	}

	s.consume(2)
	if !bytes.Equal(s.Bytes(), []byte("llo")) {
		t.Fatalf("expected %q after consume, got %q", "llo", s.Bytes())
	}
}

func TestSlab_RefUnref(t *testing.T) {
	s := newSlab(8, 0)

	s.Ref()
	if got := s.Refcount(); got != 2 {
		t.Fatalf("expected refcount=2 after Ref, got %d", got)
	}

	if remaining := s.Unref(); remaining != 1 {
		t.Fatalf("expected remaining=1 after one Unref, got %d", remaining)
	}
}

func TestSlab_Space(t *testing.T) {
	s := newSlab(10, 0)

	if got := s.Space(); got != 10 {
		t.Fatalf("expected space=10 on a fresh slab, got %d", got)
	}
	s.append([]byte("abc"))
	if got := s.Space(); got != 7 {
		t.Fatalf("expected space=7 after appending 3 bytes, got %d", got)
	}
}

func TestMergeSlabs_FitsAfterUsedRegion(t *testing.T) {
	a := newSlab(16, 0)
	a.append([]byte("abc"))
	b := newSlab(16, 1)
	b.append([]byte("def"))

	merged := mergeSlabs(a, b)
	if !bytes.Equal(merged.Bytes(), []byte("abcdef")) {
		t.Fatalf("expected merged bytes %q, got %q", "abcdef", merged.Bytes())
	}
	if merged != a {
		t.Fatal("expected merge to reuse a's backing array in place")
	}
}

func TestMergeSlabs_ReallocatesWhenNeitherFits(t *testing.T) {
	a := newSlab(3, 0)
	a.append([]byte("abc"))
	b := newSlab(3, 1)
	b.append([]byte("def"))

	merged := mergeSlabs(a, b)
	if !bytes.Equal(merged.Bytes(), []byte("abcdef")) {
		t.Fatalf("expected merged bytes %q, got %q", "abcdef", merged.Bytes())
	}
}

func TestSlabTrain_LinkAllocReuse(t *testing.T) {
	train := NewSlabTrain(8, 2)

	s1 := train.Alloc(false)
	train.Link(s1)
	s2 := train.Alloc(false)
	train.Link(s2)

	if got := train.Count(); got != 2 {
		t.Fatalf("expected count=2, got %d", got)
	}

	// Simulate an outstanding cursor still referencing the tail; Alloc
	// should block until advancing drops its refcount back to 1
	// (train-owned only).
	s1.Ref()

	done := make(chan *Slab)
	go func() {
		done <- train.Alloc(false)
	}()

	select {
	case <-done:
		t.Fatal("Alloc should block while maxSlabs are outstanding and tail is still referenced")
	case <-time.After(100 * time.Millisecond):
	}

	train.Advance(s1)

	select {
	case reused := <-done:
		if reused == nil {
			t.Fatal("expected a reused slab, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Alloc should unblock once the tail becomes reusable")
	}
}

func TestSlabTrain_CancelUnblocksAlloc(t *testing.T) {
	train := NewSlabTrain(8, 1) // maxSlabs is clamped to 2
	s1 := train.Alloc(false)
	train.Link(s1)
	s2 := train.Alloc(false)
	train.Link(s2)
	s1.Ref() // keep an outstanding reference so Alloc can't immediately reuse it

	done := make(chan *Slab)
	go func() {
		done <- train.Alloc(false)
	}()

	select {
	case <-done:
		t.Fatal("Alloc should block with maxSlabs (clamped to 2) outstanding and tail still referenced")
	case <-time.After(100 * time.Millisecond):
	}

	train.Cancel()

	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected nil from Alloc after Cancel, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Cancel should unblock the pending Alloc")
	}
}

func TestSlabTrain_WaitForSerial(t *testing.T) {
	train := NewSlabTrain(8, 4)

	done := make(chan *Slab)
	go func() {
		done <- train.WaitForSerial(nil, 1)
	}()

	select {
	case <-done:
		t.Fatal("WaitForSerial should block until serial 1 is linked")
	case <-time.After(100 * time.Millisecond):
	}

	s0 := train.Alloc(false)
	train.Link(s0)
	s1 := train.Alloc(false)
	train.Link(s1)

	select {
	case got := <-done:
		if got == nil || got.Serial() != 1 {
			t.Fatalf("expected slab with serial=1, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("WaitForSerial should unblock once serial 1 is linked")
	}
}

func TestSlabTrain_WaitForSerialCancelled(t *testing.T) {
	train := NewSlabTrain(8, 4)

	done := make(chan *Slab)
	go func() {
		done <- train.WaitForSerial(nil, 5)
	}()

	train.Cancel()

	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected nil after cancel, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("WaitForSerial should return after Cancel")
	}
}
