// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package xfer implements the streaming transfer engine: a linear pipeline
// of elements (sources, filters, destinations) connected by negotiated
// mechanisms, coordinated by a Transfer and its message bus.
package xfer

import (
	"math"
	"sync"
)

// Semaphore is a counting semaphore guarding an int value, with the extra
// force-adjust/force-set operations the engine needs to abort blocked
// waiters during cancellation. It is not a general-purpose semaphore: the
// "free" signal fires only when value drops to 1 or wraps below zero,
// mirroring the refcount-of-1 reuse rule of SlabTrain.Alloc (which keeps
// its own counts and does not use this type).
type Semaphore struct {
	mu    sync.Mutex
	value int
	// decrementCond wakes decrement() waiters when value increases or a
	// force operation runs.
	decrementCond sync.Cond
	// zeroCond wakes WaitEmpty() waiters when value drops to zero or below.
	zeroCond sync.Cond
	// free is closed and replaced whenever value transitions to <=1 from
	// above, or wraps from 0 to negative — see Decrement.
	free chan struct{}
	// forced counts force operations, so a Decrement waiter can tell that
	// one ran while it was blocked.
	forced uint64
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(v int) *Semaphore {
	s := &Semaphore{value: v, free: make(chan struct{})}
	s.decrementCond.L = &s.mu
	s.zeroCond.L = &s.mu
	return s
}

// Decrement blocks until value >= n, or until a force operation runs while
// it waits, then subtracts n. n may be zero: a caller blocked in
// Decrement(0) on a negative value is released by ForceSet(math.MinInt32),
// the way producers are flagged to stop without otherwise touching value.
// Apart from such a forced release, Decrement never returns having observed
// a value < n at the moment it subtracts — every return is atomic with
// respect to concurrent updates.
func (s *Semaphore) Decrement(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.forced
	for s.value < n && s.forced == gen {
		s.decrementCond.Wait()
	}

	before := s.value
	s.value -= n
	if before > 1 && s.value <= 1 {
		s.signalFreeLocked()
	}
	if before >= 0 && s.value < 0 {
		s.signalFreeLocked()
	}
	if s.value <= 0 {
		s.zeroCond.Broadcast()
	}
}

// TryDecrement attempts a non-blocking Decrement; returns false if value < n.
func (s *Semaphore) TryDecrement(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value < n {
		return false
	}
	before := s.value
	s.value -= n
	if before > 1 && s.value <= 1 {
		s.signalFreeLocked()
	}
	if s.value <= 0 {
		s.zeroCond.Broadcast()
	}
	return true
}

// Increment adds n to value and wakes any blocked decrementers/waiters.
func (s *Semaphore) Increment(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += n
	s.decrementCond.Broadcast()
}

// WaitEmpty blocks until value <= 0.
func (s *Semaphore) WaitEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.value > 0 {
		s.zeroCond.Wait()
	}
}

// ForceAdjust unconditionally changes value by delta and wakes every
// waiter so they can re-evaluate their condition (used during abort).
func (s *Semaphore) ForceAdjust(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += delta
	s.forced++
	s.decrementCond.Broadcast()
	s.zeroCond.Broadcast()
	s.signalFreeLocked()
}

// ForceSet unconditionally sets value and wakes every waiter. Passing
// math.MinInt32 is the idiom for "abort everyone blocked in Decrement".
func (s *Semaphore) ForceSet(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.forced++
	s.decrementCond.Broadcast()
	s.zeroCond.Broadcast()
	s.signalFreeLocked()
}

// Value returns the current value (diagnostic use only; may be stale the
// instant it is read by a concurrent caller).
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// signalFreeLocked closes and replaces the free channel so anyone
// select-waiting on Free() observes the transition exactly once. Must be
// called with s.mu held.
func (s *Semaphore) signalFreeLocked() {
	close(s.free)
	s.free = make(chan struct{})
}

// Free returns a channel that closes the next time value becomes
// reusable (drops to <=1) or wraps negative. Waking behaviour beyond that
// is not guaranteed — callers must re-check their own condition after the
// channel closes, exactly as with a condition variable's spurious wakeup.
func (s *Semaphore) Free() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free
}

// clampMinInt is the force-set sentinel used to flag "decrement(0) callers
// should wake up and notice a forced value", mirroring semaphore_force_set
// with INT_MIN in the original engine.
const clampMinInt = math.MinInt32
