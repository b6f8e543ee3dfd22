// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"fmt"
	"sync"
)

// QueueStatus is the producer's report after filling a slab.
type QueueStatus int

const (
	QueueMore     QueueStatus = iota // more data will follow
	QueueFinished                    // this was the last slab (EOF)
	QueueError                       // producer failed; err is set
)

// StreamingRequirement describes how badly a destination wants to avoid
// running dry mid-write.
type StreamingRequirement int

const (
	// StreamingNone writes data as soon as it is available; underruns are
	// merely slow.
	StreamingNone StreamingRequirement = iota
	// StreamingDesired prebuffers MaxMemory bytes before the first write
	// and stalls (re-prebuffers) whenever the queue runs empty.
	StreamingDesired
	// StreamingRequired prebuffers once, then pumps as fast as possible;
	// running dry after that is a hard error (underrun would corrupt the
	// medium). The queue still re-prebuffers rather than feeding the
	// consumer a trickle, but a caller driving real hardware under this
	// policy should treat repeated re-prebuffering as a reportable fault.
	StreamingRequired
)

// QueueProducerFunc fills slab with up to hint bytes starting at offset 0
// and reports whether more data will follow.
type QueueProducerFunc func(slab *Slab, hint int) (QueueStatus, error)

// QueueConsumerFunc consumes some or all of slab's bytes, returning the
// count actually consumed (which may be less than slab.Len(); the queue
// re-offers the remainder) or a negative sentinel via err.
type QueueConsumerFunc func(slab *Slab) (int, error)

// BoundedQueueConfig configures a BoundedQueue.
type BoundedQueueConfig struct {
	SlabSize     int
	MaxMemory    int64 // total bytes of slabs in flight, rounded to SlabSize
	StreamingReq StreamingRequirement
	Producer     QueueProducerFunc
	Consumer     QueueConsumerFunc
}

// BoundedQueue is a single-producer/single-consumer byte pipeline with a
// memory cap and a streaming policy, independent of the full Transfer
// engine — used directly by simple device I/O call sites that don't need
// mechanism negotiation.
type BoundedQueue struct {
	cfg      BoundedQueueConfig
	maxSlabs int

	filled chan *Slab
	free   chan *Slab

	mu         sync.Mutex
	prebufCond sync.Cond
	filledEOF  bool

	done      chan struct{}
	cancelled chan struct{}
	err       error
}

// NewBoundedQueue constructs a queue ready to Run.
func NewBoundedQueue(cfg BoundedQueueConfig) *BoundedQueue {
	if cfg.SlabSize <= 0 {
		cfg.SlabSize = 64 * 1024
	}
	maxSlabs := int(cfg.MaxMemory / int64(cfg.SlabSize))
	if maxSlabs < 2 {
		maxSlabs = 2
	}
	q := &BoundedQueue{
		cfg:       cfg,
		maxSlabs:  maxSlabs,
		filled:    make(chan *Slab, maxSlabs),
		free:      make(chan *Slab, maxSlabs),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	q.prebufCond.L = &q.mu
	for i := 0; i < maxSlabs; i++ {
		q.free <- newSlab(cfg.SlabSize, uint64(i))
	}
	return q
}

// Run starts the producer and consumer goroutines and blocks until both
// finish (naturally, on producer EOF/error, or on Cancel). Returns the
// first error encountered, or nil.
func (q *BoundedQueue) Run() error {
	producerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		for {
			select {
			case <-q.cancelled:
				return
			case slab, ok := <-q.free:
				if !ok {
					return
				}
				status, err := q.cfg.Producer(slab, q.cfg.SlabSize)
				if err != nil || status == QueueError {
					q.setErr(fmt.Errorf("bounded queue producer: %w", err))
					q.abort()
					return
				}
				select {
				case q.filled <- slab:
				case <-q.cancelled:
					return
				}
				if status == QueueFinished {
					q.markFilledEOF()
					close(q.filled)
					return
				}
				q.signalFilled()
			}
		}
	}()

	if q.cfg.StreamingReq != StreamingNone {
		if !q.waitPrebuffered() {
			return q.finish(producerDone)
		}
	}

	for {
		select {
		case <-q.cancelled:
			return q.finish(producerDone)
		case slab, ok := <-q.filled:
			if !ok {
				return q.finish(producerDone)
			}
			if err := q.drain(slab); err != nil {
				q.setErr(err)
				q.abort()
				return q.finish(producerDone)
			}
			if q.cfg.StreamingReq != StreamingNone && len(q.filled) == 0 && !q.isFilledEOF() {
				// Ran dry: re-enter prebuffer mode rather than trickle-feed
				// the consumer one slab at a time.
				if !q.waitPrebuffered() {
					return q.finish(producerDone)
				}
			}
		}
	}
}

// signalFilled wakes anything blocked in waitPrebuffered after a slab has
// been queued.
func (q *BoundedQueue) signalFilled() {
	q.mu.Lock()
	q.prebufCond.Broadcast()
	q.mu.Unlock()
}

// markFilledEOF records that the producer posted its last slab, waking
// any prebuffer waiter that would otherwise block forever waiting for a
// MaxMemory's worth of slabs that will never arrive.
func (q *BoundedQueue) markFilledEOF() {
	q.mu.Lock()
	q.filledEOF = true
	q.prebufCond.Broadcast()
	q.mu.Unlock()
}

func (q *BoundedQueue) isFilledEOF() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.filledEOF
}

// waitPrebuffered blocks until either maxSlabs worth of slabs are queued,
// the producer has signalled EOF, or the queue is cancelled. Returns false
// only on cancellation (the caller should stop running).
func (q *BoundedQueue) waitPrebuffered() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.filled) < q.maxSlabs && !q.filledEOF {
		select {
		case <-q.cancelled:
			return false
		default:
		}
		q.prebufCond.Wait()
	}
	select {
	case <-q.cancelled:
		return false
	default:
		return true
	}
}

// drain hands slab to the consumer repeatedly until fully consumed,
// recycling it to the free list when empty.
func (q *BoundedQueue) drain(slab *Slab) error {
	for slab.Len() > 0 {
		n, err := q.cfg.Consumer(slab)
		if err != nil {
			return fmt.Errorf("bounded queue consumer: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("bounded queue consumer: negative consume %d", n)
		}
		slab.consume(n)
		if n == 0 {
			break
		}
	}
	slab.mu.Lock()
	slab.offset, slab.len = 0, 0
	slab.mu.Unlock()
	select {
	case q.free <- slab:
	default:
		// Free list has room reserved per maxSlabs; this should never block.
	}
	return nil
}

// finish implements the teacher's join ordering: the consumer side has
// already stopped pumping by the time this runs, so we wake/drain the
// producer next (force it past any free-list wait) and join it before
// declaring the run complete, so a never-consumed free slab can't leave
// the producer permanently blocked.
func (q *BoundedQueue) finish(producerDone <-chan struct{}) error {
	q.abort()
	<-producerDone
	close(q.done)
	return q.err
}

func (q *BoundedQueue) setErr(err error) {
	if q.err == nil {
		q.err = err
	}
}

// abort closes q.cancelled (idempotently) and wakes any prebuffer waiter,
// since cancellation is itself a reason to stop waiting for more data.
func (q *BoundedQueue) abort() {
	select {
	case <-q.cancelled:
	default:
		close(q.cancelled)
	}
	q.mu.Lock()
	q.prebufCond.Broadcast()
	q.mu.Unlock()
}

// Cancel aborts the queue: both producer and consumer wake and exit.
func (q *BoundedQueue) Cancel() {
	q.abort()
}

// Done returns a channel closed once Run has fully returned.
func (q *BoundedQueue) Done() <-chan struct{} { return q.done }
