// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// TransferStatus is the lifecycle state machine spec.md §4.8 describes.
type TransferStatus int

const (
	StatusInit TransferStatus = iota
	StatusStarting
	StatusRunning
	StatusCancelling
	StatusCancelled
	StatusDone
	StatusFailed
)

func (s TransferStatus) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusCancelling:
		return "Cancelling"
	case StatusCancelled:
		return "Cancelled"
	case StatusDone:
		return "Done"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MessageObserver receives every message the controller dispatches, in
// addition to the controller's own handling — used to wire metrics
// (internal/xfer/metrics.go) without the core loop importing them
// directly.
type MessageObserver interface {
	Observe(msg *Message)
}

// Transfer owns one linked chain of elements (source, filters, glue,
// destination) and drives it through Setup -> Start -> Run -> Done/Failed,
// dispatching the Message Bus and propagating cancellation.
type Transfer struct {
	logger *slog.Logger

	elements []Element
	chain    []Element // full wire order including glue, set after linking

	inbox      *Inbox
	fdSwapLock sync.Mutex

	mu     sync.Mutex
	status TransferStatus
	err    error

	active   int // elements still expected to post Done
	doneCh   chan struct{}
	doneOnce sync.Once

	cancelRequested atomic.Bool // guards Cancel/requestCancel to a single inbox post

	observer MessageObserver
}

// NewTransfer links elements via a fresh Linker and returns a Transfer
// ready for Setup. elements is the logical chain (source, filters...,
// destination) before glue insertion.
func NewTransfer(elements []Element, linker *Linker, logger *slog.Logger) (*Transfer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if linker == nil {
		linker = NewLinker(logger)
	}
	plan, err := linker.Link(elements)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	t := &Transfer{
		logger: logger,
		chain:  plan.Ordered(),
		inbox:  NewInbox(128),
		doneCh: make(chan struct{}),
	}
	for _, e := range t.chain {
		e.bind(t)
	}
	return t, nil
}

// SetObserver registers a message observer. Must be called before Run.
func (t *Transfer) SetObserver(o MessageObserver) { t.observer = o }

// Status returns the current lifecycle state.
func (t *Transfer) Status() TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the terminal error, if the transfer finished in StatusFailed.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) setStatus(s TransferStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Setup fans Setup(ctx) out across every element concurrently via
// errgroup: the first failure cancels the shared context so every other
// Setup observes it and can return promptly, and the combined error is
// returned to the caller without starting anything.
func (t *Transfer) Setup(ctx context.Context) error {
	t.setStatus(StatusStarting)
	group, gctx := errgroup.WithContext(ctx)
	for _, e := range t.chain {
		e := e
		group.Go(func() error {
			if err := e.Setup(gctx); err != nil {
				return fmt.Errorf("%s: %w", e.Name(), err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.setStatus(StatusFailed)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return err
	}
	return nil
}

// Start begins processing. Elements are started back-to-front (the
// destination first, then filters, then the source last) so a
// push/pull-driven sink is ready to accept before the source can produce
// anything — matching spec.md §4.8 step 6's ordering requirement. Every
// element reporting producesDone=true is tallied; Run will not declare the
// transfer Done until each of them has posted a Done message (an Error
// message does not count toward that tally).
func (t *Transfer) Start(ctx context.Context) error {
	for i := len(t.chain) - 1; i >= 0; i-- {
		e := t.chain[i]
		producesDone, err := e.Start(ctx)
		if err != nil {
			t.setStatus(StatusFailed)
			t.mu.Lock()
			t.err = fmt.Errorf("%s: %w", e.Name(), err)
			t.mu.Unlock()
			return t.err
		}
		if producesDone {
			t.active++
		}
	}
	t.setStatus(StatusRunning)
	return nil
}

// Run drains the message bus until every producesDone element has posted
// Done, or ctx is done. An Error message records the first error and
// requests cancellation; Run keeps draining after that until the Done
// messages arrive. Call after
// Start; typically from its own goroutine, with the caller blocking on
// Wait/Done instead.
func (t *Transfer) Run(ctx context.Context) {
	remaining := t.active
	if remaining == 0 {
		t.finish(nil)
		return
	}
	for {
		select {
		case <-ctx.Done():
			t.handleCancel(false)
			t.finish(ctx.Err())
			return
		case msg := <-t.inbox.Receive():
			if t.observer != nil {
				t.observer.Observe(msg)
			}
			switch msg.Kind {
			case MsgDone:
				remaining--
				if remaining <= 0 {
					t.finish(nil)
					return
				}
			case MsgError:
				t.mu.Lock()
				if t.err == nil {
					t.err = fmt.Errorf("%s: %s", msg.Origin.Name(), msg.Text)
				}
				t.mu.Unlock()
				t.requestCancel(false)
			case MsgPartDone, MsgInfo, MsgReady:
				// Observed above; no controller-side action beyond logging.
				t.logger.Debug("transfer message", slog.String("kind", msg.Kind.String()), slog.String("origin", msg.Origin.Name()))
			case MsgCancel:
				t.handleCancel(msg.EOF)
			}
		}
	}
}

func (t *Transfer) finish(ctxErr error) {
	t.mu.Lock()
	if ctxErr != nil && t.err == nil {
		t.err = ctxErr
	}
	finalStatus := StatusDone
	if t.err != nil {
		finalStatus = StatusFailed
	}
	t.status = finalStatus
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.doneCh) })
}

// handleCancel calls Cancel(expectEOF) on every element in wire order,
// accumulating whether any of them reports it can generate an EOF on its
// own. If none can, the drain that expectEOF requested has no way to ever
// actually happen, so this is logged as a warning rather than silently
// depended on. Transitions the status Cancelling -> Cancelled.
func (t *Transfer) handleCancel(expectEOF bool) {
	t.setStatus(StatusCancelling)
	canGenerateEOF := false
	for _, e := range t.chain {
		if e.Cancel(expectEOF) {
			canGenerateEOF = true
		}
	}
	if expectEOF && !canGenerateEOF {
		t.logger.Warn("cancel requested expectEOF but no element in the chain can generate one",
			slog.String("status", t.Status().String()))
	}
	t.setStatus(StatusCancelled)
}

// requestCancel posts a Cancel message to the inbox the first time it's
// called; later calls (from a second error, or Cancel racing MsgError) are
// no-ops so handleCancel only ever runs once per transfer.
func (t *Transfer) requestCancel(expectEOF bool) {
	if !t.cancelRequested.CompareAndSwap(false, true) {
		return
	}
	msg := NewCancel(nil)
	msg.EOF = expectEOF
	t.inbox.Post(msg)
}

// Cancel requests cooperative shutdown: every element is told to cancel,
// with expectEOF controlling whether it should drain to EOF (preserving
// any partial output already committed) or stop immediately. The request
// is carried to the controller loop via the message bus rather than
// calling element.Cancel directly, so it's serialized with every other
// inbox event instead of racing Run's own handling of MsgError.
func (t *Transfer) Cancel(expectEOF bool) {
	t.requestCancel(expectEOF)
}

// Done returns a channel closed once Run has returned.
func (t *Transfer) Done() <-chan struct{} { return t.doneCh }

// Chain returns the fully linked wire-order element list (glue included).
func (t *Transfer) Chain() []Element { return t.chain }
