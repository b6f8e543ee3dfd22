// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// FD wraps an *os.File so it can be swapped atomically under a shared
// lock (the Transfer's fd_swap_lock), instead of exposing a raw
// integer descriptor at API boundaries. Whichever element last holds
// a non-nil FD is responsible for closing it during finalize.
type FD struct {
	mu   *sync.Mutex
	file *os.File
}

// NewFD wraps f under the given shared lock (typically Transfer.fdSwapLock).
func NewFD(lock *sync.Mutex, f *os.File) *FD {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &FD{mu: lock, file: f}
}

// Swap installs newFile and returns whatever was previously installed,
// atomically with respect to any concurrent Swap/Get on the same lock.
func (f *FD) Swap(newFile *os.File) *os.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.file
	f.file = newFile
	return old
}

// Get returns the currently installed file, or nil.
func (f *FD) Get() *os.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file
}

// Valid reports whether a non-nil file is currently installed.
func (f *FD) Valid() bool {
	return f.Get() != nil
}

// Element is the closed set of operations every pipeline node implements.
// Concrete element kinds embed BaseElement and implement the subset of
// PullBuffer/PushBuffer/InputFD/OutputFD/ListenAddrs that their negotiated
// mechanism requires; the linker only ever calls the methods a chosen
// MechPair obligates.
type Element interface {
	// Name identifies the element for logs and messages (e.g. "source-file").
	Name() string

	// MechPairs lists the (input, output) mechanism pairs this element
	// supports, each with its ops-per-byte/extra-thread cost.
	MechPairs() []MechPair

	// Setup prepares FDs or listen addresses. Called before neighbours are
	// fully wired; on failure the caller posts Error+Cancel.
	Setup(ctx context.Context) error

	// SetSize tells a source how many bytes it should emit, suppressing
	// trailing padding. A no-op for elements that aren't a source.
	SetSize(n int64)

	// Start begins processing and reports whether this element will
	// eventually post a Done message.
	Start(ctx context.Context) (producesDone bool, err error)

	// Cancel stops producing/consuming. If expectEOF is true the element
	// must drain upstream until EOF and propagate EOF downstream; if
	// false it must not drain. Returns whether this element can generate
	// an EOF on its own (vs. needing a surrounding I/O completion).
	Cancel(expectEOF bool) (canGenerateEOF bool)

	// mechanism accessors, set by the linker during Transfer.start.
	SetMechanism(input, output Mechanism)
	Mechanism() (input, output Mechanism)

	// SetNeighbors wires the weak upstream/downstream links.
	SetNeighbors(upstream, downstream Element)

	// bind attaches the element to its owning Transfer (for posting
	// messages and reaching the shared fd-swap lock).
	bind(t *Transfer)
}

// BufferPuller is implemented by elements whose negotiated output
// mechanism is PullBuffer. A nil, ok=false return signals EOF.
type BufferPuller interface {
	PullBuffer() (data []byte, ok bool)
}

// BufferPusher is implemented by elements whose negotiated input
// mechanism is PushBuffer. data == nil signals EOF.
type BufferPusher interface {
	PushBuffer(data []byte) error
}

// FDSource is implemented by elements whose negotiated output mechanism
// is ReadFd: the glue/consumer reads from the returned FD until EOF.
type FDSource interface {
	OutputFD() *FD
}

// FDSink is implemented by elements whose negotiated input mechanism is
// WriteFd: the glue/producer writes into the returned FD.
type FDSink interface {
	InputFD() *FD
}

// ListenAddrProvider is implemented by elements whose negotiated
// mechanism is DirectTcpListen: it exposes the addresses a remote peer
// should dial.
type ListenAddrProvider interface {
	ListenAddrs() []string
}

// ConnectAddrReceiver is implemented by elements whose negotiated
// mechanism is DirectTcpConnect: the linker/caller supplies the remote
// addresses to dial.
type ConnectAddrReceiver interface {
	SetConnectAddrs(addrs []string)
}

// BaseElement implements the bookkeeping shared by every concrete element:
// mechanism slots, neighbour links, cancellation flag, and the owning
// Transfer back-reference used to post messages.
type BaseElement struct {
	name string

	inputMech  Mechanism
	outputMech Mechanism

	upstream   Element
	downstream Element

	cancelled atomic.Bool
	expectEOF atomic.Bool

	sizeLimit atomic.Int64 // 0 == unset

	transfer *Transfer
	logger   *slog.Logger
}

// NewBaseElement constructs the shared embed with a name and logger.
func NewBaseElement(name string, logger *slog.Logger) BaseElement {
	if logger == nil {
		logger = slog.Default()
	}
	return BaseElement{name: name, logger: logger}
}

func (b *BaseElement) Name() string { return b.name }

func (b *BaseElement) SetMechanism(input, output Mechanism) {
	b.inputMech = input
	b.outputMech = output
}

func (b *BaseElement) Mechanism() (Mechanism, Mechanism) {
	return b.inputMech, b.outputMech
}

func (b *BaseElement) SetNeighbors(upstream, downstream Element) {
	b.upstream = upstream
	b.downstream = downstream
}

func (b *BaseElement) SetSize(n int64) {
	b.sizeLimit.Store(n)
}

// SizeLimit returns the configured size limit, or (0, false) if unset.
func (b *BaseElement) SizeLimit() (int64, bool) {
	n := b.sizeLimit.Load()
	return n, n > 0
}

func (b *BaseElement) bind(t *Transfer) {
	b.transfer = t
}

// Cancelled reports whether Cancel has been called on this element.
func (b *BaseElement) Cancelled() bool {
	return b.cancelled.Load()
}

// postMessage forwards msg to the owning Transfer's inbox, if bound.
func (b *BaseElement) postMessage(msg *Message) {
	if b.transfer != nil {
		b.transfer.inbox.Post(msg)
	}
}

// fdSwapLock returns the owning Transfer's shared FD-swap mutex, or a
// fresh one if unbound (e.g. in unit tests constructing elements solo).
func (b *BaseElement) fdSwapLock() *sync.Mutex {
	if b.transfer != nil {
		return &b.transfer.fdSwapLock
	}
	return &sync.Mutex{}
}
