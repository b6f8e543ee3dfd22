// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// TaperDestCacher is a part-writing destination that mirrors every part's
// bytes to a per-part file in cacheDir while handing them to the Device —
// spec.md §4.9. Nothing in this element reads those files back: a device
// write error ends the writer with an Error message, and an EOM closes the
// part and continues with the remaining bytes in a new part. Bytes arrive
// via a SlabTrain so the device-writing goroutine can lag the producer by
// up to maxSlabs slabs.
type TaperDestCacher struct {
	BaseElement
	blockSizeGate

	deviceMu sync.Mutex
	device   Device

	partSize int64
	cacheDir string

	train *SlabTrain

	inputFD  *FD
	pipeRead *os.File

	partNumber  uint64
	partWritten int64

	cacheWG sync.WaitGroup

	verifyCronSpec string
	cronRunner     *cron.Cron

	eof atomic.Bool
}

// NewTaperDestCacher creates a cacher destination. cacheDir must already
// exist or be creatable by the caller; verifyCronSpec may be empty to
// disable the periodic re-verification sweep.
func NewTaperDestCacher(device Device, partSize int64, slabSize, maxSlabs int, cacheDir, verifyCronSpec string, logger *slog.Logger) *TaperDestCacher {
	c := &TaperDestCacher{
		BaseElement:    NewBaseElement("dest-taper-cacher", logger),
		device:         device,
		partSize:       partSize,
		cacheDir:       cacheDir,
		train:          NewSlabTrain(slabSize, maxSlabs),
		verifyCronSpec: verifyCronSpec,
	}
	return c
}

func (c *TaperDestCacher) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPushBuffer, Output: MechNone, OpsPerByte: 2, ExtraThreads: 1},
		{Input: MechWriteFd, Output: MechNone, OpsPerByte: 2, ExtraThreads: 2},
	}
}

func (c *TaperDestCacher) Setup(ctx context.Context) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return ResourceError("dest-taper-cacher: creating cache dir", err)
	}
	if err := c.blockSizeGate.useDevice(c.device); err != nil {
		return err
	}
	if c.verifyCronSpec != "" {
		c.cronRunner = cron.New()
		if _, err := c.cronRunner.AddFunc(c.verifyCronSpec, c.verifySweep); err != nil {
			return ConfigurationError("dest-taper-cacher: invalid verify cron spec", err)
		}
	}
	return nil
}

func (c *TaperDestCacher) Start(ctx context.Context) (bool, error) {
	in, _ := c.Mechanism()
	if in == MechWriteFd {
		pipeRead, pipeWrite, err := os.Pipe()
		if err != nil {
			return false, ResourceError("dest-taper-cacher: creating pipe", err)
		}
		c.pipeRead = pipeRead
		c.inputFD = NewFD(c.fdSwapLock(), pipeWrite)
		go c.pumpPipeIntoTrain()
	}
	go c.deviceWriter(ctx)
	if c.cronRunner != nil {
		c.cronRunner.Start()
	}
	return true, nil
}

func (c *TaperDestCacher) Cancel(expectEOF bool) bool {
	c.cancelled.Store(true)
	if !expectEOF {
		c.train.Cancel()
		if c.pipeRead != nil {
			c.pipeRead.Close()
		}
	}
	return false
}

// InputFD exposes the write side of an internal pipe when the linker
// negotiated WriteFd; pumpPipeIntoTrain drains the read side into the
// slab train.
func (c *TaperDestCacher) InputFD() *FD { return c.inputFD }

func (c *TaperDestCacher) pumpPipeIntoTrain() {
	buf := make([]byte, c.train.SlabSize())
	for {
		n, err := c.pipeRead.Read(buf)
		if n > 0 {
			c.appendToTrain(buf[:n])
		}
		if err != nil {
			c.eof.Store(true)
			c.train.Cancel() // wakes deviceWriter's wait; eof distinguishes a clean end from abort
			return
		}
	}
}

// PushBuffer implements BufferPusher for the PushBuffer->None mechanism.
func (c *TaperDestCacher) PushBuffer(data []byte) error {
	if data == nil {
		c.eof.Store(true)
		c.train.Cancel()
		return nil
	}
	c.appendToTrain(data)
	return nil
}

func (c *TaperDestCacher) appendToTrain(p []byte) {
	for len(p) > 0 {
		s := c.train.Alloc(false)
		if s == nil {
			return // cancelled
		}
		n := s.Space()
		if n > len(p) {
			n = len(p)
		}
		s.append(p[:n])
		s.Ref() // deviceWriter's reference, released by train.Advance
		c.train.Link(s)
		p = p[n:]
	}
}

// deviceWriter drains the slab train in order, writing each slab's bytes
// to the device and mirroring them to a per-part cache file. Runs until
// the train reports cancellation with eof set (a clean end) or a true
// cancellation (abort).
func (c *TaperDestCacher) deviceWriter(ctx context.Context) {
	defer c.finish()

	if err := c.startPart(ctx, false); err != nil {
		c.postMessage(NewError(c, err.Error()))
		return
	}

	if !c.awaitStreamingPrebuffer() {
		c.finalizePart(ctx, nil)
		return
	}

	cacheFile, cacheErr := c.openCacheFile(c.partNumber)
	if cacheErr != nil {
		c.postMessage(NewError(c, cacheErr.Error()))
		return
	}

	var cur *Slab
	var want uint64
	for {
		next := c.train.WaitForSerial(cur, want)
		if next == nil {
			// Either a real cancellation or pumpPipeIntoTrain/PushBuffer(nil)
			// called train.Cancel() to signal a clean EOF; either way there
			// is nothing further to drain.
			c.finalizePart(ctx, cacheFile)
			return
		}
		data := next.Bytes()
		if len(data) > 0 {
			c.cacheWG.Add(1)
			cf := cacheFile
			go func(b []byte) {
				defer c.cacheWG.Done()
				cf.Write(b)
			}(append([]byte(nil), data...))

			newCacheFile, err := c.writePartAware(ctx, data, cacheFile)
			cacheFile = newCacheFile
			if err != nil {
				c.postMessage(NewError(c, err.Error()))
				return
			}
		}
		c.train.Advance(cur)
		cur = next
		want = next.Serial() + 1

		if c.train.Count() == 0 && !c.eof.Load() {
			// Ran dry mid-part: re-enter prebuffer mode under a streaming
			// policy instead of trickle-feeding the device one slab at a
			// time (spec.md §3/§4.9).
			if !c.awaitStreamingPrebuffer() {
				c.finalizePart(ctx, cacheFile)
				return
			}
		}
	}
}

// awaitStreamingPrebuffer blocks before the first byte of a part (and
// again after running dry mid-part) when the device reports a streaming
// requirement, per spec.md §3/§4.9's stall-until-buffered policy. Devices
// that report StreamingNone never stall. Returns false only when the
// train was cancelled (a real abort, not a clean EOF) before the
// prebuffer target was reached.
func (c *TaperDestCacher) awaitStreamingPrebuffer() bool {
	if c.device.StreamingRequirement() == StreamingNone {
		return true
	}
	return c.train.WaitForBuffered(c.train.MaxSlabs(), c.eof.Load)
}

// writePartAware writes data to the device, honoring both this
// destination's own configured part-size cap and the device's own EOM
// signal: either one rotates to a new part (finish current, start next,
// open a fresh cache file) and continues with the remainder. Returns the
// cache file the caller should keep using (unchanged unless a rotation
// happened).
func (c *TaperDestCacher) writePartAware(ctx context.Context, data []byte, cacheFile *os.File) (*os.File, error) {
	for len(data) > 0 {
		chunk := data
		if c.partSize > 0 {
			remaining := c.partSize - c.partWritten
			if remaining <= 0 {
				if err := c.rotatePart(ctx, &cacheFile); err != nil {
					return cacheFile, err
				}
				continue
			}
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
		}
		n, err := c.writeToDevice(ctx, chunk)
		data = data[n:]
		if err != nil {
			if Classify(err) == ClassDeviceEom {
				if rerr := c.rotatePart(ctx, &cacheFile); rerr != nil {
					return cacheFile, rerr
				}
				continue
			}
			return cacheFile, err
		}
	}
	return cacheFile, nil
}

func (c *TaperDestCacher) rotatePart(ctx context.Context, cacheFile **os.File) error {
	c.finalizePart(ctx, *cacheFile)
	c.partNumber++
	if err := c.startPart(ctx, false); err != nil {
		return err
	}
	newCache, err := c.openCacheFile(c.partNumber)
	if err != nil {
		return err
	}
	*cacheFile = newCache
	return nil
}

// writeToDevice writes chunk to the device in full (retrying short writes
// that aren't an error), returning the number of bytes actually accepted
// before any error (including DeviceEomError, which may itself carry a
// partial count).
func (c *TaperDestCacher) writeToDevice(ctx context.Context, chunk []byte) (int, error) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	total := 0
	for len(chunk) > 0 {
		n, err := c.device.Write(chunk)
		c.partWritten += int64(n)
		total += n
		chunk = chunk[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *TaperDestCacher) startPart(ctx context.Context, retry bool) error {
	if err := c.blockSizeGate.checkStart(); err != nil {
		return err
	}
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	c.partWritten = 0
	return c.device.StartPart(ctx, c.partNumber, retry)
}

func (c *TaperDestCacher) finalizePart(ctx context.Context, cacheFile *os.File) {
	// Per SPEC_FULL §12: finish on the device before posting PartDone, and
	// a finish failure still reports successful=false even if prior writes
	// reported success (data may have been buffered by the device).
	c.deviceMu.Lock()
	err := c.device.FinishPart(ctx)
	written := c.partWritten
	c.deviceMu.Unlock()

	if cacheFile != nil {
		cacheFile.Close()
	}

	successful := err == nil
	c.postMessage(&Message{
		Kind:       MsgPartDone,
		Origin:     c,
		Version:    ProtocolVersion,
		Successful: successful,
		Size:       uint64(written),
		PartNumber: c.partNumber,
	})
	if err != nil {
		c.postMessage(NewError(c, fmt.Sprintf("dest-taper-cacher: finishing part %d: %v", c.partNumber, err)))
	}
}

func (c *TaperDestCacher) finish() {
	// Open Question #3: wait for the disk-cache goroutines before Done.
	c.cacheWG.Wait()
	if c.cronRunner != nil {
		c.cronRunner.Stop()
	}
	c.postMessage(NewDone(c))
}

func (c *TaperDestCacher) openCacheFile(partNumber uint64) (*os.File, error) {
	path := filepath.Join(c.cacheDir, fmt.Sprintf("part-%d.cache", partNumber))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ResourceError("dest-taper-cacher: opening cache file", err)
	}
	return f, nil
}

// UseDevice installs a replacement Device (e.g. after a media change).
// Refuses a block-size change mid-stream per Open Question #2.
func (c *TaperDestCacher) UseDevice(dev Device) error {
	if err := c.blockSizeGate.useDevice(dev); err != nil {
		return err
	}
	c.deviceMu.Lock()
	c.device = dev
	c.deviceMu.Unlock()
	return nil
}

// verifySweep recomputes CRC-32C for every file in cacheDir and posts each
// value as an Info message. It keeps no earlier checksum, so it does not
// itself flag a changed file — a best-effort background pass, not part of
// the hot path.
func (c *TaperDestCacher) verifySweep() {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		c.postMessage(NewError(c, fmt.Sprintf("dest-taper-cacher: verify sweep: %v", err)))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.cacheDir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h := crc32.New(crc32cTable)
		io.Copy(h, f)
		f.Close()
		c.postMessage(NewInfo(c, fmt.Sprintf("verify sweep: %s crc32c=%08x", e.Name(), h.Sum32())))
	}
}
