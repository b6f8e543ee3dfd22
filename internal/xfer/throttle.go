// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// TokenBucketFilter is a pass-through pull/push filter that rate-limits
// bytes flowing through it to a configured bytes/sec ceiling, using a
// token-bucket limiter that allows bursts of up to the burstBytes given to
// NewTokenBucketFilter.
type TokenBucketFilter struct {
	BaseElement
	limiter *rate.Limiter
	ctx     context.Context
}

// NewTokenBucketFilter creates a filter capping throughput at
// bytesPerSec, bursting up to burstBytes.
func NewTokenBucketFilter(bytesPerSec float64, burstBytes int, logger *slog.Logger) *TokenBucketFilter {
	return &TokenBucketFilter{
		BaseElement: NewBaseElement("filter-throttle", logger),
		limiter:     rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes),
		ctx:         context.Background(),
	}
}

func (f *TokenBucketFilter) MechPairs() []MechPair {
	return []MechPair{
		{Input: MechPullBuffer, Output: MechPullBuffer, OpsPerByte: 1, ExtraThreads: 0},
		{Input: MechPushBuffer, Output: MechPushBuffer, OpsPerByte: 1, ExtraThreads: 0},
	}
}

func (f *TokenBucketFilter) Setup(ctx context.Context) error {
	f.ctx = ctx
	return nil
}

func (f *TokenBucketFilter) Start(ctx context.Context) (bool, error) { return false, nil }

func (f *TokenBucketFilter) Cancel(expectEOF bool) bool {
	f.cancelled.Store(true)
	return false
}

// wait blocks until n bytes' worth of tokens are available, issuing
// multiple WaitN calls in burst-sized chunks since rate.Limiter rejects a
// single request for more tokens than it can ever hold.
func (f *TokenBucketFilter) wait(n int) {
	burst := f.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		f.limiter.WaitN(f.ctx, chunk)
		n -= chunk
	}
}

func (f *TokenBucketFilter) PullBuffer() ([]byte, bool) {
	puller, ok := f.upstream.(BufferPuller)
	if !ok || f.cancelled.Load() {
		return nil, false
	}
	data, ok := puller.PullBuffer()
	if !ok {
		return nil, false
	}
	f.wait(len(data))
	return data, true
}

func (f *TokenBucketFilter) PushBuffer(data []byte) error {
	pusher, ok := f.downstream.(BufferPusher)
	if !ok {
		return nil
	}
	if data != nil {
		f.wait(len(data))
	}
	return pusher.PushBuffer(data)
}
