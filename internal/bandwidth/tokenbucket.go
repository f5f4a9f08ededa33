// Package bandwidth implements the engine's bandwidth pacing and
// traffic-accounting primitives: a per-direction TokenBucket and the
// per-category RrdHistory/BandwidthTracker used by the upload queue and
// request scheduler to gate outgoing bytes.
//
// Grounded on the token-bucket limiters in
// uber-kraken/lib/torrent/scheduler/bandwidth/limiter.go and
// uber-kraken/lib/torrent/scheduler/conn/bandwidth/limiter.go, both of
// which wrap golang.org/x/time/rate. This module exposes the narrower
// capacity/refillRate/tryConsume/msUntilAvailable contract rather than
// the teacher's blocking Reserve call, since spec.md's scheduler
// (PieceRequester, the upload drain loop) is cooperative and polls
// rather than blocks.
package bandwidth

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket paces bytes/sec with a fixed capacity and refill rate,
// per spec.md §3. capacity and refillRate are expressed in bytes.
type TokenBucket struct {
	limiter    *rate.Limiter
	capacity   int64
	refillRate int64
}

// NewTokenBucket returns a bucket that refills at refillRate bytes/sec
// up to capacity bytes. A non-positive refillRate disables pacing:
// TryConsume always succeeds and MsUntilAvailable always returns 0.
func NewTokenBucket(refillRate, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = refillRate
	}
	var lim *rate.Limiter
	if refillRate > 0 {
		lim = rate.NewLimiter(rate.Limit(refillRate), int(capacity))
	}
	return &TokenBucket{limiter: lim, capacity: capacity, refillRate: refillRate}
}

// TryConsume reports whether n tokens are available right now, and if
// so, consumes them. It never blocks (spec.md §5's cooperative model
// forbids suspension between a request decision and its side effect).
func (b *TokenBucket) TryConsume(n int64) bool {
	if b.limiter == nil {
		return true
	}
	if n <= 0 {
		return true
	}
	return b.limiter.AllowN(time.Now(), int(n))
}

// MsUntilAvailable returns how long the caller must wait before n
// tokens would be available, without consuming anything.
func (b *TokenBucket) MsUntilAvailable(n int64) int64 {
	if b.limiter == nil || n <= 0 {
		return 0
	}
	r := b.limiter.ReserveN(time.Now(), int(n))
	if !r.OK() {
		// n exceeds the bucket's capacity outright and can never be
		// satisfied in one reservation; report the time a full refill
		// cycle takes as the caller-visible "try again much later" signal.
		return int64(1000 * float64(n) / float64(b.refillRate))
	}
	delay := r.Delay()
	r.Cancel()
	if delay < 0 {
		delay = 0
	}
	return delay.Milliseconds()
}

// Capacity returns the bucket's maximum burst size in bytes.
func (b *TokenBucket) Capacity() int64 { return b.capacity }

// RefillRate returns the bucket's steady-state rate in bytes/sec.
func (b *TokenBucket) RefillRate() int64 { return b.refillRate }
