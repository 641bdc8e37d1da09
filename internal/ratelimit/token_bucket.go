package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly
// X nano-tokens per elapsed nanosecond with no float rounding.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket meters per-connection signaling traffic: each inbound frame or
// invitation spends tokens, and the bucket refills at an integer tokens/sec
// rate read from the injected Clock so tests can drive it deterministically.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64 // tokens/sec

	availableNano int64
	lastRefill    time.Time
}

// NewTokenBucket builds a bucket that starts full. Non-positive capacity or
// rate disables the budget: Allow then admits only zero-cost requests.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:          clock,
		capacityTokens: capacityTokens,
		fillRate:       fillRate,
		availableNano:  tokensToNano(capacityTokens),
		lastRefill:     clock.Now(),
	}
}

// Allow spends the given number of tokens when the remaining budget covers
// them. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < cost {
		return false
	}

	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.lastRefill) {
		// Clock went backwards. Move the reference point without refilling.
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	if b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := tokensToNano(b.capacityTokens)
	if b.availableNano >= capacityNano {
		b.availableNano = capacityNano
		return
	}

	need := capacityNano - b.availableNano
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	// fillRate is tokens/sec, which is nano-tokens/ns in this fixed-point
	// representation. When the idle stretch already covers the deficit, clamp
	// to capacity before multiplying so elapsedNanos*fillRate cannot overflow.
	nanosToFill := need / b.fillRate
	if nanosToFill <= 0 || elapsedNanos >= nanosToFill {
		b.availableNano = capacityNano
		return
	}

	b.availableNano += elapsedNanos * b.fillRate
	if b.availableNano > capacityNano {
		b.availableNano = capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
