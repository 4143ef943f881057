// Package trafficshaper implements the token-bucket rate limiting and
// latency/jitter/loss/padding simulation backing a QosProfile, independent of
// any particular network transport so it can be driven by tests or wired
// into a real packet path later.
package trafficshaper

import (
	"math/rand"
	"time"

	"github.com/infrasim/vmctld/types"
)

// TokenBucket is a classic token-bucket rate limiter: tokens (bytes) accrue
// at RateBytesPerSec up to BurstBytes capacity, and Allow consumes them.
type TokenBucket struct {
	RateBytesPerSec float64
	BurstBytes      float64

	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// NewTokenBucket returns a bucket starting full.
func NewTokenBucket(rateBytesPerSec, burstBytes float64) *TokenBucket {
	return &TokenBucket{
		RateBytesPerSec: rateBytesPerSec,
		BurstBytes:      burstBytes,
		tokens:          burstBytes,
		lastFill:        time.Now(),
		now:             time.Now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.lastFill = now
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.RateBytesPerSec
	if b.tokens > b.BurstBytes {
		b.tokens = b.BurstBytes
	}
}

// Allow reports whether n bytes may pass right now, consuming tokens if so.
func (b *TokenBucket) Allow(n float64) bool {
	ok, _ := b.Consume(n)
	return ok
}

// Consume attempts to consume n bytes of tokens, refilling first. On
// shortfall it reports how many milliseconds would have to pass, at the
// bucket's fill rate, before n bytes are available.
func (b *TokenBucket) Consume(n float64) (ok bool, waitMs uint32) {
	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	needed := n - b.tokens
	rate := b.RateBytesPerSec
	if rate <= 0 {
		rate = 1
	}
	return false, uint32(needed * 1000 / rate)
}

// Decision is the outcome of shaping a single packet.
type Decision struct {
	Drop          bool
	DelayMs       uint32
	PaddedBytes   uint32
	RateLimited   bool
}

// Shaper applies a QosProfile's latency/jitter/loss/padding/rate-limit
// parameters to individual packets.
type Shaper struct {
	Profile types.QosProfileSpec
	bucket  *TokenBucket
	rng     *rand.Rand
}

// New builds a Shaper for profile. rng may be nil to use a process-global
// random source; tests pass a seeded rand.Rand for determinism.
func New(profile types.QosProfileSpec, rng *rand.Rand) *Shaper {
	var bucket *TokenBucket
	if profile.RateLimitMbps > 0 {
		bucket = NewTokenBucket(float64(profile.RateLimitMbps)*1_000_000/8, float64(profile.BurstSizeKb)*1024)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Shaper{Profile: profile, bucket: bucket, rng: rng}
}

// Shape decides what happens to a packet of packetBytes size. Packet loss is
// the only way a packet is dropped: a rate-limit shortfall instead adds the
// time needed for the bucket to refill to the packet's delay, so the packet
// is always eventually sent.
func (s *Shaper) Shape(packetBytes uint32) Decision {
	if s.Profile.LossPercent > 0 && s.rng.Float32()*100 < s.Profile.LossPercent {
		return Decision{Drop: true}
	}

	delay := s.Profile.LatencyMs
	if s.Profile.JitterMs > 0 {
		delay += uint32(s.rng.Intn(int(s.Profile.JitterMs) + 1))
	}

	actualSize := packetBytes + s.Profile.PacketPaddingBytes
	var rateLimited bool
	if s.bucket != nil {
		ok, waitMs := s.bucket.Consume(float64(actualSize))
		if !ok {
			rateLimited = true
			delay += waitMs
		}
	}

	return Decision{
		DelayMs:     delay,
		PaddedBytes: actualSize,
		RateLimited: rateLimited,
	}
}
