package trafficshaper

import (
	"math/rand"
	"testing"
	"time"

	"github.com/infrasim/vmctld/types"
)

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := NewTokenBucket(100, 100) // 100 bytes/sec, burst 100
	fake := time.Now()
	b.now = func() time.Time { return fake }

	if !b.Allow(100) {
		t.Fatal("expected initial burst to be allowed")
	}
	if b.Allow(1) {
		t.Fatal("expected bucket to be empty immediately after burst")
	}

	fake = fake.Add(500 * time.Millisecond)
	if !b.Allow(50) {
		t.Fatal("expected 50 bytes to be allowed after 500ms at 100 B/s")
	}
}

func TestShaperDropsOnLoss(t *testing.T) {
	s := New(types.QosProfileSpec{LossPercent: 100}, rand.New(rand.NewSource(1)))
	d := s.Shape(1000)
	if !d.Drop {
		t.Error("expected 100% loss profile to always drop")
	}
}

func TestShaperZeroLossNeverDrops(t *testing.T) {
	s := New(types.QosProfileSpec{LossPercent: 0}, rand.New(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		if d := s.Shape(1000); d.Drop {
			t.Fatal("expected zero loss profile to never drop")
		}
	}
}

func TestShaperAddsPadding(t *testing.T) {
	s := New(types.QosProfileSpec{PacketPaddingBytes: 64}, rand.New(rand.NewSource(1)))
	d := s.Shape(100)
	if d.PaddedBytes != 164 {
		t.Errorf("PaddedBytes = %d, want 164", d.PaddedBytes)
	}
}
