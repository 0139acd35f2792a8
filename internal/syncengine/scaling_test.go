package syncengine

import (
	"testing"
	"time"
)

func TestAdaptivePoolGrowsOnSustainedImprovement(t *testing.T) {
	p := NewAdaptivePool(1, 4)
	now := time.Now()

	p.Evaluate(now, 0, 1) // baseline tick, no measurement yet
	now = now.Add(time.Second)
	p.Evaluate(now, 1_000_000, 1) // first real measurement: optimistic +1

	if p.Desired() != 2 {
		t.Fatalf("want 2 workers after first measurement, got %d", p.Desired())
	}

	now = now.Add(time.Second)
	p.Evaluate(now, 3_000_000, 2) // throughput improved a lot: keep climbing

	if p.Desired() < 2 {
		t.Fatalf("want worker count to hold or grow on improvement, got %d", p.Desired())
	}
}

func TestAdaptivePoolNeverExceedsMax(t *testing.T) {
	p := NewAdaptivePool(1, 2)
	now := time.Now()
	p.Evaluate(now, 0, 1)
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		p.Evaluate(now, int64(1_000_000*(i+2)), p.Desired())
	}
	if p.Desired() > 2 {
		t.Fatalf("want desired <= max(2), got %d", p.Desired())
	}
}
