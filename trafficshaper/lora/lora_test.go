package lora

import "testing"

func TestTimeOnAirIncreasesWithSpreadingFactor(t *testing.T) {
	sf7 := TimeOnAir(20, 7, 125, 1, 8, true, false)
	sf12 := TimeOnAir(20, 12, 125, 1, 8, true, true)
	if sf12 <= sf7 {
		t.Errorf("expected SF12 time-on-air (%f) to exceed SF7 (%f)", sf12, sf7)
	}
}

func TestTimeOnAirZeroBandwidth(t *testing.T) {
	if toa := TimeOnAir(20, 7, 0, 1, 8, true, false); toa != 0 {
		t.Errorf("expected 0 time-on-air for zero bandwidth, got %f", toa)
	}
}

func TestRegionLookup(t *testing.T) {
	r, err := Region("EU868")
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if r.DutyCyclePct != 1 {
		t.Errorf("EU868 DutyCyclePct = %f, want 1", r.DutyCyclePct)
	}

	if _, err := Region("NOPE"); err == nil {
		t.Error("expected error for unknown region")
	}
}

func TestSimulateUplinkRespectsLossDraw(t *testing.T) {
	sim := &Simulator{LossRate: 0.5, LatencyMs: 10}
	delivered := sim.SimulateUplink(10, 7, 125, 0.9)
	if !delivered.Delivered {
		t.Error("expected delivery when loss draw exceeds loss rate")
	}
	dropped := sim.SimulateUplink(10, 7, 125, 0.1)
	if dropped.Delivered {
		t.Error("expected drop when loss draw is below loss rate")
	}
}
