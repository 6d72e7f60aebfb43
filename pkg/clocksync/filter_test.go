// ABOUTME: Tests for the two-state Kalman clock filter
// ABOUTME: Covers readiness latching, convergence under noise, step-change recovery
package clocksync

import (
	"math"
	"math/rand"
	"testing"
)

func TestReadinessLatchesAfterSecondMeasurement(t *testing.T) {
	f := New(nil)
	if f.IsReady() {
		t.Fatal("expected not ready before any measurement")
	}

	f.Update(5000, 1_000_000, 5000)
	if f.IsReady() {
		t.Fatal("expected not ready after first measurement")
	}

	f.Update(5100, 2_000_000, 5000)
	if !f.IsReady() {
		t.Fatal("expected ready after second measurement")
	}

	// Feed more noise; readiness must not flip back.
	for i := 0; i < 20; i++ {
		f.Update(5000+float64(i), int64(3_000_000+i*1_000_000), 5000)
		if !f.IsReady() {
			t.Fatalf("readiness regressed at iteration %d", i)
		}
	}
}

// S1 — convergence under noise.
func TestConvergenceUnderNoise(t *testing.T) {
	f := New(nil)
	rng := rand.New(rand.NewSource(1))

	clientUs := int64(0)
	for i := 0; i < 20; i++ {
		clientUs += 1_000_000                 // one measurement per second
		noise := (rng.Float64()*2 - 1) * 1000 // uniform(-1000, 1000)
		f.Update(5000+noise, clientUs, 5000)

		if i == 1 && !f.IsReady() {
			t.Fatal("expected ready within 2 seconds")
		}
	}

	offset := math.Float64frombits(f.offsetBits.Load())
	if offset < 4500 || offset > 5500 {
		t.Errorf("offset_us out of range: got %.1f, want [4500, 5500]", offset)
	}
	if math.Abs(f.DriftRate()) > 1e-6 {
		t.Errorf("drift magnitude too large: got %.3e, want <= 1e-6", f.DriftRate())
	}
}

// S2 — step change: after convergence, a step in raw_offset should be
// absorbed within ~15 measurements without a permanent drift bias.
func TestStepChangeRecovery(t *testing.T) {
	f := New(nil)
	clientUs := int64(0)

	for i := 0; i < 20; i++ {
		clientUs += 1_000_000
		f.Update(5000, clientUs, 5000)
	}

	for i := 0; i < 15; i++ {
		clientUs += 1_000_000
		f.Update(15000, clientUs, 5000)
	}

	offset := math.Float64frombits(f.offsetBits.Load())
	if offset < 14000 || offset > 16000 {
		t.Errorf("offset_us did not recover to step: got %.1f, want [14000, 16000]", offset)
	}
	if math.Abs(f.DriftRate()) > 5e-4 {
		t.Errorf("expected no permanent drift bias after step, got %.3e", f.DriftRate())
	}
}

// Drift tracking: a constant-rate drift of r us/s fed through 100
// measurements should converge the drift estimate to within 20% of r*1e-6.
func TestDriftTracking(t *testing.T) {
	f := New(nil)
	f.ProcessNoiseDrift = 1e-9 // loosen the drift prior so a 50ppm ramp is trackable

	clientUs := int64(0)
	offset := 0.0
	const rateUsPerSec = 50.0 // 50us/s drift

	for i := 0; i < 100; i++ {
		clientUs += 1_000_000
		offset += rateUsPerSec
		f.Update(offset, clientUs, 5000)
	}

	want := rateUsPerSec * 1e-6
	got := f.DriftRate()
	if math.Abs(got-want) > 0.2*math.Abs(want) {
		t.Errorf("drift did not converge: got %.3e, want near %.3e", got, want)
	}
}

func TestPredictAtIsMonotonicInTime(t *testing.T) {
	f := New(nil)
	f.Update(5000, 1_000_000, 5000)
	f.Update(5200, 2_000_000, 5000)

	a := f.PredictAt(2_000_000)
	b := f.PredictAt(2_500_000)
	c := f.PredictAt(10_000_000)

	if b < a-1 { // allow rounding
		t.Errorf("predict_at not monotonic near origin: a=%d b=%d", a, b)
	}
	_ = c // large dt must not panic or overflow meaningfully for this test window
}

func TestResetReturnsToNotReady(t *testing.T) {
	f := New(nil)
	f.Update(5000, 1_000_000, 5000)
	f.Update(5100, 2_000_000, 5000)
	if !f.IsReady() {
		t.Fatal("expected ready before reset")
	}

	f.Reset()
	if f.IsReady() {
		t.Fatal("expected not ready after reset")
	}
	if f.MeasurementCount() != 0 {
		t.Fatalf("expected measurement count 0 after reset, got %d", f.MeasurementCount())
	}
}

func TestResetTwiceIsIdempotent(t *testing.T) {
	f := New(nil)
	f.Update(5000, 1_000_000, 5000)
	f.Reset()
	f.Reset()
	if f.IsReady() {
		t.Fatal("expected not ready after double reset")
	}
}
