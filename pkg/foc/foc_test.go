package foc

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestClarkeParkRoundTrip(t *testing.T) {
	// A balanced three-phase set should survive Clarke -> Park ->
	// InvPark at any angle.
	for _, theta := range []float64{0, 0.3, math.Pi / 2, math.Pi, 5.1} {
		ia := 2.0 * math.Cos(theta)
		ib := 2.0 * math.Cos(theta-TwoPi/3)
		ic := -ia - ib

		alpha, beta := Clarke(ia, ib, ic)
		d, q := Park(alpha, beta, theta)

		// A current vector aligned with theta lands fully on d.
		if !almostEqual(d, 2.0, 1e-9) || !almostEqual(q, 0, 1e-9) {
			t.Errorf("theta=%.2f: d=%f q=%f, want d=2 q=0", theta, d, q)
		}

		a2, b2 := InvPark(d, q, theta)
		if !almostEqual(a2, alpha, 1e-9) || !almostEqual(b2, beta, 1e-9) {
			t.Errorf("theta=%.2f: inverse park mismatch", theta)
		}
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{TwoPi, 0},
		{-0.5, TwoPi - 0.5},
		{3 * TwoPi / 2, math.Pi},
	}
	for _, tt := range tests {
		if got := WrapAngle(tt.in); !almostEqual(got, tt.want, 1e-9) {
			t.Errorf("WrapAngle(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestWrapError(t *testing.T) {
	if got := WrapError(math.Pi + 0.1); !almostEqual(got, -math.Pi+0.1, 1e-9) {
		t.Errorf("WrapError(pi+0.1) = %f", got)
	}
	if got := WrapError(-math.Pi - 0.1); !almostEqual(got, math.Pi-0.1, 1e-9) {
		t.Errorf("WrapError(-pi-0.1) = %f", got)
	}
}

func TestModulateZeroVector(t *testing.T) {
	var m Modulator
	d, _, err := m.Modulate(0, 0, 24)
	if err != nil {
		t.Fatalf("Modulate returned error: %v", err)
	}
	// Zero voltage vector: all phases at the midpoint.
	if !almostEqual(d.A, 0.5, 1e-9) || !almostEqual(d.B, 0.5, 1e-9) || !almostEqual(d.C, 0.5, 1e-9) {
		t.Errorf("zero vector duties = %+v, want 0.5 each", d)
	}
}

func TestModulateDutiesInRange(t *testing.T) {
	var m Modulator
	const vbus = 24.0

	for i := 0; i < 360; i += 5 {
		theta := float64(i) * math.Pi / 180
		// Deliberately over-modulate to exercise the limiter.
		va := 2 * vbus * math.Cos(theta)
		vb := 2 * vbus * math.Sin(theta)

		d, sector, err := m.Modulate(va, vb, vbus)
		if err != nil {
			t.Fatalf("theta=%d: %v", i, err)
		}
		if sector < 1 || sector > 6 {
			t.Fatalf("theta=%d: sector %d out of range", i, sector)
		}
		for _, duty := range []float64{d.A, d.B, d.C} {
			if duty < 0 || duty > 1 {
				t.Fatalf("theta=%d: duty %f out of [0,1]", i, duty)
			}
		}
	}
}

func TestModulateReconstruction(t *testing.T) {
	// Within the linear region the duty differences must reproduce the
	// commanded line voltages.
	var m Modulator
	const vbus = 24.0

	for i := 0; i < 360; i += 15 {
		theta := float64(i) * math.Pi / 180
		mag := 0.4 * vbus // well inside the linear region
		va := mag * math.Cos(theta)
		vb := mag * math.Sin(theta)

		d, _, err := m.Modulate(va, vb, vbus)
		if err != nil {
			t.Fatal(err)
		}

		// Reconstruct alpha/beta from phase duties (amplitude-invariant
		// Clarke of the phase voltages, common mode cancels).
		pa := d.A * vbus
		pb := d.B * vbus
		pc := d.C * vbus
		mean := (pa + pb + pc) / 3

		gotA, gotB := Clarke(pa-mean, pb-mean, pc-mean)
		if !almostEqual(gotA, va, 1e-6) || !almostEqual(gotB, vb, 1e-6) {
			t.Errorf("theta=%d: reconstructed (%f, %f), want (%f, %f)",
				i, gotA, gotB, va, vb)
		}
	}
}

func TestModulateEdgeAligned(t *testing.T) {
	m := Modulator{Alignment: AlignEdge}
	d, _, err := m.Modulate(5, 2, 24)
	if err != nil {
		t.Fatal(err)
	}
	// Edge alignment always pins the lowest phase at zero.
	low := math.Min(d.A, math.Min(d.B, d.C))
	if !almostEqual(low, 0, 1e-9) {
		t.Errorf("edge aligned lowest duty = %f, want 0", low)
	}
}

func TestModulateNonFinite(t *testing.T) {
	var m Modulator
	if _, _, err := m.Modulate(math.NaN(), 0, 24); err != ErrNonFiniteVector {
		t.Errorf("expected ErrNonFiniteVector, got %v", err)
	}
	if _, _, err := m.Modulate(0, math.Inf(1), 24); err != ErrNonFiniteVector {
		t.Errorf("expected ErrNonFiniteVector, got %v", err)
	}
}

func TestPIConvergence(t *testing.T) {
	// Simple first-order plant: y += 0.1 * u. The PI loop must drive
	// the error to zero without diverging.
	pi := NewPI(0.5, 0.05, 10)
	y := 0.0
	target := 3.0

	for i := 0; i < 2000; i++ {
		u := pi.Update(target - y)
		y += 0.1 * u
	}
	if !almostEqual(y, target, 1e-3) {
		t.Errorf("plant settled at %f, want %f", y, target)
	}
}

func TestPIAntiWindup(t *testing.T) {
	pi := NewPI(1.0, 0.5, 1.0)

	// Hold a large error; the output saturates and the integrator must
	// stay frozen instead of winding up.
	for i := 0; i < 100; i++ {
		out := pi.Update(10)
		if out > 1.0 {
			t.Fatalf("output %f exceeds limit", out)
		}
	}
	if pi.Integral() > 1.0 {
		t.Errorf("integrator wound up to %f", pi.Integral())
	}

	// After the error reverses, the output must leave saturation
	// promptly rather than unwinding a huge integral.
	out := pi.Update(-1)
	if out >= 1.0 {
		t.Errorf("output stuck at saturation after error reversal: %f", out)
	}
}

func TestPISetLimitClampsIntegral(t *testing.T) {
	pi := NewPI(0, 1.0, 10)
	for i := 0; i < 8; i++ {
		pi.Update(1)
	}
	pi.SetLimit(2)
	if pi.Integral() > 2 {
		t.Errorf("integral %f not clamped to new limit", pi.Integral())
	}
}

func TestFinite(t *testing.T) {
	if !Finite(1, -2.5, 0) {
		t.Error("finite values reported non-finite")
	}
	if Finite(1, math.NaN()) {
		t.Error("NaN reported finite")
	}
	if Finite(math.Inf(-1)) {
		t.Error("Inf reported finite")
	}
}
