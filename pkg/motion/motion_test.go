package motion

import (
	"math"
	"testing"

	"github.com/motionlayer/Tinymovr/pkg/config"
)

func TestTrapezoidalProfile(t *testing.T) {
	p, err := PlanTrapezoidal(0, 100000, 0, 50000, 200000, 200000)
	if err != nil {
		t.Fatalf("PlanTrapezoidal: %v", err)
	}

	// 0.25 s accel and decel ramps around a cruise segment.
	if math.Abs(p.Duration()-2.25) > 1e-9 {
		t.Errorf("Duration = %v, want 2.25", p.Duration())
	}

	pos, vel := p.Sample(0)
	if pos != 0 || vel != 0 {
		t.Errorf("Sample(0) = (%v, %v)", pos, vel)
	}

	_, vel = p.Sample(1.0)
	if math.Abs(vel-50000) > 1e-9 {
		t.Errorf("cruise velocity = %v, want 50000", vel)
	}

	pos, vel = p.Sample(p.Duration())
	if math.Abs(pos-100000) > 1e-6 || vel != 0 {
		t.Errorf("end sample = (%v, %v), want (100000, 0)", pos, vel)
	}
	if math.Abs(p.End()-100000) > 1e-6 {
		t.Errorf("End = %v, want 100000", p.End())
	}
}

func TestTriangularProfile(t *testing.T) {
	// Too short to reach the velocity limit.
	p, err := PlanTrapezoidal(0, 1000, 0, 50000, 200000, 200000)
	if err != nil {
		t.Fatalf("PlanTrapezoidal: %v", err)
	}

	var peak float64
	for ts := 0.0; ts < p.Duration(); ts += p.Duration() / 1000 {
		_, vel := p.Sample(ts)
		peak = math.Max(peak, vel)
	}
	if peak >= 50000 {
		t.Errorf("peak velocity %v reached the limit on a short move", peak)
	}
	if math.Abs(p.End()-1000) > 1e-6 {
		t.Errorf("End = %v, want 1000", p.End())
	}
}

func TestNegativeMove(t *testing.T) {
	p, err := PlanTrapezoidal(500, -500, 0, 10000, 50000, 50000)
	if err != nil {
		t.Fatalf("PlanTrapezoidal: %v", err)
	}

	_, vel := p.Sample(p.Duration() / 2)
	if vel >= 0 {
		t.Errorf("mid-move velocity %v not negative", vel)
	}
	if math.Abs(p.End()+500) > 1e-6 {
		t.Errorf("End = %v, want -500", p.End())
	}
}

func TestProfileMonotonicPosition(t *testing.T) {
	p, err := PlanTrapezoidal(0, 5000, 20000, 40000, 100000, 100000)
	if err != nil {
		t.Fatalf("PlanTrapezoidal: %v", err)
	}
	last := math.Inf(-1)
	for ts := 0.0; ts <= p.Duration(); ts += p.Duration() / 500 {
		pos, _ := p.Sample(ts)
		if pos < last-1e-9 {
			t.Fatalf("position regressed at t=%v: %v < %v", ts, pos, last)
		}
		last = pos
	}
}

func TestPlanRejectsBadInputs(t *testing.T) {
	if _, err := PlanTrapezoidal(0, 100, 0, 0, 100, 100); err != ErrBadLimits {
		t.Errorf("zero maxVel: err = %v", err)
	}
	if _, err := PlanTrapezoidal(0, 100, 0, 100, -1, 100); err != ErrBadLimits {
		t.Errorf("negative accel: err = %v", err)
	}
	// Moving away from the target.
	if _, err := PlanTrapezoidal(0, 100, -5000, 10000, 100000, 100000); err != ErrBadInitial {
		t.Errorf("wrong-way initial velocity: err = %v", err)
	}
	// Too fast to stop within the move.
	if _, err := PlanTrapezoidal(0, 10, 50000, 50000, 100000, 100000); err != ErrBadInitial {
		t.Errorf("overspeed initial velocity: err = %v", err)
	}
}

func homingConfig() config.HomingConfig {
	return config.HomingConfig{
		Velocity:        5000,
		MaxDistance:     100000,
		RetractDistance: 2000,
		StallCurrent:    8,
	}
}

func TestHomingSequence(t *testing.T) {
	h := NewHoming(homingConfig())
	if _, _, err := h.Step(0, 0); err != ErrHomingIdle {
		t.Fatalf("Step before Start: err = %v", err)
	}

	h.Start(0)
	pos := 0.0
	const dt = 1.0 / 20000
	wall := 40000.0

	for i := 0; i < 400000; i++ {
		var current float64
		if pos >= wall {
			pos = wall
			current = 10 // pressed against the stop
		}
		vel, done, err := h.Step(pos, current)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if done {
			if math.Abs(h.HomePosition()-wall) > 1 {
				t.Errorf("HomePosition = %v, want %v", h.HomePosition(), wall)
			}
			if math.Abs(pos-(wall-2000)) > 20 {
				t.Errorf("final position = %v, want %v", pos, wall-2000)
			}
			return
		}
		pos += vel * dt
	}
	t.Fatal("homing did not finish")
}

func TestHomingMaxDistance(t *testing.T) {
	cfg := homingConfig()
	cfg.MaxDistance = 1000
	h := NewHoming(cfg)
	h.Start(0)

	pos := 0.0
	const dt = 1.0 / 20000
	for i := 0; i < 100000; i++ {
		vel, _, err := h.Step(pos, 0) // never stalls
		if err != nil {
			if err != ErrHomingDistance {
				t.Fatalf("err = %v, want ErrHomingDistance", err)
			}
			if h.Phase() != HomingFailed {
				t.Errorf("phase = %v, want failed", h.Phase())
			}
			return
		}
		pos += vel * dt
	}
	t.Fatal("homing never hit the travel limit")
}

func TestHomingStallDebounce(t *testing.T) {
	h := NewHoming(homingConfig())
	h.Start(0)

	// A short current spike must not register as contact.
	for i := 0; i < 50; i++ {
		if _, _, err := h.Step(float64(i), 20); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if _, _, err := h.Step(50, 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if h.Phase() != HomingApproach {
		t.Errorf("phase = %v after transient spike, want approach", h.Phase())
	}
}
