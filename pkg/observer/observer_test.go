package observer

import (
	"errors"
	"math"
	"testing"
)

// fakeEncoder replays a programmable angle trajectory.
type fakeEncoder struct {
	cpr   int
	angle float64 // true mechanical position in ticks
	fail  bool
}

func (e *fakeEncoder) ReadTicks() (uint16, error) {
	if e.fail {
		return 0, errors.New("spi timeout")
	}
	t := math.Mod(e.angle, float64(e.cpr))
	if t < 0 {
		t += float64(e.cpr)
	}
	return uint16(t), nil
}

func (e *fakeEncoder) CPR() int { return e.cpr }

func TestObserverTracksConstantVelocity(t *testing.T) {
	cfg := DefaultConfig()
	obs := New(cfg)
	enc := &fakeEncoder{cpr: 8192}

	const velTicks = 100000.0 // ticks/s
	for i := 0; i < 20000; i++ {
		enc.angle += velTicks * cfg.DT
		if err := obs.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	if got := obs.Velocity(); math.Abs(got-velTicks) > velTicks*0.02 {
		t.Errorf("velocity estimate %f, want ~%f", got, velTicks)
	}
}

// Offsets one lock spacing (cpr/polePairs ticks) apart reference the
// same electrical zero: the pole-pair multiply wraps modulo 2 pi, so
// calibration may land on any of the equivalent rotor lock positions.
func TestElectricalAngleOffsetEquivalence(t *testing.T) {
	const cpr = 8192
	cfg := DefaultConfig()
	cfg.PolePairs = 7
	cfg.AngleOffset = 1000

	shifted := cfg
	shifted.AngleOffset = cfg.AngleOffset + 4*float64(cpr)/7

	a := New(cfg)
	b := New(shifted)
	enc := &fakeEncoder{cpr: cpr, angle: 3000}
	for i := 0; i < 2000; i++ {
		if err := a.Update(enc); err != nil {
			t.Fatal(err)
		}
		if err := b.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	diff := math.Abs(a.ElectricalAngle(cpr) - b.ElectricalAngle(cpr))
	if diff > math.Pi {
		diff = 2*math.Pi - diff
	}
	if diff > 1e-6 {
		t.Errorf("electrical angles differ by %v rad across equivalent offsets", diff)
	}
}

func TestObserverStationary(t *testing.T) {
	obs := New(DefaultConfig())
	enc := &fakeEncoder{cpr: 8192, angle: 1234}

	for i := 0; i < 5000; i++ {
		if err := obs.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	if got := math.Mod(obs.Position(), 8192); math.Abs(got-1234) > 1 {
		t.Errorf("position estimate %f, want ~1234", got)
	}
	if got := obs.Velocity(); math.Abs(got) > 10 {
		t.Errorf("velocity estimate %f, want ~0", got)
	}
}

func TestObserverWrapAround(t *testing.T) {
	cfg := DefaultConfig()
	obs := New(cfg)
	enc := &fakeEncoder{cpr: 4096, angle: 4090}

	// Cross the encoder zero slowly; the estimate must not jump by a
	// revolution.
	for i := 0; i < 3000; i++ {
		enc.angle += 0.05
		if err := obs.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	moved := obs.Position() - 4090
	if moved < 0 || moved > 200 {
		t.Errorf("position moved %f ticks across wrap, want ~150", moved)
	}
}

func TestObserverSensorFault(t *testing.T) {
	obs := New(DefaultConfig())
	enc := &fakeEncoder{cpr: 8192}

	if err := obs.Update(enc); err != nil {
		t.Fatal(err)
	}
	enc.fail = true
	if err := obs.Update(enc); err != ErrSensorFault {
		t.Errorf("expected ErrSensorFault, got %v", err)
	}
}

func TestElectricalAngle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PolePairs = 7
	cfg.AngleOffset = 0
	obs := New(cfg)
	enc := &fakeEncoder{cpr: 8192, angle: 8192.0 / 14} // half an electrical rev

	for i := 0; i < 3000; i++ {
		if err := obs.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	got := obs.ElectricalAngle(8192)
	if math.Abs(got-math.Pi) > 0.05 {
		t.Errorf("electrical angle %f, want ~pi", got)
	}
}

func TestEccentricityCompensation(t *testing.T) {
	cfg := DefaultConfig()
	for i := range cfg.Eccentricity {
		cfg.Eccentricity[i] = 50 // constant bias
	}
	obs := New(cfg)
	enc := &fakeEncoder{cpr: 8192, angle: 1000}

	for i := 0; i < 3000; i++ {
		if err := obs.Update(enc); err != nil {
			t.Fatal(err)
		}
	}

	if got := math.Mod(obs.Position(), 8192); math.Abs(got-1050) > 1 {
		t.Errorf("compensated position %f, want ~1050", got)
	}
}

func TestResetDiscardsState(t *testing.T) {
	obs := New(DefaultConfig())
	enc := &fakeEncoder{cpr: 8192, angle: 500}

	if err := obs.Update(enc); err != nil {
		t.Fatal(err)
	}
	if !obs.Ready() {
		t.Fatal("observer not ready after update")
	}
	obs.Reset()
	if obs.Ready() || obs.Position() != 0 || obs.Velocity() != 0 {
		t.Error("reset did not clear state")
	}
}
