package calibration

import (
	"math"
	"testing"

	"github.com/motionlayer/Tinymovr/pkg/config"
	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/foc"
)

// fakeMotor is a quasi-static PMSM stand-in. The alpha-axis current
// follows a discrete RL response and the rotor drags toward the
// commanded voltage vector angle with a first-order lag.
type fakeMotor struct {
	resistance float64
	inductance float64
	polePairs  float64
	cpr        float64
	offsetTick float64 // encoder mounting bias, ticks

	current   float64
	rotorElec float64

	frozenEncoder bool
	openPhase     bool
	noisyCurrent  bool
	deadADC       bool

	tick int
}

func defaultFakeMotor() *fakeMotor {
	return &fakeMotor{
		resistance: 0.1,
		inductance: 2e-5,
		polePairs:  7,
		cpr:        8192,
		offsetTick: 1000,
	}
}

const rotorGain = 0.05

func (m *fakeMotor) apply(cmd Command) {
	m.tick++
	if !cmd.Enable {
		m.current += (0 - m.resistance*m.current) * DT / m.inductance
		return
	}
	m.current += (cmd.VAlpha - m.resistance*m.current) * DT / m.inductance

	mag := math.Hypot(cmd.VAlpha, cmd.VBeta)
	if mag > 0.05 && !m.frozenEncoder {
		target := math.Atan2(cmd.VBeta, cmd.VAlpha)
		err := foc.WrapError(target - foc.WrapAngle(m.rotorElec))
		m.rotorElec += rotorGain * err
	}
}

func (m *fakeMotor) inputs() Inputs {
	in := Inputs{
		RawA: 2047,
		RawB: 2050,
		RawC: 2045,
		VBus: 24.0,
	}
	if m.deadADC {
		in.RawA = 100
	}

	cur := m.current
	if m.openPhase {
		cur = 0
	}
	if m.noisyCurrent {
		// Enough jitter to keep the settling detector unhappy.
		if m.tick%2 == 0 {
			cur *= 1.04
		} else {
			cur *= 0.96
		}
	}
	in.Current.A = cur

	mechTicks := m.rotorElec/m.polePairs*m.cpr/foc.TwoPi + m.offsetTick
	in.Ticks = uint16(math.Mod(math.Mod(mechTicks, m.cpr)+m.cpr, m.cpr))
	return in
}

func runSession(t *testing.T, s *Session, m *fakeMotor, maxTicks int) error {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		cmd, err := s.Step(m.inputs())
		if err != nil {
			return err
		}
		if s.Done() {
			return nil
		}
		m.apply(cmd)
	}
	t.Fatal("session did not finish within the tick budget")
	return nil
}

func TestFullSession(t *testing.T) {
	m := defaultFakeMotor()
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	if err := runSession(t, s, m, 200000); err != nil {
		t.Fatalf("session failed at stage %v: %v", s.Stage(), err)
	}

	cfg, err := s.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}

	if !cfg.Motor.Calibrated {
		t.Error("Calibrated flag not set")
	}
	if math.Abs(cfg.Motor.Resistance-m.resistance) > 0.005 {
		t.Errorf("resistance = %v, want ~%v", cfg.Motor.Resistance, m.resistance)
	}
	if math.Abs(cfg.Motor.Inductance-m.inductance) > 1e-6 {
		t.Errorf("inductance = %v, want ~%v", cfg.Motor.Inductance, m.inductance)
	}
	if cfg.Motor.PolePairs != 7 {
		t.Errorf("pole pairs = %d, want 7", cfg.Motor.PolePairs)
	}
	// After the pole-pair sweep the rotor can lock at any of the
	// polePairs electrically equivalent positions, so the offset is
	// only defined modulo cpr/polePairs ticks.
	lockSpacing := m.cpr / m.polePairs
	residual := math.Mod(cfg.Encoder.AngleOffset-m.offsetTick, lockSpacing)
	if residual < 0 {
		residual += lockSpacing
	}
	if math.Min(residual, lockSpacing-residual) > 2 {
		t.Errorf("angle offset = %v, want ~%v modulo %v ticks",
			cfg.Encoder.AngleOffset, m.offsetTick, lockSpacing)
	}
	if math.Abs(cfg.Adc.OffsetA-2047) > 0.5 || math.Abs(cfg.Adc.OffsetB-2050) > 0.5 {
		t.Errorf("adc offsets = %v/%v", cfg.Adc.OffsetA, cfg.Adc.OffsetB)
	}

	// An ideal encoder leaves only the constant sweep lag in the
	// table: small and nearly flat.
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range cfg.Encoder.Eccentricity {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if math.Abs(min) > 20 || math.Abs(max) > 20 {
		t.Errorf("eccentricity table out of range: [%v, %v]", min, max)
	}
	if max-min > 3 {
		t.Errorf("eccentricity table spread %v too large for ideal encoder", max-min)
	}
}

func TestStageOrder(t *testing.T) {
	s := NewSession(config.Default(), config.DefaultBoardProfile())
	if s.Stage() != StageAdcOffset {
		t.Errorf("initial stage = %v, want adc_offset", s.Stage())
	}
	m := defaultFakeMotor()

	seen := map[Stage]bool{}
	for i := 0; i < 200000 && !s.Done(); i++ {
		seen[s.Stage()] = true
		cmd, err := s.Step(m.inputs())
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		m.apply(cmd)
	}
	for _, st := range []Stage{StageAdcOffset, StageResistance, StageInductance, StagePolePairs, StageEccentricity} {
		if !seen[st] {
			t.Errorf("stage %v never ran", st)
		}
	}
}

func TestDeadADCFailsOffsetStage(t *testing.T) {
	m := defaultFakeMotor()
	m.deadADC = true
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	err := runSession(t, s, m, 10000)
	if !coreerrors.Is(err, coreerrors.CodeCalOutOfRange) {
		t.Fatalf("err = %v, want CAL_OUT_OF_RANGE", err)
	}
	if _, rerr := s.Result(); rerr == nil {
		t.Error("Result succeeded after failed session")
	}
}

func TestOpenPhaseHitsVoltageCeiling(t *testing.T) {
	m := defaultFakeMotor()
	m.openPhase = true
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	err := runSession(t, s, m, 50000)
	if !coreerrors.Is(err, coreerrors.CodeCalOutOfRange) {
		t.Fatalf("err = %v, want CAL_OUT_OF_RANGE", err)
	}

	// The failure is latched.
	if _, err := s.Step(m.inputs()); !coreerrors.Is(err, coreerrors.CodeCalOutOfRange) {
		t.Error("failure not latched across Steps")
	}
}

func TestNoisyCurrentMissesDeadline(t *testing.T) {
	m := defaultFakeMotor()
	m.noisyCurrent = true
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	err := runSession(t, s, m, 100000)
	if !coreerrors.Is(err, coreerrors.CodeCalDeadline) {
		t.Fatalf("err = %v, want CAL_DEADLINE", err)
	}
}

func TestFrozenEncoderFailsPolePairs(t *testing.T) {
	m := defaultFakeMotor()
	m.frozenEncoder = true
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	err := runSession(t, s, m, 100000)
	if !coreerrors.Is(err, coreerrors.CodeCalOutOfRange) {
		t.Fatalf("err = %v, want CAL_OUT_OF_RANGE", err)
	}
	if s.Stage() != StagePolePairs {
		t.Errorf("failed at stage %v, want pole_pairs", s.Stage())
	}
}

func TestAbort(t *testing.T) {
	m := defaultFakeMotor()
	s := NewSession(config.Default(), config.DefaultBoardProfile())

	for i := 0; i < 100; i++ {
		cmd, err := s.Step(m.inputs())
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		m.apply(cmd)
	}
	s.Abort()

	if _, err := s.Step(m.inputs()); !coreerrors.Is(err, coreerrors.CodeCalAborted) {
		t.Errorf("Step after abort = %v, want CAL_ABORTED", err)
	}
	if _, err := s.Result(); !coreerrors.Is(err, coreerrors.CodeCalAborted) {
		t.Errorf("Result after abort = %v, want CAL_ABORTED", err)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	s := NewSession(config.Default(), config.DefaultBoardProfile())
	if _, err := s.Result(); err == nil {
		t.Error("Result succeeded on a running session")
	}
}
