// Calibration stage implementations.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"math"

	"github.com/motionlayer/Tinymovr/pkg/config"
	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/foc"
)

// ADC offset stage. Gates stay off; the zero-current readings of all
// three shunts are averaged into the sense calibration.
type adcOffsetRunner struct {
	n                float64
	sumA, sumB, sumC float64
}

const (
	adcOffsetSettle  = 200
	adcOffsetSamples = 2000

	// 12-bit sense ADCs idle near mid-scale; anything far outside
	// means a dead shunt amplifier.
	adcOffsetMin = 1200
	adcOffsetMax = 2900
)

func newAdcOffsetRunner() *adcOffsetRunner { return &adcOffsetRunner{} }

func (r *adcOffsetRunner) stage() Stage          { return StageAdcOffset }
func (r *adcOffsetRunner) settle() int           { return adcOffsetSettle }
func (r *adcOffsetRunner) deadline(*Session) int { return adcOffsetSamples + 10 }

func (r *adcOffsetRunner) step(_ *Session, in Inputs, settling bool) (Command, bool) {
	if !settling {
		r.sumA += float64(in.RawA)
		r.sumB += float64(in.RawB)
		r.sumC += float64(in.RawC)
		r.n++
	}
	return Command{}, r.n >= adcOffsetSamples
}

func (r *adcOffsetRunner) finish(s *Session) error {
	offA := r.sumA / r.n
	offB := r.sumB / r.n
	offC := r.sumC / r.n
	for _, off := range []float64{offA, offB, offC} {
		if off < adcOffsetMin || off > adcOffsetMax {
			return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
				"adc offset %.0f outside [%d, %d]", off, adcOffsetMin, adcOffsetMax)
		}
	}
	s.staged.Adc.OffsetA = offA
	s.staged.Adc.OffsetB = offB
	s.staged.Adc.OffsetC = offC
	return nil
}

// Resistance stage. A DC voltage on the alpha axis is ramped by an
// integrating controller until the phase current holds at the
// calibration current, then R = V / I.
type resistanceRunner struct {
	v        float64
	hold     int
	overVolt bool
}

const (
	resistanceDeadline = 2 * TickRate
	resistanceRampGain = 0.0005 // volts per amp of error per tick
	resistanceHold     = 1000   // consecutive in-band ticks
	resistanceBand     = 0.02   // fraction of the target current
)

func newResistanceRunner() *resistanceRunner { return &resistanceRunner{} }

func (r *resistanceRunner) stage() Stage          { return StageResistance }
func (r *resistanceRunner) settle() int           { return 0 }
func (r *resistanceRunner) deadline(*Session) int { return resistanceDeadline }

func (r *resistanceRunner) step(s *Session, in Inputs, _ bool) (Command, bool) {
	target := s.profile.CalCurrent
	r.v += resistanceRampGain * (target - in.Current.A)
	if r.v < 0 {
		r.v = 0
	}
	if r.v >= s.profile.CalVoltageMax {
		r.v = s.profile.CalVoltageMax
		r.overVolt = true
		return Command{VAlpha: r.v, Enable: true}, true
	}
	if math.Abs(in.Current.A-target) <= resistanceBand*target {
		r.hold++
	} else {
		r.hold = 0
	}
	return Command{VAlpha: r.v, Enable: true}, r.hold >= resistanceHold
}

func (r *resistanceRunner) finish(s *Session) error {
	if r.overVolt {
		return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
			"voltage ceiling %.2fV reached before current target %.1fA",
			s.profile.CalVoltageMax, s.profile.CalCurrent)
	}
	res := r.v / s.profile.CalCurrent
	if res < s.profile.ResistanceMin || res > s.profile.ResistanceMax {
		return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
			"resistance %.4f outside [%.4f, %.4f]",
			res, s.profile.ResistanceMin, s.profile.ResistanceMax)
	}
	s.staged.Motor.Resistance = res
	return nil
}

// Inductance stage. The alpha-axis voltage alternates sign every tick
// and the per-tick current slew gives L = (V - R*I) * dt / dI, using
// the resistance measured by the previous stage.
type inductanceRunner struct {
	sign  float64
	prevV float64
	prevI float64
	have  bool
	sum   float64
	n     float64
}

const (
	inductanceSettle   = 200
	inductanceSamples  = 4000
	inductanceDeadline = 8000
	inductanceMinSlew  = 1e-4 // amps, below this the sample is discarded
)

func newInductanceRunner() *inductanceRunner { return &inductanceRunner{sign: 1} }

func (r *inductanceRunner) stage() Stage          { return StageInductance }
func (r *inductanceRunner) settle() int           { return inductanceSettle }
func (r *inductanceRunner) deadline(*Session) int { return inductanceDeadline }

func (r *inductanceRunner) step(s *Session, in Inputs, settling bool) (Command, bool) {
	amp := s.profile.CalVoltageMax / 2
	if amp > 1.0 {
		amp = 1.0
	}

	if r.have && !settling {
		di := in.Current.A - r.prevI
		if math.Abs(di) > inductanceMinSlew {
			est := (r.prevV - s.staged.Motor.Resistance*r.prevI) * DT / di
			if est > 0 {
				r.sum += est
				r.n++
			}
		}
	}

	v := amp * r.sign
	r.prevV = v
	r.prevI = in.Current.A
	r.have = true
	r.sign = -r.sign
	return Command{VAlpha: v, Enable: true}, r.n >= inductanceSamples
}

func (r *inductanceRunner) finish(s *Session) error {
	ind := r.sum / r.n
	if ind < s.profile.InductanceMin || ind > s.profile.InductanceMax {
		return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
			"inductance %.2e outside [%.2e, %.2e]",
			ind, s.profile.InductanceMin, s.profile.InductanceMax)
	}
	s.staged.Motor.Inductance = ind
	return nil
}

// Pole pair stage. The voltage vector locks the rotor at electrical
// zero during settle, then rotates open loop through a fixed electrical
// angle while the mechanical angle is tracked through the encoder; the
// ratio gives the pole pair count.
type polePairsRunner struct {
	theta     float64
	lastTicks uint16
	mechTicks float64
	tracking  bool
}

const (
	polePairsSettle    = 2000
	polePairsDeadline  = 2 * TickRate
	polePairsElecTotal = 8 * math.Pi // four electrical revolutions
	polePairsStep      = 0.001       // electrical rad per tick
	polePairsMax       = 24
	polePairsTolerance = 0.15
)

func newPolePairsRunner() *polePairsRunner { return &polePairsRunner{} }

func (r *polePairsRunner) stage() Stage          { return StagePolePairs }
func (r *polePairsRunner) settle() int           { return polePairsSettle }
func (r *polePairsRunner) deadline(*Session) int { return polePairsDeadline }

// holdVoltage is enough to drive the calibration current through the
// measured resistance, with a floor for very low resistance motors.
func holdVoltage(s *Session) float64 {
	v := 1.2 * s.staged.Motor.Resistance * s.profile.CalCurrent
	if v < 0.2 {
		v = 0.2
	}
	if v > s.profile.CalVoltageMax {
		v = s.profile.CalVoltageMax
	}
	return v
}

func (r *polePairsRunner) step(s *Session, in Inputs, settling bool) (Command, bool) {
	v := holdVoltage(s)

	if settling {
		// Lock the rotor at electrical zero.
		return Command{VAlpha: v, Enable: true}, false
	}

	if !r.tracking {
		r.tracking = true
		r.lastTicks = in.Ticks
	} else {
		r.mechTicks += wrapTickDelta(in.Ticks, r.lastTicks, int(s.staged.Encoder.CPR))
		r.lastTicks = in.Ticks
	}

	r.theta += polePairsStep
	sin, cos := math.Sincos(r.theta)
	return Command{VAlpha: v * cos, VBeta: v * sin, Enable: true}, r.theta >= polePairsElecTotal
}

func (r *polePairsRunner) finish(s *Session) error {
	mech := math.Abs(r.mechTicks) * foc.TwoPi / float64(s.staged.Encoder.CPR)
	if mech < 0.1 {
		return coreerrors.New(coreerrors.CodeCalOutOfRange, "rotor did not move during pole pair sweep")
	}
	ratio := polePairsElecTotal / mech
	pairs := math.Round(ratio)
	if pairs < 1 || pairs > polePairsMax || math.Abs(ratio-pairs) > polePairsTolerance {
		return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
			"electrical/mechanical ratio %.3f does not resolve to a pole pair count", ratio)
	}
	s.staged.Motor.PolePairs = uint8(pairs)
	if r.mechTicks < 0 {
		s.direction = -1
	} else {
		s.direction = 1
	}
	return nil
}

// Eccentricity stage. One full mechanical revolution is swept open
// loop; the difference between the commanded and the measured encoder
// angle is averaged into a fixed-size table indexed by encoder
// position, and the settle position becomes the electrical zero offset.
type eccentricityRunner struct {
	theta     float64
	lockTicks float64
	lastTicks uint16
	unwrapped float64
	tracking  bool
	sums      [config.EccentricityTableSize]float64
	counts    [config.EccentricityTableSize]float64
}

const (
	eccentricitySettle = 2000
	eccentricityStep   = 0.002 // electrical rad per tick
)

func newEccentricityRunner() *eccentricityRunner { return &eccentricityRunner{} }

func (r *eccentricityRunner) stage() Stage { return StageEccentricity }
func (r *eccentricityRunner) settle() int  { return eccentricitySettle }

func (r *eccentricityRunner) deadline(s *Session) int {
	// One mechanical revolution at the sweep rate, plus slack.
	return int(r.elecTotal(s)/eccentricityStep) + 2000
}

func (r *eccentricityRunner) elecTotal(s *Session) float64 {
	return float64(s.staged.Motor.PolePairs) * foc.TwoPi
}

func (r *eccentricityRunner) step(s *Session, in Inputs, settling bool) (Command, bool) {
	v := holdVoltage(s)

	if settling {
		return Command{VAlpha: v, Enable: true}, false
	}

	cpr := float64(s.staged.Encoder.CPR)
	if !r.tracking {
		r.tracking = true
		r.lockTicks = float64(in.Ticks)
		r.lastTicks = in.Ticks
		r.unwrapped = r.lockTicks
	} else {
		r.unwrapped += wrapTickDelta(in.Ticks, r.lastTicks, int(s.staged.Encoder.CPR))
		r.lastTicks = in.Ticks

		expected := r.lockTicks + s.direction*r.theta/float64(s.staged.Motor.PolePairs)*cpr/foc.TwoPi
		bin := int(math.Mod(float64(in.Ticks), cpr) / cpr * config.EccentricityTableSize)
		if bin >= 0 && bin < config.EccentricityTableSize {
			r.sums[bin] += r.unwrapped - expected
			r.counts[bin]++
		}
	}

	r.theta += eccentricityStep
	angle := s.direction * r.theta
	sin, cos := math.Sincos(angle)
	return Command{VAlpha: v * cos, VBeta: v * sin, Enable: true}, r.theta >= r.elecTotal(s)
}

func (r *eccentricityRunner) finish(s *Session) error {
	cpr := float64(s.staged.Encoder.CPR)
	var table [config.EccentricityTableSize]float64
	for i := range table {
		if r.counts[i] == 0 {
			continue
		}
		table[i] = r.sums[i] / r.counts[i]
		if math.Abs(table[i]) > cpr/16 {
			return coreerrors.Newf(coreerrors.CodeCalOutOfRange,
				"eccentricity of %.0f ticks at bin %d exceeds plausible runout", table[i], i)
		}
	}
	s.staged.Encoder.Eccentricity = table
	s.staged.Encoder.AngleOffset = r.lockTicks
	return nil
}

// wrapTickDelta returns the signed shortest tick distance from prev to
// cur on a cpr-count circle.
func wrapTickDelta(cur, prev uint16, cpr int) float64 {
	d := int(cur) - int(prev)
	if d > cpr/2 {
		d -= cpr
	} else if d < -cpr/2 {
		d += cpr
	}
	return float64(d)
}
