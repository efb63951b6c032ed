// Package sim provides a discrete-time PMSM plant that satisfies the
// hardware interfaces of the control core. The daemon runs against it
// when no real hardware is attached, and the integration tests use it
// as the closed-loop plant.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"errors"
	"math"

	"github.com/motionlayer/Tinymovr/pkg/foc"
)

// ErrEncoderFault is returned by ReadTicks when the fault hook is set.
var ErrEncoderFault = errors.New("sim: encoder fault injected")

// MotorParams describes the simulated machine and its sensors.
type MotorParams struct {
	Resistance  float64 // ohms, per phase
	Inductance  float64 // henries
	FluxLinkage float64 // weber
	PolePairs   int
	Inertia     float64 // kg m^2
	Damping     float64 // N m s / rad
	LoadTorque  float64 // N m, constant opposing load

	CPR           int
	EncoderOffset float64 // ticks

	VBus float64 // volts
	DT   float64 // seconds per Step

	// ADC model, mirrored by the default sense calibration.
	AdcMid    float64 // counts at zero current
	PhaseGain float64 // amps per count
	BusGain   float64 // volts per count
}

// DefaultMotorParams models a small gimbal-class outrunner on a 24 V
// bus, sampled at the 20 kHz tick.
func DefaultMotorParams() MotorParams {
	return MotorParams{
		Resistance:  0.1,
		Inductance:  2e-5,
		FluxLinkage: 0.01,
		PolePairs:   7,
		Inertia:     1e-4,
		Damping:     1e-5,
		CPR:         8192,
		VBus:        24.0,
		DT:          50e-6,
		AdcMid:      2048,
		PhaseGain:   0.02,
		BusGain:     0.01,
	}
}

// Plant is the simulated motor, inverter and sensor set. It implements
// the control core's ADC, encoder and PWM interfaces. Advance the
// physics with Step once per control tick, after the tick's outputs
// have been applied.
type Plant struct {
	p MotorParams

	id, iq float64 // dq currents, amps
	theta  float64 // mechanical angle, rad, unwrapped
	omega  float64 // mechanical velocity, rad/s

	duties  foc.Duties
	enabled bool

	// Test hooks.
	EncoderFault  bool
	InjectCurrent float64 // amps added to the phase A reading
	BusOverride   float64 // volts, nonzero replaces VBus

	// WallTicks is a hard stop the rotor cannot pass in the
	// positive direction, used by the homing tests.
	WallEnabled bool
	WallTicks   float64
}

// NewPlant creates a plant at rest.
func NewPlant(p MotorParams) *Plant {
	if p.DT <= 0 {
		p.DT = 50e-6
	}
	return &Plant{p: p}
}

// Apply implements the PWM output.
func (pl *Plant) Apply(d foc.Duties) {
	pl.duties = d
	pl.enabled = true
}

// Off implements the PWM output.
func (pl *Plant) Off() {
	pl.enabled = false
}

// Enabled reports whether the gates are on.
func (pl *Plant) Enabled() bool { return pl.enabled }

// Step advances the physics by one DT.
func (pl *Plant) Step() {
	p := pl.p

	var vd, vq float64
	if pl.enabled {
		vbus := pl.busVoltage()
		va := pl.duties.A * vbus
		vb := pl.duties.B * vbus
		vc := pl.duties.C * vbus
		vn := (va + vb + vc) / 3
		va, vb, vc = va-vn, vb-vn, vc-vn

		valpha := va
		vbeta := (vb - vc) / math.Sqrt(3)
		vd, vq = foc.Park(valpha, vbeta, pl.elecAngle())
	}

	we := float64(p.PolePairs) * pl.omega
	did := (vd - p.Resistance*pl.id + we*p.Inductance*pl.iq) * p.DT / p.Inductance
	diq := (vq - p.Resistance*pl.iq - we*p.Inductance*pl.id - p.FluxLinkage*we) * p.DT / p.Inductance
	pl.id += did
	pl.iq += diq

	torque := 1.5 * float64(p.PolePairs) * p.FluxLinkage * pl.iq
	torque -= p.LoadTorque + p.Damping*pl.omega
	pl.omega += torque / p.Inertia * p.DT
	pl.theta += pl.omega * p.DT

	if pl.WallEnabled {
		wall := (pl.WallTicks - p.EncoderOffset) / float64(p.CPR) * foc.TwoPi
		if pl.theta > wall {
			pl.theta = wall
			if pl.omega > 0 {
				pl.omega = 0
			}
		}
	}
}

func (pl *Plant) elecAngle() float64 {
	return foc.WrapAngle(float64(pl.p.PolePairs) * pl.theta)
}

func (pl *Plant) busVoltage() float64 {
	if pl.BusOverride != 0 {
		return pl.BusOverride
	}
	return pl.p.VBus
}

// phaseCurrents reconstructs the three phase currents from the dq
// state.
func (pl *Plant) phaseCurrents() (ia, ib, ic float64) {
	ialpha, ibeta := foc.InvPark(pl.id, pl.iq, pl.elecAngle())
	ia = ialpha
	ib = (-ialpha + math.Sqrt(3)*ibeta) / 2
	ic = -ia - ib
	return ia, ib, ic
}

// ReadPhaseRaw implements the sense ADC.
func (pl *Plant) ReadPhaseRaw() (uint16, uint16, uint16, error) {
	ia, ib, ic := pl.phaseCurrents()
	ia += pl.InjectCurrent
	return pl.rawCount(ia), pl.rawCount(ib), pl.rawCount(ic), nil
}

// ReadBusRaw implements the sense ADC.
func (pl *Plant) ReadBusRaw() (uint16, error) {
	return uint16(pl.busVoltage() / pl.p.BusGain), nil
}

func (pl *Plant) rawCount(amps float64) uint16 {
	c := pl.p.AdcMid + amps/pl.p.PhaseGain
	if c < 0 {
		c = 0
	} else if c > 4095 {
		c = 4095
	}
	return uint16(c)
}

// ReadTicks implements the encoder.
func (pl *Plant) ReadTicks() (uint16, error) {
	if pl.EncoderFault {
		return 0, ErrEncoderFault
	}
	cpr := float64(pl.p.CPR)
	t := math.Mod(pl.theta/foc.TwoPi*cpr+pl.p.EncoderOffset, cpr)
	if t < 0 {
		t += cpr
	}
	return uint16(t), nil
}

// CPR implements the encoder.
func (pl *Plant) CPR() int { return pl.p.CPR }

// PositionTicks returns the true unwrapped mechanical position in
// encoder ticks, offset included.
func (pl *Plant) PositionTicks() float64 {
	return pl.theta/foc.TwoPi*float64(pl.p.CPR) + pl.p.EncoderOffset
}

// VelocityTicks returns the true mechanical velocity in ticks/s.
func (pl *Plant) VelocityTicks() float64 {
	return pl.omega / foc.TwoPi * float64(pl.p.CPR)
}

// Iq returns the true q-axis current.
func (pl *Plant) Iq() float64 { return pl.iq }
