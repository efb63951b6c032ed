// Package sensing converts raw ADC samples into calibrated phase
// currents and bus voltage, and derives the electrical error flags the
// state machine consumes.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensing

import "errors"

// Sensing errors
var (
	ErrADCFault = errors.New("sensing: adc read fault")
)

// ADC is the raw sample source. Values are already latched by the
// conversion hardware; reads never block.
type ADC interface {
	// ReadPhaseRaw returns the three raw phase current samples.
	ReadPhaseRaw() (a, b, c uint16, err error)

	// ReadBusRaw returns the raw bus voltage sample.
	ReadBusRaw() (uint16, error)
}

// Calibration holds per-channel ADC offset and gain. Offsets are in
// raw counts (measured with zero excitation); gains convert counts to
// amps or volts.
type Calibration struct {
	OffsetA float64
	OffsetB float64
	OffsetC float64

	// PhaseGain converts offset-corrected counts to amps.
	PhaseGain float64

	// BusGain converts raw counts to volts.
	BusGain float64
}

// DefaultCalibration returns the nominal shunt/divider scaling for an
// uncalibrated board: mid-scale offsets on a 12-bit converter.
func DefaultCalibration() Calibration {
	return Calibration{
		OffsetA:   2048,
		OffsetB:   2048,
		OffsetC:   2048,
		PhaseGain: 0.02, // amps per count
		BusGain:   0.01, // volts per count
	}
}

// Currents holds the calibrated phase currents in amps.
type Currents struct {
	A float64
	B float64
	C float64
}

// Limits holds the electrical trip thresholds, injected from the board
// profile rather than hard coded.
type Limits struct {
	// IPhaseMax is the per-phase overcurrent trip level in amps.
	IPhaseMax float64

	// VBusMin is the undervoltage trip level in volts.
	VBusMin float64

	// VBusMax is the overvoltage trip level in volts.
	VBusMax float64
}

// Fault identifies which electrical limit a sample violated.
type Fault int

const (
	FaultNone Fault = iota
	FaultOvercurrent
	FaultUndervoltage
	FaultOvervoltage
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOvercurrent:
		return "overcurrent"
	case FaultUndervoltage:
		return "undervoltage"
	case FaultOvervoltage:
		return "overvoltage"
	default:
		return "unknown"
	}
}

// Sensor converts raw samples and checks limits.
type Sensor struct {
	cal Calibration
}

// New creates a sensor with the given calibration.
func New(cal Calibration) *Sensor {
	return &Sensor{cal: cal}
}

// Recalibrate replaces the calibration, e.g. after the ADC offset
// calibration stage.
func (s *Sensor) Recalibrate(cal Calibration) {
	s.cal = cal
}

// Calibration returns the active calibration.
func (s *Sensor) Calibration() Calibration {
	return s.cal
}

// Sample reads and converts one set of phase currents and the bus
// voltage.
func (s *Sensor) Sample(adc ADC) (Currents, float64, error) {
	ra, rb, rc, err := adc.ReadPhaseRaw()
	if err != nil {
		return Currents{}, 0, ErrADCFault
	}
	rv, err := adc.ReadBusRaw()
	if err != nil {
		return Currents{}, 0, ErrADCFault
	}

	cur := Currents{
		A: (float64(ra) - s.cal.OffsetA) * s.cal.PhaseGain,
		B: (float64(rb) - s.cal.OffsetB) * s.cal.PhaseGain,
		C: (float64(rc) - s.cal.OffsetC) * s.cal.PhaseGain,
	}
	vbus := float64(rv) * s.cal.BusGain
	return cur, vbus, nil
}

// Check tests a converted sample against the injected limits.
func Check(cur Currents, vbus float64, lim Limits) Fault {
	if abs(cur.A) > lim.IPhaseMax || abs(cur.B) > lim.IPhaseMax || abs(cur.C) > lim.IPhaseMax {
		return FaultOvercurrent
	}
	if vbus < lim.VBusMin {
		return FaultUndervoltage
	}
	if vbus > lim.VBusMax {
		return FaultOvervoltage
	}
	return FaultNone
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
