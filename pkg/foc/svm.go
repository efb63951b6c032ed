// Space vector modulation for a two-level three-phase inverter.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package foc

import (
	"errors"
	"math"
)

// Modulation errors
var (
	ErrNonFiniteVector = errors.New("foc: non-finite voltage vector")
)

// PWMAlignment selects how the three duty cycles are placed within the
// PWM period.
type PWMAlignment int

const (
	// AlignSymmetric produces center-aligned duty cycles (default).
	AlignSymmetric PWMAlignment = iota

	// AlignEdge produces edge-aligned duty cycles starting at zero.
	AlignEdge
)

func (a PWMAlignment) String() string {
	switch a {
	case AlignSymmetric:
		return "symmetric"
	case AlignEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// Duties holds the three per-phase PWM duty cycles, each in [0, 1].
type Duties struct {
	A float64
	B float64
	C float64
}

// ZeroDuties is the output applied whenever the device is idle: all
// three phases at the midpoint, producing zero line-to-line voltage.
var ZeroDuties = Duties{A: 0.5, B: 0.5, C: 0.5}

// OffDuties disables all three phases outright.
var OffDuties = Duties{}

// Modulator maps a stationary-frame voltage vector to three PWM duty
// cycles using the standard six-sector space vector algorithm.
type Modulator struct {
	Alignment PWMAlignment
}

// Modulate converts the alpha/beta voltage vector (volts) to duty
// cycles given the current bus voltage. The vector magnitude is limited
// to the linear modulation region; the duty cycles never exceed [0, 1].
// Returns the sector (1..6) the vector fell into.
func (m *Modulator) Modulate(valpha, vbeta, vbus float64) (Duties, int, error) {
	if !Finite(valpha, vbeta, vbus) {
		return ZeroDuties, 0, ErrNonFiniteVector
	}
	if vbus <= 0 {
		return ZeroDuties, 0, nil
	}

	// Normalize to the DC bus. Limit to the inscribed circle of the
	// hexagon so the result stays in the linear region.
	ma := valpha / vbus
	mb := vbeta / vbus
	mag := math.Hypot(ma, mb)
	if limit := oneBySqrt3; mag > limit {
		scale := limit / mag
		ma *= scale
		mb *= scale
	}

	sector := sectorOf(ma, mb)

	// Active vector on-times for the two adjacent base vectors,
	// normalized to the PWM period.
	var t1, t2 float64
	switch sector {
	case 1:
		t1 = ma - oneBySqrt3*mb
		t2 = twoBySqrt3 * mb
	case 2:
		t1 = ma + oneBySqrt3*mb
		t2 = -ma + oneBySqrt3*mb
	case 3:
		t1 = twoBySqrt3 * mb
		t2 = -ma - oneBySqrt3*mb
	case 4:
		t1 = -ma + oneBySqrt3*mb
		t2 = -twoBySqrt3 * mb
	case 5:
		t1 = -ma - oneBySqrt3*mb
		t2 = ma - oneBySqrt3*mb
	default: // 6
		t1 = -twoBySqrt3 * mb
		t2 = ma + oneBySqrt3*mb
	}

	// The reference is amplitude invariant; scale the on-times so the
	// averaged inverter output reproduces the commanded vector.
	t1 *= 1.5
	t2 *= 1.5

	t0 := 1 - t1 - t2
	if t0 < 0 {
		t0 = 0
	}

	// Phase on-times in sector order; tA leads in sector 1.
	var tA, tB, tC float64
	switch m.Alignment {
	case AlignEdge:
		tA, tB, tC = edgeTimes(sector, t1, t2)
	default:
		tA, tB, tC = symmetricTimes(sector, t1, t2, t0)
	}

	d := Duties{A: clampDuty(tA), B: clampDuty(tB), C: clampDuty(tC)}
	return d, sector, nil
}

// sectorOf determines which of the six 60-degree sectors the normalized
// vector lies in.
func sectorOf(ma, mb float64) int {
	theta := WrapAngle(math.Atan2(mb, ma))
	s := int(theta/(math.Pi/3)) + 1
	if s > 6 {
		s = 6
	}
	return s
}

// symmetricTimes produces center-aligned switch times: the null vector
// is split evenly between the start and end of the period.
func symmetricTimes(sector int, t1, t2, t0 float64) (tA, tB, tC float64) {
	half := t0 / 2
	lo := half
	mid1 := half + t1
	mid2 := half + t2
	hi := half + t1 + t2

	switch sector {
	case 1:
		return hi, mid2, lo
	case 2:
		return mid1, hi, lo
	case 3:
		return lo, hi, mid2
	case 4:
		return lo, mid1, hi
	case 5:
		return mid2, lo, hi
	default:
		return hi, lo, mid1
	}
}

// edgeTimes produces edge-aligned switch times: active vectors first,
// null vector at the end of the period.
func edgeTimes(sector int, t1, t2 float64) (tA, tB, tC float64) {
	hi := t1 + t2
	switch sector {
	case 1:
		return hi, t2, 0
	case 2:
		return t1, hi, 0
	case 3:
		return 0, hi, t2
	case 4:
		return 0, t1, hi
	case 5:
		return t2, 0, hi
	default:
		return hi, 0, t1
	}
}

func clampDuty(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
