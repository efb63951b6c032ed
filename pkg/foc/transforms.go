// Reference frame transforms for field-oriented control.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package foc

import "math"

const (
	// TwoPi is one full electrical or mechanical revolution in radians.
	TwoPi = 2 * math.Pi

	oneBySqrt3 = 0.57735026918962576451
	twoBySqrt3 = 2 * oneBySqrt3
)

// Clarke converts three balanced phase currents to the stationary
// alpha/beta frame (amplitude-invariant form).
func Clarke(ia, ib, ic float64) (alpha, beta float64) {
	alpha = ia
	beta = (ia + 2*ib) * oneBySqrt3
	return alpha, beta
}

// Park rotates a stationary alpha/beta vector into the d/q frame at
// electrical angle theta.
func Park(alpha, beta, theta float64) (d, q float64) {
	s, c := math.Sincos(theta)
	d = alpha*c + beta*s
	q = -alpha*s + beta*c
	return d, q
}

// InvPark rotates a d/q vector back into the stationary alpha/beta frame.
func InvPark(d, q, theta float64) (alpha, beta float64) {
	s, c := math.Sincos(theta)
	alpha = d*c - q*s
	beta = d*s + q*c
	return alpha, beta
}

// WrapAngle normalizes an angle to [0, 2*pi).
func WrapAngle(theta float64) float64 {
	theta = math.Mod(theta, TwoPi)
	if theta < 0 {
		theta += TwoPi
	}
	return theta
}

// WrapError normalizes an angle difference to (-pi, pi].
func WrapError(e float64) float64 {
	e = math.Mod(e, TwoPi)
	if e > math.Pi {
		e -= TwoPi
	} else if e <= -math.Pi {
		e += TwoPi
	}
	return e
}

// Finite reports whether all given values are finite (not NaN or Inf).
func Finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
