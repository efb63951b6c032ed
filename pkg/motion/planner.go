// Package motion provides the trapezoidal trajectory planner and the
// sensorless homing sequence that feed setpoints into the control
// loops.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"errors"
	"math"
)

var (
	ErrBadLimits  = errors.New("motion: velocity and acceleration limits must be positive")
	ErrBadInitial = errors.New("motion: initial velocity exceeds the feasible profile")
)

// Profile is a planned trapezoidal (or triangular) move. Positions are
// encoder ticks, time is seconds from the start of the move.
type Profile struct {
	start float64
	dir   float64 // +1 or -1

	v0    float64 // along dir, >= 0
	vPeak float64
	acc   float64
	dec   float64

	tAcc    float64
	tCruise float64
	tDec    float64

	dAcc    float64
	dCruise float64
}

// PlanTrapezoidal plans a move from start to end, beginning at
// startVel, under the given velocity and acceleration limits. Moves
// too short to reach maxVel degrade to a triangular profile.
func PlanTrapezoidal(start, end, startVel, maxVel, accel, decel float64) (*Profile, error) {
	if maxVel <= 0 || accel <= 0 || decel <= 0 {
		return nil, ErrBadLimits
	}

	dist := end - start
	dir := 1.0
	if dist < 0 {
		dir = -1
		dist = -dist
	}
	v0 := startVel * dir
	if v0 < 0 {
		// Moving away from the target; the caller must stop first.
		return nil, ErrBadInitial
	}
	if v0 > maxVel {
		v0 = maxVel
	}

	// Distance needed to stop from v0. If it exceeds the move there
	// is no feasible profile that ends at rest on the target.
	if v0*v0/(2*decel) > dist {
		return nil, ErrBadInitial
	}

	vPeak := maxVel
	dAcc := (vPeak*vPeak - v0*v0) / (2 * accel)
	dDec := vPeak * vPeak / (2 * decel)
	if dAcc+dDec > dist {
		// Triangular profile.
		vPeak = math.Sqrt((2*accel*decel*dist + decel*v0*v0) / (accel + decel))
		if vPeak < v0 {
			vPeak = v0
		}
		dAcc = (vPeak*vPeak - v0*v0) / (2 * accel)
		dDec = vPeak * vPeak / (2 * decel)
	}

	p := &Profile{
		start:   start,
		dir:     dir,
		v0:      v0,
		vPeak:   vPeak,
		acc:     accel,
		dec:     decel,
		tAcc:    (vPeak - v0) / accel,
		tDec:    vPeak / decel,
		dAcc:    dAcc,
		dCruise: dist - dAcc - dDec,
	}
	if p.dCruise < 0 {
		p.dCruise = 0
	}
	if vPeak > 0 {
		p.tCruise = p.dCruise / vPeak
	}
	return p, nil
}

// Duration returns the total move time in seconds.
func (p *Profile) Duration() float64 {
	return p.tAcc + p.tCruise + p.tDec
}

// Done reports whether the move has completed at time t.
func (p *Profile) Done(t float64) bool {
	return t >= p.Duration()
}

// Sample returns the position and velocity setpoints at time t.
// Beyond the end of the move it holds the final position at zero
// velocity.
func (p *Profile) Sample(t float64) (pos, vel float64) {
	switch {
	case t <= 0:
		return p.start, p.dir * p.v0
	case t < p.tAcc:
		d := p.v0*t + 0.5*p.acc*t*t
		return p.start + p.dir*d, p.dir * (p.v0 + p.acc*t)
	case t < p.tAcc+p.tCruise:
		dt := t - p.tAcc
		d := p.dAcc + p.vPeak*dt
		return p.start + p.dir*d, p.dir * p.vPeak
	case t < p.Duration():
		dt := t - p.tAcc - p.tCruise
		d := p.dAcc + p.dCruise + p.vPeak*dt - 0.5*p.dec*dt*dt
		return p.start + p.dir*d, p.dir * (p.vPeak - p.dec*dt)
	default:
		total := p.dAcc + p.dCruise + p.vPeak*p.tDec - 0.5*p.dec*p.tDec*p.tDec
		return p.start + p.dir*total, 0
	}
}

// End returns the target position the profile settles at.
func (p *Profile) End() (pos float64) {
	pos, _ = p.Sample(p.Duration())
	return pos
}
