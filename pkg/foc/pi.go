// PI controller with output clamping and anti-windup.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package foc

// PI is a discrete proportional-integral controller running at the
// fixed control loop rate. Gains are already scaled for the loop
// period; the integrator accumulates once per Update call.
//
// Anti-windup policy: the integrator is frozen whenever the clamped
// output saturates and the error would drive it further into
// saturation.
type PI struct {
	Kp float64
	Ki float64

	// Limit is the symmetric output clamp. Zero disables clamping.
	Limit float64

	integral float64
}

// NewPI creates a PI controller with the given gains and output limit.
func NewPI(kp, ki, limit float64) *PI {
	return &PI{Kp: kp, Ki: ki, Limit: limit}
}

// Update advances the controller by one step and returns the clamped
// output.
func (c *PI) Update(err float64) float64 {
	out := c.Kp*err + c.integral

	saturated := false
	if c.Limit > 0 {
		if out > c.Limit {
			out = c.Limit
			saturated = true
		} else if out < -c.Limit {
			out = -c.Limit
			saturated = true
		}
	}

	// Integrate unless saturated in the direction of the error.
	if !saturated || (out > 0) != (err > 0) {
		c.integral += c.Ki * err
		if c.Limit > 0 {
			if c.integral > c.Limit {
				c.integral = c.Limit
			} else if c.integral < -c.Limit {
				c.integral = -c.Limit
			}
		}
	}

	return out
}

// SetLimit updates the output clamp. Used for bus-voltage-derived
// limits that change between ticks.
func (c *PI) SetLimit(limit float64) {
	c.Limit = limit
	if limit > 0 {
		if c.integral > limit {
			c.integral = limit
		} else if c.integral < -limit {
			c.integral = -limit
		}
	}
}

// Reset clears the integrator.
func (c *PI) Reset() {
	c.integral = 0
}

// Integral returns the current integrator value.
func (c *PI) Integral() float64 {
	return c.integral
}
