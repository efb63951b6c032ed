// Cascaded control loops.
//
// Position, velocity and current regulators run in cascade at the
// tick rate: the position loop outputs a velocity target, the velocity
// loop a q-axis current target, and the dq current loops the voltage
// vector handed to the modulator. Outer loops are bypassed in the
// lower-level modes.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"math"

	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/foc"
)

// Mode selects which loops of the cascade are active.
type Mode int

const (
	ModeCurrent Mode = iota
	ModeVelocity
	ModePosition
	ModeTrajectory
	ModeHoming
)

func (m Mode) String() string {
	switch m {
	case ModeCurrent:
		return "current"
	case ModeVelocity:
		return "velocity"
	case ModePosition:
		return "position"
	case ModeTrajectory:
		return "trajectory"
	case ModeHoming:
		return "homing"
	default:
		return "unknown"
	}
}

// Setpoint is the commanded target for the active mode. Unused fields
// are ignored; Velocity doubles as the feedforward term in trajectory
// mode.
type Setpoint struct {
	Position float64 // ticks
	Velocity float64 // ticks/s
	Iq       float64 // amps
}

// maxModulation is the fraction of the bus voltage available to the
// current loops, the inscribed circle of the hexagon.
const maxModulation = 0.577

// Controller is the loop cascade. It is stepped from the control tick
// only.
type Controller struct {
	cfg config.ControllerConfig

	posPI *foc.PI
	velPI *foc.PI
	idPI  *foc.PI
	iqPI  *foc.PI

	mode Mode
	set  Setpoint
}

// NewController creates the cascade with gains and limits from cfg.
func NewController(cfg config.ControllerConfig) *Controller {
	return &Controller{
		cfg:   cfg,
		posPI: foc.NewPI(cfg.PosGainP, cfg.PosGainI, cfg.VelLimit),
		velPI: foc.NewPI(cfg.VelGainP, cfg.VelGainI, cfg.IqLimit),
		idPI:  foc.NewPI(cfg.CurGainP, cfg.CurGainI, 0),
		iqPI:  foc.NewPI(cfg.CurGainP, cfg.CurGainI, 0),
	}
}

// Reconfigure applies new gains without disturbing the integrators.
func (c *Controller) Reconfigure(cfg config.ControllerConfig) {
	c.cfg = cfg
	c.posPI.Kp, c.posPI.Ki = cfg.PosGainP, cfg.PosGainI
	c.posPI.SetLimit(cfg.VelLimit)
	c.velPI.Kp, c.velPI.Ki = cfg.VelGainP, cfg.VelGainI
	c.velPI.SetLimit(cfg.IqLimit)
	c.idPI.Kp, c.idPI.Ki = cfg.CurGainP, cfg.CurGainI
	c.iqPI.Kp, c.iqPI.Ki = cfg.CurGainP, cfg.CurGainI
}

// SetMode switches the active mode and clears the loop integrators so
// stale windup from the previous mode cannot kick the output.
func (c *Controller) SetMode(m Mode) {
	if m == c.mode {
		return
	}
	c.mode = m
	c.Reset()
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode { return c.mode }

// SetTarget replaces the setpoint.
func (c *Controller) SetTarget(s Setpoint) { c.set = s }

// Target returns the active setpoint.
func (c *Controller) Target() Setpoint { return c.set }

// Reset clears all integrators.
func (c *Controller) Reset() {
	c.posPI.Reset()
	c.velPI.Reset()
	c.idPI.Reset()
	c.iqPI.Reset()
}

// Update runs one tick of the cascade and returns the stator voltage
// vector. pos and vel are the observer estimates, id and iq the
// measured dq currents, angle the electrical angle.
func (c *Controller) Update(pos, vel, id, iq, angle, vbus float64) (valpha, vbeta float64) {
	iqTarget := c.set.Iq

	switch c.mode {
	case ModePosition, ModeTrajectory:
		posErr := c.set.Position - pos
		if math.Abs(posErr) <= c.cfg.VelDeadband {
			posErr = 0
		}
		velTarget := c.posPI.Update(posErr)
		if c.mode == ModeTrajectory {
			velTarget += c.set.Velocity
			if velTarget > c.cfg.VelLimit {
				velTarget = c.cfg.VelLimit
			} else if velTarget < -c.cfg.VelLimit {
				velTarget = -c.cfg.VelLimit
			}
		}
		iqTarget = c.velPI.Update(velTarget - vel)
	case ModeVelocity, ModeHoming:
		iqTarget = c.velPI.Update(c.set.Velocity - vel)
	case ModeCurrent:
		if iqTarget > c.cfg.IqLimit {
			iqTarget = c.cfg.IqLimit
		} else if iqTarget < -c.cfg.IqLimit {
			iqTarget = -c.cfg.IqLimit
		}
	}

	vmax := maxModulation * vbus
	c.idPI.SetLimit(vmax)
	c.iqPI.SetLimit(vmax)
	vd := c.idPI.Update(0 - id)
	vq := c.iqPI.Update(iqTarget - iq)

	return foc.InvPark(vd, vq, angle)
}
