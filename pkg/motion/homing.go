// Sensorless homing.
//
// The axis is driven at a fixed velocity toward the hard stop; a
// sustained current above the stall threshold marks contact. The axis
// then retracts a configured distance and the contact position becomes
// the home reference.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"errors"
	"math"

	"github.com/motionlayer/Tinymovr/pkg/config"
)

var (
	ErrHomingDistance = errors.New("motion: homing exceeded max travel without a stall")
	ErrHomingIdle     = errors.New("motion: homing not started")
)

// HomingPhase identifies the active homing phase.
type HomingPhase int

const (
	HomingIdle HomingPhase = iota
	HomingApproach
	HomingRetract
	HomingDone
	HomingFailed
)

func (p HomingPhase) String() string {
	switch p {
	case HomingIdle:
		return "idle"
	case HomingApproach:
		return "approach"
	case HomingRetract:
		return "retract"
	case HomingDone:
		return "done"
	case HomingFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stallTicks is how many consecutive over-threshold ticks count as
// contact rather than an acceleration transient.
const stallTicks = 100

// retractBand is how close to the retract target, in ticks, counts as
// arrived.
const retractBand = 10.0

// Homing runs the stall-detect homing sequence. It is stepped once per
// control tick while the device is in closed loop velocity mode.
type Homing struct {
	cfg   config.HomingConfig
	phase HomingPhase

	startPos float64
	homePos  float64
	target   float64
	stall    int
}

// NewHoming creates an idle homing sequence.
func NewHoming(cfg config.HomingConfig) *Homing {
	return &Homing{cfg: cfg}
}

// Phase returns the active phase.
func (h *Homing) Phase() HomingPhase { return h.phase }

// HomePosition returns the detected hard stop position. Valid once the
// sequence is done.
func (h *Homing) HomePosition() float64 { return h.homePos }

// Start begins the approach from the given position.
func (h *Homing) Start(pos float64) {
	h.phase = HomingApproach
	h.startPos = pos
	h.stall = 0
}

// Reset returns the sequence to idle.
func (h *Homing) Reset() {
	h.phase = HomingIdle
	h.stall = 0
}

// Step advances the sequence by one tick given the current position
// and measured q-axis current. It returns the velocity setpoint to
// apply. done is true once the retract has finished; a non-nil error
// ends the sequence.
func (h *Homing) Step(pos, current float64) (vel float64, done bool, err error) {
	switch h.phase {
	case HomingApproach:
		if math.Abs(pos-h.startPos) > h.cfg.MaxDistance {
			h.phase = HomingFailed
			return 0, false, ErrHomingDistance
		}
		if math.Abs(current) >= h.cfg.StallCurrent {
			h.stall++
		} else {
			h.stall = 0
		}
		if h.stall >= stallTicks {
			h.homePos = pos
			h.target = pos - sign(h.cfg.Velocity)*h.cfg.RetractDistance
			h.phase = HomingRetract
			return 0, false, nil
		}
		return h.cfg.Velocity, false, nil

	case HomingRetract:
		if math.Abs(pos-h.target) <= retractBand {
			h.phase = HomingDone
			return 0, true, nil
		}
		return -sign(h.cfg.Velocity) * math.Abs(h.cfg.Velocity), false, nil

	case HomingDone:
		return 0, true, nil

	default:
		return 0, false, ErrHomingIdle
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
