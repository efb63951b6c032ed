// Package calibration implements the motor calibration sequencer.
//
// A Session drives the motor through a fixed sequence of measurement
// stages: ADC offset, phase resistance, phase inductance, pole pair
// count and encoder eccentricity. Each stage applies its excitation
// through the same voltage path used by closed-loop control, one
// command per control tick, and has a settle period and a deadline.
//
// Stage results accumulate in a staged copy of the config; the live
// config is only replaced when the whole session succeeds, so an abort
// or a stage failure never leaks partial values.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"github.com/motionlayer/Tinymovr/pkg/config"
	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/log"
	"github.com/motionlayer/Tinymovr/pkg/sensing"
)

const (
	// TickRate is the control loop rate the sequencer is stepped at.
	TickRate = 20000

	// DT is the tick period in seconds.
	DT = 1.0 / TickRate
)

// Stage identifies the active calibration stage.
type Stage int

const (
	StageAdcOffset Stage = iota
	StageResistance
	StageInductance
	StagePolePairs
	StageEccentricity
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageAdcOffset:
		return "adc_offset"
	case StageResistance:
		return "resistance"
	case StageInductance:
		return "inductance"
	case StagePolePairs:
		return "pole_pairs"
	case StageEccentricity:
		return "eccentricity"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Inputs carries one tick's worth of latched measurements into the
// sequencer. Raw ADC counts are only consumed by the offset stage; the
// converted currents by the electrical stages; the encoder ticks by
// the rotation stages.
type Inputs struct {
	RawA, RawB, RawC uint16
	Current          sensing.Currents
	VBus             float64
	Ticks            uint16
}

// Command is the excitation the sequencer wants applied this tick.
// Enable false means gate drivers off regardless of the voltages.
type Command struct {
	VAlpha float64
	VBeta  float64
	Enable bool
}

// runner is one stage's excitation and measurement logic. step is
// called every tick, including settle ticks; measurements taken while
// settling must be discarded by the stage. finish runs the range check
// and writes the result into the staged config.
type runner interface {
	stage() Stage
	settle() int
	deadline(s *Session) int
	step(s *Session, in Inputs, settling bool) (Command, bool)
	finish(s *Session) error
}

// Session is one calibration run. Not safe for concurrent use; it is
// stepped from the control tick only.
type Session struct {
	staged  config.Config
	profile config.BoardProfile
	logger  *log.Logger

	runners []runner
	index   int
	tick    int

	// direction is the mechanical rotation sense seen while
	// measuring pole pairs, reused by the eccentricity stage.
	direction float64

	err  error
	done bool
}

// NewSession starts a calibration session over a snapshot of the given
// config. Board limits come from the profile.
func NewSession(cfg config.Config, profile config.BoardProfile) *Session {
	return &Session{
		staged:    cfg.Clone(),
		profile:   profile,
		logger:    log.Component("calibration"),
		direction: 1,
		runners: []runner{
			newAdcOffsetRunner(),
			newResistanceRunner(),
			newInductanceRunner(),
			newPolePairsRunner(),
			newEccentricityRunner(),
		},
	}
}

// Stage returns the active stage.
func (s *Session) Stage() Stage {
	if s.done {
		return StageDone
	}
	return s.runners[s.index].stage()
}

// Done reports whether every stage completed successfully.
func (s *Session) Done() bool { return s.done }

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error { return s.err }

// Abort cancels a running session. Subsequent Steps fail and Result
// never yields a config.
func (s *Session) Abort() {
	if s.done || s.err != nil {
		return
	}
	s.err = coreerrors.New(coreerrors.CodeCalAborted, "session cancelled")
	s.logger.Warn("session aborted", log.Fields{"stage": s.Stage().String()})
}

// Result returns the fully calibrated config after a successful
// session.
func (s *Session) Result() (config.Config, error) {
	if s.err != nil {
		return config.Config{}, s.err
	}
	if !s.done {
		return config.Config{}, coreerrors.New(coreerrors.CodeCalAborted, "session still running")
	}
	return s.staged, nil
}

// Step advances the session by one control tick. The returned Command
// must be applied for exactly one tick. A non-nil error means the
// session has failed; the caller forces IDLE and discards the session.
func (s *Session) Step(in Inputs) (Command, error) {
	if s.err != nil {
		return Command{}, s.err
	}
	if s.done {
		return Command{}, nil
	}

	r := s.runners[s.index]
	settling := s.tick < r.settle()
	cmd, stageDone := r.step(s, in, settling)
	s.tick++

	if settling {
		return cmd, nil
	}
	if stageDone {
		if err := r.finish(s); err != nil {
			return s.fail(err)
		}
		s.logger.Info("stage complete", log.Fields{"stage": r.stage().String()})
		s.index++
		s.tick = 0
		if s.index == len(s.runners) {
			s.staged.Motor.Calibrated = true
			s.done = true
			s.logger.Info("calibration complete", log.Fields{
				"resistance": s.staged.Motor.Resistance,
				"inductance": s.staged.Motor.Inductance,
				"pole_pairs": s.staged.Motor.PolePairs,
			})
			return Command{}, nil
		}
		return cmd, nil
	}
	if s.tick-r.settle() > r.deadline(s) {
		return s.fail(coreerrors.Newf(coreerrors.CodeCalDeadline,
			"%s did not complete within %d ticks", r.stage(), r.deadline(s)))
	}
	return cmd, nil
}

func (s *Session) fail(err error) (Command, error) {
	s.err = err
	s.logger.Error("stage failed", log.Fields{"stage": s.Stage().String(), "err": err})
	return Command{}, err
}
