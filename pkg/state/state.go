// Package state implements the safety-governed device state machine.
//
// One Step call per control tick decides which unit of work runs that
// tick. A fatal error flag forces IDLE unconditionally; no command or
// component can veto that path. User commands can only move the
// device out of IDLE, or back to IDLE from anywhere.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package state

// DeviceState is the process-wide control state. Exactly one state is
// active at any tick boundary.
type DeviceState int

const (
	// Idle is the initial state and the terminal state of every
	// failure path. Outputs are forced to zero.
	Idle DeviceState = iota

	// Calibrate runs the calibration sequencer each tick.
	Calibrate

	// ClosedLoop runs the FOC control loop each tick.
	ClosedLoop
)

func (s DeviceState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calibrate:
		return "calibrate"
	case ClosedLoop:
		return "closed_loop"
	default:
		return "unknown"
	}
}

// ErrorFlag is a bitmask of error conditions observed during a tick.
type ErrorFlag uint16

const (
	ErrorNone         ErrorFlag = 0
	ErrorOvercurrent  ErrorFlag = 1 << 0
	ErrorUndervoltage ErrorFlag = 1 << 1
	ErrorOvervoltage  ErrorFlag = 1 << 2
	ErrorSensorFault  ErrorFlag = 1 << 3
	ErrorWatchdog     ErrorFlag = 1 << 4
	ErrorDeadline     ErrorFlag = 1 << 5
	ErrorControlFault ErrorFlag = 1 << 6 // non-finite control output
	ErrorCalibration  ErrorFlag = 1 << 7
)

// FatalMask covers every flag that forces an immediate transition to
// Idle within the same tick.
const FatalMask = ErrorOvercurrent | ErrorUndervoltage | ErrorOvervoltage |
	ErrorSensorFault | ErrorWatchdog | ErrorDeadline | ErrorControlFault

func (f ErrorFlag) String() string {
	if f == ErrorNone {
		return "none"
	}
	names := []struct {
		bit  ErrorFlag
		name string
	}{
		{ErrorOvercurrent, "overcurrent"},
		{ErrorUndervoltage, "undervoltage"},
		{ErrorOvervoltage, "overvoltage"},
		{ErrorSensorFault, "sensor_fault"},
		{ErrorWatchdog, "watchdog"},
		{ErrorDeadline, "missed_deadline"},
		{ErrorControlFault, "control_fault"},
		{ErrorCalibration, "calibration_failed"},
	}
	out := ""
	for _, n := range names {
		if f&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	return out
}

// Command is an externally requested state change, staged by protocol
// dispatch and consumed at the next tick boundary.
type Command int

const (
	CommandNone Command = iota
	CommandIdle
	CommandCalibrate
	CommandClosedLoop
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandIdle:
		return "idle"
	case CommandCalibrate:
		return "calibrate"
	case CommandClosedLoop:
		return "closed_loop"
	default:
		return "unknown"
	}
}

// Dispatch tells the tick which unit of work to run.
type Dispatch int

const (
	DispatchNone Dispatch = iota
	DispatchCalibration
	DispatchControl
)

// Transition is the per-tick result of a Step call.
type Transition struct {
	State DeviceState

	Dispatch Dispatch

	// EnteredIdle is set on the exact tick a transition into Idle
	// happened; the caller must force zero output that same tick.
	EnteredIdle bool
}

// Machine is the safety state machine. It is mutated only from the
// tick path; the latched error is readable from anywhere.
type Machine struct {
	state DeviceState

	// latched holds the most recent error until explicitly cleared;
	// reported through telemetry and the heartbeat.
	latched ErrorFlag

	transitions uint64
}

// New creates a Machine in the Idle state.
func New() *Machine {
	return &Machine{state: Idle}
}

// Step advances the state machine by one tick. flags are the error
// conditions observed this tick; cmd is the staged user command, if
// any.
func (m *Machine) Step(flags ErrorFlag, cmd Command) Transition {
	if flags != ErrorNone {
		m.latched |= flags
	}

	prev := m.state

	// Fatal errors have no override and cannot be bypassed.
	if flags&FatalMask != 0 {
		m.state = Idle
	} else {
		switch cmd {
		case CommandIdle:
			// Unconditional from any state.
			m.state = Idle
		case CommandCalibrate:
			if m.state == Idle {
				m.state = Calibrate
			}
		case CommandClosedLoop:
			if m.state == Idle {
				m.state = ClosedLoop
			}
		}
	}

	if m.state != prev {
		m.transitions++
	}

	tr := Transition{State: m.state}
	tr.EnteredIdle = m.state == Idle && prev != Idle
	switch m.state {
	case Calibrate:
		tr.Dispatch = DispatchCalibration
	case ClosedLoop:
		tr.Dispatch = DispatchControl
	}
	return tr
}

// FinishCalibration is called by the tick when the calibration session
// reports completion or failure; the device returns to Idle either
// way. Returns the resulting transition so the caller can force zero
// output on the idle entry.
func (m *Machine) FinishCalibration(failed bool) Transition {
	var flags ErrorFlag
	if failed {
		flags = ErrorCalibration
	}
	prev := m.state
	m.state = Idle
	if flags != ErrorNone {
		m.latched |= flags
	}
	if prev != Idle {
		m.transitions++
	}
	return Transition{State: Idle, EnteredIdle: prev != Idle}
}

// State returns the current device state.
func (m *Machine) State() DeviceState {
	return m.state
}

// LatchedError returns the most recent error flags; they persist until
// ClearErrors.
func (m *Machine) LatchedError() ErrorFlag {
	return m.latched
}

// ClearErrors resets the latched error report. The device state is not
// affected.
func (m *Machine) ClearErrors() {
	m.latched = ErrorNone
}

// Transitions returns the number of state changes since boot.
func (m *Machine) Transitions() uint64 {
	return m.transitions
}
