package state

import (
	"testing"
	"time"
)

func TestInitialState(t *testing.T) {
	m := New()
	if m.State() != Idle {
		t.Errorf("initial state = %v, want idle", m.State())
	}
}

func TestCommandTransitions(t *testing.T) {
	tests := []struct {
		name string
		from DeviceState
		cmd  Command
		want DeviceState
	}{
		{"idle to calibrate", Idle, CommandCalibrate, Calibrate},
		{"idle to closed loop", Idle, CommandClosedLoop, ClosedLoop},
		{"calibrate to idle", Calibrate, CommandIdle, Idle},
		{"closed loop to idle", ClosedLoop, CommandIdle, Idle},
		{"calibrate to closed loop rejected", Calibrate, CommandClosedLoop, Calibrate},
		{"closed loop to calibrate rejected", ClosedLoop, CommandCalibrate, ClosedLoop},
		{"no command holds state", ClosedLoop, CommandNone, ClosedLoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.state = tt.from
			tr := m.Step(ErrorNone, tt.cmd)
			if tr.State != tt.want {
				t.Errorf("Step from %v with %v = %v, want %v",
					tt.from, tt.cmd, tr.State, tt.want)
			}
		})
	}
}

func TestFatalErrorForcesIdle(t *testing.T) {
	fatals := []ErrorFlag{
		ErrorOvercurrent, ErrorUndervoltage, ErrorOvervoltage,
		ErrorSensorFault, ErrorWatchdog, ErrorDeadline, ErrorControlFault,
	}
	for _, flag := range fatals {
		for _, from := range []DeviceState{Idle, Calibrate, ClosedLoop} {
			m := New()
			m.state = from

			// A pending command must not override the fatal path.
			tr := m.Step(flag, CommandClosedLoop)
			if tr.State != Idle {
				t.Errorf("flag %v from %v: state = %v, want idle", flag, from, tr.State)
			}
			if from != Idle && !tr.EnteredIdle {
				t.Errorf("flag %v from %v: EnteredIdle not set", flag, from)
			}
			if m.LatchedError()&flag == 0 {
				t.Errorf("flag %v not latched", flag)
			}
		}
	}
}

func TestIdleStaysIdleUntilCommanded(t *testing.T) {
	m := New()
	m.Step(ErrorOvercurrent, CommandNone)

	// Error cleared from input; device must remain idle.
	for i := 0; i < 5; i++ {
		if tr := m.Step(ErrorNone, CommandNone); tr.State != Idle {
			t.Fatalf("tick %d: left idle without a command", i)
		}
	}

	// Explicit command takes the device out again.
	if tr := m.Step(ErrorNone, CommandClosedLoop); tr.State != ClosedLoop {
		t.Error("command out of idle rejected after error cleared")
	}
}

func TestDispatchToken(t *testing.T) {
	m := New()
	if tr := m.Step(ErrorNone, CommandNone); tr.Dispatch != DispatchNone {
		t.Errorf("idle dispatch = %v, want none", tr.Dispatch)
	}
	if tr := m.Step(ErrorNone, CommandCalibrate); tr.Dispatch != DispatchCalibration {
		t.Errorf("calibrate dispatch = %v", tr.Dispatch)
	}
	m.Step(ErrorNone, CommandIdle)
	if tr := m.Step(ErrorNone, CommandClosedLoop); tr.Dispatch != DispatchControl {
		t.Errorf("closed loop dispatch = %v", tr.Dispatch)
	}
}

func TestFinishCalibration(t *testing.T) {
	m := New()
	m.Step(ErrorNone, CommandCalibrate)

	tr := m.FinishCalibration(false)
	if tr.State != Idle || !tr.EnteredIdle {
		t.Errorf("successful finish: %+v", tr)
	}
	if m.LatchedError() != ErrorNone {
		t.Error("successful calibration latched an error")
	}

	m.Step(ErrorNone, CommandCalibrate)
	m.FinishCalibration(true)
	if m.LatchedError()&ErrorCalibration == 0 {
		t.Error("failed calibration did not latch")
	}
}

func TestLatchedErrorPersistsUntilCleared(t *testing.T) {
	m := New()
	m.Step(ErrorUndervoltage, CommandNone)
	m.Step(ErrorNone, CommandNone)

	if m.LatchedError()&ErrorUndervoltage == 0 {
		t.Error("latched error lost without explicit clear")
	}
	m.ClearErrors()
	if m.LatchedError() != ErrorNone {
		t.Error("ClearErrors did not clear")
	}
}

func TestErrorFlagString(t *testing.T) {
	if got := ErrorNone.String(); got != "none" {
		t.Errorf("ErrorNone = %q", got)
	}
	f := ErrorOvercurrent | ErrorWatchdog
	if got := f.String(); got != "overcurrent|watchdog" {
		t.Errorf("combined flags = %q", got)
	}
}

func TestWatchdog(t *testing.T) {
	w := NewWatchdog(100 * time.Millisecond)
	t0 := time.Now()

	if w.Expired(t0.Add(time.Hour)) {
		t.Error("disarmed watchdog expired")
	}

	w.Arm(t0)
	if w.Expired(t0.Add(50 * time.Millisecond)) {
		t.Error("expired before timeout")
	}
	if !w.Expired(t0.Add(150 * time.Millisecond)) {
		t.Error("not expired after timeout")
	}

	w.Kick(t0.Add(90 * time.Millisecond))
	if w.Expired(t0.Add(150 * time.Millisecond)) {
		t.Error("expired despite recent kick")
	}

	w.Disarm()
	if w.Expired(t0.Add(time.Hour)) {
		t.Error("disarmed watchdog expired")
	}
}
