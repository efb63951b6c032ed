// The control core.
//
// Core owns the 20 kHz tick: sensing, observer update, the safety
// state machine, then exactly one of {nothing, calibration step,
// control step}, ending at the PWM outputs. Everything outside the
// tick (protocol dispatch, telemetry, NVM) talks to the core through
// staged writes that are swapped in atomically at the next tick
// boundary, and through read-only snapshots taken at the end of a
// tick.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"sync"
	"time"

	"github.com/motionlayer/Tinymovr/pkg/calibration"
	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/foc"
	"github.com/motionlayer/Tinymovr/pkg/log"
	"github.com/motionlayer/Tinymovr/pkg/motion"
	"github.com/motionlayer/Tinymovr/pkg/observer"
	"github.com/motionlayer/Tinymovr/pkg/sensing"
	"github.com/motionlayer/Tinymovr/pkg/state"
)

const (
	// TickRate is the control loop rate in Hz.
	TickRate = 20000

	// DT is the tick period in seconds.
	DT = 1.0 / TickRate

	// watchdogTimeout is how long the tick may stall before the
	// deadline miss is escalated as a fatal error.
	watchdogTimeout = 10 * DT * float64(time.Second)
)

// PWMOutput drives the inverter. Apply latches new duties for the next
// PWM period; Off opens all gates immediately.
type PWMOutput interface {
	Apply(foc.Duties)
	Off()
}

// Snapshot is the tick-consistent view handed to telemetry and
// protocol dispatch.
type Snapshot struct {
	State    state.DeviceState
	Errors   state.ErrorFlag
	Mode     Mode
	CalStage calibration.Stage
	Position float64
	Velocity float64
	Iq       float64
	Id       float64
	VBus     float64
	Setpoint Setpoint
	Ticks    uint64
}

// Core wires the firmware pipeline together.
type Core struct {
	mu sync.Mutex

	cfg     config.Config
	profile config.BoardProfile

	machine  *state.Machine
	watchdog *state.Watchdog
	sensor   *sensing.Sensor
	obs      *observer.Observer
	ctrl     *Controller
	mod      foc.Modulator

	adc sensing.ADC
	enc observer.Encoder
	pwm PWMOutput

	session *calibration.Session
	homing  *motion.Homing

	// Staged writes, applied at the next tick boundary.
	stagedCfg  *config.Config
	stagedCmd  state.Command
	stagedMode *Mode
	stagedSet  *Setpoint
	stagedPlan *motion.Profile
	stagedHome bool

	plan      *motion.Profile
	planStart uint64
	wdArmed   bool

	snap    Snapshot
	lastErr error
	ticks   uint64

	logger *log.Logger
}

// New creates a core in Idle over the given hardware interfaces.
func New(cfg config.Config, profile config.BoardProfile, adc sensing.ADC, enc observer.Encoder, pwm PWMOutput) *Core {
	c := &Core{
		cfg:      cfg,
		profile:  profile,
		machine:  state.New(),
		watchdog: state.NewWatchdog(time.Duration(watchdogTimeout)),
		adc:      adc,
		enc:      enc,
		pwm:      pwm,
		logger:   log.Component("control"),
	}
	c.sensor = sensing.New(calibrationOf(cfg.Adc))
	c.obs = observer.New(observerConfigOf(cfg))
	c.ctrl = NewController(cfg.Controller)
	c.homing = motion.NewHoming(cfg.Homing)
	return c
}

func calibrationOf(a config.AdcConfig) sensing.Calibration {
	return sensing.Calibration{
		OffsetA:   a.OffsetA,
		OffsetB:   a.OffsetB,
		OffsetC:   a.OffsetC,
		PhaseGain: a.PhaseGain,
		BusGain:   a.BusGain,
	}
}

func observerConfigOf(cfg config.Config) observer.Config {
	return observer.Config{
		KpGain:       cfg.Observer.KpGain,
		KvGain:       cfg.Observer.KvGain,
		DT:           DT,
		PolePairs:    int(cfg.Motor.PolePairs),
		AngleOffset:  cfg.Encoder.AngleOffset,
		Eccentricity: cfg.Encoder.Eccentricity,
	}
}

func (c *Core) limits() sensing.Limits {
	return sensing.Limits{
		IPhaseMax: c.profile.IPhaseMax,
		VBusMin:   c.profile.VBusMin,
		VBusMax:   c.profile.VBusMax,
	}
}

// StageConfig schedules a config replacement for the next tick
// boundary. The swap is all-or-nothing; a tick never sees a partially
// applied config.
func (c *Core) StageConfig(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := cfg.Clone()
	c.stagedCfg = &snap
}

// RequestState stages a device state command.
func (c *Core) RequestState(cmd state.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stagedCmd = cmd
}

// SetMode stages a control mode change.
func (c *Core) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := m
	c.stagedMode = &mode
}

// SetTarget stages a setpoint change.
func (c *Core) SetTarget(s Setpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := s
	c.stagedSet = &set
}

// StartTrajectory plans a trapezoidal move from the last snapshot
// position to target and stages it.
func (c *Core) StartTrajectory(target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := motion.PlanTrapezoidal(c.snap.Position, target, c.snap.Velocity,
		c.cfg.Traj.MaxVel, c.cfg.Traj.MaxAccel, c.cfg.Traj.MaxDecel)
	if err != nil {
		return err
	}
	c.stagedPlan = p
	return nil
}

// StartHoming stages the homing sequence.
func (c *Core) StartHoming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stagedHome = true
}

// ClearErrors clears the latched error flags.
func (c *Core) ClearErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine.ClearErrors()
	c.lastErr = nil
}

// Snapshot returns the last tick-consistent view.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// ConfigSnapshot returns a deep copy of the active config, stable for
// an NVM save.
func (c *Core) ConfigSnapshot() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// Transitions returns the state machine's transition count since boot.
func (c *Core) Transitions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Transitions()
}

// LastError returns the most recent failure detail, if any.
func (c *Core) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// applyStaged swaps in pending writes. Called at the top of the tick
// with the lock held.
func (c *Core) applyStaged() state.Command {
	if c.stagedCfg != nil {
		c.cfg = *c.stagedCfg
		c.stagedCfg = nil
		c.reconfigure()
	}
	if c.stagedMode != nil {
		c.ctrl.SetMode(*c.stagedMode)
		c.stagedMode = nil
	}
	if c.stagedSet != nil {
		c.ctrl.SetTarget(*c.stagedSet)
		c.stagedSet = nil
	}
	if c.stagedPlan != nil {
		c.plan = c.stagedPlan
		c.planStart = c.ticks
		c.ctrl.SetMode(ModeTrajectory)
		c.stagedPlan = nil
	}
	if c.stagedHome {
		c.homing = motion.NewHoming(c.cfg.Homing)
		c.homing.Start(c.obs.Position())
		c.ctrl.SetMode(ModeHoming)
		c.stagedHome = false
	}
	cmd := c.stagedCmd
	c.stagedCmd = state.CommandNone
	return cmd
}

// reconfigure pushes the active config into the subsystems.
func (c *Core) reconfigure() {
	c.sensor.Recalibrate(calibrationOf(c.cfg.Adc))
	c.obs.Reconfigure(observerConfigOf(c.cfg))
	c.ctrl.Reconfigure(c.cfg.Controller)
}

// Tick runs one control cycle. It is called at the tick rate by the
// scheduler; now is the tick timestamp.
func (c *Core) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.applyStaged()

	var flags state.ErrorFlag
	if c.watchdog.Expired(now) {
		flags |= state.ErrorWatchdog
	}
	c.watchdog.Kick(now)

	cur, vbus, serr := c.sensor.Sample(c.adc)
	oerr := c.obs.Update(c.enc)
	if serr != nil || oerr != nil {
		flags |= state.ErrorSensorFault
	}
	switch sensing.Check(cur, vbus, c.limits()) {
	case sensing.FaultOvercurrent:
		flags |= state.ErrorOvercurrent
	case sensing.FaultUndervoltage:
		flags |= state.ErrorUndervoltage
	case sensing.FaultOvervoltage:
		flags |= state.ErrorOvervoltage
	}

	// Refuse to leave idle before the motor is characterized.
	if cmd == state.CommandClosedLoop && !c.cfg.Motor.Calibrated {
		c.logger.Warn("closed loop rejected, motor not calibrated")
		cmd = state.CommandNone
	}

	tr := c.machine.Step(flags, cmd)

	// The deadline watchdog only supervises ticks that drive the
	// motor.
	if tr.State == state.Idle {
		if c.wdArmed {
			c.watchdog.Disarm()
			c.wdArmed = false
		}
	} else if !c.wdArmed {
		c.watchdog.Arm(now)
		c.wdArmed = true
	}

	if tr.EnteredIdle {
		c.pwm.Off()
		c.ctrl.Reset()
		c.plan = nil
		if c.session != nil {
			c.session.Abort()
			c.session = nil
		}
	}

	switch tr.Dispatch {
	case state.DispatchCalibration:
		c.calibrationTick(cur, vbus)
	case state.DispatchControl:
		c.controlTick(cur, vbus)
	default:
		c.pwm.Off()
	}

	c.ticks++
	c.snap = Snapshot{
		State:    c.machine.State(),
		Errors:   c.machine.LatchedError(),
		Mode:     c.ctrl.Mode(),
		Position: c.obs.Position(),
		Velocity: c.obs.Velocity(),
		VBus:     vbus,
		Setpoint: c.ctrl.Target(),
		Ticks:    c.ticks,
	}
	if c.session != nil {
		c.snap.CalStage = c.session.Stage()
	}
	angle := c.obs.ElectricalAngle(c.enc.CPR())
	ialpha, ibeta := foc.Clarke(cur.A, cur.B, cur.C)
	c.snap.Id, c.snap.Iq = foc.Park(ialpha, ibeta, angle)
}

// faultNow escalates a fatal condition detected mid-tick, forcing idle
// and zero output within the same tick.
func (c *Core) faultNow(flag state.ErrorFlag, err error) {
	tr := c.machine.Step(flag, state.CommandNone)
	c.pwm.Off()
	c.ctrl.Reset()
	c.plan = nil
	if tr.EnteredIdle {
		c.logger.Error("fatal control error", log.Fields{"flag": flag.String(), "err": err})
	}
	c.lastErr = err
}

func (c *Core) calibrationTick(cur sensing.Currents, vbus float64) {
	if c.session == nil {
		c.session = calibration.NewSession(c.cfg, c.profile)
		c.logger.Info("calibration session started")
	}

	rawA, rawB, rawC, _ := c.adc.ReadPhaseRaw()
	ticks, _ := c.enc.ReadTicks()
	in := calibration.Inputs{
		RawA:    rawA,
		RawB:    rawB,
		RawC:    rawC,
		Current: cur,
		VBus:    vbus,
		Ticks:   ticks,
	}

	cmd, err := c.session.Step(in)
	if err != nil {
		c.pwm.Off()
		c.lastErr = err
		c.session = nil
		c.machine.FinishCalibration(true)
		return
	}
	if c.session.Done() {
		result, rerr := c.session.Result()
		c.session = nil
		c.pwm.Off()
		if rerr == nil {
			c.cfg = result
			c.reconfigure()
			c.obs.Reset()
		}
		c.machine.FinishCalibration(false)
		return
	}

	if !cmd.Enable {
		c.pwm.Off()
		return
	}
	duties, _, merr := c.mod.Modulate(cmd.VAlpha, cmd.VBeta, vbus)
	if merr != nil {
		c.faultNow(state.ErrorControlFault, merr)
		return
	}
	c.pwm.Apply(duties)
}

func (c *Core) controlTick(cur sensing.Currents, vbus float64) {
	pos := c.obs.Position()
	vel := c.obs.Velocity()
	angle := c.obs.ElectricalAngle(c.enc.CPR())

	ialpha, ibeta := foc.Clarke(cur.A, cur.B, cur.C)
	id, iq := foc.Park(ialpha, ibeta, angle)

	switch c.ctrl.Mode() {
	case ModeTrajectory:
		if c.plan != nil {
			t := float64(c.ticks-c.planStart) * DT
			p, v := c.plan.Sample(t)
			c.ctrl.SetTarget(Setpoint{Position: p, Velocity: v})
			if c.plan.Done(t) {
				c.ctrl.SetTarget(Setpoint{Position: c.plan.End()})
				c.plan = nil
			}
		}
	case ModeHoming:
		velSet, done, herr := c.homing.Step(pos, iq)
		if herr != nil {
			c.logger.Warn("homing failed", log.Fields{"err": herr})
			c.lastErr = herr
			c.ctrl.SetMode(ModeVelocity)
			c.ctrl.SetTarget(Setpoint{})
		} else if done {
			c.logger.Info("homing complete", log.Fields{"home": c.homing.HomePosition()})
			c.ctrl.SetMode(ModeVelocity)
			c.ctrl.SetTarget(Setpoint{})
		} else {
			c.ctrl.SetTarget(Setpoint{Velocity: velSet})
		}
	}

	valpha, vbeta := c.ctrl.Update(pos, vel, id, iq, angle, vbus)
	if !foc.Finite(valpha, vbeta) {
		c.faultNow(state.ErrorControlFault, foc.ErrNonFiniteVector)
		return
	}
	duties, _, err := c.mod.Modulate(valpha, vbeta, vbus)
	if err != nil {
		c.faultNow(state.ErrorControlFault, err)
		return
	}
	c.pwm.Apply(duties)
}
