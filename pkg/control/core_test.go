package control

import (
	"math"
	"testing"
	"time"

	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/sim"
	"github.com/motionlayer/Tinymovr/pkg/state"
)

// calibratedConfig matches the default sim plant so closed loop can
// run without a calibration pass.
func calibratedConfig() config.Config {
	cfg := config.Default()
	cfg.Motor.Resistance = 0.1
	cfg.Motor.Inductance = 2e-5
	cfg.Motor.PolePairs = 7
	cfg.Motor.Calibrated = true
	return cfg
}

type rig struct {
	core  *Core
	plant *sim.Plant
	now   time.Time
}

func newRig(cfg config.Config, params sim.MotorParams) *rig {
	plant := sim.NewPlant(params)
	core := New(cfg, config.DefaultBoardProfile(), plant, plant, plant)
	return &rig{core: core, plant: plant, now: time.Unix(0, 0)}
}

func (r *rig) run(ticks int) {
	for i := 0; i < ticks; i++ {
		r.core.Tick(r.now)
		r.plant.Step()
		r.now = r.now.Add(50 * time.Microsecond)
	}
}

func TestClosedLoopRejectedWhenUncalibrated(t *testing.T) {
	r := newRig(config.Default(), sim.DefaultMotorParams())

	r.core.RequestState(state.CommandClosedLoop)
	r.run(5)

	if got := r.core.Snapshot().State; got != state.Idle {
		t.Errorf("state = %v, want idle for an uncalibrated motor", got)
	}
	if r.plant.Enabled() {
		t.Error("gates on while idle")
	}
}

func TestCurrentModeTracksTarget(t *testing.T) {
	params := sim.DefaultMotorParams()
	params.Inertia = 2e-3 // heavy flywheel keeps back-EMF slew low
	r := newRig(calibratedConfig(), params)

	r.core.SetMode(ModeCurrent)
	r.core.SetTarget(Setpoint{Iq: 2})
	r.core.RequestState(state.CommandClosedLoop)
	r.run(2000)

	snap := r.core.Snapshot()
	if snap.State != state.ClosedLoop {
		t.Fatalf("state = %v, want closed_loop", snap.State)
	}
	if math.Abs(r.plant.Iq()-2) > 0.1 {
		t.Errorf("plant iq = %v, want ~2", r.plant.Iq())
	}
	if math.Abs(snap.Iq-2) > 0.15 {
		t.Errorf("measured iq = %v, want ~2", snap.Iq)
	}
}

func TestVelocityModeTracksTarget(t *testing.T) {
	params := sim.DefaultMotorParams()
	params.Inertia = 5e-4
	r := newRig(calibratedConfig(), params)

	r.core.SetMode(ModeVelocity)
	r.core.SetTarget(Setpoint{Velocity: 30000})
	r.core.RequestState(state.CommandClosedLoop)
	r.run(40000)

	snap := r.core.Snapshot()
	if math.Abs(snap.Velocity-30000) > 600 {
		t.Errorf("velocity = %v, want 30000 +/- 2%%", snap.Velocity)
	}
	if math.Abs(r.plant.VelocityTicks()-30000) > 600 {
		t.Errorf("plant velocity = %v, want 30000 +/- 2%%", r.plant.VelocityTicks())
	}
}

func TestOvercurrentForcesIdleSameTick(t *testing.T) {
	params := sim.DefaultMotorParams()
	params.Inertia = 5e-4
	r := newRig(calibratedConfig(), params)

	r.core.SetMode(ModeVelocity)
	r.core.SetTarget(Setpoint{Velocity: 10000})
	r.core.RequestState(state.CommandClosedLoop)
	r.run(2000)
	if r.core.Snapshot().State != state.ClosedLoop {
		t.Fatal("did not reach closed loop")
	}

	// Far above the 40 A board limit.
	r.plant.InjectCurrent = 50
	r.core.Tick(r.now)

	snap := r.core.Snapshot()
	if snap.State != state.Idle {
		t.Errorf("state = %v, want idle on the fault tick", snap.State)
	}
	if r.plant.Enabled() {
		t.Error("gates still on in the fault tick")
	}
	if snap.Errors&state.ErrorOvercurrent == 0 {
		t.Errorf("latched errors = %v, want overcurrent", snap.Errors)
	}

	// While the fault persists the device cannot be commanded out.
	r.core.RequestState(state.CommandClosedLoop)
	r.run(5)
	if r.core.Snapshot().State != state.Idle {
		t.Error("left idle while the fault persists")
	}

	// Fault gone, errors cleared: closed loop is reachable again.
	r.plant.InjectCurrent = 0
	r.core.ClearErrors()
	r.core.RequestState(state.CommandClosedLoop)
	r.run(5)
	if r.core.Snapshot().State != state.ClosedLoop {
		t.Error("could not re-enter closed loop after clearing")
	}
}

func TestUndervoltageForcesIdle(t *testing.T) {
	r := newRig(calibratedConfig(), sim.DefaultMotorParams())
	r.core.RequestState(state.CommandClosedLoop)
	r.run(10)

	r.plant.BusOverride = 9 // below the 11 V floor
	r.run(2)

	snap := r.core.Snapshot()
	if snap.State != state.Idle || snap.Errors&state.ErrorUndervoltage == 0 {
		t.Errorf("state = %v errors = %v, want idle/undervoltage", snap.State, snap.Errors)
	}
}

func TestEncoderFaultForcesIdle(t *testing.T) {
	r := newRig(calibratedConfig(), sim.DefaultMotorParams())
	r.core.RequestState(state.CommandClosedLoop)
	r.run(10)

	r.plant.EncoderFault = true
	r.run(2)

	snap := r.core.Snapshot()
	if snap.State != state.Idle || snap.Errors&state.ErrorSensorFault == 0 {
		t.Errorf("state = %v errors = %v, want idle/sensor fault", snap.State, snap.Errors)
	}
}

func TestWatchdogTripOnMissedDeadline(t *testing.T) {
	r := newRig(calibratedConfig(), sim.DefaultMotorParams())
	r.core.RequestState(state.CommandClosedLoop)
	r.run(10)

	// A 10 ms stall blows the 500 us deadline.
	r.now = r.now.Add(10 * time.Millisecond)
	r.core.Tick(r.now)

	snap := r.core.Snapshot()
	if snap.State != state.Idle || snap.Errors&state.ErrorWatchdog == 0 {
		t.Errorf("state = %v errors = %v, want idle/watchdog", snap.State, snap.Errors)
	}
}

func TestStagedConfigSwap(t *testing.T) {
	r := newRig(calibratedConfig(), sim.DefaultMotorParams())
	r.run(3)

	cfg := r.core.ConfigSnapshot()
	cfg.Controller.VelLimit = 12345
	r.core.StageConfig(cfg)

	// Not applied until a tick boundary passes.
	if r.core.ConfigSnapshot().Controller.VelLimit == 12345 {
		t.Error("config applied before the tick boundary")
	}
	r.run(1)
	if got := r.core.ConfigSnapshot().Controller.VelLimit; got != 12345 {
		t.Errorf("VelLimit = %v after tick, want 12345", got)
	}
}

func TestCalibrationStartAndAbort(t *testing.T) {
	r := newRig(config.Default(), sim.DefaultMotorParams())

	r.core.RequestState(state.CommandCalibrate)
	r.run(50)

	snap := r.core.Snapshot()
	if snap.State != state.Calibrate {
		t.Fatalf("state = %v, want calibrate", snap.State)
	}
	if snap.CalStage != 0 { // adc offset runs first
		t.Errorf("stage = %v, want adc_offset", snap.CalStage)
	}

	r.core.RequestState(state.CommandIdle)
	r.run(1)

	snap = r.core.Snapshot()
	if snap.State != state.Idle {
		t.Errorf("state = %v after abort, want idle", snap.State)
	}
	if r.plant.Enabled() {
		t.Error("gates on after abort")
	}
	// A user abort is not a calibration failure.
	if snap.Errors&state.ErrorCalibration != 0 {
		t.Error("calibration error latched on user abort")
	}
}

func TestTrajectoryMove(t *testing.T) {
	params := sim.DefaultMotorParams()
	params.Inertia = 5e-4
	r := newRig(calibratedConfig(), params)

	r.core.SetMode(ModePosition)
	r.core.RequestState(state.CommandClosedLoop)
	r.run(100)

	if err := r.core.StartTrajectory(20000); err != nil {
		t.Fatalf("StartTrajectory: %v", err)
	}
	r.run(30000)

	snap := r.core.Snapshot()
	if snap.State != state.ClosedLoop {
		t.Fatalf("state = %v, want closed_loop", snap.State)
	}
	if math.Abs(snap.Position-20000) > 300 {
		t.Errorf("position = %v, want ~20000", snap.Position)
	}
	if math.Abs(snap.Velocity) > 1500 {
		t.Errorf("velocity = %v at end of move, want ~0", snap.Velocity)
	}
}

func TestHomingAgainstHardStop(t *testing.T) {
	params := sim.DefaultMotorParams()
	params.Inertia = 5e-4
	r := newRig(calibratedConfig(), params)
	r.plant.WallEnabled = true
	r.plant.WallTicks = 4000

	r.core.RequestState(state.CommandClosedLoop)
	r.run(10)
	r.core.StartHoming()
	r.run(60000)

	snap := r.core.Snapshot()
	if snap.State != state.ClosedLoop {
		t.Fatalf("state = %v, want closed_loop", snap.State)
	}
	if snap.Mode != ModeVelocity {
		t.Errorf("mode = %v after homing, want velocity", snap.Mode)
	}
	// Retracted RetractDistance from the wall.
	want := 4000.0 - config.Default().Homing.RetractDistance
	if math.Abs(snap.Position-want) > 300 {
		t.Errorf("position = %v, want ~%v", snap.Position, want)
	}
}
