// Package observer turns normalized encoder readings into estimated
// rotor position, velocity and electrical angle.
//
// The estimator is a second-order tracking observer running at the
// control loop rate: the position estimate is corrected toward the
// measured angle each tick, and the correction also drives the
// velocity estimate. Encoder eccentricity is compensated with a
// calibrated offset table before the measurement enters the observer.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package observer

import (
	"errors"
	"math"

	"github.com/motionlayer/Tinymovr/pkg/foc"
)

// Observer errors
var (
	ErrSensorFault = errors.New("observer: encoder read fault")
	ErrNotReady    = errors.New("observer: no sample yet")
)

// Encoder is the normalized sensor interface the control core
// consumes. Implementations latch the most recent hardware value; a
// read must never block.
type Encoder interface {
	// ReadTicks returns the latest raw angle in ticks, in [0, CPR).
	ReadTicks() (uint16, error)

	// CPR returns the counts per mechanical revolution.
	CPR() int
}

// EccentricityTableSize is the fixed number of entries in the encoder
// eccentricity compensation table, spaced evenly over one mechanical
// revolution.
const EccentricityTableSize = 32

// Config holds observer gains and motor geometry.
type Config struct {
	// KpGain corrects the position estimate (per tick, dimensionless).
	KpGain float64

	// KvGain corrects the velocity estimate (ticks/s per tick of error).
	KvGain float64

	// DT is the control loop period in seconds.
	DT float64

	// PolePairs converts mechanical angle to electrical angle.
	PolePairs int

	// AngleOffset is the calibrated electrical zero in ticks.
	AngleOffset float64

	// Eccentricity is the calibrated per-sector angle correction in
	// ticks. A zero table is a no-op.
	Eccentricity [EccentricityTableSize]float64
}

// DefaultConfig returns observer gains suitable for a 20 kHz loop and
// an uncalibrated motor.
func DefaultConfig() Config {
	return Config{
		KpGain:    0.35,
		KvGain:    1500.0,
		DT:        50e-6,
		PolePairs: 1,
	}
}

// Observer estimates rotor state from encoder ticks.
type Observer struct {
	cfg Config

	posEst float64 // accumulated position estimate, ticks (unwrapped)
	velEst float64 // velocity estimate, ticks/s
	ready  bool

	lastRaw uint16
}

// New creates an observer with the given configuration.
func New(cfg Config) *Observer {
	if cfg.DT <= 0 {
		cfg.DT = 50e-6
	}
	if cfg.PolePairs < 1 {
		cfg.PolePairs = 1
	}
	return &Observer{cfg: cfg}
}

// Reconfigure replaces gains and geometry. Estimator state carries
// over; callers reset explicitly when the change invalidates it.
func (o *Observer) Reconfigure(cfg Config) {
	if cfg.DT <= 0 {
		cfg.DT = o.cfg.DT
	}
	if cfg.PolePairs < 1 {
		cfg.PolePairs = 1
	}
	o.cfg = cfg
}

// Reset discards all estimator state.
func (o *Observer) Reset() {
	o.posEst = 0
	o.velEst = 0
	o.ready = false
}

// Update advances the estimate with one encoder sample. Called exactly
// once per control tick.
func (o *Observer) Update(enc Encoder) error {
	raw, err := enc.ReadTicks()
	if err != nil {
		return ErrSensorFault
	}
	cpr := enc.CPR()

	meas := float64(raw) + o.compensation(raw, cpr)

	if !o.ready {
		o.posEst = meas
		o.velEst = 0
		o.lastRaw = raw
		o.ready = true
		return nil
	}

	// Wrap-corrected innovation between measurement and prediction.
	predicted := o.posEst + o.velEst*o.cfg.DT
	errTicks := wrapTicks(meas-math.Mod(predicted, float64(cpr)), cpr)

	o.posEst = predicted + o.cfg.KpGain*errTicks
	o.velEst += o.cfg.KvGain * errTicks
	o.lastRaw = raw
	return nil
}

// compensation interpolates the eccentricity table at the raw angle.
func (o *Observer) compensation(raw uint16, cpr int) float64 {
	table := &o.cfg.Eccentricity
	n := len(table)
	span := float64(cpr) / float64(n)
	pos := float64(raw) / span
	i := int(pos) % n
	j := (i + 1) % n
	frac := pos - math.Floor(pos)
	return table[i]*(1-frac) + table[j]*frac
}

// wrapTicks normalizes a tick difference to (-cpr/2, cpr/2].
func wrapTicks(d float64, cpr int) float64 {
	half := float64(cpr) / 2
	d = math.Mod(d, float64(cpr))
	if d > half {
		d -= float64(cpr)
	} else if d <= -half {
		d += float64(cpr)
	}
	return d
}

// Position returns the estimated position in ticks (unwrapped, may
// exceed one revolution).
func (o *Observer) Position() float64 {
	return o.posEst
}

// Velocity returns the estimated velocity in ticks per second.
func (o *Observer) Velocity() float64 {
	return o.velEst
}

// MechanicalAngle returns the estimated angle within one revolution,
// in radians.
func (o *Observer) MechanicalAngle(cpr int) float64 {
	return foc.WrapAngle(math.Mod(o.posEst, float64(cpr)) / float64(cpr) * foc.TwoPi)
}

// ElectricalAngle returns the rotor electrical angle in radians,
// referenced to the calibrated offset.
func (o *Observer) ElectricalAngle(cpr int) float64 {
	mech := (o.posEst - o.cfg.AngleOffset) / float64(cpr) * foc.TwoPi
	return foc.WrapAngle(mech * float64(o.cfg.PolePairs))
}

// Ready reports whether at least one sample has been absorbed.
func (o *Observer) Ready() bool {
	return o.ready
}
