// Package config defines the per-module device configuration: the
// runtime working copy consumed by the control core, the persisted
// payload stored by the NVM config store, and the injected per-board
// revision limits.
//
// The runtime copy and the last-saved copy may diverge; divergence is
// resolved only by an explicit save.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

// FirmwareVersionLen is the fixed encoded length of the firmware
// version tag inside the NVM payload.
const FirmwareVersionLen = 16

// EccentricityTableSize is the number of encoder compensation entries
// persisted with the config.
const EccentricityTableSize = 32

// FirmwareVersion identifies the running firmware; the NVM payload
// embeds it and a full restore is gated on an exact match.
const FirmwareVersion = "2.6.0"

// AdcConfig holds current-sense calibration.
type AdcConfig struct {
	OffsetA   float64
	OffsetB   float64
	OffsetC   float64
	PhaseGain float64 // amps per count
	BusGain   float64 // volts per count
}

// MotorConfig holds the measured motor characteristics. Resistance,
// inductance and pole pairs are written by the calibration sequencer.
type MotorConfig struct {
	Resistance float64 // ohms
	Inductance float64 // henries
	PolePairs  uint8
	Calibrated bool
}

// EncoderConfig holds encoder geometry and the calibrated angle map.
type EncoderConfig struct {
	CPR          uint32
	AngleOffset  float64 // electrical zero, ticks
	Eccentricity [EccentricityTableSize]float64
}

// ObserverConfig holds the tracking observer gains.
type ObserverConfig struct {
	KpGain float64
	KvGain float64
}

// ControllerConfig holds the cascaded loop gains and limits. Gains are
// engineering units already scaled for the 50 us step.
type ControllerConfig struct {
	PosGainP float64
	PosGainI float64

	VelGainP    float64
	VelGainI    float64
	VelLimit    float64 // ticks/s, clamps the position loop output
	VelDeadband float64 // ticks

	CurGainP float64
	CurGainI float64
	IqLimit  float64 // amps, clamps the velocity loop output
}

// CanConfig holds bus identity and heartbeat timing. NodeID is the
// device identity shared with the NVM metadata.
type CanConfig struct {
	NodeID      uint8
	HeartbeatMs uint16
}

// TrajConfig holds the trajectory planner limits.
type TrajConfig struct {
	MaxVel   float64 // ticks/s
	MaxAccel float64 // ticks/s^2
	MaxDecel float64 // ticks/s^2
}

// HomingConfig holds the axis homing parameters.
type HomingConfig struct {
	Velocity        float64 // ticks/s
	MaxDistance     float64 // ticks
	RetractDistance float64 // ticks
	StallCurrent    float64 // amps, endstop detection threshold
}

// Config is the complete per-module configuration tree. All fields are
// value types, so an assignment is a deep snapshot.
type Config struct {
	Adc        AdcConfig
	Motor      MotorConfig
	Encoder    EncoderConfig
	Observer   ObserverConfig
	Controller ControllerConfig
	Can        CanConfig
	Traj       TrajConfig
	Homing     HomingConfig

	// Version is the firmware version the config was saved under.
	Version string
}

// Default returns the boot defaults used when no valid NVM config
// exists.
func Default() Config {
	return Config{
		Adc: AdcConfig{
			OffsetA:   2048,
			OffsetB:   2048,
			OffsetC:   2048,
			PhaseGain: 0.02,
			BusGain:   0.01,
		},
		Motor: MotorConfig{
			PolePairs: 7,
		},
		Encoder: EncoderConfig{
			CPR: 8192,
		},
		Observer: ObserverConfig{
			KpGain: 0.35,
			KvGain: 1500.0,
		},
		Controller: ControllerConfig{
			PosGainP: 25.0,
			VelGainP: 2.0e-4,
			VelGainI: 2.0e-8,
			VelLimit: 300000,
			CurGainP: 0.5,
			CurGainI: 0.005,
			IqLimit:  10.0,
		},
		Can: CanConfig{
			NodeID:      1,
			HeartbeatMs: 1000,
		},
		Traj: TrajConfig{
			MaxVel:   100000,
			MaxAccel: 500000,
			MaxDecel: 500000,
		},
		Homing: HomingConfig{
			Velocity:        8192,
			MaxDistance:     400000,
			RetractDistance: 1000,
			StallCurrent:    5.0,
		},
		Version: FirmwareVersion,
	}
}

// Clone returns a deep copy. Config is all value types, so this is a
// plain assignment; the method exists to make snapshot sites explicit.
func (c Config) Clone() Config {
	return c
}
