// Endpoint table.
//
// Every externally reachable parameter and action is an endpoint with
// a fixed id and a fixed payload layout. The table is the protocol
// schema: its hash gates all writes, so two firmwares agree on every
// endpoint's meaning or they do not talk.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package proto

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/control"
	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/state"
)

// ProtocolVersion is carried in the heartbeat and bumped on any
// breaking change of the payload encodings.
const ProtocolVersion = 2

// Endpoint ids. Values are part of the wire contract and never reused.
const (
	EpHeartbeat       uint16 = 0x000
	EpProtocolHash    uint16 = 0x001
	EpFirmwareVersion uint16 = 0x002
	EpDeviceState     uint16 = 0x003
	EpDeviceErrors    uint16 = 0x004
	EpStateCommand    uint16 = 0x005
	EpControlMode     uint16 = 0x006
	EpClearErrors     uint16 = 0x007

	EpPositionSetpoint uint16 = 0x010
	EpVelocitySetpoint uint16 = 0x011
	EpIqSetpoint       uint16 = 0x012
	EpPositionEstimate uint16 = 0x013
	EpVelocityEstimate uint16 = 0x014
	EpIqEstimate       uint16 = 0x015
	EpVBus             uint16 = 0x016

	EpPosGainP uint16 = 0x020
	EpVelGainP uint16 = 0x021
	EpVelGainI uint16 = 0x022
	EpVelLimit uint16 = 0x023
	EpCurGainP uint16 = 0x024
	EpCurGainI uint16 = 0x025
	EpIqLimit  uint16 = 0x026

	EpMotorResistance uint16 = 0x030
	EpMotorInductance uint16 = 0x031
	EpMotorPolePairs  uint16 = 0x032
	EpMotorCalibrated uint16 = 0x033

	EpTrajMaxVel   uint16 = 0x040
	EpTrajMaxAccel uint16 = 0x041
	EpTrajMaxDecel uint16 = 0x042
	EpTrajGoto     uint16 = 0x043
	EpHomingStart  uint16 = 0x044

	EpNodeID      uint16 = 0x050
	EpHeartbeatMs uint16 = 0x051
	EpSaveConfig  uint16 = 0x052
	EpEraseConfig uint16 = 0x053
)

// Env is what endpoint handlers act against. SaveConfig persists the
// core's active config and EraseConfig wipes the stored slots; both
// run on the caller's goroutine, never the tick.
type Env struct {
	Core        *control.Core
	SaveConfig  func() error
	EraseConfig func() error
}

// Endpoint describes one parameter or action. Read builds a reply
// payload; Write applies an inbound one. A nil func means the
// direction is not supported.
type Endpoint struct {
	ID   uint16
	Name string
	Size int // exact payload length for the supported directions

	Read  func(*Env) []byte
	Write func(*Env, []byte) error
}

func f32(v float64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	return b
}

func readF32(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

// configF32 builds a read/write float endpoint over one config field.
func configF32(id uint16, name string, get func(*config.Config) float64, set func(*config.Config, float64)) Endpoint {
	return Endpoint{
		ID:   id,
		Name: name,
		Size: 4,
		Read: func(e *Env) []byte {
			cfg := e.Core.ConfigSnapshot()
			return f32(get(&cfg))
		},
		Write: func(e *Env, b []byte) error {
			cfg := e.Core.ConfigSnapshot()
			set(&cfg, readF32(b))
			e.Core.StageConfig(cfg)
			return nil
		},
	}
}

// table builds the endpoint schema. Ids are fixed; the hash is derived
// from this table.
func table() []Endpoint {
	eps := []Endpoint{
		{
			ID: EpProtocolHash, Name: "protocol_hash", Size: 4,
			Read: func(e *Env) []byte {
				b := make([]byte, 4)
				binary.LittleEndian.PutUint32(b, Hash())
				return b
			},
		},
		{
			ID: EpFirmwareVersion, Name: "firmware_version", Size: 8,
			Read: func(e *Env) []byte {
				b := make([]byte, 8)
				copy(b, config.FirmwareVersion)
				return b
			},
		},
		{
			ID: EpDeviceState, Name: "device_state", Size: 1,
			Read: func(e *Env) []byte {
				return []byte{uint8(e.Core.Snapshot().State)}
			},
		},
		{
			ID: EpDeviceErrors, Name: "device_errors", Size: 2,
			Read: func(e *Env) []byte {
				b := make([]byte, 2)
				binary.LittleEndian.PutUint16(b, uint16(e.Core.Snapshot().Errors))
				return b
			},
		},
		{
			ID: EpStateCommand, Name: "state_command", Size: 1,
			Write: func(e *Env, b []byte) error {
				switch state.Command(b[0] + 1) {
				case state.CommandIdle, state.CommandCalibrate, state.CommandClosedLoop:
					e.Core.RequestState(state.Command(b[0] + 1))
					return nil
				}
				return coreerrors.Newf(coreerrors.CodeProtoMalformed, "unknown state command %d", b[0])
			},
		},
		{
			ID: EpControlMode, Name: "control_mode", Size: 1,
			Read: func(e *Env) []byte {
				return []byte{uint8(e.Core.Snapshot().Mode)}
			},
			Write: func(e *Env, b []byte) error {
				m := control.Mode(b[0])
				if m < control.ModeCurrent || m > control.ModePosition {
					return coreerrors.Newf(coreerrors.CodeProtoMalformed, "unknown control mode %d", b[0])
				}
				e.Core.SetMode(m)
				return nil
			},
		},
		{
			ID: EpClearErrors, Name: "clear_errors", Size: 0,
			Write: func(e *Env, b []byte) error {
				e.Core.ClearErrors()
				return nil
			},
		},
		{
			ID: EpPositionSetpoint, Name: "position_setpoint", Size: 4,
			Read: func(e *Env) []byte {
				return f32(e.Core.Snapshot().Setpoint.Position)
			},
			Write: func(e *Env, b []byte) error {
				s := e.Core.Snapshot().Setpoint
				s.Position = readF32(b)
				e.Core.SetTarget(s)
				return nil
			},
		},
		{
			ID: EpVelocitySetpoint, Name: "velocity_setpoint", Size: 4,
			Read: func(e *Env) []byte {
				return f32(e.Core.Snapshot().Setpoint.Velocity)
			},
			Write: func(e *Env, b []byte) error {
				s := e.Core.Snapshot().Setpoint
				s.Velocity = readF32(b)
				e.Core.SetTarget(s)
				return nil
			},
		},
		{
			ID: EpIqSetpoint, Name: "iq_setpoint", Size: 4,
			Read: func(e *Env) []byte {
				return f32(e.Core.Snapshot().Setpoint.Iq)
			},
			Write: func(e *Env, b []byte) error {
				s := e.Core.Snapshot().Setpoint
				s.Iq = readF32(b)
				e.Core.SetTarget(s)
				return nil
			},
		},
		{
			ID: EpPositionEstimate, Name: "position_estimate", Size: 4,
			Read: func(e *Env) []byte { return f32(e.Core.Snapshot().Position) },
		},
		{
			ID: EpVelocityEstimate, Name: "velocity_estimate", Size: 4,
			Read: func(e *Env) []byte { return f32(e.Core.Snapshot().Velocity) },
		},
		{
			ID: EpIqEstimate, Name: "iq_estimate", Size: 4,
			Read: func(e *Env) []byte { return f32(e.Core.Snapshot().Iq) },
		},
		{
			ID: EpVBus, Name: "vbus", Size: 4,
			Read: func(e *Env) []byte { return f32(e.Core.Snapshot().VBus) },
		},

		configF32(EpPosGainP, "pos_gain_p",
			func(c *config.Config) float64 { return c.Controller.PosGainP },
			func(c *config.Config, v float64) { c.Controller.PosGainP = v }),
		configF32(EpVelGainP, "vel_gain_p",
			func(c *config.Config) float64 { return c.Controller.VelGainP },
			func(c *config.Config, v float64) { c.Controller.VelGainP = v }),
		configF32(EpVelGainI, "vel_gain_i",
			func(c *config.Config) float64 { return c.Controller.VelGainI },
			func(c *config.Config, v float64) { c.Controller.VelGainI = v }),
		configF32(EpVelLimit, "vel_limit",
			func(c *config.Config) float64 { return c.Controller.VelLimit },
			func(c *config.Config, v float64) { c.Controller.VelLimit = v }),
		configF32(EpCurGainP, "cur_gain_p",
			func(c *config.Config) float64 { return c.Controller.CurGainP },
			func(c *config.Config, v float64) { c.Controller.CurGainP = v }),
		configF32(EpCurGainI, "cur_gain_i",
			func(c *config.Config) float64 { return c.Controller.CurGainI },
			func(c *config.Config, v float64) { c.Controller.CurGainI = v }),
		configF32(EpIqLimit, "iq_limit",
			func(c *config.Config) float64 { return c.Controller.IqLimit },
			func(c *config.Config, v float64) { c.Controller.IqLimit = v }),

		{
			ID: EpMotorResistance, Name: "motor_resistance", Size: 4,
			Read: func(e *Env) []byte { cfg := e.Core.ConfigSnapshot(); return f32(cfg.Motor.Resistance) },
		},
		{
			ID: EpMotorInductance, Name: "motor_inductance", Size: 4,
			Read: func(e *Env) []byte { cfg := e.Core.ConfigSnapshot(); return f32(cfg.Motor.Inductance) },
		},
		{
			ID: EpMotorPolePairs, Name: "motor_pole_pairs", Size: 1,
			Read: func(e *Env) []byte { cfg := e.Core.ConfigSnapshot(); return []byte{cfg.Motor.PolePairs} },
		},
		{
			ID: EpMotorCalibrated, Name: "motor_calibrated", Size: 1,
			Read: func(e *Env) []byte {
				cfg := e.Core.ConfigSnapshot()
				if cfg.Motor.Calibrated {
					return []byte{1}
				}
				return []byte{0}
			},
		},

		configF32(EpTrajMaxVel, "traj_max_vel",
			func(c *config.Config) float64 { return c.Traj.MaxVel },
			func(c *config.Config, v float64) { c.Traj.MaxVel = v }),
		configF32(EpTrajMaxAccel, "traj_max_accel",
			func(c *config.Config) float64 { return c.Traj.MaxAccel },
			func(c *config.Config, v float64) { c.Traj.MaxAccel = v }),
		configF32(EpTrajMaxDecel, "traj_max_decel",
			func(c *config.Config) float64 { return c.Traj.MaxDecel },
			func(c *config.Config, v float64) { c.Traj.MaxDecel = v }),
		{
			ID: EpTrajGoto, Name: "traj_goto", Size: 4,
			Write: func(e *Env, b []byte) error {
				return e.Core.StartTrajectory(readF32(b))
			},
		},
		{
			ID: EpHomingStart, Name: "homing_start", Size: 0,
			Write: func(e *Env, b []byte) error {
				e.Core.StartHoming()
				return nil
			},
		},

		{
			ID: EpNodeID, Name: "node_id", Size: 1,
			Read: func(e *Env) []byte {
				cfg := e.Core.ConfigSnapshot()
				return []byte{cfg.Can.NodeID}
			},
			Write: func(e *Env, b []byte) error {
				if b[0] < 1 || b[0] > MaxNodeID {
					return coreerrors.Newf(coreerrors.CodeProtoMalformed, "node id %d outside [1, %d]", b[0], MaxNodeID)
				}
				cfg := e.Core.ConfigSnapshot()
				cfg.Can.NodeID = b[0]
				e.Core.StageConfig(cfg)
				return nil
			},
		},
		{
			ID: EpHeartbeatMs, Name: "heartbeat_ms", Size: 2,
			Read: func(e *Env) []byte {
				cfg := e.Core.ConfigSnapshot()
				b := make([]byte, 2)
				binary.LittleEndian.PutUint16(b, cfg.Can.HeartbeatMs)
				return b
			},
			Write: func(e *Env, b []byte) error {
				cfg := e.Core.ConfigSnapshot()
				cfg.Can.HeartbeatMs = binary.LittleEndian.Uint16(b)
				e.Core.StageConfig(cfg)
				return nil
			},
		},
		{
			ID: EpSaveConfig, Name: "save_config", Size: 0,
			Write: func(e *Env, b []byte) error {
				if e.SaveConfig == nil {
					return coreerrors.New(coreerrors.CodeProtoReadOnly, "no storage attached")
				}
				return e.SaveConfig()
			},
		},
		{
			ID: EpEraseConfig, Name: "erase_config", Size: 0,
			Write: func(e *Env, b []byte) error {
				if e.EraseConfig == nil {
					return coreerrors.New(coreerrors.CodeProtoReadOnly, "no storage attached")
				}
				return e.EraseConfig()
			},
		},
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	return eps
}

// Hash returns the protocol/schema compatibility hash: FNV-1a over the
// sorted endpoint signatures.
func Hash() uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "tinymovr-proto-v%d;", ProtocolVersion)
	for _, ep := range table() {
		access := ""
		if ep.Read != nil {
			access += "r"
		}
		if ep.Write != nil {
			access += "w"
		}
		fmt.Fprintf(h, "%03x:%s:%d:%s;", ep.ID, ep.Name, ep.Size, access)
	}
	return h.Sum32()
}
