// Binary codec for the NVM config payload.
//
// The payload is the concatenation of the per-module config structs in
// a fixed order, followed by the fixed-length firmware version tag.
// All multi-byte values are little endian. The layout is part of the
// flash format and must not be reordered.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"encoding/binary"
	"errors"
	"math"
)

// Codec errors
var (
	ErrShortPayload = errors.New("config: payload too short")
)

// PayloadSize is the exact encoded size of a Config in bytes.
const PayloadSize = 5*8 + // adc
	(2*8 + 1 + 1) + // motor
	(4 + 8 + EccentricityTableSize*8) + // encoder
	2*8 + // observer
	9*8 + // controller
	(1 + 2) + // can
	3*8 + // traj
	4*8 + // homing
	FirmwareVersionLen

type payloadWriter struct {
	buf []byte
	off int
}

func (w *payloadWriter) f64(v float64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], math.Float64bits(v))
	w.off += 8
}

func (w *payloadWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *payloadWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *payloadWriter) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *payloadWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) f64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *payloadReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *payloadReader) bool() bool {
	return r.u8() != 0
}

// Encode serializes the config into the fixed NVM payload layout.
func (c *Config) Encode() []byte {
	w := &payloadWriter{buf: make([]byte, PayloadSize)}

	w.f64(c.Adc.OffsetA)
	w.f64(c.Adc.OffsetB)
	w.f64(c.Adc.OffsetC)
	w.f64(c.Adc.PhaseGain)
	w.f64(c.Adc.BusGain)

	w.f64(c.Motor.Resistance)
	w.f64(c.Motor.Inductance)
	w.u8(c.Motor.PolePairs)
	w.bool(c.Motor.Calibrated)

	w.u32(c.Encoder.CPR)
	w.f64(c.Encoder.AngleOffset)
	for _, v := range c.Encoder.Eccentricity {
		w.f64(v)
	}

	w.f64(c.Observer.KpGain)
	w.f64(c.Observer.KvGain)

	w.f64(c.Controller.PosGainP)
	w.f64(c.Controller.PosGainI)
	w.f64(c.Controller.VelGainP)
	w.f64(c.Controller.VelGainI)
	w.f64(c.Controller.VelLimit)
	w.f64(c.Controller.VelDeadband)
	w.f64(c.Controller.CurGainP)
	w.f64(c.Controller.CurGainI)
	w.f64(c.Controller.IqLimit)

	w.u8(c.Can.NodeID)
	w.u16(c.Can.HeartbeatMs)

	w.f64(c.Traj.MaxVel)
	w.f64(c.Traj.MaxAccel)
	w.f64(c.Traj.MaxDecel)

	w.f64(c.Homing.Velocity)
	w.f64(c.Homing.MaxDistance)
	w.f64(c.Homing.RetractDistance)
	w.f64(c.Homing.StallCurrent)

	var ver [FirmwareVersionLen]byte
	copy(ver[:], c.Version)
	copy(w.buf[w.off:], ver[:])
	w.off += FirmwareVersionLen

	return w.buf
}

// Decode deserializes a payload produced by Encode. The caller has
// already verified the payload checksum.
func Decode(data []byte) (Config, error) {
	if len(data) < PayloadSize {
		return Config{}, ErrShortPayload
	}
	r := &payloadReader{buf: data}
	var c Config

	c.Adc.OffsetA = r.f64()
	c.Adc.OffsetB = r.f64()
	c.Adc.OffsetC = r.f64()
	c.Adc.PhaseGain = r.f64()
	c.Adc.BusGain = r.f64()

	c.Motor.Resistance = r.f64()
	c.Motor.Inductance = r.f64()
	c.Motor.PolePairs = r.u8()
	c.Motor.Calibrated = r.bool()

	c.Encoder.CPR = r.u32()
	c.Encoder.AngleOffset = r.f64()
	for i := range c.Encoder.Eccentricity {
		c.Encoder.Eccentricity[i] = r.f64()
	}

	c.Observer.KpGain = r.f64()
	c.Observer.KvGain = r.f64()

	c.Controller.PosGainP = r.f64()
	c.Controller.PosGainI = r.f64()
	c.Controller.VelGainP = r.f64()
	c.Controller.VelGainI = r.f64()
	c.Controller.VelLimit = r.f64()
	c.Controller.VelDeadband = r.f64()
	c.Controller.CurGainP = r.f64()
	c.Controller.CurGainI = r.f64()
	c.Controller.IqLimit = r.f64()

	c.Can.NodeID = r.u8()
	c.Can.HeartbeatMs = r.u16()

	c.Traj.MaxVel = r.f64()
	c.Traj.MaxAccel = r.f64()
	c.Traj.MaxDecel = r.f64()

	c.Homing.Velocity = r.f64()
	c.Homing.MaxDistance = r.f64()
	c.Homing.RetractDistance = r.f64()
	c.Homing.StallCurrent = r.f64()

	ver := data[r.off : r.off+FirmwareVersionLen]
	c.Version = trimVersion(ver)

	return c, nil
}

// trimVersion strips the zero padding from a fixed-length version tag.
func trimVersion(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
