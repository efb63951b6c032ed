// Wire framing for the serial transport.
//
// The serial link carries the same addressed frames as CAN, wrapped in
// a byte-stream framing:
//
//	[0xAA] [len] [id LE32] [payload...] [crc16 LE]
//
// len counts payload bytes only. The CRC covers len, id and payload,
// so a corrupted length byte cannot validate. The decoder resynchronizes
// on the next sync byte after any damage.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package serialport

import (
	"encoding/binary"
	"errors"

	"github.com/motionlayer/Tinymovr/pkg/proto"
)

const (
	syncByte = 0xAA

	headerSize  = 6 // sync + len + id
	trailerSize = 2 // crc16
)

var ErrPayloadTooBig = errors.New("serialport: payload exceeds 8 bytes")

// crc16 is the shift-xor CRC used across the device's serial links.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= uint8(crc & 0xFF)
		b ^= b << 4
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// Encode wraps one frame for the wire.
func Encode(f proto.Frame) ([]byte, error) {
	if len(f.Data) > proto.MaxPayload {
		return nil, ErrPayloadTooBig
	}
	buf := make([]byte, headerSize+len(f.Data)+trailerSize)
	buf[0] = syncByte
	buf[1] = uint8(len(f.Data))
	binary.LittleEndian.PutUint32(buf[2:6], f.ID)
	copy(buf[6:], f.Data)
	crc := crc16(buf[1 : 6+len(f.Data)])
	binary.LittleEndian.PutUint16(buf[6+len(f.Data):], crc)
	return buf, nil
}

// Decoder reassembles frames from an arbitrary byte stream. Feed
// returns every frame completed by the given chunk; damaged frames are
// dropped and counted.
type Decoder struct {
	buf     []byte
	dropped uint64
}

// Feed appends stream bytes and extracts completed frames.
func (d *Decoder) Feed(chunk []byte) []proto.Frame {
	d.buf = append(d.buf, chunk...)
	var frames []proto.Frame

	for {
		// Discard garbage up to the next sync byte.
		start := 0
		for start < len(d.buf) && d.buf[start] != syncByte {
			start++
		}
		if start > 0 {
			d.dropped++
			d.buf = d.buf[start:]
		}
		if len(d.buf) < headerSize+trailerSize {
			return frames
		}

		plen := int(d.buf[1])
		if plen > proto.MaxPayload {
			// Not a real header; skip the sync byte and resync.
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}
		total := headerSize + plen + trailerSize
		if len(d.buf) < total {
			return frames
		}

		want := binary.LittleEndian.Uint16(d.buf[total-trailerSize : total])
		if crc16(d.buf[1:total-trailerSize]) != want {
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}

		data := make([]byte, plen)
		copy(data, d.buf[headerSize:headerSize+plen])
		frames = append(frames, proto.Frame{
			ID:   binary.LittleEndian.Uint32(d.buf[2:6]),
			Data: data,
		})
		d.buf = d.buf[total:]
	}
}

// Dropped returns the count of resync events since creation.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}
