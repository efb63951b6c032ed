// Frame addressing.
//
// An addressed frame packs {node id, endpoint id, reply flag, protocol
// hash} into a 29-bit extended CAN identifier:
//
//	bits 28-22  node id (7 bits)
//	bits 21-12  endpoint id (10 bits)
//	bit  11     reply flag
//	bits 10-0   low 11 bits of the protocol hash
//
// The body carries up to 8 bytes of little-endian, type-specific
// payload. The serial transport reuses the same identifier word inside
// its own framing, so the endpoint space and payload encoding are
// transport independent.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package proto

// Frame is one addressed protocol message.
type Frame struct {
	ID   uint32
	Data []byte
}

const (
	nodeShift     = 22
	endpointShift = 12
	replyBit      = 1 << 11
	hashMask      = 0x7FF

	// MaxNodeID is the largest identity the 7-bit field encodes.
	MaxNodeID = 0x7F

	// MaxEndpointID is the largest endpoint the 10-bit field encodes.
	MaxEndpointID = 0x3FF

	// MaxPayload is the frame body limit.
	MaxPayload = 8
)

// EncodeID packs the addressing fields into a 29-bit identifier.
func EncodeID(node uint8, endpoint uint16, reply bool, hash uint32) uint32 {
	id := uint32(node&MaxNodeID)<<nodeShift |
		uint32(endpoint&MaxEndpointID)<<endpointShift |
		hash&hashMask
	if reply {
		id |= replyBit
	}
	return id
}

// DecodeID unpacks a 29-bit identifier.
func DecodeID(id uint32) (node uint8, endpoint uint16, reply bool, hashLow uint16) {
	node = uint8(id >> nodeShift & MaxNodeID)
	endpoint = uint16(id >> endpointShift & MaxEndpointID)
	reply = id&replyBit != 0
	hashLow = uint16(id & hashMask)
	return node, endpoint, reply, hashLow
}
