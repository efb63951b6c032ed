// Protocol dispatch.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package proto

import (
	"encoding/binary"
	"math/bits"

	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/log"
	"github.com/motionlayer/Tinymovr/pkg/state"
)

// Dispatcher decodes inbound frames against the endpoint table and
// encodes replies and heartbeats. It runs on the main loop, never on
// the control tick.
type Dispatcher struct {
	env    *Env
	byID   map[uint16]*Endpoint
	hash   uint32
	logger *log.Logger
}

// NewDispatcher builds a dispatcher over the endpoint table.
func NewDispatcher(env *Env) *Dispatcher {
	eps := table()
	byID := make(map[uint16]*Endpoint, len(eps))
	for i := range eps {
		byID[eps[i].ID] = &eps[i]
	}
	return &Dispatcher{
		env:    env,
		byID:   byID,
		hash:   Hash(),
		logger: log.Component("proto"),
	}
}

// NodeID returns the identity frames are matched against.
func (d *Dispatcher) NodeID() uint8 {
	return d.env.Core.ConfigSnapshot().Can.NodeID
}

// Handle processes one inbound frame. A frame addressed to another
// node returns (nil, nil) and is ignored. A read returns the reply
// frame to send; a write returns nil on success. Protocol errors are
// returned to the caller and never change device state.
func (d *Dispatcher) Handle(f Frame) (*Frame, error) {
	node, epID, reply, hashLow := DecodeID(f.ID)
	if node != d.NodeID() || reply {
		return nil, nil
	}

	if hashLow != uint16(d.hash&hashMask) {
		return nil, coreerrors.Newf(coreerrors.CodeProtoHashMismatch,
			"frame hash %#03x, ours %#03x", hashLow, d.hash&hashMask)
	}

	ep, ok := d.byID[epID]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeProtoUnknownEndpoint, "endpoint %#03x", epID)
	}

	// Empty body on a readable endpoint is a read request.
	if len(f.Data) == 0 && ep.Read != nil {
		return &Frame{
			ID:   EncodeID(node, epID, true, d.hash),
			Data: ep.Read(d.env),
		}, nil
	}

	if ep.Write == nil {
		return nil, coreerrors.Newf(coreerrors.CodeProtoReadOnly, "endpoint %s", ep.Name)
	}
	if len(f.Data) != ep.Size {
		return nil, coreerrors.Newf(coreerrors.CodeProtoMalformed,
			"endpoint %s: payload %d bytes, want %d", ep.Name, len(f.Data), ep.Size)
	}
	if err := ep.Write(d.env, f.Data); err != nil {
		d.logger.Warn("write rejected", log.Fields{"endpoint": ep.Name, "err": err})
		return nil, err
	}
	return nil, nil
}

// Heartbeat builds the periodic presence frame: protocol hash, device
// state, latched error reason and protocol version.
func (d *Dispatcher) Heartbeat() Frame {
	snap := d.env.Core.Snapshot()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], d.hash)
	data[4] = uint8(snap.State)
	data[5] = errorReason(snap.Errors)
	data[6] = ProtocolVersion
	data[7] = d.NodeID()
	return Frame{
		ID:   EncodeID(d.NodeID(), EpHeartbeat, true, d.hash),
		Data: data,
	}
}

// errorReason compresses the latched flag mask to the lowest set
// flag's index plus one, zero meaning no error. Hosts that need the
// full mask read the errors endpoint instead.
func errorReason(flags state.ErrorFlag) uint8 {
	if flags == state.ErrorNone {
		return 0
	}
	return uint8(bits.TrailingZeros16(uint16(flags))) + 1
}
