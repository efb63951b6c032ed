// Package canbus moves protocol frames over Linux SocketCAN.
//
// Tinymovr frames use 29-bit extended identifiers; the node id lives in
// the top 7 bits, so the kernel-side receive filter matches on that
// field and the dispatcher never sees other nodes' traffic.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/motionlayer/Tinymovr/pkg/proto"
)

// Constants from linux/can.h not exported by x/sys.
const (
	canEffFlag = 0x80000000 // extended frame format
	canEffMask = 0x1FFFFFFF

	canFrameSize = 16 // sizeof(struct can_frame)
)

var (
	ErrNotConnected = errors.New("canbus: not connected")
	ErrClosed       = errors.New("canbus: connection closed")
	ErrTimeout      = errors.New("canbus: read timed out")
	ErrFrameTooBig  = errors.New("canbus: payload exceeds 8 bytes")
)

// Config holds the SocketCAN transport configuration.
type Config struct {
	// Interface is the SocketCAN device, e.g. "can0" or "vcan0".
	Interface string

	// ReadTimeout bounds a single Receive call.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Interface:   "can0",
		ReadTimeout: 1 * time.Second,
	}
}

// Stats counts transport activity since the bus was opened.
type Stats struct {
	TxFrames uint64
	RxFrames uint64
	TxBytes  uint64
	RxBytes  uint64
	RxErrors uint64
}

type canFilter struct {
	canID   uint32
	canMask uint32
}

type sockaddrCAN struct {
	family  uint16
	ifindex int32
	addr    [8]byte
}

// Bus is one open SocketCAN connection.
type Bus struct {
	mu     sync.Mutex
	fd     int
	config Config
	closed bool
	stats  Stats
}

// Open binds a raw CAN socket on the configured interface, filtered to
// frames addressed to node.
func Open(config Config, node uint8) (*Bus, error) {
	if config.Interface == "" {
		config.Interface = "can0"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 1 * time.Second
	}

	iface, err := net.InterfaceByName(config.Interface)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %s not found: %w", config.Interface, err)
	}

	fd, err := syscall.Socket(unix.AF_CAN, syscall.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: failed to create socket: %w", err)
	}

	// Match the node field of extended frames addressed to us.
	filter := canFilter{
		canID:   canEffFlag | proto.EncodeID(node, 0, false, 0),
		canMask: canEffFlag | uint32(proto.MaxNodeID)<<22,
	}
	_, _, errno := syscall.Syscall6(
		syscall.SYS_SETSOCKOPT,
		uintptr(fd),
		unix.SOL_CAN_RAW,
		unix.CAN_RAW_FILTER,
		uintptr(unsafe.Pointer(&filter)),
		unsafe.Sizeof(filter),
		0,
	)
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("canbus: failed to set filter: %w", errno)
	}

	addr := sockaddrCAN{
		family:  unix.AF_CAN,
		ifindex: int32(iface.Index),
	}
	_, _, errno = syscall.Syscall(
		syscall.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(&addr)),
		unsafe.Sizeof(addr),
	)
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("canbus: failed to bind: %w", errno)
	}

	return &Bus{fd: fd, config: config}, nil
}

// Send writes one frame to the bus.
func (b *Bus) Send(f proto.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.fd < 0 {
		return ErrNotConnected
	}
	if len(f.Data) > proto.MaxPayload {
		return ErrFrameTooBig
	}

	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], canEffFlag|f.ID&canEffMask)
	buf[4] = uint8(len(f.Data))
	copy(buf[8:], f.Data)

	n, err := syscall.Write(b.fd, buf)
	if err != nil {
		return fmt.Errorf("canbus: write failed: %w", err)
	}
	if n != canFrameSize {
		return fmt.Errorf("canbus: short write (%d bytes)", n)
	}
	b.stats.TxFrames++
	b.stats.TxBytes += uint64(len(f.Data))
	return nil
}

// Receive blocks for one frame, up to the configured read timeout.
func (b *Bus) Receive() (proto.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return proto.Frame{}, ErrClosed
	}
	if b.fd < 0 {
		return proto.Frame{}, ErrNotConnected
	}

	pfd := []unix.PollFd{{
		Fd:     int32(b.fd),
		Events: unix.POLLIN,
	}}
	timeoutMs := int(b.config.ReadTimeout.Milliseconds())
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	n, err := unix.Poll(pfd, timeoutMs)
	if err != nil {
		b.stats.RxErrors++
		return proto.Frame{}, fmt.Errorf("canbus: poll error: %w", err)
	}
	if n == 0 {
		return proto.Frame{}, ErrTimeout
	}

	buf := make([]byte, canFrameSize)
	n, err = syscall.Read(b.fd, buf)
	if err != nil {
		b.stats.RxErrors++
		return proto.Frame{}, fmt.Errorf("canbus: read failed: %w", err)
	}
	if n != canFrameSize {
		b.stats.RxErrors++
		return proto.Frame{}, fmt.Errorf("canbus: short read (%d bytes)", n)
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > proto.MaxPayload {
		dlc = proto.MaxPayload
	}
	data := make([]byte, dlc)
	copy(data, buf[8:8+dlc])

	b.stats.RxFrames++
	b.stats.RxBytes += uint64(dlc)
	return proto.Frame{ID: id & canEffMask, Data: data}, nil
}

// Close closes the socket. Further calls return ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.fd >= 0 {
		err := syscall.Close(b.fd)
		b.fd = -1
		return err
	}
	return nil
}

// Stats returns a copy of the transport counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Interface returns the bound device name.
func (b *Bus) Interface() string {
	return b.config.Interface
}
