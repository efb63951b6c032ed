// SocketCAN stub for non-Linux platforms.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build !linux

package canbus

import (
	"errors"
	"time"

	"github.com/motionlayer/Tinymovr/pkg/proto"
)

var (
	ErrNotConnected = errors.New("canbus: not connected")
	ErrClosed       = errors.New("canbus: connection closed")
	ErrTimeout      = errors.New("canbus: read timed out")
	ErrFrameTooBig  = errors.New("canbus: payload exceeds 8 bytes")

	ErrNotSupported = errors.New("canbus: not supported on this platform")
)

// Config holds the SocketCAN transport configuration.
type Config struct {
	Interface   string
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

// Bus is a SocketCAN connection (stub).
type Bus struct {
	config Config
}

// Open is not supported off Linux.
func Open(config Config, node uint8) (*Bus, error) {
	return nil, ErrNotSupported
}

func (b *Bus) Send(f proto.Frame) error      { return ErrNotSupported }
func (b *Bus) Receive() (proto.Frame, error) { return proto.Frame{}, ErrNotSupported }
func (b *Bus) Close() error                  { return nil }
func (b *Bus) Stats() Stats                  { return Stats{} }
func (b *Bus) Interface() string             { return b.config.Interface }
