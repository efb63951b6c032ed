// Package serialport moves protocol frames over a UART link.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/motionlayer/Tinymovr/pkg/proto"
)

var (
	ErrClosed  = errors.New("serialport: closed")
	ErrTimeout = errors.New("serialport: read timed out")
)

// Config holds the UART transport configuration.
type Config struct {
	// Device is the port path, e.g. "/dev/ttyACM0".
	Device string

	// Baud rate; Tinymovr UART runs at 115200 by default.
	Baud int

	// ReadTimeout bounds a single Receive call.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Baud:        115200,
		ReadTimeout: 1 * time.Second,
	}
}

// Transport frames protocol messages over an open byte stream.
type Transport struct {
	mu      sync.Mutex
	rw      io.ReadWriteCloser
	dec     Decoder
	pending []proto.Frame
	closed  bool
}

// Open opens the configured device.
func Open(config Config) (*Transport, error) {
	if config.Baud == 0 {
		config.Baud = 115200
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 1 * time.Second
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Device,
		Baud:        config.Baud,
		ReadTimeout: config.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", config.Device, err)
	}
	return &Transport{rw: port}, nil
}

// NewTransport wraps an already open stream; used by tests and by
// pseudo-terminal setups.
func NewTransport(rw io.ReadWriteCloser) *Transport {
	return &Transport{rw: rw}
}

// Send writes one frame.
func (t *Transport) Send(f proto.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = t.rw.Write(buf)
	return err
}

// Receive returns the next decoded frame. The underlying port's read
// timeout bounds the wait; a quiet link returns ErrTimeout.
func (t *Transport) Receive() (proto.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return proto.Frame{}, ErrClosed
	}
	for {
		if len(t.pending) > 0 {
			f := t.pending[0]
			t.pending = t.pending[1:]
			return f, nil
		}
		chunk := make([]byte, 64)
		n, err := t.rw.Read(chunk)
		if n > 0 {
			t.pending = append(t.pending, t.dec.Feed(chunk[:n])...)
			continue
		}
		if err != nil {
			return proto.Frame{}, err
		}
		// tarm/serial signals a timeout as a zero-byte read.
		return proto.Frame{}, ErrTimeout
	}
}

// Dropped returns the decoder's resync count.
func (t *Transport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dec.Dropped()
}

// Close closes the underlying port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.rw.Close()
}
