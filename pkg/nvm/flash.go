// Flash backends for the NVM config store.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package nvm

import (
	"fmt"
	"os"
)

// ErasedByte is the value every cell reads after an erase.
const ErasedByte = 0xFF

// Flash abstracts the non-volatile region the store rotates through.
// Operations may block; they run only from the main loop, never from
// the control tick path.
type Flash interface {
	// Size returns the region size in bytes.
	Size() int

	// ReadAt fills buf from the region starting at off.
	ReadAt(off int, buf []byte) error

	// EraseRegion resets [off, off+length) to ErasedByte.
	EraseRegion(off, length int) error

	// Program writes data at off. The caller erases first.
	Program(off int, data []byte) error
}

// MemFlash is an in-memory flash region, used by tests and available
// as a volatile fallback.
type MemFlash struct {
	data []byte

	// FailProgram makes the next Program call write corrupted data,
	// simulating a failed flash write. Tests only.
	FailProgram bool
}

// NewMemFlash creates an erased in-memory region of the given size.
func NewMemFlash(size int) *MemFlash {
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemFlash{data: data}
}

// Size implements Flash.
func (m *MemFlash) Size() int { return len(m.data) }

// ReadAt implements Flash.
func (m *MemFlash) ReadAt(off int, buf []byte) error {
	if off < 0 || off+len(buf) > len(m.data) {
		return fmt.Errorf("nvm: read [%d, %d) outside region of %d bytes", off, off+len(buf), len(m.data))
	}
	copy(buf, m.data[off:])
	return nil
}

// EraseRegion implements Flash.
func (m *MemFlash) EraseRegion(off, length int) error {
	if off < 0 || off+length > len(m.data) {
		return fmt.Errorf("nvm: erase [%d, %d) outside region of %d bytes", off, off+length, len(m.data))
	}
	for i := off; i < off+length; i++ {
		m.data[i] = ErasedByte
	}
	return nil
}

// Program implements Flash.
func (m *MemFlash) Program(off int, data []byte) error {
	if off < 0 || off+len(data) > len(m.data) {
		return fmt.Errorf("nvm: program [%d, %d) outside region of %d bytes", off, off+len(data), len(m.data))
	}
	copy(m.data[off:], data)
	if m.FailProgram {
		// Flip a byte in the middle of what was just written.
		m.data[off+len(data)/2] ^= 0x5A
		m.FailProgram = false
	}
	return nil
}

// Corrupt flips one byte at the given offset. Tests only.
func (m *MemFlash) Corrupt(off int) {
	m.data[off] ^= 0xFF
}

// FileFlash is a file-backed flash region for the hosted daemon. The
// backing file has a fixed size; missing or short files are created
// and padded with erased bytes.
type FileFlash struct {
	f    *os.File
	size int
}

// OpenFileFlash opens (or creates) a file-backed region of the given
// size.
func OpenFileFlash(path string, size int) (*FileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("nvm: opening %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("nvm: stat %s: %w", path, err)
	}
	if st.Size() < int64(size) {
		// Pad the new tail with erased bytes.
		pad := make([]byte, int64(size)-st.Size())
		for i := range pad {
			pad[i] = ErasedByte
		}
		if _, err := f.WriteAt(pad, st.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("nvm: padding %s: %w", path, err)
		}
	}

	return &FileFlash{f: f, size: size}, nil
}

// Size implements Flash.
func (ff *FileFlash) Size() int { return ff.size }

// ReadAt implements Flash.
func (ff *FileFlash) ReadAt(off int, buf []byte) error {
	if off < 0 || off+len(buf) > ff.size {
		return fmt.Errorf("nvm: read [%d, %d) outside region of %d bytes", off, off+len(buf), ff.size)
	}
	_, err := ff.f.ReadAt(buf, int64(off))
	return err
}

// EraseRegion implements Flash.
func (ff *FileFlash) EraseRegion(off, length int) error {
	if off < 0 || off+length > ff.size {
		return fmt.Errorf("nvm: erase [%d, %d) outside region of %d bytes", off, off+length, ff.size)
	}
	blank := make([]byte, length)
	for i := range blank {
		blank[i] = ErasedByte
	}
	_, err := ff.f.WriteAt(blank, int64(off))
	return err
}

// Program implements Flash.
func (ff *FileFlash) Program(off int, data []byte) error {
	if off < 0 || off+len(data) > ff.size {
		return fmt.Errorf("nvm: program [%d, %d) outside region of %d bytes", off, off+len(data), ff.size)
	}
	if _, err := ff.f.WriteAt(data, int64(off)); err != nil {
		return err
	}
	return ff.f.Sync()
}

// Close closes the backing file.
func (ff *FileFlash) Close() error {
	return ff.f.Close()
}
