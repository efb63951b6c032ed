// Wear-leveled NVM config store.
//
// The flash region is divided into a rotation of equal-size slots.
// Each slot holds a 32-byte metadata header followed by the encoded
// config payload. Saves walk the rotation round-robin; loads pick the
// valid slot with the highest sequence number. Device identity is
// stored redundantly in the header so it can be restored even when the
// payload belongs to a different firmware version.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package nvm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/motionlayer/Tinymovr/pkg/config"
	coreerrors "github.com/motionlayer/Tinymovr/pkg/errors"
	"github.com/motionlayer/Tinymovr/pkg/log"
)

const (
	// HeaderSize is the fixed metadata header size.
	HeaderSize = 32

	// Magic identifies a programmed slot ("TMV2", little endian on
	// the wire).
	Magic uint32 = 0x544D5632

	// MetaVersion is the current metadata format version.
	MetaVersion uint16 = 1

	// MinNodeID is the smallest addressable bus identity.
	MinNodeID uint8 = 1

	// MaxNodeID is the largest identity encodable in the 7-bit bus
	// address field.
	MaxNodeID uint8 = 127

	// FallbackNodeID is used when no slot yields a valid identity.
	FallbackNodeID uint8 = 1

	// DefaultSlotCount is the rotation length on the reference board.
	DefaultSlotCount = 8
)

// Header byte offsets, bit-exact. Bytes 2 through 15 are reserved and
// preserved on rewrite.
const (
	offNodeID   = 0
	offNodeID2  = 1
	offReserved = 2
	offSeq      = 16
	offMagic    = 20
	offPayload  = 24
	offMetaVer  = 26
	offMetaCRC  = 28
)

// LoadResult classifies the outcome of Load.
type LoadResult int

const (
	// LoadNone means no valid slot was found; identity and config
	// are both defaults.
	LoadNone LoadResult = iota

	// LoadPartial means identity was restored from slot metadata
	// but the payload belongs to another firmware version; module
	// configs are defaults.
	LoadPartial

	// LoadFull means the complete config was restored.
	LoadFull
)

func (r LoadResult) String() string {
	switch r {
	case LoadNone:
		return "none"
	case LoadPartial:
		return "partial"
	case LoadFull:
		return "full"
	default:
		return "unknown"
	}
}

// header is the decoded slot metadata.
type header struct {
	NodeID      uint8
	NodeID2     uint8
	Reserved    [14]byte
	Seq         uint32
	Magic       uint32
	PayloadSize uint16
	MetaVersion uint16
	CRC         uint32
}

// identityValid reports whether the redundant node-id pair agrees and
// is addressable.
func (h *header) identityValid() bool {
	return h.NodeID == h.NodeID2 && h.NodeID >= MinNodeID && h.NodeID <= MaxNodeID
}

func encodeHeader(h *header) []byte {
	buf := make([]byte, HeaderSize)
	buf[offNodeID] = h.NodeID
	buf[offNodeID2] = h.NodeID2
	copy(buf[offReserved:offSeq], h.Reserved[:])
	binary.LittleEndian.PutUint32(buf[offSeq:], h.Seq)
	binary.LittleEndian.PutUint32(buf[offMagic:], h.Magic)
	binary.LittleEndian.PutUint16(buf[offPayload:], h.PayloadSize)
	binary.LittleEndian.PutUint16(buf[offMetaVer:], h.MetaVersion)
	binary.LittleEndian.PutUint32(buf[offMetaCRC:], crc32.ChecksumIEEE(buf[:offMetaCRC]))
	return buf
}

// decodeHeader parses and validates a raw header. A nil return with a
// nil error means the slot is not valid (bad magic or checksum) and
// should be treated as absent.
func decodeHeader(raw []byte) *header {
	if len(raw) < HeaderSize {
		return nil
	}
	if binary.LittleEndian.Uint32(raw[offMagic:]) != Magic {
		return nil
	}
	if binary.LittleEndian.Uint32(raw[offMetaCRC:]) != crc32.ChecksumIEEE(raw[:offMetaCRC]) {
		return nil
	}
	h := &header{
		NodeID:      raw[offNodeID],
		NodeID2:     raw[offNodeID2],
		Seq:         binary.LittleEndian.Uint32(raw[offSeq:]),
		Magic:       binary.LittleEndian.Uint32(raw[offMagic:]),
		PayloadSize: binary.LittleEndian.Uint16(raw[offPayload:]),
		MetaVersion: binary.LittleEndian.Uint16(raw[offMetaVer:]),
		CRC:         binary.LittleEndian.Uint32(raw[offMetaCRC:]),
	}
	copy(h.Reserved[:], raw[offReserved:offSeq])
	return h
}

// newerSeq reports whether a denotes a more recent save than b,
// wrap-safe within half the sequence space.
func newerSeq(a, b uint32) bool {
	return int32(a-b) > 0
}

// Store manages the slot rotation on a Flash region.
type Store struct {
	flash     Flash
	slotCount int
	slotSize  int
	logger    *log.Logger

	// latestSlot is -1 until a valid slot is known.
	latestSlot int
	latestSeq  uint32
	latestNode uint8
}

// NewStore creates a store over the given flash region divided into
// slotCount slots. The region must fit at least one header plus an
// encoded payload per slot.
func NewStore(flash Flash, slotCount int) (*Store, error) {
	if slotCount < 1 {
		return nil, coreerrors.Newf(coreerrors.CodeStorageIO, "slot count %d < 1", slotCount)
	}
	slotSize := flash.Size() / slotCount
	if slotSize < HeaderSize+config.PayloadSize+4 {
		return nil, coreerrors.Newf(coreerrors.CodeStorageIO,
			"slot size %d too small for %d byte header + %d byte payload",
			slotSize, HeaderSize, config.PayloadSize+4)
	}
	return &Store{
		flash:      flash,
		slotCount:  slotCount,
		slotSize:   slotSize,
		logger:     log.Component("nvm"),
		latestSlot: -1,
	}, nil
}

// SlotCount returns the rotation length.
func (s *Store) SlotCount() int { return s.slotCount }

// LatestSlot returns the index of the authoritative slot, or -1.
func (s *Store) LatestSlot() int { return s.latestSlot }

// Load scans all slots and restores identity and config from the most
// recent valid one.
//
// The restore is two-phase: identity first, from the metadata header's
// redundant node-id pair, then the payload, gated on its checksum and
// the embedded firmware version matching the running firmware. A
// version mismatch yields LoadPartial with identity intact and module
// configs at defaults.
func (s *Store) Load() (LoadResult, uint8, config.Config, error) {
	cfg := config.Default()
	identity := FallbackNodeID

	bestSlot := -1
	var best *header
	raw := make([]byte, HeaderSize)
	for i := 0; i < s.slotCount; i++ {
		if err := s.flash.ReadAt(i*s.slotSize, raw); err != nil {
			return LoadNone, identity, cfg, coreerrors.Wrap(err, coreerrors.CodeStorageIO, "reading slot header")
		}
		h := decodeHeader(raw)
		if h == nil {
			continue
		}
		if best == nil || newerSeq(h.Seq, best.Seq) {
			best, bestSlot = h, i
		}
	}

	if best == nil {
		s.logger.Info("no valid slot, using defaults", log.Fields{"identity": identity})
		cfg.Can.NodeID = identity
		return LoadNone, identity, cfg, nil
	}

	s.latestSlot = bestSlot
	s.latestSeq = best.Seq
	s.latestNode = best.NodeID

	// Phase 1: identity from metadata, before the payload is
	// touched. Metadata's copy wins over whatever the payload says.
	if best.identityValid() {
		identity = best.NodeID
	}
	cfg.Can.NodeID = identity

	// Phase 2: payload, gated on checksum and firmware version.
	if int(best.PayloadSize) < 4 || HeaderSize+int(best.PayloadSize) > s.slotSize {
		s.logger.Warn("payload size out of range", log.Fields{"slot": bestSlot, "size": best.PayloadSize})
		return LoadPartial, identity, cfg, nil
	}
	payload := make([]byte, best.PayloadSize)
	if err := s.flash.ReadAt(bestSlot*s.slotSize+HeaderSize, payload); err != nil {
		return LoadPartial, identity, cfg, coreerrors.Wrap(err, coreerrors.CodeStorageIO, "reading slot payload")
	}
	body := payload[:len(payload)-4]
	want := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	if crc32.ChecksumIEEE(body) != want {
		s.logger.Warn("payload checksum mismatch, using defaults", log.Fields{"slot": bestSlot})
		return LoadPartial, identity, cfg, nil
	}

	decoded, err := config.Decode(body)
	if err != nil {
		s.logger.Warn("payload decode failed, using defaults", log.Fields{"slot": bestSlot, "err": err})
		return LoadPartial, identity, cfg, nil
	}
	if decoded.Version != config.FirmwareVersion {
		s.logger.Info("firmware version mismatch, identity-only restore",
			log.Fields{"slot": bestSlot, "stored": decoded.Version, "running": config.FirmwareVersion})
		return LoadPartial, identity, cfg, nil
	}

	decoded.Can.NodeID = identity
	s.logger.Info("config restored", log.Fields{"slot": bestSlot, "seq": best.Seq, "identity": identity})
	return LoadFull, identity, decoded, nil
}

// Save writes the config to the next slot in the rotation and verifies
// the write by reading it back. The identity recorded in the header is
// cfg.Can.NodeID. If the identity differs from the latest valid slot's,
// the save targets slot 0 so that slot 0 always reflects the current
// identity. A failed verification leaves the prior latest slot
// authoritative.
func (s *Store) Save(cfg *config.Config) error {
	identity := cfg.Can.NodeID
	if identity < MinNodeID || identity > MaxNodeID {
		return coreerrors.Newf(coreerrors.CodeStorageIO, "identity %d outside [%d, %d]", identity, MinNodeID, MaxNodeID)
	}

	target := 0
	if s.latestSlot >= 0 && identity == s.latestNode {
		target = (s.latestSlot + 1) % s.slotCount
	}
	seq := s.latestSeq + 1

	body := cfg.Encode()
	payload := make([]byte, len(body)+4)
	copy(payload, body)
	binary.LittleEndian.PutUint32(payload[len(body):], crc32.ChecksumIEEE(body))

	h := &header{
		NodeID:      identity,
		NodeID2:     identity,
		Seq:         seq,
		Magic:       Magic,
		PayloadSize: uint16(len(payload)),
		MetaVersion: MetaVersion,
	}
	// Carry the reserved bytes of the slot being overwritten.
	prev := make([]byte, HeaderSize)
	if err := s.flash.ReadAt(target*s.slotSize, prev); err == nil {
		if ph := decodeHeader(prev); ph != nil {
			h.Reserved = ph.Reserved
		}
	}

	image := append(encodeHeader(h), payload...)
	off := target * s.slotSize
	if err := s.flash.EraseRegion(off, s.slotSize); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageIO, "erasing slot")
	}
	if err := s.flash.Program(off, image); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageIO, "programming slot")
	}

	// Read back and verify both checksums before trusting the slot.
	check := make([]byte, len(image))
	if err := s.flash.ReadAt(off, check); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStorageIO, "reading back slot")
	}
	rh := decodeHeader(check[:HeaderSize])
	if rh == nil || rh.Seq != seq || !bytes.Equal(check, image) {
		s.logger.Error("write verification failed", log.Fields{"slot": target, "seq": seq})
		// Invalidate the slot so a newer-looking header over a bad
		// payload cannot shadow the prior latest on the next scan.
		s.flash.EraseRegion(off, s.slotSize)
		return coreerrors.Newf(coreerrors.CodeStorageVerify, "slot %d readback mismatch", target)
	}

	s.latestSlot = target
	s.latestSeq = seq
	s.latestNode = identity
	s.logger.Info("config saved", log.Fields{"slot": target, "seq": seq, "identity": identity})
	return nil
}

// Erase wipes every slot. The next Load falls back to defaults and the
// fallback identity; the running config is not touched.
func (s *Store) Erase() error {
	for i := 0; i < s.slotCount; i++ {
		if err := s.flash.EraseRegion(i*s.slotSize, s.slotSize); err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeStorageIO, "erasing slot")
		}
	}
	s.latestSlot = -1
	s.latestSeq = 0
	s.latestNode = 0
	s.logger.Info("config store erased", log.Fields{"slots": s.slotCount})
	return nil
}
