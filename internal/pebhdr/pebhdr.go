// Package pebhdr encodes and decodes the two on-flash headers every
// physical eraseblock carries: the EC header (erase counter) and one or
// more VID headers (logical eraseblock identity). Layout mirrors
// biscuit/src/fs/super.go's fixed-offset field accessors, but uses
// encoding/binary + hash/crc32 the way the rest of the retrieval pack's
// on-disk-format code does (e.g. the ext4 and diskfs superblock readers
// under _examples/other_examples) rather than raw unsafe-pointer casts.
package pebhdr

import (
	"encoding/binary"
	"hash/crc32"

	"ubi/internal/uerr"
)

const (
	// ECMagic tags a valid EC header ("UBI#" as big-endian bytes).
	ECMagic uint32 = 0x55424923
	// VIDMagic tags a valid VID header ("UBI!" as big-endian bytes).
	VIDMagic uint32 = 0x55424921

	// HeaderVersion is the only on-flash header layout this package speaks.
	HeaderVersion uint8 = 1

	// ECHeaderSize is the fixed, CRC-protected size of an EC header record.
	ECHeaderSize = 4 + 1 + 3 /*pad*/ + 8 + 4 + 4 /*crc*/
	// VIDHeaderSize is the fixed, CRC-protected size of one VID header record.
	VIDHeaderSize = 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 /*data crc*/ + 1 + 3 /*pad*/ + 8 + 4
)

// VolType distinguishes dynamic (no data-length tracking) from static
// (length + CRC checked) volumes.
type VolType uint8

const (
	VolDynamic VolType = 0
	VolStatic  VolType = 1
)

// VolMode selects the flash programming discipline a volume's PEBs use.
type VolMode uint8

const (
	ModeNormal  VolMode = 0
	ModeSLC     VolMode = 1
	ModeMLCSafe VolMode = 2
)

// ECHeader is the first, fixed-offset record in every PEB; it survives
// volume churn because the erase counter belongs to the PEB, not the LEB
// mapped onto it.
type ECHeader struct {
	EC       uint64
	ImageSeq uint32
}

// EncodeEC serializes an EC header, stamping magic, version and CRC.
func EncodeEC(h ECHeader) []byte {
	buf := make([]byte, ECHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ECMagic)
	buf[4] = HeaderVersion
	binary.BigEndian.PutUint64(buf[8:16], h.EC)
	binary.BigEndian.PutUint32(buf[16:20], h.ImageSeq)
	binary.BigEndian.PutUint32(buf[20:24], crc32.ChecksumIEEE(buf[:20]))
	return buf
}

// DecodeEC validates and parses an EC header. A magic or CRC mismatch is
// reported as KindCorruptHeader; an all-0xFF buffer (blank PEB) is
// reported as KindTransientIO with the cause nil so callers can tell it
// apart from genuine corruption.
func DecodeEC(buf []byte) (ECHeader, error) {
	if len(buf) < ECHeaderSize {
		return ECHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "ec header truncated: %d bytes", len(buf))
	}
	if allOnes(buf[:ECHeaderSize]) {
		return ECHeader{}, uerr.Err(uerr.KindTransientIO) // blank: caller treats as "no header"
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != ECMagic {
		return ECHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "bad ec magic %#x", magic)
	}
	wantCRC := binary.BigEndian.Uint32(buf[20:24])
	gotCRC := crc32.ChecksumIEEE(buf[:20])
	if wantCRC != gotCRC {
		return ECHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "ec crc mismatch: want %#x got %#x", wantCRC, gotCRC)
	}
	return ECHeader{
		EC:       binary.BigEndian.Uint64(buf[8:16]),
		ImageSeq: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// VIDHeader identifies which logical eraseblock a PEB (or, for an
// MLC-safe PEB, one page range within it) currently holds.
type VIDHeader struct {
	VolID    uint32
	Lnum     uint32
	VolType  VolType
	VolMode  VolMode
	UsedEBs  uint32 // static volumes only
	DataSize uint32
	DataPad  uint32
	DataCRC  uint32 // stamped on every write; ReadLEB checks it only for static volumes, when requested
	CopyFlag bool
	LPos     uint8 // page slot within an MLC-safe PEB holding multiple VID headers
	// Committed is false only for the duration of consolidation's step-3
	// provisional header write (§4.E): a single-slot PEB is always written
	// with this true, since one header written by one synchronous op is
	// already atomic and needs no separate commit marker. Scan ignores
	// this field for a PEB holding exactly one populated slot.
	Committed bool
	Sqnum     uint64
}

// EncodeVID serializes a VID header, stamping magic, version and CRC.
func EncodeVID(h VIDHeader) []byte {
	buf := make([]byte, VIDHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], VIDMagic)
	buf[4] = HeaderVersion
	buf[5] = byte(h.VolType)
	buf[6] = byte(h.VolMode)
	if h.CopyFlag {
		buf[7] = 1
	}
	binary.BigEndian.PutUint32(buf[8:12], h.VolID)
	binary.BigEndian.PutUint32(buf[12:16], h.Lnum)
	binary.BigEndian.PutUint32(buf[16:20], h.UsedEBs)
	binary.BigEndian.PutUint32(buf[20:24], h.DataSize)
	binary.BigEndian.PutUint32(buf[24:28], h.DataPad)
	binary.BigEndian.PutUint32(buf[28:32], h.DataCRC)
	buf[32] = h.LPos
	if h.Committed {
		buf[33] = 1
	}
	binary.BigEndian.PutUint64(buf[36:44], h.Sqnum)
	binary.BigEndian.PutUint32(buf[44:48], crc32.ChecksumIEEE(buf[:44]))
	return buf
}

// DecodeVID validates and parses a VID header.
func DecodeVID(buf []byte) (VIDHeader, error) {
	if len(buf) < VIDHeaderSize {
		return VIDHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "vid header truncated: %d bytes", len(buf))
	}
	if allOnes(buf[:VIDHeaderSize]) {
		return VIDHeader{}, uerr.Err(uerr.KindTransientIO)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != VIDMagic {
		return VIDHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "bad vid magic %#x", magic)
	}
	wantCRC := binary.BigEndian.Uint32(buf[44:48])
	gotCRC := crc32.ChecksumIEEE(buf[:44])
	if wantCRC != gotCRC {
		return VIDHeader{}, uerr.NewErrorf(uerr.KindCorruptHeader, "vid crc mismatch: want %#x got %#x", wantCRC, gotCRC)
	}
	return VIDHeader{
		VolType:  VolType(buf[5]),
		VolMode:  VolMode(buf[6]),
		CopyFlag: buf[7] != 0,
		VolID:    binary.BigEndian.Uint32(buf[8:12]),
		Lnum:     binary.BigEndian.Uint32(buf[12:16]),
		UsedEBs:  binary.BigEndian.Uint32(buf[16:20]),
		DataSize: binary.BigEndian.Uint32(buf[20:24]),
		DataPad:  binary.BigEndian.Uint32(buf[24:28]),
		DataCRC:   binary.BigEndian.Uint32(buf[28:32]),
		LPos:      buf[32],
		Committed: buf[33] != 0,
		Sqnum:     binary.BigEndian.Uint64(buf[36:44]),
	}, nil
}

func allOnes(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
