// Package flashio is the typed wrapper over the raw flash device (§4.A):
// it adds header-aware reads/writes, retries, torture-erase and the
// read-only latch on top of a narrow Device interface standing in for the
// out-of-scope MTD driver. It is grounded on biscuit/src/fs/blk.go's
// Bdev_block_t/Disk_i split between "what a disk does" and "how a caller
// uses one", adapted from biscuit's own async-request style to direct
// calls since this is a hosted library, not a freestanding kernel driver.
package flashio

import (
	"sync"
	"sync/atomic"

	"ubi/internal/pebhdr"
	"ubi/internal/uerr"
)

// Outcome reports which of §4.A's read outcomes a flash read produced.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBitflips
	OutcomeAllOnes
	OutcomeBadHeader
	OutcomeBadHeaderECC
	OutcomeUncorrectable
)

// Mode selects the programming discipline a write uses (§4.A).
type Mode int

const (
	ModeNormal Mode = iota
	ModeSLC
)

// Device is the narrow interface the raw MTD driver offers (§6, lower
// edge): synchronous, byte/length addressed, with geometry constants and
// ECC-aware outcomes. The core never talks to real hardware through
// anything wider than this.
type Device interface {
	Read(pnum, off, length int) ([]byte, Outcome, error)
	Write(pnum, off int, data []byte) error
	Erase(pnum int) error
	IsBad(pnum int) bool
	MarkBad(pnum int) error

	PebSize() int
	PebCount() int
	MinIOSize() int
	MaxWriteSize() int
}

// vidOffset places the EC header at offset 0 and the VID header(s) at
// the first MinIOSize-aligned offset after it, so both always land on
// SLC-safe pages per §4.A.
func vidOffset(dev Device) int {
	off := pebhdr.ECHeaderSize
	mio := dev.MinIOSize()
	if mio <= 0 {
		mio = 1
	}
	return ((off + mio - 1) / mio) * mio
}

// maxVIDHeaders is how many VID header slots an MLC-safe PEB can carry
// (R = bits-per-cell in §4.E's consolidation); the layout here supports up
// to 4 (QLC), leaving room below the data area.
const maxVIDHeaders = 4

func dataOffset(dev Device) int {
	off := vidOffset(dev) + maxVIDHeaders*pebhdr.VIDHeaderSize
	mio := dev.MinIOSize()
	if mio <= 0 {
		mio = 1
	}
	return ((off + mio - 1) / mio) * mio
}

// IO is the facade every higher layer (EBA, WL, attach, fastmap) talks to
// instead of touching Device directly.
type IO struct {
	dev         Device
	retries     int
	readOnly    atomic.Bool
	extraChecks bool

	scratchMu sync.Mutex // taken by no method: IO keeps no shared scratch buffer, each read allocates its own
}

// New wraps a Device with the retry/read-only policy in §5 and §7.
func New(dev Device, ioRetries int, extraChecks bool) *IO {
	return &IO{dev: dev, retries: ioRetries, extraChecks: extraChecks}
}

func (io *IO) PebSize() int        { return io.dev.PebSize() }
func (io *IO) PebCount() int       { return io.dev.PebCount() }
func (io *IO) DataOffset() int     { return dataOffset(io.dev) }
func (io *IO) VIDOffset() int      { return vidOffset(io.dev) }
func (io *IO) DataCapacity() int   { return io.dev.PebSize() - dataOffset(io.dev) }
func (io *IO) IsReadOnly() bool    { return io.readOnly.Load() }
func (io *IO) Latch()              { io.readOnly.Store(true) }
func (io *IO) IsBad(pnum int) bool { return io.dev.IsBad(pnum) }

// MaxVIDHeaders is how many VID-header slots a PEB carries, for callers
// (attach's full scan) that must walk every populated slot rather than
// just slot 0.
func (io *IO) MaxVIDHeaders() int { return maxVIDHeaders }

// MarkBad retires a PEB permanently; callers must have already removed it
// from every WL structure.
func (io *IO) MarkBad(pnum int) error {
	if err := io.dev.MarkBad(pnum); err != nil {
		return uerr.NewError(uerr.KindFatal, pnum, "mark_bad failed", err)
	}
	return nil
}

// Read performs a retried, outcome-classified read of length bytes at off
// within pnum. A bit-flip outcome is still returned as success: the
// caller (EBA) schedules a scrub but uses the data.
func (io *IO) Read(pnum, off, length int) ([]byte, Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= io.retries; attempt++ {
		buf, outcome, err := io.dev.Read(pnum, off, length)
		switch outcome {
		case OutcomeUncorrectable:
			return nil, outcome, uerr.NewError(uerr.KindUncorrectableRead, pnum, "uncorrectable ECC error", err)
		case OutcomeBadHeaderECC:
			return nil, outcome, uerr.NewError(uerr.KindCorruptHeader, pnum, "bad header with ECC error", err)
		case OutcomeBadHeader:
			return nil, outcome, uerr.NewError(uerr.KindCorruptHeader, pnum, "bad header", err)
		case OutcomeAllOnes:
			return buf, outcome, nil
		case OutcomeBitflips:
			return buf, outcome, nil
		case OutcomeOK:
			if err == nil {
				return buf, outcome, nil
			}
		}
		lastErr = err
	}
	return nil, OutcomeUncorrectable, uerr.NewError(uerr.KindTransientIO, pnum, "read retries exhausted", lastErr)
}

// Write performs a retried write, optionally verifying via readback when
// extraChecks is enabled. On exhausting retries the instance latches
// read-only, per §4.A's "unrecoverable write -> read-only" contract.
func (io *IO) Write(pnum, off int, data []byte) error {
	if io.IsReadOnly() {
		return uerr.Err(uerr.KindFatal)
	}
	var lastErr error
	for attempt := 0; attempt <= io.retries; attempt++ {
		if err := io.dev.Write(pnum, off, data); err != nil {
			lastErr = err
			continue
		}
		if !io.extraChecks {
			return nil
		}
		got, _, err := io.dev.Read(pnum, off, len(data))
		if err != nil {
			lastErr = err
			continue
		}
		if !bytesEqual(got, data) {
			lastErr = uerr.NewErrorf(uerr.KindTransientIO, "readback mismatch")
			continue
		}
		return nil
	}
	io.Latch()
	return uerr.NewError(uerr.KindFatal, pnum, "write failed after retries, latched read-only", lastErr)
}

// Erase erases a PEB, optionally torturing it first: write a pattern,
// erase, read back, and declare the PEB bad if the pattern survives.
// Torture is used whenever a prior write or erase to this PEB failed.
func (io *IO) Erase(pnum int, torture bool) error {
	if torture {
		pattern := make([]byte, io.dev.PebSize())
		for i := range pattern {
			pattern[i] = 0xA5
		}
		if err := io.dev.Write(pnum, 0, pattern); err == nil {
			if err := io.dev.Erase(pnum); err != nil {
				io.dev.MarkBad(pnum)
				return uerr.NewError(uerr.KindBadPEB, pnum, "torture erase failed", err)
			}
			got, _, rerr := io.dev.Read(pnum, 0, len(pattern))
			if rerr == nil && bytesEqual(got, pattern) {
				io.dev.MarkBad(pnum)
				return uerr.NewError(uerr.KindBadPEB, pnum, "torture pattern survived erase", nil)
			}
			return nil
		}
	}
	if err := io.dev.Erase(pnum); err != nil {
		return uerr.NewError(uerr.KindTransientIO, pnum, "erase failed", err)
	}
	return nil
}

// ReadECHeader reads and decodes the EC header at the fixed offset 0.
func (io *IO) ReadECHeader(pnum int) (pebhdr.ECHeader, error) {
	buf, _, err := io.Read(pnum, 0, pebhdr.ECHeaderSize)
	if err != nil {
		return pebhdr.ECHeader{}, err
	}
	return pebhdr.DecodeEC(buf)
}

// WriteECHeader encodes and writes an EC header at offset 0.
func (io *IO) WriteECHeader(pnum int, h pebhdr.ECHeader) error {
	return io.Write(pnum, 0, pebhdr.EncodeEC(h))
}

// ReadVIDHeader reads and decodes the VID header at slot lpos (0 for a
// normal single-LEB-per-PEB volume).
func (io *IO) ReadVIDHeader(pnum, lpos int) (pebhdr.VIDHeader, error) {
	off := vidOffset(io.dev) + lpos*pebhdr.VIDHeaderSize
	buf, _, err := io.Read(pnum, off, pebhdr.VIDHeaderSize)
	if err != nil {
		return pebhdr.VIDHeader{}, err
	}
	return pebhdr.DecodeVID(buf)
}

// WriteVIDHeader encodes and writes a VID header at slot lpos.
func (io *IO) WriteVIDHeader(pnum, lpos int, h pebhdr.VIDHeader) error {
	off := vidOffset(io.dev) + lpos*pebhdr.VIDHeaderSize
	return io.Write(pnum, off, pebhdr.EncodeVID(h))
}

// ReadData reads `length` data bytes at `off` within the data region.
func (io *IO) ReadData(pnum, off, length int) ([]byte, Outcome, error) {
	return io.Read(pnum, dataOffset(io.dev)+off, length)
}

// WriteData writes data into the data region at `off`, in the given mode.
// SLC mode is a policy the caller (flash-mode-aware volumes) selects; the
// facade does not change encoding, only documents the intent. Real media
// would restrict writes to low pages in SLC mode; the in-process
// simulator always accepts both, since it has no physical page pairing.
func (io *IO) WriteData(pnum, off int, data []byte, mode Mode) error {
	return io.Write(pnum, dataOffset(io.dev)+off, data)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
