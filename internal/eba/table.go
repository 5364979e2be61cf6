// Package eba implements the per-volume eraseblock-association layer of
// §4.B: the LEB->PEB map, the per-LEB lock tree, and the four update
// primitives (read, write, atomic-change, unmap) plus the copy protocol
// WL drives during a move or scrub. The "update the in-memory map only
// after the new block is durable" ordering is grounded on
// biscuit/src/fs/blk.go's Bdev_block_t cache, which installs a block into
// the cache only once its disk request has completed; the lock tree
// reworks hashtable.go's bucket shape from a lock-free read path to a
// plain RWMutex-per-key since §4.B requires genuine mutual exclusion
// between writers and the copy protocol, not just safe concurrent reads.
// Consolidation's provisional/committed VID-header distinction (see
// RepointSlot and the consolidate package) has no direct teacher
// analogue; it is modeled on blk.go's CommitBlk/RevokeBlk log record
// kinds, which mark a disk write as either durably committed or to be
// rolled back, and is otherwise derived straight from spec.md's crash-
// consistency requirement for §4.E.
package eba

import (
	"errors"
	"hash/crc32"
	"sync"

	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/sqnum"
	"ubi/internal/uerr"
)

// Unmapped is the sentinel "no PEB" number, borrowed from the original
// driver's UBI_LEB_UNMAPPED == -1. It is not used as a flush wildcard:
// wl's Flush drains all queued work whatever LEB it is given.
const Unmapped = -1

// MoveOutcome enumerates the race/failure outcomes CopyLEB can report,
// reusing the original driver's move return codes (§12).
type MoveOutcome int

const (
	MoveOK MoveOutcome = iota
	MoveCancelRace
	MoveSourceReadErr
	MoveTargetReadErr
	MoveTargetWriteErr
	MoveTargetBitflips
	MoveRetry
)

func (o MoveOutcome) String() string {
	switch o {
	case MoveOK:
		return "ok"
	case MoveCancelRace:
		return "cancel-race"
	case MoveSourceReadErr:
		return "source-read-error"
	case MoveTargetReadErr:
		return "target-read-error"
	case MoveTargetWriteErr:
		return "target-write-error"
	case MoveTargetBitflips:
		return "target-bitflips"
	case MoveRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// PEBSource is the slice of the WL engine that EBA depends on: allocate a
// PEB, return one to the free pool, and schedule a PEB for scrubbing
// after a corrected bit-flip. wl.Engine implements this; eba never
// imports wl, keeping the dependency one-directional.
type PEBSource interface {
	GetPEB() (pnum int, ec uint64, err error)
	PutPEB(pnum int, torture bool)
	ScheduleScrub(pnum int)
}

// Table is the LEB->PEB map of a single volume.
type Table struct {
	io       *flashio.IO
	wl       PEBSource
	sqnums   *sqnum.Counter
	atomicMu *sync.Mutex // the instance-wide "global atomic-change mutex" of §4.B/§5, shared by every volume's Table
	retries  int

	volID   uint32
	volType pebhdr.VolType
	volMode pebhdr.VolMode

	locks *lockTree

	mu        sync.RWMutex
	mapping   map[uint32]lebMapping
	usedEBs   uint32
	corrupted bool
}

// lebMapping is where one LEB's data actually lives. lpos/slotOff are
// non-zero only for a LEB packed into a shared MLC-safe PEB by
// consolidation (§4.E); a normally-written LEB owns its whole PEB at
// lpos 0, slotOff 0.
type lebMapping struct {
	pnum    int
	lpos    uint8
	slotOff int
}

// NewTable constructs an empty EBA table for one volume. atomicMu must be
// the same *sync.Mutex shared across every volume of the owning instance.
func NewTable(io *flashio.IO, wl PEBSource, sq *sqnum.Counter, atomicMu *sync.Mutex, volID uint32, volType pebhdr.VolType, volMode pebhdr.VolMode, ioRetries int) *Table {
	return &Table{
		io:       io,
		wl:       wl,
		sqnums:   sq,
		atomicMu: atomicMu,
		retries:  ioRetries,
		volID:    volID,
		volType:  volType,
		volMode:  volMode,
		locks:    newLockTree(),
		mapping:  make(map[uint32]lebMapping),
	}
}

func writeMode(m pebhdr.VolMode) flashio.Mode {
	if m == pebhdr.ModeSLC {
		return flashio.ModeSLC
	}
	return flashio.ModeNormal
}

func (t *Table) pebFor(lnum uint32) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mapping[lnum]
	return m.pnum, ok
}

func (t *Table) mappingFor(lnum uint32) (lebMapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mapping[lnum]
	return m, ok
}

func (t *Table) setPeb(lnum uint32, pnum int) {
	t.mu.Lock()
	t.mapping[lnum] = lebMapping{pnum: pnum}
	t.mu.Unlock()
}

func (t *Table) setMapping(lnum uint32, m lebMapping) {
	t.mu.Lock()
	t.mapping[lnum] = m
	t.mu.Unlock()
}

func (t *Table) clearPeb(lnum uint32) {
	t.mu.Lock()
	delete(t.mapping, lnum)
	t.mu.Unlock()
}

// IsMapped reports whether lnum currently has a PEB.
func (t *Table) IsMapped(lnum uint32) bool {
	_, ok := t.pebFor(lnum)
	return ok
}

// PEBOf exposes the current PEB mapped to lnum, for callers (consolidation,
// fastmap) that need to inspect the map directly rather than drive a
// single-LEB operation.
func (t *Table) PEBOf(lnum uint32) (int, bool) { return t.pebFor(lnum) }

// VolID and VolMode expose the volume identity consolidation and fastmap
// need when building on-flash headers for PEBs this table does not itself
// write to in the normal read/write/unmap path.
func (t *Table) VolID() uint32          { return t.volID }
func (t *Table) VolMode() pebhdr.VolMode { return t.volMode }
func (t *Table) VolType() pebhdr.VolType { return t.volType }

// LEBMapping is one LEB's current location, exposed for components
// (fastmap) that must enumerate the whole map rather than query one lnum.
type LEBMapping struct {
	Lnum    uint32
	Pnum    int
	LPos    uint8
	SlotOff int
}

// AllMappings returns every currently-mapped LEB, for fastmap's checkpoint
// snapshot (§4.G).
func (t *Table) AllMappings() []LEBMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LEBMapping, 0, len(t.mapping))
	for lnum, m := range t.mapping {
		out = append(out, LEBMapping{Lnum: lnum, Pnum: m.pnum, LPos: m.lpos, SlotOff: m.slotOff})
	}
	return out
}

// IO exposes the flash facade for components (consolidation) that must
// address several PEBs and LEBs together in one protocol step, which the
// single-LEB Table methods do not model.
func (t *Table) IO() *flashio.IO { return t.io }

// Allocate draws a fresh PEB from WL, for callers that need a target PEB
// before they know which LEB(s) will end up mapped to it (consolidation's
// step 2).
func (t *Table) Allocate() (int, uint64, error) { return t.wl.GetPEB() }

// Release returns a PEB to WL outside of the normal unmap/atomic-change
// path (consolidation's rollback and source-PEB retirement).
func (t *Table) Release(pnum int, torture bool) { t.wl.PutPEB(pnum, torture) }

// Repoint installs lnum -> pnum directly; the caller must already hold
// that LEB's exclusive lock (via LockLEBs).
func (t *Table) Repoint(lnum uint32, pnum int) { t.setPeb(lnum, pnum) }

// RepointSlot installs lnum -> pnum as a consolidated LEB sharing an
// MLC-safe PEB with others: lpos names which of the PEB's VID header
// slots describes this LEB, and slotOff is the byte offset within the
// PEB's data region where this LEB's bytes begin (consolidation divides
// the data region evenly among the R packed LEBs).
func (t *Table) RepointSlot(lnum uint32, pnum int, lpos uint8, slotOff int) {
	t.setMapping(lnum, lebMapping{pnum: pnum, lpos: lpos, slotOff: slotOff})
}

// LockLEBs acquires exclusive locks on every given lnum, in ascending
// order to avoid deadlocking against another multi-LEB caller, and
// returns a function that releases them all.
func (t *Table) LockLEBs(lnums []uint32) func() {
	sorted := append([]uint32(nil), lnums...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	unlocks := make([]func(), 0, len(sorted))
	for _, lnum := range sorted {
		unlocks = append(unlocks, t.locks.lock(lnum))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Seed installs a mapping discovered during attach/scan (§4.F), bypassing
// the normal write path since no new data is involved.
func (t *Table) Seed(lnum uint32, pnum int) {
	t.setPeb(lnum, pnum)
}

// SetUsedEBs records the static-volume "used_ebs" count for the
// corruption check of §4.F.
func (t *Table) SetUsedEBs(n uint32) { t.usedEBs = n }
func (t *Table) UsedEBs() uint32     { return t.usedEBs }

// SetCorrupted marks the volume corrupted (static-volume check failure);
// it remains readable where mapped, per §4.F.
func (t *Table) SetCorrupted()    { t.corrupted = true }
func (t *Table) IsCorrupted() bool { return t.corrupted }

// ReadLEB reads len(buf) bytes at off within lnum. An unmapped dynamic
// LEB reads as all-ones; an unmapped static LEB is KindNotMapped. A
// corrected bit-flip schedules the PEB for scrubbing but still returns
// the data, per §4.B.
func (t *Table) ReadLEB(lnum uint32, buf []byte, off int, check bool) (int, error) {
	unlock := t.locks.rlock(lnum)
	defer unlock()

	m, ok := t.mappingFor(lnum)
	if !ok {
		if t.volType == pebhdr.VolDynamic {
			for i := range buf {
				buf[i] = 0xFF
			}
			return len(buf), nil
		}
		return 0, uerr.NewError(uerr.KindNotMapped, Unmapped, "leb not mapped", nil)
	}

	data, outcome, err := t.io.ReadData(m.pnum, m.slotOff+off, len(buf))
	if err != nil {
		return 0, err
	}
	copy(buf, data)
	if outcome == flashio.OutcomeBitflips {
		t.wl.ScheduleScrub(m.pnum)
	}
	if check && t.volType == pebhdr.VolStatic {
		vid, verr := t.io.ReadVIDHeader(m.pnum, int(m.lpos))
		if verr == nil && crc32.ChecksumIEEE(data) != vid.DataCRC {
			return len(data), uerr.NewErrorf(uerr.KindCorruptHeader, "leb %d: static data crc mismatch", lnum)
		}
	}
	return len(data), nil
}

// WriteLEB implements §4.B's write_leb: an in-place append write when the
// LEB is already mapped, or allocation of a fresh PEB (with a new VID
// header stamped with the next sqnum) when it is not. A write failure
// retries on a fresh PEB up to `retries` times before surfacing whatever
// the flash facade's own read-only latch produced.
func (t *Table) WriteLEB(lnum uint32, buf []byte, off int) error {
	unlock := t.locks.lock(lnum)
	defer unlock()

	if m, ok := t.mappingFor(lnum); ok {
		return t.io.WriteData(m.pnum, m.slotOff+off, buf, writeMode(t.volMode))
	}

	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		pnum, _, err := t.wl.GetPEB()
		if err != nil {
			return err
		}
		sq := t.sqnums.Next()
		vid := pebhdr.VIDHeader{
			VolID: t.volID, Lnum: lnum, VolType: t.volType, VolMode: t.volMode,
			DataSize: uint32(off + len(buf)), DataCRC: crc32.ChecksumIEEE(buf), Sqnum: sq,
			Committed: true,
		}
		if err := t.io.WriteVIDHeader(pnum, 0, vid); err != nil {
			t.wl.PutPEB(pnum, true)
			lastErr = err
			continue
		}
		if err := t.io.WriteData(pnum, off, buf, writeMode(t.volMode)); err != nil {
			t.wl.PutPEB(pnum, true)
			lastErr = err
			continue
		}
		t.setPeb(lnum, pnum)
		return nil
	}
	return uerr.NewError(uerr.KindFatal, Unmapped, "write_leb exhausted fresh-peb retries", lastErr)
}

// AtomicLEBChange implements §4.B's atomic_leb_change: always targets a
// new PEB, writing its VID header then its data before the old PEB is
// unmapped and scheduled for erase, so a power cut leaves the previous
// content intact.
func (t *Table) AtomicLEBChange(lnum uint32, data []byte) error {
	unlock := t.locks.lock(lnum)
	defer unlock()

	t.atomicMu.Lock()
	defer t.atomicMu.Unlock()

	oldPnum, hadOld := t.pebFor(lnum)

	newPnum, _, err := t.wl.GetPEB()
	if err != nil {
		return err
	}
	sq := t.sqnums.Next()
	vid := pebhdr.VIDHeader{
		VolID: t.volID, Lnum: lnum, VolType: t.volType, VolMode: t.volMode,
		DataSize: uint32(len(data)), DataCRC: crc32.ChecksumIEEE(data), Sqnum: sq,
		Committed: true,
	}
	if err := t.io.WriteVIDHeader(newPnum, 0, vid); err != nil {
		t.wl.PutPEB(newPnum, true)
		return err
	}
	if err := t.io.WriteData(newPnum, 0, data, writeMode(t.volMode)); err != nil {
		t.wl.PutPEB(newPnum, true)
		return err
	}

	t.setPeb(lnum, newPnum)
	if hadOld {
		t.wl.PutPEB(oldPnum, false)
	}
	return nil
}

// UnmapLEB clears the mapping and schedules the old PEB for erase.
// Idempotent: unmapping an already-unmapped LEB is a no-op.
func (t *Table) UnmapLEB(lnum uint32) error {
	unlock := t.locks.lock(lnum)
	defer unlock()

	pnum, ok := t.pebFor(lnum)
	if !ok {
		return nil
	}
	t.clearPeb(lnum)
	t.wl.PutPEB(pnum, false)
	return nil
}

// CopyLEB is called only by WL during a move or scrub (§4.B). It attempts
// an exclusive, non-blocking lock on lnum; if contended it returns
// MoveCancelRace immediately rather than waiting, since the LEB's content
// is already changing under a writer and the move is stale.
func (t *Table) CopyLEB(lnum uint32, fromPnum, toPnum int) (MoveOutcome, error) {
	unlock, ok := t.locks.tryLock(lnum)
	if !ok {
		return MoveCancelRace, nil
	}
	defer unlock()

	cur, mapped := t.pebFor(lnum)
	if !mapped || cur != fromPnum {
		return MoveCancelRace, nil
	}

	srcVid, err := t.io.ReadVIDHeader(fromPnum, 0)
	if err != nil {
		return MoveSourceReadErr, err
	}
	data, _, err := t.io.ReadData(fromPnum, 0, t.io.DataCapacity())
	if err != nil {
		var e *uerr.Error
		if errors.As(err, &e) && e.Kind == uerr.KindUncorrectableRead {
			return MoveSourceReadErr, err
		}
		return MoveSourceReadErr, err
	}

	newVid := srcVid
	newVid.CopyFlag = true
	newVid.Committed = true
	newVid.Sqnum = t.sqnums.Next()

	if err := t.io.WriteVIDHeader(toPnum, 0, newVid); err != nil {
		return MoveTargetWriteErr, err
	}
	if err := t.io.WriteData(toPnum, 0, data, writeMode(t.volMode)); err != nil {
		return MoveTargetWriteErr, err
	}
	got, outcome, err := t.io.ReadData(toPnum, 0, len(data))
	if err != nil {
		return MoveTargetReadErr, err
	}
	if outcome == flashio.OutcomeBitflips {
		return MoveTargetBitflips, nil
	}
	if !bytesEqual(got, data) {
		return MoveRetry, uerr.NewErrorf(uerr.KindTransientIO, "copy_leb verify mismatch on peb %d", toPnum)
	}

	cur, mapped = t.pebFor(lnum)
	if !mapped || cur != fromPnum {
		return MoveCancelRace, nil
	}
	t.setPeb(lnum, toPnum)
	return MoveOK, nil
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
