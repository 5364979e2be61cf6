// Package consolidate implements §4.E: packing R live SLC-written LEBs of
// one MLC-safe volume into a single MLC-safe target PEB holding R VID
// headers, so the PEB costs one erase instead of R. It is grounded on
// eba/table.go's copy-then-repoint discipline (CopyLEB), generalized from
// one LEB to R LEBs sharing a single target.
package consolidate

import (
	"errors"
	"hash/crc32"
	"sync/atomic"

	"ubi/internal/config"
	"ubi/internal/eba"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/sqnum"
	"ubi/internal/ubilog"
)

// ErrCancelled is returned by Pack when the volume's cancel flag was set
// before any EBA change had been made; per §4.E step 5, a cancelled pack
// rolls back by discarding the target and releasing locks.
var ErrCancelled = errors.New("consolidate: cancelled")

// Packer runs the consolidation protocol for one MLC-safe volume.
type Packer struct {
	table *eba.Table
	sq    *sqnum.Counter
	log   *ubilog.Logger

	cancel atomic.Bool
}

// NewPacker builds a packer bound to one volume's EBA table.
func NewPacker(table *eba.Table, sq *sqnum.Counter, log *ubilog.Logger) *Packer {
	return &Packer{table: table, sq: sq, log: log}
}

// Cancel sets the per-volume cancel flag; an in-flight Pack call checks it
// at each step and rolls back rather than completing, per §4.E and §5
// ("volume removal aborts an in-flight pack").
func (p *Packer) Cancel() { p.cancel.Store(true) }

// Pack consolidates the given source LEBs — which the caller has already
// selected as belonging to one MLC-safe volume with data+header that fit
// the MLC layout (§4.E step 1) — into one fresh target PEB.
func (p *Packer) Pack(sourceLnums []uint32) error {
	if len(sourceLnums) == 0 {
		return nil
	}
	r := len(sourceLnums)

	unlockAll := p.table.LockLEBs(sourceLnums)
	defer unlockAll()

	if p.cancel.Load() {
		return ErrCancelled
	}

	targetPnum, _, err := p.table.Allocate()
	if err != nil {
		return err
	}
	firstSqnum := p.sq.NextRun(r)
	io := p.table.IO()
	pageSize := io.DataCapacity() / r

	type slot struct {
		lnum   uint32
		oldPEB int
		off    int
		vid    pebhdr.VIDHeader
	}
	slots := make([]slot, 0, r)

	for i, lnum := range sourceLnums {
		if p.cancel.Load() {
			p.table.Release(targetPnum, true)
			return ErrCancelled
		}
		srcPEB, ok := p.table.PEBOf(lnum)
		if !ok {
			p.table.Release(targetPnum, true)
			return errors.New("consolidate: source leb unmapped mid-pack")
		}
		srcVid, err := io.ReadVIDHeader(srcPEB, 0)
		if err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
		data, _, err := io.ReadData(srcPEB, 0, int(srcVid.DataSize))
		if err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
		off := i * pageSize
		if err := io.WriteData(targetPnum, off, data, flashio.ModeNormal); err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
		vid := srcVid
		vid.VolID = p.table.VolID()
		vid.Lnum = lnum
		vid.VolMode = pebhdr.ModeMLCSafe
		vid.LPos = uint8(i)
		vid.DataPad = uint32(off)
		vid.CopyFlag = true
		vid.Sqnum = firstSqnum + uint64(i)
		vid.DataCRC = crc32.ChecksumIEEE(data)
		// Provisional: a scan that finds this header before the commit
		// loop below has run must not let it win arbitration over the
		// still-live sources (§8 scenario 5).
		vid.Committed = false
		slots = append(slots, slot{lnum: lnum, oldPEB: srcPEB, off: off, vid: vid})
	}

	// The target's R VID headers are written last, per §4.E step 3, still
	// provisional.
	for _, s := range slots {
		if err := io.WriteVIDHeader(targetPnum, int(s.vid.LPos), s.vid); err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
	}

	for _, s := range slots {
		got, _, err := io.ReadData(targetPnum, s.off, int(s.vid.DataSize))
		if err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
		if crc32.ChecksumIEEE(got) != s.vid.DataCRC {
			p.table.Release(targetPnum, true)
			return errors.New("consolidate: target verify mismatch")
		}
	}

	if p.cancel.Load() {
		p.table.Release(targetPnum, true)
		return ErrCancelled
	}

	// §4.E step 4's "atomically re-point the R EBA entries" is only
	// durable once every slot is rewritten Committed: true. A power cut
	// before this loop completes leaves at least one provisional slot on
	// flash, so a later scan discards the whole group and the sources
	// (never touched since step 2) remain the sole claimants.
	for i := range slots {
		slots[i].vid.Committed = true
		if err := io.WriteVIDHeader(targetPnum, int(slots[i].vid.LPos), slots[i].vid); err != nil {
			p.table.Release(targetPnum, true)
			return err
		}
	}

	for _, s := range slots {
		p.table.RepointSlot(s.lnum, targetPnum, s.vid.LPos, s.off)
	}
	for _, s := range slots {
		p.table.Release(s.oldPEB, false)
	}
	return nil
}

// ShouldRearm implements §4.E's rearm policy: consolidation is
// rescheduled once the count of live SLC-written LEBs in an MLC-safe
// volume exceeds MinSLCMLCRatio * MinSLCLEBs.
func ShouldRearm(liveSLCLEBs int, cfg config.Tunables) bool {
	return float64(liveSLCLEBs) > cfg.SLCMLCRatio*float64(cfg.MinSLCLEBs)
}
