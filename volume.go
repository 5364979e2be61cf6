package ubi

import (
	"ubi/internal/eba"
	"ubi/internal/pebhdr"
	"ubi/internal/registry"
	"ubi/internal/uerr"
)

// OpenMode is re-exported so callers never import internal/registry.
type OpenMode = registry.OpenMode

const (
	OpenRead      = registry.ModeRead
	OpenWrite     = registry.ModeWrite
	OpenExclusive = registry.ModeExclusive
	OpenMetaOnly  = registry.ModeMetaOnly
)

// Volume is a descriptor on one open volume: the upper-edge Volume API of
// §6, mapped one-to-one onto the underlying eba.Table's read/write/unmap
// primitives.
type Volume struct {
	inst   *Instance
	handle *registry.Handle
	table  *eba.Table
}

// Info is the §6 info(desc) result.
type Info struct {
	VolID         uint32
	VolType       pebhdr.VolType
	VolMode       pebhdr.VolMode
	LEBSize       int
	UsableLEBSize int
	ReservedLEBs  uint32
	Corrupted     bool
	ReadOnly      bool
}

// Open implements §6's open(ubi_num, vol_id, mode) for the ubi_num == 0
// single-instance case; an Instance already names one attached device.
func (inst *Instance) Open(volID uint32, mode OpenMode) (*Volume, error) {
	h, err := inst.reg.Open(volID, mode)
	if err != nil {
		return nil, err
	}
	t := h.Table()
	if t == nil {
		inst.reg.Close(h)
		return nil, uerr.NewErrorf(uerr.KindNotMapped, "volume %d not installed", volID)
	}
	return &Volume{inst: inst, handle: h, table: t}, nil
}

// Close releases the descriptor.
func (v *Volume) Close() { v.inst.reg.Close(v.handle) }

// ReadLEB implements §6's read_leb.
func (v *Volume) ReadLEB(lnum uint32, buf []byte, off int) (int, error) {
	return v.table.ReadLEB(lnum, buf, off, true)
}

// WriteLEB implements §6's write_leb, valid for dynamic volumes.
func (v *Volume) WriteLEB(lnum uint32, buf []byte, off int) error {
	if v.handle.Mode() != OpenWrite && v.handle.Mode() != OpenExclusive {
		return uerr.NewErrorf(uerr.KindBusy, "volume %d: write_leb requires a write or exclusive open", v.handle.VolID())
	}
	return v.table.WriteLEB(lnum, buf, off)
}

// WriteStaticLEB implements §6's write_static_leb: a whole-LEB write on a
// static volume that also records the volume's used_ebs count, the
// number static-volume attach-time corruption checking needs (§4.F).
func (v *Volume) WriteStaticLEB(lnum uint32, buf []byte, usedEBs uint32) error {
	if v.table.VolType() != pebhdr.VolStatic {
		return uerr.NewErrorf(uerr.KindFatal, "volume %d: write_static_leb on a non-static volume", v.handle.VolID())
	}
	if err := v.WriteLEB(lnum, buf, 0); err != nil {
		return err
	}
	if usedEBs > v.table.UsedEBs() {
		v.table.SetUsedEBs(usedEBs)
	}
	return nil
}

// AtomicLEBChange implements §6's atomic_leb_change.
func (v *Volume) AtomicLEBChange(lnum uint32, buf []byte) error {
	if v.handle.Mode() != OpenWrite && v.handle.Mode() != OpenExclusive {
		return uerr.NewErrorf(uerr.KindBusy, "volume %d: atomic_leb_change requires a write or exclusive open", v.handle.VolID())
	}
	return v.table.AtomicLEBChange(lnum, buf)
}

// UnmapLEB implements §6's unmap_leb.
func (v *Volume) UnmapLEB(lnum uint32) error {
	if v.handle.Mode() != OpenWrite && v.handle.Mode() != OpenExclusive {
		return uerr.NewErrorf(uerr.KindBusy, "volume %d: unmap_leb requires a write or exclusive open", v.handle.VolID())
	}
	return v.table.UnmapLEB(lnum)
}

// IsMapped implements §6's is_mapped.
func (v *Volume) IsMapped(lnum uint32) bool { return v.table.IsMapped(lnum) }

// Sync implements §6's sync(desc): block until the background worker has
// drained every item queued as of this call.
func (v *Volume) Sync() { v.inst.wlEngine.Flush(v.handle.VolID(), 0) }

// Flush implements §6's instance-wide flush().
func (inst *Instance) Flush() { inst.wlEngine.Flush(0, 0) }

// Info implements §6's info(desc).
func (v *Volume) Info() Info {
	return Info{
		VolID:         v.handle.VolID(),
		VolType:       v.table.VolType(),
		VolMode:       v.table.VolMode(),
		LEBSize:       v.inst.io.PebSize(),
		UsableLEBSize: v.inst.io.DataCapacity(),
		ReservedLEBs:  v.table.UsedEBs(),
		Corrupted:     v.table.IsCorrupted(),
		ReadOnly:      v.inst.io.IsReadOnly(),
	}
}
