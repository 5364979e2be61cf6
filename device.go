// Package ubi is the root of the UBI flash translation layer: it wires
// the I/O facade, the wear-levelling engine, the EBA layer, attach,
// fastmap and the volume registry into the single Instance type that
// implements §6's upper-edge Volume API and administration surface. Every
// algorithmic component lives under internal/; this file is assembly.
package ubi

import (
	"sync"

	"ubi/internal/attach"
	"ubi/internal/config"
	"ubi/internal/consolidate"
	"ubi/internal/eba"
	"ubi/internal/fastmap"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/registry"
	"ubi/internal/sqnum"
	"ubi/internal/ubilog"
	"ubi/internal/uerr"
	"ubi/internal/wl"
)

// Instance is one attached UBI device.
type Instance struct {
	io       *flashio.IO
	cfg      config.Tunables
	log      *ubilog.Logger
	wlEngine *wl.Engine
	sq       *sqnum.Counter
	atomicMu sync.Mutex
	reg      *registry.Registry

	fmMu     sync.Mutex
	fmWriter *fastmap.Writer
	fmLayout *fastmap.Layout
	imageSeq uint32

	packMu  sync.Mutex
	packers map[uint32]*consolidate.Packer
}

// AttachOption configures Attach; FastmapSuperPnum, when >= 0, names the
// PEB an earlier Detach recorded as the fastmap super-block, letting
// Attach rebuild its state from that checkpoint (§4.G) before falling back
// to a full scan (§4.F). The fastmap path reads no PEB headers beyond the
// checkpoint itself; PEBs written after the checkpoint are not scanned.
type AttachOption struct {
	FastmapSuperPnum int
}

// Attach brings up an Instance over dev: it tries fastmap first when a
// super-block PEB is given, and on any validation failure — or when none
// is given — falls back to the full scan of §4.F. This is the one place
// the fastmap-invalid error kind is absorbed rather than propagated, per
// §7's "fastmap errors never propagate to callers."
func Attach(dev flashio.Device, cfg config.Tunables, log *ubilog.Logger, opt AttachOption) (*Instance, error) {
	io := flashio.New(dev, cfg.IORetries, true)
	wlEngine := wl.NewEngine(io, cfg, log)
	sq := &sqnum.Counter{}
	reg := registry.New()
	wlEngine.SetVolumeLookup(reg)

	inst := &Instance{
		io: io, cfg: cfg, log: log, wlEngine: wlEngine, sq: sq, reg: reg,
		fmWriter: fastmap.NewWriter(log),
		packers:  map[uint32]*consolidate.Packer{},
	}

	var tables map[uint32]*eba.Table
	usedFastmap := false
	if opt.FastmapSuperPnum >= 0 {
		if layout, snap, err := fastmap.ReadLayout(io, opt.FastmapSuperPnum); err == nil {
			tables = fastmap.Apply(io, wlEngine, sq, &inst.atomicMu, cfg.IORetries, snap)
			inst.fmLayout = layout
			inst.imageSeq = snap.ImageSeq
			usedFastmap = true
			log.Infof("attach: fastmap checkpoint at peb %d validated, image_seq=%d", opt.FastmapSuperPnum, snap.ImageSeq)
		} else {
			log.Warnf("attach: fastmap at peb %d invalid, falling back to full scan: %v", opt.FastmapSuperPnum, err)
		}
	}
	if !usedFastmap {
		res, err := attach.Scan(io)
		if err != nil {
			return nil, err
		}
		tables = attach.Apply(io, wlEngine, sq, &inst.atomicMu, cfg.IORetries, res)
	}

	for volID, t := range tables {
		reg.InstallVolume(volID, t)
	}
	wlEngine.Start()
	return inst, nil
}

// Detach stops the background worker, writes a final fastmap checkpoint,
// and returns the super-block PEB a later Attach should pass back in
// AttachOption.
func (inst *Instance) Detach() (int, error) {
	inst.wlEngine.Stop()
	layout, err := inst.checkpoint()
	if err != nil {
		return -1, err
	}
	return layout.SuperPnum, nil
}

func (inst *Instance) checkpoint() (*fastmap.Layout, error) {
	inst.fmMu.Lock()
	defer inst.fmMu.Unlock()

	tables := map[uint32]*eba.Table{}
	for _, volID := range inst.reg.Volumes() {
		if mover, ok := inst.reg.Lookup(volID); ok {
			if t, ok := mover.(*eba.Table); ok {
				tables[volID] = t
			}
		}
	}
	inst.imageSeq++
	layout, err := inst.fmWriter.Write(inst.io, inst.wlEngine, tables, inst.sq, inst.fmLayout, inst.imageSeq, inst.cfg.FastmapUserPoolSize, inst.cfg.FastmapWLPoolSize)
	if err != nil {
		return nil, err
	}
	inst.fmLayout = layout
	return layout, nil
}

// Checkpoint writes a fresh fastmap checkpoint on the background worker,
// asynchronously with respect to the caller (§4.D/§4.G).
func (inst *Instance) Checkpoint() {
	inst.wlEngine.ScheduleFastmapWrite(func() {
		if _, err := inst.checkpoint(); err != nil {
			inst.log.Warnf("background fastmap checkpoint failed: %v", err)
		}
	})
}

// --- administration surface (§6) ---

// InstallVolume registers a new, empty volume backed by a fresh EBA table,
// returning KindBusy if volID is already installed; volType/volMode follow
// §4.A/§4.E.
func (inst *Instance) InstallVolume(volID uint32, volType pebhdr.VolType, volMode pebhdr.VolMode) error {
	if _, ok := inst.reg.Lookup(volID); ok {
		return uerr.NewErrorf(uerr.KindBusy, "volume %d already installed", volID)
	}
	t := eba.NewTable(inst.io, inst.wlEngine, inst.sq, &inst.atomicMu, volID, volType, volMode, inst.cfg.IORetries)
	inst.reg.InstallVolume(volID, t)
	return nil
}

// RemoveVolume unregisters volID, releasing every PEB it had mapped.
// Any in-flight consolidation pack for it is cancelled first, per §5's
// "volume removal aborts an in-flight pack."
func (inst *Instance) RemoveVolume(volID uint32) error {
	inst.packMu.Lock()
	if p, ok := inst.packers[volID]; ok {
		p.Cancel()
		delete(inst.packers, volID)
	}
	inst.packMu.Unlock()

	mover, ok := inst.reg.Lookup(volID)
	if !ok {
		return uerr.NewErrorf(uerr.KindNotMapped, "volume %d not installed", volID)
	}
	if err := inst.reg.RemoveVolume(volID); err != nil {
		return err
	}
	if t, ok := mover.(*eba.Table); ok {
		for _, m := range t.AllMappings() {
			inst.wlEngine.PutPEB(m.Pnum, false)
		}
	}
	return nil
}

// ResizeVolume changes a dynamic volume's reserved LEB bookkeeping;
// shrinking unmaps and releases every LEB at or beyond the new size.
func (inst *Instance) ResizeVolume(volID uint32, newUsedEBs uint32) error {
	mover, ok := inst.reg.Lookup(volID)
	if !ok {
		return uerr.NewErrorf(uerr.KindNotMapped, "volume %d not installed", volID)
	}
	t, ok := mover.(*eba.Table)
	if !ok {
		return uerr.NewErrorf(uerr.KindFatal, "volume %d: unexpected mover implementation", volID)
	}
	if newUsedEBs < t.UsedEBs() {
		for _, m := range t.AllMappings() {
			if m.Lnum >= newUsedEBs {
				if err := t.UnmapLEB(m.Lnum); err != nil {
					return err
				}
			}
		}
	}
	t.SetUsedEBs(newUsedEBs)
	return nil
}

// RenameVolumes is a placeholder rename primitive: in this Instance,
// volumes are addressed by vol_id, not name, so renaming is a pure
// admin-layer concern with nothing for the core to do beyond validating
// the targets exist.
func (inst *Instance) RenameVolumes(volIDs []uint32) error {
	for _, id := range volIDs {
		if _, ok := inst.reg.Lookup(id); !ok {
			return uerr.NewErrorf(uerr.KindNotMapped, "volume %d not installed", id)
		}
	}
	return nil
}

// StartConsolidation builds a Packer for volID and hands it to the
// background worker, per §4.D/§4.E. The caller selects sourceLnums; a
// concurrent RemoveVolume cancels it.
func (inst *Instance) StartConsolidation(volID uint32, sourceLnums []uint32) error {
	mover, ok := inst.reg.Lookup(volID)
	if !ok {
		return uerr.NewErrorf(uerr.KindNotMapped, "volume %d not installed", volID)
	}
	t, ok := mover.(*eba.Table)
	if !ok {
		return uerr.NewErrorf(uerr.KindFatal, "volume %d: unexpected mover implementation", volID)
	}
	p := consolidate.NewPacker(t, inst.sq, inst.log)

	inst.packMu.Lock()
	inst.packers[volID] = p
	inst.packMu.Unlock()

	inst.wlEngine.ScheduleConsolidate(func() {
		if err := p.Pack(sourceLnums); err != nil {
			inst.log.Warnf("consolidate: volume %d pack failed: %v", volID, err)
		}
		inst.packMu.Lock()
		delete(inst.packers, volID)
		inst.packMu.Unlock()
	})
	return nil
}
