package fastmap

import (
	"hash/crc32"
	"sync"

	"ubi/internal/eba"
	"ubi/internal/flashio"
	"ubi/internal/sqnum"
	"ubi/internal/ubilog"
	"ubi/internal/uerr"
	"ubi/internal/wl"
)

// Layout names the PEBs a checkpoint occupies on flash: one super-block
// plus the data PEBs it names, per §4.G.
type Layout struct {
	SuperPnum int
	DataPnums []int
}

// Writer serializes fastmap writes (§4.G: "a single writer lock") and
// retires the previous layout only after the new one is durable and
// verified.
type Writer struct {
	mu  sync.Mutex
	log *ubilog.Logger
}

func NewWriter(log *ubilog.Logger) *Writer {
	return &Writer{log: log}
}

func buildSnapshot(engine *wl.Engine, tables map[uint32]*eba.Table, sq *sqnum.Counter, imageSeq uint32, userPoolSize, wlPoolSize int) Snapshot {
	free, used, scrub, erroneous := engine.Snapshot()

	snap := Snapshot{
		ImageSeq:  imageSeq,
		MaxSqnum:  sq.Peek(),
		Free:      toPoolEntries(free),
		Used:      toPoolEntries(used),
		Scrub:     toPoolEntries(scrub),
		Erroneous: toPoolEntries(erroneous),
	}
	for _, p := range snap.Free {
		if p.EC > snap.MaxEC {
			snap.MaxEC = p.EC
		}
	}
	for _, p := range snap.Used {
		if p.EC > snap.MaxEC {
			snap.MaxEC = p.EC
		}
	}

	// Earmark the two fastmap pools from the current free list, per
	// §4.G/§12; this only records which PEBs were free at checkpoint time,
	// it does not remove them from WL's own free pool. Apply does not read
	// the two pool lists back.
	for i, p := range snap.Free {
		switch {
		case i < userPoolSize:
			snap.UserPool = append(snap.UserPool, p.Pnum)
		case i < userPoolSize+wlPoolSize:
			snap.WLPool = append(snap.WLPool, p.Pnum)
		}
	}

	snap.Volumes = make([]VolumeRecord, 0, len(tables))
	for volID, t := range tables {
		vol := VolumeRecord{VolID: volID, VolType: t.VolType(), VolMode: t.VolMode(), UsedEBs: t.UsedEBs()}
		for _, m := range t.AllMappings() {
			vol.LEBs = append(vol.LEBs, LEBRecord{Lnum: m.Lnum, Pnum: m.Pnum, LPos: m.LPos, SlotOff: m.SlotOff})
		}
		snap.Volumes = append(snap.Volumes, vol)
	}
	return snap
}

func toPoolEntries(states []wl.PEBState) []PoolEntry {
	out := make([]PoolEntry, len(states))
	for i, s := range states {
		out[i] = PoolEntry{Pnum: s.Pnum, EC: s.EC}
	}
	return out
}

// Write builds a fresh checkpoint from the current WL/EBA state, writes it
// across a super-block PEB and as many data PEBs as the body needs, and
// verifies it by reading it back before retiring prev (§4.G's
// write-then-verify-then-retire invariant).
func (w *Writer) Write(io *flashio.IO, engine *wl.Engine, tables map[uint32]*eba.Table, sq *sqnum.Counter, prev *Layout, imageSeq uint32, userPoolSize, wlPoolSize int) (*Layout, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := buildSnapshot(engine, tables, sq, imageSeq, userPoolSize, wlPoolSize)
	body := encodeBody(snap)
	capacity := io.DataCapacity()
	numData := (len(body) + capacity - 1) / capacity
	if numData == 0 {
		numData = 1
	}

	superPnum, _, err := engine.GetPEB()
	if err != nil {
		return nil, err
	}
	dataPnums := make([]int, 0, numData)
	for i := 0; i < numData; i++ {
		p, _, err := engine.GetPEB()
		if err != nil {
			w.rollback(engine, superPnum, dataPnums)
			return nil, err
		}
		dataPnums = append(dataPnums, p)
	}

	for i, pnum := range dataPnums {
		start := i * capacity
		end := start + capacity
		if end > len(body) {
			end = len(body)
		}
		if err := io.WriteData(pnum, 0, body[start:end], flashio.ModeNormal); err != nil {
			w.rollback(engine, superPnum, dataPnums)
			return nil, err
		}
	}

	sb := SuperBlock{ImageSeq: imageSeq, BodyLen: uint32(len(body)), BodyCRC: crc32.ChecksumIEEE(body), DataPEBs: dataPnums}
	if err := io.WriteData(superPnum, 0, encodeSuperBlock(sb), flashio.ModeNormal); err != nil {
		w.rollback(engine, superPnum, dataPnums)
		return nil, err
	}

	if _, err := Read(io, superPnum); err != nil {
		w.rollback(engine, superPnum, dataPnums)
		return nil, uerr.NewError(uerr.KindFastmapInvalid, superPnum, "fastmap self-verify failed after write", err)
	}

	if prev != nil {
		engine.PutPEB(prev.SuperPnum, false)
		for _, d := range prev.DataPnums {
			engine.PutPEB(d, false)
		}
	}

	w.log.Infof("wrote fastmap checkpoint: super=%d data=%v image_seq=%d", superPnum, dataPnums, imageSeq)
	return &Layout{SuperPnum: superPnum, DataPnums: dataPnums}, nil
}

func (w *Writer) rollback(engine *wl.Engine, superPnum int, dataPnums []int) {
	engine.PutPEB(superPnum, false)
	for _, d := range dataPnums {
		engine.PutPEB(d, false)
	}
}

// Read reconstructs a Snapshot from a super-block PEB and the data PEBs it
// names. A magic/CRC/length mismatch anywhere returns a KindFastmapInvalid
// error; per §7, that error never propagates past attach, which falls back
// to a full scan.
func Read(io *flashio.IO, superPnum int) (Snapshot, error) {
	_, snap, err := ReadLayout(io, superPnum)
	return snap, err
}

// ReadLayout is Read plus the Layout (super-block PEB and its data PEBs)
// the checkpoint actually occupies, which a caller must know to retire
// those PEBs correctly on the next Write.
func ReadLayout(io *flashio.IO, superPnum int) (*Layout, Snapshot, error) {
	raw, _, err := io.ReadData(superPnum, 0, io.DataCapacity())
	if err != nil {
		return nil, Snapshot{}, err
	}
	sb, err := decodeSuperBlock(raw)
	if err != nil {
		return nil, Snapshot{}, err
	}

	capacity := io.DataCapacity()
	body := make([]byte, 0, sb.BodyLen)
	for _, pnum := range sb.DataPEBs {
		chunk, _, err := io.ReadData(pnum, 0, capacity)
		if err != nil {
			return nil, Snapshot{}, uerr.NewError(uerr.KindFastmapInvalid, pnum, "fastmap data peb read failed", err)
		}
		body = append(body, chunk...)
	}
	if uint32(len(body)) < sb.BodyLen {
		return nil, Snapshot{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "fastmap body shorter than recorded length")
	}
	body = body[:sb.BodyLen]
	if crc32.ChecksumIEEE(body) != sb.BodyCRC {
		return nil, Snapshot{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "fastmap body crc mismatch")
	}
	snap, err := decodeBody(body, sb.ImageSeq)
	if err != nil {
		return nil, Snapshot{}, err
	}
	return &Layout{SuperPnum: superPnum, DataPnums: sb.DataPEBs}, snap, nil
}

// Apply seeds a wear-levelling engine's pools and rebuilds one eba.Table
// per volume from a snapshot, the fastmap counterpart of attach.Apply.
func Apply(io *flashio.IO, wlEngine *wl.Engine, sq *sqnum.Counter, atomicMu *sync.Mutex, ioRetries int, snap Snapshot) map[uint32]*eba.Table {
	for _, f := range snap.Free {
		wlEngine.SeedFree(f.Pnum, f.EC)
	}
	for _, u := range snap.Used {
		wlEngine.SeedUsed(u.Pnum, u.EC)
	}
	for _, s := range snap.Scrub {
		wlEngine.SeedScrub(s.Pnum, s.EC)
	}
	for _, e := range snap.Erroneous {
		wlEngine.SeedErroneous(e.Pnum, e.EC)
	}

	tables := make(map[uint32]*eba.Table, len(snap.Volumes))
	for _, v := range snap.Volumes {
		t := eba.NewTable(io, wlEngine, sq, atomicMu, v.VolID, v.VolType, v.VolMode, ioRetries)
		t.SetUsedEBs(v.UsedEBs)
		for _, l := range v.LEBs {
			if l.LPos == 0 && l.SlotOff == 0 {
				t.Seed(l.Lnum, l.Pnum)
			} else {
				t.RepointSlot(l.Lnum, l.Pnum, l.LPos, l.SlotOff)
			}
		}
		tables[v.VolID] = t
	}
	return tables
}
