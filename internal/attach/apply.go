package attach

import (
	"sync"

	"ubi/internal/eba"
	"ubi/internal/flashio"
	"ubi/internal/sqnum"
	"ubi/internal/wl"
)

// Apply seeds a wear-levelling engine's pools and builds one eba.Table per
// discovered volume from a completed scan, per §4.F step 4. The erase list
// is handed to wl so the worker reclaims the losing PEBs once started.
func Apply(io *flashio.IO, wlEngine *wl.Engine, sq *sqnum.Counter, atomicMu *sync.Mutex, ioRetries int, res *Result) map[uint32]*eba.Table {
	for _, f := range res.Free {
		wlEngine.SeedFree(f.Pnum, f.EC)
	}
	for _, u := range res.Used {
		wlEngine.SeedUsed(u.Pnum, u.EC)
	}
	for _, s := range res.Scrub {
		wlEngine.SeedScrub(s.Pnum, s.EC)
	}

	tables := make(map[uint32]*eba.Table, len(res.Volumes))
	for volID, vol := range res.Volumes {
		t := eba.NewTable(io, wlEngine, sq, atomicMu, volID, vol.VolType, vol.VolMode, ioRetries)
		t.SetUsedEBs(vol.UsedEBs)
		if vol.Corrupted {
			t.SetCorrupted()
		}
		for lnum, info := range vol.LEBs {
			t.Seed(lnum, info.Pnum)
		}
		tables[volID] = t
	}

	for _, pnum := range res.EraseList {
		wlEngine.PutPEB(pnum, false)
	}

	return tables
}
