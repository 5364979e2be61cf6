// Package attach implements the full-scan attach pipeline of §4.F: read
// every PEB's headers, arbitrate duplicate (vol_id, lnum) assignments by
// sqnum and copy_flag, and produce the pool/volume state that wl.Engine and
// eba.Table are seeded from. The "accept only what's durable, discard
// anything whose invariants don't check out" shape echoes
// biscuit/src/fs/blk.go's CommitBlk/RevokeBlk split, extended here to a
// whole PEB: a multi-slot (consolidated) PEB is accepted as one group only
// if every slot's header was durably committed, otherwise the whole group
// is discarded like an unwound log transaction. The step-by-step walk of
// every PEB's headers otherwise has no single teacher analogue and is
// built straight from spec.md's §4.F description; it reuses pebhdr's
// DecodeEC/DecodeVID rather than re-implementing header parsing.
package attach

import (
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
)

// LEBInfo is what the scan learned about one (vol_id, lnum)'s winning copy.
type LEBInfo struct {
	Pnum     int
	Sqnum    uint64
	DataSize uint32
	DataCRC  uint32
	CopyFlag bool
}

// VolumeScan collects every LEB the scan found mapped to one volume.
type VolumeScan struct {
	VolID     uint32
	VolType   pebhdr.VolType
	VolMode   pebhdr.VolMode
	UsedEBs   uint32
	LEBs      map[uint32]LEBInfo
	Corrupted bool
}

// PEBState names a PEB and the erase counter the scan read for it.
type PEBState struct {
	Pnum int
	EC   uint64
}

// Result is the full scan's output: enough to seed every WL pool and every
// volume's EBA table, plus the erase list step 4 schedules.
type Result struct {
	Volumes map[uint32]*VolumeScan

	Free  []PEBState
	Used  []PEBState
	Scrub []PEBState

	// Corrupt holds PEBs with a bad-CRC header: preserved, never erased
	// automatically, per §7's corrupt-header policy.
	Corrupt []int

	// EraseList holds PEBs that lost a (vol_id, lnum) arbitration; step 4
	// schedules their erase.
	EraseList []int

	MeanEC   uint64
	MaxEC    uint64
	MaxSqnum uint64
}

// Scan walks every PEB of io and builds a Result, per §4.F steps 1-4.
func Scan(io *flashio.IO) (*Result, error) {
	res := &Result{Volumes: map[uint32]*VolumeScan{}}
	pebEC := map[int]uint64{}
	scrubFlag := map[int]bool{}

	var ecSum uint64
	var ecCount int

	for pnum := 0; pnum < io.PebCount(); pnum++ {
		if io.IsBad(pnum) {
			continue
		}

		ec, ecOutcome, err := readECWithOutcome(io, pnum)
		if err != nil {
			if isBlank(err) {
				res.Free = append(res.Free, PEBState{Pnum: pnum})
				continue
			}
			if isCorrupt(err) {
				res.Corrupt = append(res.Corrupt, pnum)
				continue
			}
			return nil, err
		}
		ecSum += ec.EC
		ecCount++
		if ec.EC > res.MaxEC {
			res.MaxEC = ec.EC
		}
		if ecOutcome == flashio.OutcomeBitflips {
			scrubFlag[pnum] = true
		}
		pebEC[pnum] = ec.EC

		// §4.F step 2: "read VID header(s)" — walk every populated slot,
		// not just slot 0, so a multi-slot consolidation target (§4.E) is
		// actually discovered instead of only ever reading its first LEB.
		var slotVIDs []pebhdr.VIDHeader
		corruptPEB := false
		for lpos := 0; lpos < io.MaxVIDHeaders(); lpos++ {
			vid, vidOutcome, err := readVIDWithOutcome(io, pnum, lpos)
			if err != nil {
				if isBlank(err) {
					break
				}
				if isCorrupt(err) {
					corruptPEB = true
					break
				}
				return nil, err
			}
			if vidOutcome == flashio.OutcomeBitflips {
				scrubFlag[pnum] = true
			}
			if vid.Sqnum > res.MaxSqnum {
				res.MaxSqnum = vid.Sqnum
			}
			slotVIDs = append(slotVIDs, vid)
		}
		if corruptPEB {
			res.Corrupt = append(res.Corrupt, pnum)
			continue
		}
		if len(slotVIDs) == 0 {
			res.Free = append(res.Free, PEBState{Pnum: pnum, EC: ec.EC})
			continue
		}

		// A PEB holding more than one VID header slot is a consolidation
		// target; per §8 scenario 5, a crash between "target headers
		// written" and "EBA re-point" must leave the original sources
		// mapped rather than let the fresher target win by sqnum. Treat
		// the R slots as one atomic group: if any slot is still
		// provisional, discard the whole PEB instead of arbitrating it
		// slot by slot.
		if len(slotVIDs) > 1 {
			allCommitted := true
			for _, vid := range slotVIDs {
				if !vid.Committed {
					allCommitted = false
					break
				}
			}
			if !allCommitted {
				res.EraseList = append(res.EraseList, pnum)
				continue
			}
		}

		for _, vid := range slotVIDs {
			vol, ok := res.Volumes[vid.VolID]
			if !ok {
				vol = &VolumeScan{
					VolID: vid.VolID, VolType: vid.VolType, VolMode: vid.VolMode,
					LEBs: map[uint32]LEBInfo{},
				}
				res.Volumes[vid.VolID] = vol
			}
			if vid.UsedEBs > vol.UsedEBs {
				vol.UsedEBs = vid.UsedEBs
			}

			incoming := LEBInfo{Pnum: pnum, Sqnum: vid.Sqnum, DataSize: vid.DataSize, DataCRC: vid.DataCRC, CopyFlag: vid.CopyFlag}
			prev, dup := vol.LEBs[vid.Lnum]
			if !dup {
				vol.LEBs[vid.Lnum] = incoming
				continue
			}
			winner, loserPnum := arbitrate(io, prev, incoming)
			vol.LEBs[vid.Lnum] = winner
			res.EraseList = append(res.EraseList, loserPnum)
		}
	}

	seenPEB := map[int]bool{}
	for _, vol := range res.Volumes {
		if vol.VolType == pebhdr.VolStatic {
			for lnum := uint32(0); lnum < vol.UsedEBs; lnum++ {
				if _, ok := vol.LEBs[lnum]; !ok {
					vol.Corrupted = true
					break
				}
			}
		}
		for _, info := range vol.LEBs {
			// A consolidated PEB appears once per LEB it packs; count it
			// into a pool only the first time, since WL tracks PEBs, not
			// the LEBs sharing one.
			if seenPEB[info.Pnum] {
				continue
			}
			seenPEB[info.Pnum] = true
			state := PEBState{Pnum: info.Pnum, EC: pebEC[info.Pnum]}
			if scrubFlag[info.Pnum] {
				res.Scrub = append(res.Scrub, state)
			} else {
				res.Used = append(res.Used, state)
			}
		}
	}
	if ecCount > 0 {
		res.MeanEC = ecSum / uint64(ecCount)
	}
	return res, nil
}
