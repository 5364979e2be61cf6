package attach

import (
	"errors"
	"hash/crc32"

	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/uerr"
)

// readECWithOutcome wraps io.Read+pebhdr.DecodeEC directly, rather than
// io.ReadECHeader, because the scan needs the raw read Outcome (bitflip vs
// clean) that ReadECHeader discards.
func readECWithOutcome(io *flashio.IO, pnum int) (pebhdr.ECHeader, flashio.Outcome, error) {
	buf, outcome, err := io.Read(pnum, 0, pebhdr.ECHeaderSize)
	if err != nil {
		return pebhdr.ECHeader{}, outcome, err
	}
	h, err := pebhdr.DecodeEC(buf)
	return h, outcome, err
}

// readVIDWithOutcome is readECWithOutcome's counterpart for the VID header
// at slot lpos. A non-consolidated PEB carries only slot 0; an MLC-safe
// consolidation target (§4.E) carries one populated slot per packed LEB.
func readVIDWithOutcome(io *flashio.IO, pnum, lpos int) (pebhdr.VIDHeader, flashio.Outcome, error) {
	off := io.VIDOffset() + lpos*pebhdr.VIDHeaderSize
	buf, outcome, err := io.Read(pnum, off, pebhdr.VIDHeaderSize)
	if err != nil {
		return pebhdr.VIDHeader{}, outcome, err
	}
	h, err := pebhdr.DecodeVID(buf)
	return h, outcome, err
}

func isBlank(err error) bool {
	var e *uerr.Error
	return errors.As(err, &e) && e.Kind == uerr.KindTransientIO
}

func isCorrupt(err error) bool {
	var e *uerr.Error
	return errors.As(err, &e) && e.Kind == uerr.KindCorruptHeader
}

// arbitrate resolves two VID headers claiming the same (vol_id, lnum), per
// §4.F step 3: the higher sqnum wins; on a tie, the copy wins only if its
// re-read verifies, otherwise the original does.
func arbitrate(io *flashio.IO, a, b LEBInfo) (winner LEBInfo, loserPnum int) {
	switch {
	case b.Sqnum > a.Sqnum:
		return b, a.Pnum
	case b.Sqnum < a.Sqnum:
		return a, b.Pnum
	}

	switch {
	case b.CopyFlag && !a.CopyFlag:
		if verifyLEB(io, b) {
			return b, a.Pnum
		}
		return a, b.Pnum
	case a.CopyFlag && !b.CopyFlag:
		if verifyLEB(io, a) {
			return a, b.Pnum
		}
		return b, a.Pnum
	default:
		return a, b.Pnum
	}
}

func verifyLEB(io *flashio.IO, info LEBInfo) bool {
	data, outcome, err := io.ReadData(info.Pnum, 0, int(info.DataSize))
	if err != nil || outcome == flashio.OutcomeUncorrectable {
		return false
	}
	return crc32.ChecksumIEEE(data) == info.DataCRC
}
