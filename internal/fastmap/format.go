// Package fastmap implements the on-flash checkpoint of §4.G: a
// super-block PEB naming up to M data PEBs that hold a serialized snapshot
// of image sequence, EC stats, every WL pool, and every volume's EBA map.
// It is grounded on pebhdr.go's fixed-offset, magic-tagged, CRC-32
// protected record style, generalized from pebhdr's two small fixed-size
// headers to one variable-length body split across several PEBs.
package fastmap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"ubi/internal/pebhdr"
	"ubi/internal/uerr"
)

const (
	// SuperMagic tags a valid fastmap super-block ("UBI%" as big-endian bytes).
	SuperMagic uint32 = 0x55424925
	// FormatVersion is the only on-flash fastmap layout this package speaks.
	FormatVersion uint8 = 1
)

// PoolEntry is one PEB's erase-count bookkeeping, as WL's pools track it.
type PoolEntry struct {
	Pnum int
	EC   uint64
}

// LEBRecord is one LEB's mapping within a volume's EBA table.
type LEBRecord struct {
	Lnum    uint32
	Pnum    int
	LPos    uint8
	SlotOff int
}

// VolumeRecord is one volume's identity plus its full EBA map.
type VolumeRecord struct {
	VolID   uint32
	VolType pebhdr.VolType
	VolMode pebhdr.VolMode
	UsedEBs uint32
	LEBs    []LEBRecord
}

// Snapshot is the full checkpoint body: everything attach needs to
// reconstruct WL and EBA state without a full scan.
type Snapshot struct {
	ImageSeq uint32
	MaxEC    uint64
	MaxSqnum uint64

	Free      []PoolEntry
	Used      []PoolEntry
	Scrub     []PoolEntry
	Erroneous []PoolEntry

	// UserPool and WLPool are the PEBs earmarked, at checkpoint time, for
	// ordinary writer allocation and for the WL worker's own moves
	// respectively (§4.G/§12's two-pool split).
	UserPool []int
	WLPool   []int

	Volumes []VolumeRecord
}

// SuperBlock is the fixed anchor record: it names the data PEBs holding
// the encoded Snapshot body and protects their contents with a CRC.
type SuperBlock struct {
	ImageSeq uint32
	BodyLen  uint32
	BodyCRC  uint32
	DataPEBs []int
}

func wrapTruncated(err error) error {
	return uerr.NewError(uerr.KindFastmapInvalid, -1, "fastmap record truncated or malformed", err)
}

func putInts(buf *bytes.Buffer, xs []int) {
	binary.Write(buf, binary.BigEndian, uint32(len(xs)))
	for _, x := range xs {
		binary.Write(buf, binary.BigEndian, uint32(x))
	}
}

func readInts(r *bytes.Reader) ([]int, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, wrapTruncated(err)
	}
	out := make([]int, n)
	for i := range out {
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, wrapTruncated(err)
		}
		out[i] = int(v)
	}
	return out, nil
}

func putPool(buf *bytes.Buffer, pool []PoolEntry) {
	binary.Write(buf, binary.BigEndian, uint32(len(pool)))
	for _, p := range pool {
		binary.Write(buf, binary.BigEndian, uint32(p.Pnum))
		binary.Write(buf, binary.BigEndian, p.EC)
	}
}

func readPool(r *bytes.Reader) ([]PoolEntry, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, wrapTruncated(err)
	}
	out := make([]PoolEntry, n)
	for i := range out {
		var pnum uint32
		var ec uint64
		if err := binary.Read(r, binary.BigEndian, &pnum); err != nil {
			return nil, wrapTruncated(err)
		}
		if err := binary.Read(r, binary.BigEndian, &ec); err != nil {
			return nil, wrapTruncated(err)
		}
		out[i] = PoolEntry{Pnum: int(pnum), EC: ec}
	}
	return out, nil
}

// encodeBody serializes a Snapshot into the bytes the data PEBs carry.
func encodeBody(s Snapshot) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, s.MaxEC)
	binary.Write(&buf, binary.BigEndian, s.MaxSqnum)
	putPool(&buf, s.Free)
	putPool(&buf, s.Used)
	putPool(&buf, s.Scrub)
	putPool(&buf, s.Erroneous)
	putInts(&buf, s.UserPool)
	putInts(&buf, s.WLPool)

	binary.Write(&buf, binary.BigEndian, uint32(len(s.Volumes)))
	for _, v := range s.Volumes {
		binary.Write(&buf, binary.BigEndian, v.VolID)
		buf.WriteByte(byte(v.VolType))
		buf.WriteByte(byte(v.VolMode))
		binary.Write(&buf, binary.BigEndian, v.UsedEBs)
		binary.Write(&buf, binary.BigEndian, uint32(len(v.LEBs)))
		for _, l := range v.LEBs {
			binary.Write(&buf, binary.BigEndian, l.Lnum)
			binary.Write(&buf, binary.BigEndian, uint32(l.Pnum))
			buf.WriteByte(l.LPos)
			binary.Write(&buf, binary.BigEndian, uint32(l.SlotOff))
		}
	}
	return buf.Bytes()
}

func decodeBody(data []byte, imageSeq uint32) (Snapshot, error) {
	r := bytes.NewReader(data)
	s := Snapshot{ImageSeq: imageSeq}

	if err := binary.Read(r, binary.BigEndian, &s.MaxEC); err != nil {
		return Snapshot{}, wrapTruncated(err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.MaxSqnum); err != nil {
		return Snapshot{}, wrapTruncated(err)
	}
	var err error
	if s.Free, err = readPool(r); err != nil {
		return Snapshot{}, err
	}
	if s.Used, err = readPool(r); err != nil {
		return Snapshot{}, err
	}
	if s.Scrub, err = readPool(r); err != nil {
		return Snapshot{}, err
	}
	if s.Erroneous, err = readPool(r); err != nil {
		return Snapshot{}, err
	}
	if s.UserPool, err = readInts(r); err != nil {
		return Snapshot{}, err
	}
	if s.WLPool, err = readInts(r); err != nil {
		return Snapshot{}, err
	}

	var volCount uint32
	if err := binary.Read(r, binary.BigEndian, &volCount); err != nil {
		return Snapshot{}, wrapTruncated(err)
	}
	s.Volumes = make([]VolumeRecord, volCount)
	for i := range s.Volumes {
		v := &s.Volumes[i]
		if err := binary.Read(r, binary.BigEndian, &v.VolID); err != nil {
			return Snapshot{}, wrapTruncated(err)
		}
		vt, err := r.ReadByte()
		if err != nil {
			return Snapshot{}, wrapTruncated(err)
		}
		v.VolType = pebhdr.VolType(vt)
		vm, err := r.ReadByte()
		if err != nil {
			return Snapshot{}, wrapTruncated(err)
		}
		v.VolMode = pebhdr.VolMode(vm)
		if err := binary.Read(r, binary.BigEndian, &v.UsedEBs); err != nil {
			return Snapshot{}, wrapTruncated(err)
		}
		var lebCount uint32
		if err := binary.Read(r, binary.BigEndian, &lebCount); err != nil {
			return Snapshot{}, wrapTruncated(err)
		}
		v.LEBs = make([]LEBRecord, lebCount)
		for j := range v.LEBs {
			l := &v.LEBs[j]
			if err := binary.Read(r, binary.BigEndian, &l.Lnum); err != nil {
				return Snapshot{}, wrapTruncated(err)
			}
			var pnum uint32
			if err := binary.Read(r, binary.BigEndian, &pnum); err != nil {
				return Snapshot{}, wrapTruncated(err)
			}
			l.Pnum = int(pnum)
			lp, err := r.ReadByte()
			if err != nil {
				return Snapshot{}, wrapTruncated(err)
			}
			l.LPos = lp
			var off uint32
			if err := binary.Read(r, binary.BigEndian, &off); err != nil {
				return Snapshot{}, wrapTruncated(err)
			}
			l.SlotOff = int(off)
		}
	}
	return s, nil
}

// encodeSuperBlock serializes a SuperBlock, stamping magic, version and a
// trailing CRC over everything before it.
func encodeSuperBlock(sb SuperBlock) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, SuperMagic)
	buf.WriteByte(FormatVersion)
	binary.Write(&buf, binary.BigEndian, sb.ImageSeq)
	binary.Write(&buf, binary.BigEndian, sb.BodyLen)
	binary.Write(&buf, binary.BigEndian, sb.BodyCRC)
	putInts(&buf, sb.DataPEBs)
	crc := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.BigEndian, crc)
	return buf.Bytes()
}

// decodeSuperBlock validates and parses a super-block. data may be longer
// than the actual record (callers read a whole PEB's data region); the
// trailing bytes are untouched 0xFF padding and never enter the CRC.
func decodeSuperBlock(data []byte) (SuperBlock, error) {
	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if magic != SuperMagic {
		return SuperBlock{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "bad fastmap magic %#x", magic)
	}
	version, err := r.ReadByte()
	if err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if version != FormatVersion {
		return SuperBlock{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "unsupported fastmap version %d", version)
	}

	var sb SuperBlock
	if err := binary.Read(r, binary.BigEndian, &sb.ImageSeq); err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if err := binary.Read(r, binary.BigEndian, &sb.BodyLen); err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if err := binary.Read(r, binary.BigEndian, &sb.BodyCRC); err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if sb.DataPEBs, err = readInts(r); err != nil {
		return SuperBlock{}, err
	}

	consumed := len(data) - r.Len()
	if r.Len() < 4 {
		return SuperBlock{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "fastmap superblock truncated")
	}
	var wantCRC uint32
	if err := binary.Read(r, binary.BigEndian, &wantCRC); err != nil {
		return SuperBlock{}, wrapTruncated(err)
	}
	if gotCRC := crc32.ChecksumIEEE(data[:consumed]); gotCRC != wantCRC {
		return SuperBlock{}, uerr.NewErrorf(uerr.KindFastmapInvalid, "fastmap superblock crc mismatch: want %#x got %#x", wantCRC, gotCRC)
	}
	return sb, nil
}
