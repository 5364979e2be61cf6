package attach

import (
	"hash/crc32"
	"sync"
	"testing"

	"ubi/internal/config"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/sqnum"
	"ubi/internal/ubilog"
	"ubi/internal/wl"
)

func newTestDisk(t *testing.T, pebCount int) (*flashio.SimDisk, *flashio.IO) {
	t.Helper()
	d, err := flashio.NewSimDisk(4096, pebCount, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, flashio.New(d, 3, true)
}

func writeLive(t *testing.T, io *flashio.IO, pnum int, ec uint64, vid pebhdr.VIDHeader, data []byte) {
	t.Helper()
	if err := io.WriteECHeader(pnum, pebhdr.ECHeader{EC: ec}); err != nil {
		t.Fatalf("WriteECHeader(%d): %v", pnum, err)
	}
	vid.DataSize = uint32(len(data))
	vid.DataCRC = crc32.ChecksumIEEE(data)
	if err := io.WriteVIDHeader(pnum, 0, vid); err != nil {
		t.Fatalf("WriteVIDHeader(%d): %v", pnum, err)
	}
	if err := io.WriteData(pnum, 0, data, flashio.ModeNormal); err != nil {
		t.Fatalf("WriteData(%d): %v", pnum, err)
	}
}

func TestScanClassifiesBlankPEBsAsFree(t *testing.T) {
	_, io := newTestDisk(t, 8)
	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Free) != 8 {
		t.Fatalf("expected 8 free pebs, got %d", len(res.Free))
	}
	if len(res.Used) != 0 || len(res.Volumes) != 0 {
		t.Fatalf("expected no used pebs or volumes on a blank disk")
	}
}

func TestScanFindsLiveLEBAndSeedsVolume(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 2, pebhdr.VIDHeader{VolID: 5, Lnum: 3, VolType: pebhdr.VolDynamic, Sqnum: 10}, []byte("data"))

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	vol, ok := res.Volumes[5]
	if !ok {
		t.Fatalf("expected volume 5 discovered")
	}
	info, ok := vol.LEBs[3]
	if !ok || info.Pnum != 0 {
		t.Fatalf("expected lnum 3 mapped to peb 0, got %+v ok=%v", info, ok)
	}
	foundUsed := false
	for _, u := range res.Used {
		if u.Pnum == 0 && u.EC == 2 {
			foundUsed = true
		}
	}
	if !foundUsed {
		t.Fatalf("expected peb 0 at ec 2 in used pool, got %v", res.Used)
	}
	if len(res.Free) != 7 {
		t.Fatalf("expected 7 remaining free pebs, got %d", len(res.Free))
	}
}

func TestScanArbitratesDuplicateBySqnum(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 1, pebhdr.VIDHeader{VolID: 5, Lnum: 3, Sqnum: 5}, []byte("old"))
	writeLive(t, io, 1, 1, pebhdr.VIDHeader{VolID: 5, Lnum: 3, Sqnum: 9}, []byte("newer"))

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	info, ok := res.Volumes[5].LEBs[3]
	if !ok || info.Pnum != 1 {
		t.Fatalf("expected higher-sqnum peb 1 to win, got %+v", info)
	}
	if len(res.EraseList) != 1 || res.EraseList[0] != 0 {
		t.Fatalf("expected peb 0 on the erase list, got %v", res.EraseList)
	}
}

func TestScanArbitratesTieByVerifiedCopyFlag(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 1, pebhdr.VIDHeader{VolID: 5, Lnum: 3, Sqnum: 7, CopyFlag: false}, []byte("original"))
	writeLive(t, io, 1, 1, pebhdr.VIDHeader{VolID: 5, Lnum: 3, Sqnum: 7, CopyFlag: true}, []byte("original"))

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	info, ok := res.Volumes[5].LEBs[3]
	if !ok || info.Pnum != 1 {
		t.Fatalf("expected verified copy on peb 1 to win the sqnum tie, got %+v", info)
	}
}

func TestScanMarksStaticVolumeCorruptedWhenLEBMissing(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 1, pebhdr.VIDHeader{VolID: 6, Lnum: 0, VolType: pebhdr.VolStatic, UsedEBs: 3, Sqnum: 1}, []byte("a"))
	writeLive(t, io, 1, 1, pebhdr.VIDHeader{VolID: 6, Lnum: 2, VolType: pebhdr.VolStatic, UsedEBs: 3, Sqnum: 2}, []byte("c"))
	// lnum 1 of the 3-LEB static volume is never written.

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !res.Volumes[6].Corrupted {
		t.Fatalf("expected static volume 6 marked corrupted")
	}
}

func TestScanDiscardsConsolidationTargetMissingCommit(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 3, Sqnum: 5}, []byte("src-a"))
	writeLive(t, io, 1, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 4, Sqnum: 6}, []byte("src-b"))

	// Simulate a crash after §4.E step 3 (target VID headers written) but
	// before step 4 (EBA re-point): both slots carry a fresh, higher
	// sqnum but neither was ever rewritten Committed: true.
	if err := io.WriteECHeader(2, pebhdr.ECHeader{EC: 1}); err != nil {
		t.Fatalf("WriteECHeader: %v", err)
	}
	if err := io.WriteVIDHeader(2, 0, pebhdr.VIDHeader{VolID: 7, Lnum: 3, Sqnum: 100, LPos: 0, VolMode: pebhdr.ModeMLCSafe}); err != nil {
		t.Fatalf("WriteVIDHeader slot 0: %v", err)
	}
	if err := io.WriteVIDHeader(2, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 4, Sqnum: 101, LPos: 1, VolMode: pebhdr.ModeMLCSafe}); err != nil {
		t.Fatalf("WriteVIDHeader slot 1: %v", err)
	}

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	info3, ok := res.Volumes[7].LEBs[3]
	if !ok || info3.Pnum != 0 {
		t.Fatalf("expected source peb 0 to keep lnum 3 mapped, got %+v ok=%v", info3, ok)
	}
	info4, ok := res.Volumes[7].LEBs[4]
	if !ok || info4.Pnum != 1 {
		t.Fatalf("expected source peb 1 to keep lnum 4 mapped, got %+v ok=%v", info4, ok)
	}

	foundTargetOnEraseList := false
	for _, p := range res.EraseList {
		if p == 2 {
			foundTargetOnEraseList = true
		}
	}
	if !foundTargetOnEraseList {
		t.Fatalf("expected uncommitted consolidation target peb 2 on the erase list, got %v", res.EraseList)
	}
}

func TestScanAcceptsFullyCommittedConsolidationTarget(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 3, Sqnum: 5}, []byte("src-a"))
	writeLive(t, io, 1, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 4, Sqnum: 6}, []byte("src-b"))

	if err := io.WriteECHeader(2, pebhdr.ECHeader{EC: 1}); err != nil {
		t.Fatalf("WriteECHeader: %v", err)
	}
	if err := io.WriteVIDHeader(2, 0, pebhdr.VIDHeader{VolID: 7, Lnum: 3, Sqnum: 100, LPos: 0, VolMode: pebhdr.ModeMLCSafe, Committed: true}); err != nil {
		t.Fatalf("WriteVIDHeader slot 0: %v", err)
	}
	if err := io.WriteVIDHeader(2, 1, pebhdr.VIDHeader{VolID: 7, Lnum: 4, Sqnum: 101, LPos: 1, VolMode: pebhdr.ModeMLCSafe, Committed: true}); err != nil {
		t.Fatalf("WriteVIDHeader slot 1: %v", err)
	}

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	info3, ok := res.Volumes[7].LEBs[3]
	if !ok || info3.Pnum != 2 {
		t.Fatalf("expected committed target peb 2 to win lnum 3, got %+v ok=%v", info3, ok)
	}
	info4, ok := res.Volumes[7].LEBs[4]
	if !ok || info4.Pnum != 2 {
		t.Fatalf("expected committed target peb 2 to win lnum 4, got %+v ok=%v", info4, ok)
	}

	pebTwoCount := 0
	for _, u := range res.Used {
		if u.Pnum == 2 {
			pebTwoCount++
		}
	}
	if pebTwoCount != 1 {
		t.Fatalf("expected target peb 2 counted once in used despite holding two lnums, got %d", pebTwoCount)
	}

	erasedSources := map[int]bool{}
	for _, p := range res.EraseList {
		erasedSources[p] = true
	}
	if !erasedSources[0] || !erasedSources[1] {
		t.Fatalf("expected both displaced source pebs on the erase list, got %v", res.EraseList)
	}
}

func TestApplySeedsEngineAndBuildsReadableTable(t *testing.T) {
	_, io := newTestDisk(t, 8)
	writeLive(t, io, 0, 4, pebhdr.VIDHeader{VolID: 5, Lnum: 0, VolType: pebhdr.VolDynamic, Sqnum: 1}, []byte("payload"))

	res, err := Scan(io)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	cfg := config.Tunables{IORetries: 3, ProtectionQueueLen: 4, WLThreshold: 100, MaxErroneous: 8}
	engine := wl.NewEngine(io, cfg, ubilog.New("attach-test", ubilog.LevelError))
	tables := Apply(io, engine, &sqnum.Counter{}, &sync.Mutex{}, 3, res)

	free, used, _, _ := engine.Snapshot()
	if len(free) != 7 || len(used) != 1 {
		t.Fatalf("expected 7 free/1 used after apply, got free=%d used=%d", len(free), len(used))
	}

	tbl, ok := tables[5]
	if !ok {
		t.Fatalf("expected table for volume 5")
	}
	buf := make([]byte, len("payload"))
	if _, err := tbl.ReadLEB(0, buf, 0, false); err != nil || string(buf) != "payload" {
		t.Fatalf("ReadLEB after apply: %q, %v", buf, err)
	}
}
