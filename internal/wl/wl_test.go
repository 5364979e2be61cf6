package wl

import (
	"errors"
	"testing"

	"ubi/internal/config"
	"ubi/internal/eba"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/ubilog"
)

type fakeMover struct {
	outcome eba.MoveOutcome
	err     error
	calls   int
}

func (f *fakeMover) CopyLEB(lnum uint32, fromPnum, toPnum int) (eba.MoveOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeLookup struct {
	movers map[uint32]Mover
}

func (f fakeLookup) Lookup(volID uint32) (Mover, bool) {
	m, ok := f.movers[volID]
	return m, ok
}

func newTestEngine(t *testing.T) (*Engine, *flashio.IO, *flashio.SimDisk) {
	t.Helper()
	d, err := flashio.NewSimDisk(4096, 32, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	io := flashio.New(d, 3, true)
	cfg := config.Tunables{IORetries: 3, ProtectionQueueLen: 4, WLThreshold: 100, MaxErroneous: 8, WLMoveRetries: 3}
	e := NewEngine(io, cfg, ubilog.New("wl-test", ubilog.LevelError))
	return e, io, d
}

func TestGetPEBStampsECAndMovesToUsed(t *testing.T) {
	e, io, _ := newTestEngine(t)
	for i := 0; i < 5; i++ {
		e.SeedFree(i, uint64(i))
	}

	pnum, ec, err := e.GetPEB()
	if err != nil {
		t.Fatalf("GetPEB: %v", err)
	}
	if pnum != 2 { // median of 0..4 by pnum order
		t.Fatalf("expected median pnum 2, got %d", pnum)
	}
	if ec != 3 { // seeded ec=2, bumped to 3
		t.Fatalf("expected ec 3, got %d", ec)
	}
	hdr, err := io.ReadECHeader(pnum)
	if err != nil || hdr.EC != 3 {
		t.Fatalf("ReadECHeader: %+v, %v", hdr, err)
	}
	free, used, _, _ := e.Snapshot()
	if len(free) != 4 || len(used) != 1 {
		t.Fatalf("expected 4 free/1 used, got %d free %d used", len(free), len(used))
	}
}

func TestPutPEBReturnsToFreeViaWorker(t *testing.T) {
	e, io, _ := newTestEngine(t)
	e.SeedUsed(7, 10)
	e.Start()
	defer e.Stop()

	e.PutPEB(7, false)
	e.Flush(0, 0)

	free, used, _, _ := e.Snapshot()
	if len(used) != 0 || len(free) != 1 || free[0].Pnum != 7 || free[0].EC != 11 {
		t.Fatalf("expected peb 7 back in free at ec 11, got free=%v used=%v", free, used)
	}
	hdr, err := io.ReadECHeader(7)
	if err != nil || hdr.EC != 11 {
		t.Fatalf("ReadECHeader: %+v, %v", hdr, err)
	}
}

func TestScheduleScrubMovesLEBAndErasesSource(t *testing.T) {
	e, io, _ := newTestEngine(t)
	e.SeedUsed(3, 5)
	e.SeedFree(9, 1)
	mover := &fakeMover{outcome: eba.MoveOK}
	e.SetVolumeLookup(fakeLookup{movers: map[uint32]Mover{42: mover}})
	if err := io.WriteVIDHeader(3, 0, pebhdr.VIDHeader{VolID: 42, Lnum: 1}); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}
	e.Start()
	defer e.Stop()

	e.ScheduleScrub(3)
	e.Flush(42, 1)

	if mover.calls != 1 {
		t.Fatalf("expected CopyLEB called once, got %d", mover.calls)
	}
	free, used, scrub, _ := e.Snapshot()
	if len(scrub) != 0 {
		t.Fatalf("expected scrub pool empty, got %v", scrub)
	}
	foundUsed := false
	for _, u := range used {
		if u.Pnum == 9 {
			foundUsed = true
		}
	}
	if !foundUsed {
		t.Fatalf("expected target peb 9 now in used, got %v", used)
	}
	foundFree := false
	for _, fEntry := range free {
		if fEntry.Pnum == 3 {
			foundFree = true
		}
	}
	if !foundFree {
		t.Fatalf("expected source peb 3 erased back to free, got %v", free)
	}
}

func TestMaybeScheduleWLMoveTriggersOnGap(t *testing.T) {
	e, io, _ := newTestEngine(t)
	e.SeedUsed(1, 0)    // coldest used
	e.SeedFree(20, 500) // hottest free, gap 500 > threshold 100
	mover := &fakeMover{outcome: eba.MoveOK}
	e.SetVolumeLookup(fakeLookup{movers: map[uint32]Mover{7: mover}})
	if err := io.WriteVIDHeader(1, 0, pebhdr.VIDHeader{VolID: 7, Lnum: 3}); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}
	e.Start()
	defer e.Stop()

	e.MaybeScheduleWLMove()
	e.Flush(7, 3)

	if mover.calls != 1 {
		t.Fatalf("expected a move to be attempted, got %d calls", mover.calls)
	}
	free, used, _, _ := e.Snapshot()
	usedHasTarget := false
	for _, u := range used {
		if u.Pnum == 20 {
			usedHasTarget = true
		}
	}
	if !usedHasTarget {
		t.Fatalf("expected target peb 20 now in used, got %v", used)
	}
	freeHasSource := false
	for _, fEntry := range free {
		if fEntry.Pnum == 1 {
			freeHasSource = true
		}
	}
	if !freeHasSource {
		t.Fatalf("expected source peb 1 erased back to free, got %v", free)
	}
}

func TestMaybeScheduleWLMoveNoOpUnderThreshold(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SeedUsed(1, 0)
	e.SeedFree(2, 10) // gap 10 < threshold 100
	e.MaybeScheduleWLMove()
	free, used, _, _ := e.Snapshot()
	if len(free) != 1 || len(used) != 1 {
		t.Fatalf("expected no pool changes, got free=%v used=%v", free, used)
	}
}

func TestMaybeScheduleWLMoveSkipsProtectedPEB(t *testing.T) {
	e, io, _ := newTestEngine(t)
	e.SeedUsed(1, 0) // coldest, but just handed out -> protected
	e.SeedUsed(2, 5) // next coldest, free to pick
	e.SeedFree(20, 500)
	e.prot.push(1)
	mover := &fakeMover{outcome: eba.MoveOK}
	e.SetVolumeLookup(fakeLookup{movers: map[uint32]Mover{7: mover}})
	if err := io.WriteVIDHeader(2, 0, pebhdr.VIDHeader{VolID: 7, Lnum: 9}); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}
	e.Start()
	defer e.Stop()

	e.MaybeScheduleWLMove()
	e.Flush(7, 9)

	if mover.calls != 1 {
		t.Fatalf("expected a move attempted against the unprotected peb, got %d calls", mover.calls)
	}
	free, used, _, _ := e.Snapshot()
	stillUsed := false
	for _, u := range used {
		if u.Pnum == 1 {
			stillUsed = true
		}
	}
	if !stillUsed {
		t.Fatalf("expected protected peb 1 left untouched in used, got %v", used)
	}
	freeHasSource := false
	for _, fEntry := range free {
		if fEntry.Pnum == 2 {
			freeHasSource = true
		}
	}
	if !freeHasSource {
		t.Fatalf("expected unprotected source peb 2 erased back to free, got %v", free)
	}
}

func TestDoWLMoveRetriesBeforeMarkingErroneous(t *testing.T) {
	e, io, _ := newTestEngine(t)
	e.cfg.WLMoveRetries = 2
	e.SeedUsed(1, 0)
	e.SeedFree(10, 50)
	e.SeedFree(11, 50)
	e.SeedFree(12, 50)
	mover := &fakeMover{outcome: eba.MoveTargetWriteErr, err: errors.New("simulated target write failure")}
	e.SetVolumeLookup(fakeLookup{movers: map[uint32]Mover{7: mover}})
	if err := io.WriteVIDHeader(1, 0, pebhdr.VIDHeader{VolID: 7, Lnum: 3}); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}
	e.Start()
	defer e.Stop()

	e.worker.enqueue(workItem{kind: workWLMove, pnum: 1, ec: 0, toPEB: 10, toEC: 50})
	e.Flush(7, 3)

	if mover.calls != 3 { // initial attempt + 2 retries, all exhausted
		t.Fatalf("expected 3 move attempts, got %d", mover.calls)
	}
	if got := e.ErroneousCount(); got != 1 {
		t.Fatalf("expected erroneousCount 1 after exhausting retries once, got %d", got)
	}
	_, used, _, erroneous := e.Snapshot()
	foundSource := false
	for _, u := range used {
		if u.Pnum == 1 {
			foundSource = true
		}
	}
	if !foundSource {
		t.Fatalf("expected source peb 1 back in used after a failed move, got %v", used)
	}
	if len(erroneous) != 1 {
		t.Fatalf("expected exactly one peb quarantined in erroneous, got %v", erroneous)
	}
}
