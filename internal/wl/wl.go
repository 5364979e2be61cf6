// Package wl implements the wear-levelling engine of §4.C/§4.D: the
// free/used/scrub/erroneous EC-ordered pools, the protection queue, PEB
// allocation/release, and the single background worker that executes
// erase/move/scrub/consolidate/fastmap-write work. The pool/worker split
// is grounded on biscuit/src/fs/blk.go's Bdev_block_t cache plus its
// single-goroutine-drained BlkList_t request queue (§9's design note
// 9's "arena of interchangeable physical units plus an index" shape has
// no single teacher file modeling PEB pools specifically, but the
// producer/single-drainer queue discipline is blk.go's); the protection
// queue and erroneous-PEB pool's bounded-retry-before-quarantine rule
// (doWLMove) are grounded on circbuf.go's fixed-capacity FIFO and on
// blk.go's CommitBlk/RevokeBlk distinction between a durable write and
// one that must be unwound, respectively. There is no per-PEB lookup
// table: finding a PEB by number scans the pools (ecSet.indexOfPnum) in
// linear time.
package wl

import (
	"ubi/internal/config"
	"ubi/internal/eba"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/uerr"
	"ubi/internal/ubilog"

	"sync"
)

// VolumeLookup resolves a volume ID to the Mover that owns its EBA table,
// so the engine can dispatch a move/scrub without knowing about eba.Table
// directly. *registry.Registry implements this; the root package's Attach
// wires the instance's registry in via SetVolumeLookup.
type VolumeLookup interface {
	Lookup(volID uint32) (Mover, bool)
}

// Mover is the copy protocol a volume's EBA table exposes to WL (§4.B).
type Mover interface {
	CopyLEB(lnum uint32, fromPnum, toPnum int) (eba.MoveOutcome, error)
}

// Engine is the wear-levelling state for one UBI instance; it implements
// eba.PEBSource so every volume's Table can draw PEBs from it.
type Engine struct {
	io  *flashio.IO
	log *ubilog.Logger
	cfg config.Tunables

	mu             sync.Mutex
	free           ecSet
	used           ecSet
	scrub          ecSet
	erroneous      ecSet
	prot           *protQueue
	bebRsvdPebs    int
	erroneousCount int

	moveMu  sync.Mutex
	volumes VolumeLookup

	worker *worker
}

// NewEngine constructs an engine with empty pools; callers seed it via
// SeedFree/SeedUsed/... during attach (§4.F) before calling Start.
func NewEngine(io *flashio.IO, cfg config.Tunables, log *ubilog.Logger) *Engine {
	e := &Engine{
		io:   io,
		log:  log,
		cfg:  cfg,
		prot: newProtQueue(cfg.ProtectionQueueLen),
	}
	e.worker = newWorker(e, 64)
	return e
}

// SetVolumeLookup wires the registry the move protocol uses to find the
// owning volume of a PEB under consideration for a move.
func (e *Engine) SetVolumeLookup(v VolumeLookup) { e.volumes = v }

// Start launches the background worker goroutine.
func (e *Engine) Start() { go e.worker.run() }

// Stop drains and stops the background worker.
func (e *Engine) Stop() { e.worker.shutdown() }

// Flush blocks until all queued work, and the work it queues in turn, has
// run (§4.D). volID and lnum are not consulted.
func (e *Engine) Flush(volID, lnum uint32) { e.worker.flush(volID, lnum) }

// --- seeding (attach/scan, §4.F) ---

func (e *Engine) SeedFree(pnum int, ec uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.free.insert(ecEntry{pnum: pnum, ec: ec})
}

func (e *Engine) SeedUsed(pnum int, ec uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.used.insert(ecEntry{pnum: pnum, ec: ec})
}

func (e *Engine) SeedScrub(pnum int, ec uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrub.insert(ecEntry{pnum: pnum, ec: ec})
}

func (e *Engine) SeedErroneous(pnum int, ec uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.erroneous.insert(ecEntry{pnum: pnum, ec: ec})
	e.erroneousCount++
}

// --- eba.PEBSource ---

// GetPEB returns the free PEB with the median EC, stamps ec+1, and places
// it in the protection queue, per §4.C.
func (e *Engine) GetPEB() (int, uint64, error) {
	for attempt := 0; attempt <= e.cfg.IORetries; attempt++ {
		e.mu.Lock()
		entry, ok := e.free.removeMedian()
		e.mu.Unlock()
		if !ok {
			return 0, 0, uerr.Err(uerr.KindOutOfSpace)
		}

		newEC := entry.ec + 1
		if err := e.io.WriteECHeader(entry.pnum, pebhdr.ECHeader{EC: newEC}); err != nil {
			e.mu.Lock()
			e.erroneous.insert(ecEntry{pnum: entry.pnum, ec: newEC})
			e.erroneousCount++
			e.mu.Unlock()
			e.log.Warnf("get_peb: failed to stamp ec header on peb %d, retrying on another peb: %v", entry.pnum, err)
			continue
		}

		e.mu.Lock()
		e.used.insert(ecEntry{pnum: entry.pnum, ec: newEC})
		e.prot.push(entry.pnum)
		e.mu.Unlock()
		return entry.pnum, newEC, nil
	}
	return 0, 0, uerr.NewErrorf(uerr.KindFatal, "get_peb: exhausted ec-header stamp retries")
}

// PutPEB removes pnum from whichever pool holds it and enqueues an erase
// work item; the worker bumps its EC and returns it to free (§4.C).
func (e *Engine) PutPEB(pnum int, torture bool) {
	e.mu.Lock()
	entry, found := e.removeFromAnyPoolLocked(pnum)
	e.prot.remove(pnum)
	e.mu.Unlock()

	var ec uint64
	if found {
		ec = entry.ec
	}
	e.worker.enqueue(workItem{kind: workErase, pnum: pnum, ec: ec, torture: torture})
}

// ScheduleScrub moves pnum from used into scrub and enqueues scrub work,
// per §4.C: "a PEB lands in scrub when a bit-flip was corrected on read."
func (e *Engine) ScheduleScrub(pnum int) {
	e.mu.Lock()
	entry, ok := e.used.removeByPnum(pnum)
	if ok {
		e.scrub.insert(entry)
	}
	e.mu.Unlock()
	if ok {
		e.worker.enqueue(workItem{kind: workScrub, pnum: pnum, ec: entry.ec})
	}
}

func (e *Engine) removeFromAnyPoolLocked(pnum int) (ecEntry, bool) {
	if entry, ok := e.used.removeByPnum(pnum); ok {
		return entry, true
	}
	if entry, ok := e.scrub.removeByPnum(pnum); ok {
		return entry, true
	}
	if entry, ok := e.erroneous.removeByPnum(pnum); ok {
		e.erroneousCount--
		return entry, true
	}
	if entry, ok := e.free.removeByPnum(pnum); ok {
		return entry, true
	}
	return ecEntry{}, false
}

// scheduleEraseDirect enqueues an erase for a PEB the caller has already
// pulled out of every pool (used internally by the move protocol).
func (e *Engine) scheduleEraseDirect(pnum int, ec uint64, torture bool) {
	e.worker.enqueue(workItem{kind: workErase, pnum: pnum, ec: ec, torture: torture})
}

// doErase is the worker-side handler for workErase: erase (torture if
// requested), bump ec, rewrite the EC header, and return the PEB to free.
func (e *Engine) doErase(pnum int, torture bool, ec uint64) {
	if err := e.io.Erase(pnum, torture); err != nil {
		e.mu.Lock()
		e.bebRsvdPebs++
		e.mu.Unlock()
		e.log.Warnf("peb %d erase failed and was marked bad: %v", pnum, err)
		return
	}
	newEC := ec + 1
	if err := e.io.WriteECHeader(pnum, pebhdr.ECHeader{EC: newEC}); err != nil {
		e.mu.Lock()
		e.erroneous.insert(ecEntry{pnum: pnum, ec: newEC})
		e.erroneousCount++
		e.mu.Unlock()
		e.log.Warnf("peb %d ec header rewrite after erase failed: %v", pnum, err)
		return
	}
	e.mu.Lock()
	e.free.insert(ecEntry{pnum: pnum, ec: newEC})
	e.mu.Unlock()
}

// MaybeScheduleWLMove checks the max_ec - min_ec_in_used gap against the
// configured threshold and, if exceeded, schedules a wear-level move of
// the coldest used PEB onto a free PEB near the mean EC (§4.C). A PEB
// still sitting in the protection queue was only just handed out by
// get_peb and is skipped, so it isn't immediately churned back out as a
// move source.
func (e *Engine) MaybeScheduleWLMove() {
	e.mu.Lock()
	minUsed, hasUsed := e.used.minExcluding(e.prot.contains)
	maxUsed, _ := e.used.max()
	maxFree, hasFree := e.free.max()
	if !hasUsed || !hasFree {
		e.mu.Unlock()
		return
	}
	maxEC := maxUsed.ec
	if maxFree.ec > maxEC {
		maxEC = maxFree.ec
	}
	if int64(maxEC)-int64(minUsed.ec) <= int64(e.cfg.WLThreshold) {
		e.mu.Unlock()
		return
	}
	src, _ := e.used.removeByPnum(minUsed.pnum)
	tgt, ok := e.free.removeNearMean()
	if !ok {
		e.used.insert(src)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.worker.enqueue(workItem{kind: workWLMove, pnum: src.pnum, ec: src.ec, toPEB: tgt.pnum, toEC: tgt.ec})
}

// ScheduleConsolidate and ScheduleFastmapWrite enqueue fn on the single
// background worker under the corresponding work kind (§4.D), so
// consolidation packs and fastmap checkpoints are serialized against
// every erase/move/scrub the worker already drains in FIFO order.
func (e *Engine) ScheduleConsolidate(fn func()) {
	e.worker.enqueue(workItem{kind: workConsolidate, fn: fn})
}

func (e *Engine) ScheduleFastmapWrite(fn func()) {
	e.worker.enqueue(workItem{kind: workFastmapWrite, fn: fn})
}

// EnsureAnchorPEBs reports KindOutOfSpace when the free pool is empty and
// nil otherwise. It reserves no PEB: no entry is pinned or set aside, and
// the PEB number of the free entries is not considered.
func (e *Engine) EnsureAnchorPEBs() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.free.len() == 0 {
		return uerr.Err(uerr.KindOutOfSpace)
	}
	return nil
}

// PEBState names a PEB and the erase counter a snapshot observed for it.
type PEBState struct {
	Pnum int
	EC   uint64
}

func toStates(entries []ecEntry) []PEBState {
	out := make([]PEBState, len(entries))
	for i, e := range entries {
		out[i] = PEBState{Pnum: e.pnum, EC: e.ec}
	}
	return out
}

// Snapshot returns copies of the four pools' contents for fastmap
// checkpointing (§4.G).
func (e *Engine) Snapshot() (free, used, scrub, erroneous []PEBState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return toStates(e.free.all()), toStates(e.used.all()), toStates(e.scrub.all()), toStates(e.erroneous.all())
}

// BadReserveCount reports beb_rsvd_pebs, the bad-eraseblock reserve
// tracked separately from per-volume reserved PEBs (§12).
func (e *Engine) BadReserveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bebRsvdPebs
}

func (e *Engine) ErroneousCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.erroneousCount
}
