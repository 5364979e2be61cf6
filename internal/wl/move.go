package wl

import "ubi/internal/eba"

// tryMove discovers which (vol_id, lnum) occupies fromPnum by reading its
// VID header directly, then dispatches to the owning volume's Mover. WL
// never tracks volume identity itself; the VID header is self-describing
// (§4.F relies on the same property during scan).
func (e *Engine) tryMove(fromPnum, toPnum int) (eba.MoveOutcome, error) {
	vid, err := e.io.ReadVIDHeader(fromPnum, 0)
	if err != nil {
		return eba.MoveSourceReadErr, err
	}
	if e.volumes == nil {
		return eba.MoveCancelRace, nil
	}
	mover, ok := e.volumes.Lookup(vid.VolID)
	if !ok {
		return eba.MoveCancelRace, nil
	}
	return mover.CopyLEB(vid.Lnum, fromPnum, toPnum)
}

// doWLMove is the worker-side handler for a scheduled wear-level move
// (§4.C). Source and target have already been pulled out of their pools
// by MaybeScheduleWLMove; every outcome branch puts them back somewhere.
// A target-side failure torture-erases the failed target and retries
// against a fresh one, up to WLMoveRetries times, before the last target
// is actually counted as erroneous: a single transient target fault must
// not by itself inflate erroneous_peb_count toward max_erroneous.
func (e *Engine) doWLMove(fromPnum int, fromEC uint64, toPnum int, toEC uint64) {
	e.moveMu.Lock()
	defer e.moveMu.Unlock()

	curTarget, curTargetEC := toPnum, toEC
	for attempt := 0; ; attempt++ {
		outcome, err := e.tryMove(fromPnum, curTarget)
		switch outcome {
		case eba.MoveOK:
			e.mu.Lock()
			e.used.insert(ecEntry{pnum: curTarget, ec: curTargetEC})
			e.mu.Unlock()
			e.scheduleEraseDirect(fromPnum, fromEC, false)
			return

		case eba.MoveCancelRace:
			e.mu.Lock()
			e.used.insert(ecEntry{pnum: fromPnum, ec: fromEC})
			e.free.insert(ecEntry{pnum: curTarget, ec: curTargetEC})
			e.mu.Unlock()
			return

		case eba.MoveSourceReadErr:
			e.mu.Lock()
			e.scrub.insert(ecEntry{pnum: fromPnum, ec: fromEC})
			e.free.insert(ecEntry{pnum: curTarget, ec: curTargetEC})
			e.mu.Unlock()
			e.worker.enqueue(workItem{kind: workScrub, pnum: fromPnum, ec: fromEC})
			return

		default: // MoveTargetReadErr, MoveTargetWriteErr, MoveTargetBitflips, MoveRetry
			if err != nil {
				e.log.Warnf("wl move target %d failed (%s), attempt %d/%d: %v", curTarget, outcome, attempt+1, e.cfg.WLMoveRetries+1, err)
			}

			if attempt >= e.cfg.WLMoveRetries {
				e.mu.Lock()
				e.used.insert(ecEntry{pnum: fromPnum, ec: fromEC})
				e.erroneous.insert(ecEntry{pnum: curTarget, ec: curTargetEC})
				e.erroneousCount++
				exceeded := e.erroneousCount > e.cfg.MaxErroneous
				e.mu.Unlock()
				if exceeded {
					e.io.Latch()
					e.log.Errorf("erroneous peb count exceeded max_erroneous (%d); instance is now read-only", e.cfg.MaxErroneous)
				}
				return
			}

			// Retry budget remains: torture-erase the failed target back
			// into free and draw a fresh one for the next attempt.
			e.scheduleEraseDirect(curTarget, curTargetEC, true)
			e.mu.Lock()
			fresh, ok := e.free.removeNearMean()
			e.mu.Unlock()
			if !ok {
				e.mu.Lock()
				e.used.insert(ecEntry{pnum: fromPnum, ec: fromEC})
				e.mu.Unlock()
				return
			}
			curTarget, curTargetEC = fresh.pnum, fresh.ec
		}
	}
}

// doScrub is the worker-side handler for a PEB that landed in scrub after
// a corrected bit-flip: move its LEB to a fresh PEB via the same copy
// protocol as a wear-level move (§4.C).
func (e *Engine) doScrub(pnum int, ec uint64) {
	e.moveMu.Lock()
	defer e.moveMu.Unlock()

	e.mu.Lock()
	e.scrub.removeByPnum(pnum)
	tgt, ok := e.free.removeNearMean()
	e.mu.Unlock()
	if !ok {
		e.mu.Lock()
		e.scrub.insert(ecEntry{pnum: pnum, ec: ec})
		e.mu.Unlock()
		return
	}

	outcome, err := e.tryMove(pnum, tgt.pnum)
	switch outcome {
	case eba.MoveOK:
		e.mu.Lock()
		e.used.insert(ecEntry{pnum: tgt.pnum, ec: tgt.ec})
		e.mu.Unlock()
		e.scheduleEraseDirect(pnum, ec, false)

	case eba.MoveCancelRace:
		e.mu.Lock()
		e.scrub.insert(ecEntry{pnum: pnum, ec: ec})
		e.free.insert(tgt)
		e.mu.Unlock()

	default:
		e.mu.Lock()
		e.scrub.insert(ecEntry{pnum: pnum, ec: ec})
		e.mu.Unlock()
		e.scheduleEraseDirect(tgt.pnum, tgt.ec, true)
		if err != nil {
			e.log.Warnf("scrub move of peb %d failed (%s): %v", pnum, outcome, err)
		}
	}
}
