package wl

import "sync/atomic"

// workKind enumerates the background worker's FIFO item kinds (§4.D).
type workKind int

const (
	workErase workKind = iota
	workWLMove
	workScrub
	workConsolidate
	workFastmapWrite
)

// workItem is one unit of background work. lnum/volID are carried but no
// enqueuer sets them and flush does not read them. An item carrying ack is
// a flush barrier: the worker closes ack once every item queued ahead of
// it has been processed.
type workItem struct {
	kind    workKind
	pnum    int
	ec      uint64
	toPEB   int
	toEC    uint64
	torture bool

	volID uint32
	lnum  uint32

	fn func() // workConsolidate/workFastmapWrite dispatch through a closure supplied by the caller

	ack chan struct{}
}

// worker drains the FIFO on a single goroutine, per §4.D/§5 ("one
// background worker per UBI instance").
type worker struct {
	engine *Engine
	queue  chan workItem
	stop   chan struct{}
	done   chan struct{}

	handled atomic.Uint64 // non-barrier items processed so far
}

func newWorker(engine *Engine, queueLen int) *worker {
	return &worker{
		engine: engine,
		queue:  make(chan workItem, queueLen),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// run is the worker goroutine's body; it exits once stop is closed and
// the queue has drained, so in-flight erases/moves are not abandoned.
func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case item := <-w.queue:
			w.handle(item)
		case <-w.stop:
			for {
				select {
				case item := <-w.queue:
					w.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (w *worker) shutdown() {
	close(w.stop)
	<-w.done
}

func (w *worker) enqueue(item workItem) {
	w.queue <- item
}

// flush blocks until every item queued ahead of it has been processed,
// along with the follow-up items those items queue in turn (a move's
// erase of its source, for instance). It injects a barrier and waits for
// it, repeating until a barrier completes with no other item handled in
// between. volID and lnum are not consulted: all queued work is drained.
func (w *worker) flush(volID uint32, lnum uint32) {
	for {
		before := w.handled.Load()
		ack := make(chan struct{})
		w.enqueue(workItem{kind: workFastmapWrite, fn: func() {}, ack: ack})
		<-ack
		if w.handled.Load() == before {
			return
		}
	}
}

func (w *worker) handle(item workItem) {
	defer func() {
		if item.ack != nil {
			close(item.ack)
		}
	}()
	switch item.kind {
	case workErase:
		w.engine.doErase(item.pnum, item.torture, item.ec)
	case workWLMove:
		w.engine.doWLMove(item.pnum, item.ec, item.toPEB, item.toEC)
	case workScrub:
		w.engine.doScrub(item.pnum, item.ec)
	case workConsolidate, workFastmapWrite:
		if item.fn != nil {
			item.fn()
		}
	}
	if item.ack == nil {
		w.handled.Add(1)
	}
}
