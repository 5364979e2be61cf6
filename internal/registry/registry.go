// Package registry implements the volume registry of §4.H: a dictionary
// from vol_id to its EBA table, the composable open-mode reference counts,
// and open/close notifications for attached shims. It is grounded on
// fd.go's descriptor-plus-permission-bits shape (an open call hands back a
// handle carrying the mode it was opened with) and on hashtable.go for the
// dictionary half; the refcount arbitration itself has no direct teacher
// analogue and is worked out from §4.H's open-mode composition rules.
package registry

import (
	"sync"

	"ubi/internal/eba"
	"ubi/internal/uerr"
	"ubi/internal/wl"
)

// OpenMode is the upper-edge open mode of §4.H/§6.
type OpenMode int

const (
	ModeRead OpenMode = iota
	ModeWrite
	ModeExclusive
	ModeMetaOnly
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeExclusive:
		return "exclusive"
	case ModeMetaOnly:
		return "metaonly"
	default:
		return "unknown"
	}
}

// Event is an open/close notification fanned out to subscribers, per
// §4.H's "attached shims ... can react."
type Event struct {
	VolID  uint32
	Mode   OpenMode
	Opened bool // false on close
}

// entry is one volume's registration: its EBA table plus the four
// reference counts §4.H's open modes compose against.
type entry struct {
	table                                  *eba.Table
	readers, writers, exclusive, metaonly int
}

// canOpen reports whether mode may be granted given the current counts:
// any number of readers coexist; a writer excludes other writers and
// metaonly opens (and vice versa); exclusive excludes everyone.
func (e *entry) canOpen(mode OpenMode) bool {
	if e.exclusive > 0 {
		return false
	}
	switch mode {
	case ModeRead:
		return true
	case ModeWrite:
		return e.writers == 0 && e.metaonly == 0
	case ModeMetaOnly:
		return e.writers == 0
	case ModeExclusive:
		return e.readers == 0 && e.writers == 0 && e.metaonly == 0
	default:
		return false
	}
}

func (e *entry) openCount() int {
	return e.readers + e.writers + e.exclusive + e.metaonly
}

func (e *entry) adjust(mode OpenMode, delta int) {
	switch mode {
	case ModeRead:
		e.readers += delta
	case ModeWrite:
		e.writers += delta
	case ModeExclusive:
		e.exclusive += delta
	case ModeMetaOnly:
		e.metaonly += delta
	}
}

// Registry is the volume dictionary and open-mode arbiter for one UBI
// instance.
type Registry struct {
	mu   sync.Mutex
	vols map[uint32]*entry

	subMu sync.Mutex
	subs  []chan Event
}

// New returns an empty registry; volumes are added via InstallVolume.
func New() *Registry {
	return &Registry{vols: map[uint32]*entry{}}
}

// InstallVolume registers volID's EBA table, making it openable. Replacing
// an already-registered volume is the caller's responsibility to guard
// against (RemoveVolume first).
func (r *Registry) InstallVolume(volID uint32, table *eba.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vols[volID] = &entry{table: table}
}

// RemoveVolume drops volID from the registry. It refuses while any handle
// is open, per the admin surface's dependency on the core staying
// consistent with live opens.
func (r *Registry) RemoveVolume(volID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.vols[volID]
	if !ok {
		return uerr.NewErrorf(uerr.KindNotMapped, "volume %d not registered", volID)
	}
	if e.openCount() > 0 {
		return uerr.NewErrorf(uerr.KindBusy, "volume %d has open handles", volID)
	}
	delete(r.vols, volID)
	return nil
}

// Volumes lists every currently-registered volume ID.
func (r *Registry) Volumes() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.vols))
	for id := range r.vols {
		out = append(out, id)
	}
	return out
}

// Lookup resolves volID to the Mover WL drives a move/scrub against,
// satisfying wl.VolumeLookup so the engine never imports registry
// directly.
func (r *Registry) Lookup(volID uint32) (wl.Mover, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.vols[volID]
	if !ok {
		return nil, false
	}
	return e.table, true
}

// Handle is a descriptor returned by Open: the mode it was granted under,
// and the EBA table the upper-edge volume API dispatches against.
type Handle struct {
	r     *Registry
	volID uint32
	mode  OpenMode
}

// Table is the EBA table this handle's volume is backed by.
func (h *Handle) Table() *eba.Table {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	e, ok := h.r.vols[h.volID]
	if !ok {
		return nil
	}
	return e.table
}

// VolID and Mode report what this handle was opened as.
func (h *Handle) VolID() uint32  { return h.volID }
func (h *Handle) Mode() OpenMode { return h.mode }

// Open grants a handle on volID under mode, or KindBusy if mode conflicts
// with an existing open, per §4.H's composition rules.
func (r *Registry) Open(volID uint32, mode OpenMode) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.vols[volID]
	if !ok {
		r.mu.Unlock()
		return nil, uerr.NewErrorf(uerr.KindNotMapped, "volume %d not registered", volID)
	}
	if !e.canOpen(mode) {
		r.mu.Unlock()
		return nil, uerr.NewErrorf(uerr.KindBusy, "volume %d busy for %s open", volID, mode)
	}
	e.adjust(mode, 1)
	r.mu.Unlock()

	r.notify(Event{VolID: volID, Mode: mode, Opened: true})
	return &Handle{r: r, volID: volID, mode: mode}, nil
}

// Close releases h's reservation and emits a close notification. Closing
// a handle whose volume was since removed is a no-op on the refcount.
func (r *Registry) Close(h *Handle) {
	r.mu.Lock()
	if e, ok := r.vols[h.volID]; ok {
		e.adjust(h.mode, -1)
	}
	r.mu.Unlock()
	r.notify(Event{VolID: h.volID, Mode: h.mode, Opened: false})
}

// Subscribe registers ch to receive open/close events. Sends are
// non-blocking: a subscriber that falls behind misses events rather than
// stalling the opener.
func (r *Registry) Subscribe(ch chan Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, ch)
}

// Unsubscribe removes ch; a no-op if it was never subscribed.
func (r *Registry) Unsubscribe(ch chan Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, c := range r.subs {
		if c == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
