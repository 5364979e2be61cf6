package flashio

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SimDisk is an in-process flash simulator implementing Device, used by
// every package's tests and by the cmd/ubictl demo. It backs its PEB
// arena with an mmap'd scratch file via golang.org/x/sys/unix (the one
// domain dependency golang.org/x/sys serves in this repo), so erase and
// torture-erase operate on real paged memory the OS can fault and sync,
// the same way biscuit's Bdev_block_t backs a cached block with a real
// page (mem.Pa_t) rather than a bare Go slice.
type SimDisk struct {
	mu sync.Mutex

	file     *os.File
	mapping  []byte
	pebSize  int
	pebCount int
	minIO    int
	maxWrite int

	bad map[int]bool

	// Fault injection for the testable properties in §8.
	uncorrectable  map[int]bool // pnum -> next read returns OutcomeUncorrectable
	bitflipOnRead  map[int]bool // pnum -> next read returns OutcomeBitflips (data still valid)
	writeFails     map[int]int  // pnum -> how many of the following writes fail (one per InjectWriteFailure call)
	eraseFails     map[int]bool // pnum -> next erase fails
	torturePersist map[int]bool // pnum -> torture pattern "survives" erase (PEB is truly bad)
}

// NewSimDisk creates a simulated flash device backed by a shared mmap of
// an unlinked temporary file sized pebSize*pebCount.
func NewSimDisk(pebSize, pebCount, minIO, maxWrite int) (*SimDisk, error) {
	f, err := os.CreateTemp("", "ubi-simdisk-*")
	if err != nil {
		return nil, fmt.Errorf("simdisk: tempfile: %w", err)
	}
	os.Remove(f.Name()) // unlink immediately; the fd keeps the backing store alive

	size := int64(pebSize) * int64(pebCount)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("simdisk: truncate: %w", err)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("simdisk: mmap: %w", err)
	}
	for i := range m {
		m[i] = 0xFF // blank flash reads as all-ones
	}
	return &SimDisk{
		file:           f,
		mapping:        m,
		pebSize:        pebSize,
		pebCount:       pebCount,
		minIO:          minIO,
		maxWrite:       maxWrite,
		bad:            map[int]bool{},
		uncorrectable:  map[int]bool{},
		bitflipOnRead:  map[int]bool{},
		writeFails:     map[int]int{},
		eraseFails:     map[int]bool{},
		torturePersist: map[int]bool{},
	}, nil
}

// Close releases the mmap'd region and backing file descriptor.
func (d *SimDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapping != nil {
		unix.Munmap(d.mapping)
		d.mapping = nil
	}
	return d.file.Close()
}

func (d *SimDisk) PebSize() int     { return d.pebSize }
func (d *SimDisk) PebCount() int    { return d.pebCount }
func (d *SimDisk) MinIOSize() int   { return d.minIO }
func (d *SimDisk) MaxWriteSize() int { return d.maxWrite }

func allOnes(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (d *SimDisk) region(pnum int) []byte {
	start := pnum * d.pebSize
	return d.mapping[start : start+d.pebSize]
}

func (d *SimDisk) Read(pnum, off, length int) ([]byte, Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.uncorrectable[pnum] {
		delete(d.uncorrectable, pnum)
		return nil, OutcomeUncorrectable, fmt.Errorf("simulated uncorrectable ECC error on peb %d", pnum)
	}

	region := d.region(pnum)
	buf := make([]byte, length)
	copy(buf, region[off:off+length])

	if allOnes(buf) {
		return buf, OutcomeAllOnes, nil
	}
	if d.bitflipOnRead[pnum] {
		delete(d.bitflipOnRead, pnum)
		return buf, OutcomeBitflips, nil
	}
	return buf, OutcomeOK, nil
}

func (d *SimDisk) Write(pnum, off int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeFails[pnum] > 0 {
		d.writeFails[pnum]--
		return fmt.Errorf("simulated write failure on peb %d", pnum)
	}
	region := d.region(pnum)
	copy(region[off:off+len(data)], data)
	return nil
}

func (d *SimDisk) Erase(pnum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.eraseFails[pnum] {
		delete(d.eraseFails, pnum)
		return fmt.Errorf("simulated erase failure on peb %d", pnum)
	}
	region := d.region(pnum)
	if d.torturePersist[pnum] {
		// The pattern "survives": leave the region exactly as the
		// torture write left it instead of erasing, so the caller's
		// readback sees the pattern and declares the PEB bad.
		return nil
	}
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

func (d *SimDisk) IsBad(pnum int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bad[pnum]
}

func (d *SimDisk) MarkBad(pnum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[pnum] = true
	return nil
}

// --- fault injection knobs used by tests across the module ---

func (d *SimDisk) InjectUncorrectable(pnum int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncorrectable[pnum] = true
}

func (d *SimDisk) InjectBitflip(pnum int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bitflipOnRead[pnum] = true
}

func (d *SimDisk) InjectWriteFailure(pnum int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeFails[pnum]++
}

func (d *SimDisk) InjectEraseFailure(pnum int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eraseFails[pnum] = true
}

func (d *SimDisk) InjectTortureSurvives(pnum int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torturePersist[pnum] = true
}

// Snapshot copies the entire raw PEB arena, for crash-simulation tests
// that want to diff "state before" against "state after recovery".
func (d *SimDisk) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(d.mapping))
	copy(cp, d.mapping)
	return cp
}
