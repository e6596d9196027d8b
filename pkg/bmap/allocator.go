// Package bmap implements a bitmap-based hierarchical block allocator for a
// storage engine's local metadata layer. A flat address range is divided into
// fixed-size allocation units tracked by a three-level packed bitmap: the
// leaf holds a 2-bit state per unit (free, allocated, shared once, shared
// twice), and two summary levels above it let searches skip fully allocated
// regions. Allocation honours minimum extent length, a fragmentation cap on
// extent length, and a locality hint.
package bmap

import (
	"fmt"
	"sync"

	"github.com/vorteil/vstore/pkg/elog"
)

// maxLengthCap bounds a single extent when the caller does not.
const maxLengthCap = uint64(1) << 31

// Options adjusts construction of an Allocator.
type Options struct {
	// MarkAsFree starts the allocator with the whole range free. When false
	// the range starts fully allocated and the caller frees the usable
	// regions explicitly, the usual path when rebuilding state on mount.
	MarkAsFree bool

	// Logger receives debug traces from the public operations.
	Logger elog.Logger
}

// Allocator is the top level of the bitmap hierarchy. One mutex guards the
// three bitmap arrays and the counters; every public operation holds it for
// its whole duration. Operations are CPU-bound and never block inside the
// lock.
type Allocator struct {
	mu sync.Mutex

	level01
	l2            []uint64
	l2Granularity uint64

	capacity  uint64
	available uint64
	lastPos   uint64

	counters Counters
	log      elog.Logger
}

// New builds an allocator covering [0, capacity). The allocation unit must be
// a power of two.
func New(capacity, allocUnit uint64, opts Options) (*Allocator, error) {
	if !isPowerOfTwo(allocUnit) {
		return nil, fmt.Errorf("alloc unit %d is not a power of two", allocUnit)
	}
	if capacity < allocUnit {
		return nil, fmt.Errorf("capacity %d below alloc unit %d", capacity, allocUnit)
	}
	if capacity%allocUnit != 0 {
		return nil, fmt.Errorf("capacity %d not a multiple of alloc unit %d", capacity, allocUnit)
	}

	a := &Allocator{
		capacity: capacity,
		log:      opts.Logger,
	}
	if a.log == nil {
		a.log = nopLogger{}
	}
	a.level01.stats = &a.counters
	a.level01.init(capacity, allocUnit, opts.MarkAsFree)

	a.l2Granularity = a.l1Granularity * l1PerSlot * slotsetWidth

	// capacity rounded up to slot alignment at L2
	aligned := alignUp(capacity, a.l2Granularity*l2PerSlot)
	a.l2 = newSlots(aligned/a.l2Granularity/l2PerSlot, opts.MarkAsFree)

	if opts.MarkAsFree {
		padStart := alignUp(capacity, a.l2Granularity) / a.l2Granularity
		a.markL2Allocated(padStart, aligned/a.l2Granularity)
		a.available = alignDown(capacity, allocUnit)
	}

	a.log.Debugf("bmap: init capacity=%d unit=%d l1=%d l2=%d",
		capacity, allocUnit, a.l1Granularity, a.l2Granularity)
	return a, nil
}

func (a *Allocator) markL2Allocated(pos, posEnd uint64) {
	assert(uint64(len(a.l2)) >= divide(posEnd, l2PerSlot), "l2 pos %d out of range", posEnd)
	for ; pos < posEnd; pos++ {
		a.l2[pos/l2PerSlot] &^= uint64(1) << (pos % l2PerSlot)
	}
}

func (a *Allocator) markL2Free(pos, posEnd uint64) {
	assert(uint64(len(a.l2)) >= divide(posEnd, l2PerSlot), "l2 pos %d out of range", posEnd)
	for ; pos < posEnd; pos++ {
		a.l2[pos/l2PerSlot] |= uint64(1) << (pos % l2PerSlot)
	}
}

// markL2OnL1 recomputes the L2 bits for [pos, posEnd) from the L1 slots
// below: a bit is clear only when every subordinate L1 slot reads all-FULL.
func (a *Allocator) markL2OnL1(pos, posEnd uint64) {
	assert(uint64(len(a.l2)) >= divide(posEnd, l2PerSlot), "l2 pos %d out of range", posEnd)

	idx := pos * slotsetWidth
	idxEnd := posEnd * slotsetWidth
	allAllocated := true
	for idx < idxEnd {
		if !a.isL1SlotFullyAllocated(idx) {
			allAllocated = false
			idx = alignUp(idx+1, slotsetWidth)
		} else {
			idx++
		}
		if idx%slotsetWidth == 0 {
			if allAllocated {
				a.l2[pos/l2PerSlot] &^= uint64(1) << (pos % l2PerSlot)
			} else {
				a.l2[pos/l2PerSlot] |= uint64(1) << (pos % l2PerSlot)
			}
			allAllocated = true
			pos++
		}
	}
}

// Allocate claims up to length bytes and appends the claimed extents to the
// returned vector. Extents are aligned on the allocation unit, no shorter
// than minLength apiece except when the whole request short-allocates, and no
// longer than maxLength when it is non-zero. A non-zero hint steers the
// search toward that offset. The returned byte count may be less than length
// when free space is scarce or fragmented.
func (a *Allocator) Allocate(length, minLength, maxLength, hint uint64) (uint64, Extents) {
	var res Extents
	var allocated uint64
	a.allocateL2(length, minLength, maxLength, hint, &allocated, &res)
	return allocated, res
}

// AllocateAppend behaves like Allocate but appends to a caller-provided
// vector, coalescing against its last interval.
func (a *Allocator) AllocateAppend(length, minLength, maxLength, hint uint64, res *Extents) uint64 {
	var allocated uint64
	a.allocateL2(length, minLength, maxLength, hint, &allocated, res)
	return allocated
}

func (a *Allocator) allocateL2(length, minLength, maxLength, hint uint64, allocated *uint64, res *Extents) {
	prevAllocated := *allocated

	assert(isPowerOfTwo(minLength), "min length %d is not a power of two", minLength)
	assert(minLength >= a.l0Granularity, "min length %d below alloc unit", minLength)
	assert(minLength <= a.l2Granularity, "min length %d above l2 granularity", minLength)
	assert(maxLength == 0 || maxLength >= minLength, "max length %d below min length %d", maxLength, minLength)
	assert(maxLength == 0 || maxLength%minLength == 0, "max length %d not a multiple of min length %d", maxLength, minLength)
	assert(length >= minLength, "length %d below min length %d", length, minLength)
	assert(length%minLength == 0, "length %d not a multiple of min length %d", length, minLength)

	if maxLength == 0 || maxLength >= maxLengthCap {
		maxLength = maxLengthCap
	}

	l1w := uint64(slotsetWidth * l1PerSlot)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.available < minLength {
		return
	}
	if hint != 0 {
		h := hint / a.l2Granularity
		if h/l2PerSlot < uint64(len(a.l2)) {
			a.lastPos = alignDown(h, l2PerSlot)
		} else {
			a.lastPos = 0
		}
	}

	l2Pos := a.lastPos
	lastPos0 := a.lastPos
	pos := a.lastPos / l2PerSlot
	posEnd := uint64(len(a.l2))

	// two passes wrap the scan around the starting point so a large enough
	// request reaches every extent satisfying minLength
	for i := 0; i < 2; i++ {
		for ; length > *allocated && pos < posEnd; pos++ {
			v := a.l2[pos]
			var freePos uint64
			allSet := false
			if v == allSlotClear {
				l2Pos += l2PerSlot
				a.lastPos = l2Pos
				continue
			} else if v == allSlotSet {
				allSet = true
			} else {
				freePos = findNextSetBit(v, 0)
				assert(freePos < bitsPerSlot, "no set bit in non-clear l2 slot")
			}
			for freePos < bitsPerSlot {
				assert(length > *allocated, "l2 dispatch with satisfied request")
				empty := a.allocateL1(length, minLength, maxLength,
					(l2Pos+freePos)*l1w, (l2Pos+freePos+1)*l1w,
					allocated, res)
				if empty {
					v &^= uint64(1) << freePos
					a.l2[pos] = v
				}
				if length <= *allocated || v == allSlotClear {
					break
				}
				freePos++
				if !allSet {
					freePos = findNextSetBit(v, freePos)
				}
			}
			a.lastPos = l2Pos
			l2Pos += l2PerSlot
		}
		l2Pos = 0
		pos = 0
		posEnd = lastPos0 / l2PerSlot
	}

	a.counters.L2Allocs++
	allocatedHere := *allocated - prevAllocated
	assert(a.available >= allocatedHere, "allocated %d beyond available %d", allocatedHere, a.available)
	a.available -= allocatedHere

	a.log.Debugf("bmap: allocate length=%d min=%d max=%d hint=%d -> %d in %d extents",
		length, minLength, maxLength, hint, allocatedHere, len(*res))
}

// Release returns every extent in the vector to the free pool.
func (a *Allocator) Release(extents Extents) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var released uint64
	for _, r := range extents {
		released += a.freeL1(r.Offset, r.Length)
		lo := r.Offset / a.l2Granularity
		hi := alignUp(r.Offset+r.Length, a.l2Granularity) / a.l2Granularity
		a.markL2OnL1(lo, hi)
	}
	a.available += released

	a.log.Debugf("bmap: release %d extents, %d bytes", len(extents), released)
}

// MarkAllocated forces [offset, offset+length) allocated, the path used when
// rebuilding allocator state from external metadata on mount.
func (a *Allocator) MarkAllocated(offset, length uint64) {
	assert(offset+length <= a.capacity, "range %d+%d out of capacity", offset, length)
	lo := offset / a.l2Granularity
	hi := alignUp(offset+length, a.l2Granularity) / a.l2Granularity

	a.mu.Lock()
	defer a.mu.Unlock()

	allocated := a.markAllocL1(offset, length)
	assert(a.available >= allocated, "marked %d beyond available %d", allocated, a.available)
	a.available -= allocated
	a.markL2OnL1(lo, hi)
}

// MarkFree forces [offset, offset+length) free.
func (a *Allocator) MarkFree(offset, length uint64) {
	assert(offset+length <= a.capacity, "range %d+%d out of capacity", offset, length)
	lo := offset / a.l2Granularity
	hi := alignUp(offset+length, a.l2Granularity) / a.l2Granularity

	a.mu.Lock()
	defer a.mu.Unlock()

	a.available += a.freeL1(offset, length)
	a.markL2Free(lo, hi)
}

// CopyMark advances the unit at offset one step up the copy-on-write ladder
// and appends the marked granule to res. It returns false when the unit is
// free or already shared twice; the caller must treat the target as
// un-shareable further. Neither available space nor the summary levels
// change.
func (a *Allocator) CopyMark(offset uint64, res *Extents) bool {
	assert(offset < a.capacity, "copy-mark offset %d out of range", offset)

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocateCopyL0(offset, res)
}

// Available returns the bytes currently free.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// Capacity returns the byte range the allocator manages.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// MinAllocSize returns the allocation unit.
func (a *Allocator) MinAllocSize() uint64 {
	return a.l0Granularity
}

// Fragmentation returns the ratio of partially allocated slotsets to all
// slotsets holding free space, in [0, 1].
func (a *Allocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fragmentation()
}

// Shutdown resets the search cursor. The allocator holds no other resources.
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastPos = 0
}

type nopLogger struct{}

func (nopLogger) Debugf(format string, x ...interface{}) {}
func (nopLogger) Errorf(format string, x ...interface{}) {}
func (nopLogger) Infof(format string, x ...interface{})  {}
func (nopLogger) Printf(format string, x ...interface{}) {}
func (nopLogger) Warnf(format string, x ...interface{})  {}
func (nopLogger) IsInfoEnabled() bool                    { return false }
func (nopLogger) IsDebugEnabled() bool                   { return false }
