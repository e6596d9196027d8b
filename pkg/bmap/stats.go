package bmap

import "math/bits"

// Counters are cheap per-instance probes into the allocator's search
// behaviour, updated under the allocator's lock.
type Counters struct {
	L0Dives            uint64
	L0Iterations       uint64
	L0InnerIterations  uint64
	AllocFragments     uint64
	AllocFragmentsFast uint64
	L2Allocs           uint64
}

// Counters returns a snapshot of the instance counters.
func (a *Allocator) Counters() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// CollectStats accumulates a histogram of maximal FREE runs into bins: bin k
// counts runs of [2^k, 2^(k+1)) granules. Shared units are allocated space
// and never appear in a run.
func (a *Allocator) CollectStats(bins map[int]uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var run uint64
	flush := func() {
		if run != 0 {
			bins[bits.Len64(run)-1]++
			run = 0
		}
	}
	for _, v := range a.l0 {
		if v == allSlotSet {
			run += l0PerSlot
			continue
		}
		if isSlotClearL0(v) {
			flush()
			continue
		}
		for e := uint64(0); e < l0PerSlot; e++ {
			if (v>>(e*l0EntryWidth))&l0EntryMask == l0Free {
				run++
			} else {
				flush()
			}
		}
	}
	flush()
}

// DebugGetFree recounts free space from the leaf bitmap. Only FREE entries
// count; shared units hold data and are not reclaimable.
func (a *Allocator) DebugGetFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debugGetFree(0, 0)
}

// DebugGetAllocated recounts allocated space from the leaf bitmap.
func (a *Allocator) DebugGetAllocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos1 := uint64(len(a.l1)) * l1PerSlot
	return pos1*a.l1Granularity - a.debugGetFree(0, pos1)
}

// debugGetFree counts FREE granules below the L1 entry range [pos0, pos1),
// where zero bounds cover the whole bitmap.
func (l *level01) debugGetFree(pos0, pos1 uint64) uint64 {
	assert(pos0%l1PerSlot == 0, "unaligned l1 pos %d", pos0)
	assert(pos1%l1PerSlot == 0, "unaligned l1 pos %d", pos1)

	idx0 := pos0 * slotsetWidth
	idx1 := pos1 * slotsetWidth
	if idx1 == 0 {
		idx1 = uint64(len(l.l0))
	}
	var res uint64
	for i := idx0; i < idx1; i++ {
		res += countFreeEntries(l.l0[i], allSlotSet)
	}
	return res * l.l0Granularity
}
