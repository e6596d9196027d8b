package bmap

// Positions at L0 are granule indices. Marking routines touch at most three
// zones of the bitmap: a partial head slot, fully overwritten middle slots,
// and a partial tail slot; the mask arithmetic below collapses all three into
// one pass over the affected slots.

// markAllocL0 clears the FREE encoding for every entry in [lo, hi) and
// returns how many of those entries were FREE beforehand.
func (l *level01) markAllocL0(lo, hi uint64) uint64 {
	var cleared uint64
	idx := lo / l0PerSlot
	idxEnd := divide(hi, l0PerSlot)
	for ; idx < idxEnd; idx++ {
		base := idx * l0PerSlot
		e0 := lo
		if e0 < base {
			e0 = base
		}
		e1 := hi
		if e1 > base+l0PerSlot {
			e1 = base + l0PerSlot
		}
		mask := entryMask(e0-base, e1-base)
		v := l.l0[idx]
		cleared += countFreeEntries(v, mask)
		l.l0[idx] = v &^ mask
	}
	return cleared
}

// markFreeL0 sets every entry in [lo, hi) to FREE and returns how many of
// those entries were not FREE beforehand.
func (l *level01) markFreeL0(lo, hi uint64) uint64 {
	var freed uint64
	idx := lo / l0PerSlot
	idxEnd := divide(hi, l0PerSlot)
	for ; idx < idxEnd; idx++ {
		base := idx * l0PerSlot
		e0 := lo
		if e0 < base {
			e0 = base
		}
		e1 := hi
		if e1 > base+l0PerSlot {
			e1 = base + l0PerSlot
		}
		mask := entryMask(e0-base, e1-base)
		v := l.l0[idx]
		freed += (e1 - e0) - countFreeEntries(v, mask)
		l.l0[idx] = v | mask
	}
	return freed
}

// isEmptyL0 reports whether [lo, hi) holds no FREE entry. Both bounds must be
// slotset-aligned.
func (l *level01) isEmptyL0(lo, hi uint64) bool {
	assert(lo%l0PerSlotset == 0, "unaligned l0 pos %d", lo)
	assert(hi%l0PerSlotset == 0, "unaligned l0 pos %d", hi)

	for idx := lo / l0PerSlot; idx < hi/l0PerSlot; idx++ {
		if !isSlotClearL0(l.l0[idx]) {
			return false
		}
	}
	return true
}

// allocateL0 scans [lo, hi) slot by slot, claiming FREE runs until the
// request is satisfied. Emitted segments pass through fragmentAndEmplace.
// Returns true if no FREE entry remains in the range afterwards.
func (l *level01) allocateL0(length, maxLength, lo, hi uint64, allocated *uint64, res *Extents) bool {
	l.stats.L0Dives++

	assert(lo < hi, "bad l0 range %d..%d", lo, hi)
	assert(length > *allocated, "l0 dive with satisfied request")
	assert(lo%l0PerSlotset == 0, "unaligned l0 pos %d", lo)
	assert(hi%l0PerSlotset == 0, "unaligned l0 pos %d", hi)
	assert((length-*allocated)%l.l0Granularity == 0, "unaligned residual length")

	needEntries := (length - *allocated) / l.l0Granularity

	for idx := lo / l0PerSlot; idx < hi/l0PerSlot && length > *allocated; idx++ {
		l.stats.L0Iterations++
		v := l.l0[idx]
		base := idx * l0PerSlot
		if isSlotClearL0(v) {
			continue
		} else if v == allSlotSet {
			toAlloc := minU64(needEntries, l0PerSlot)
			*allocated += toAlloc * l.l0Granularity
			l.stats.AllocFragments++
			needEntries -= toAlloc

			fragmentAndEmplace(maxLength, base*l.l0Granularity,
				toAlloc*l.l0Granularity, res)

			if toAlloc == l0PerSlot {
				l.l0[idx] = allSlotClear
			} else {
				l.markAllocL0(base, base+toAlloc)
			}
			continue
		}

		freePos := findNextFreeEntry(v, 0)
		assert(freePos < l0PerSlot, "no free entry in non-clear slot")
		nextPos := freePos + 1
		for nextPos < l0PerSlot && nextPos-freePos < needEntries {
			l.stats.L0InnerIterations++

			if (v>>(nextPos*l0EntryWidth))&l0EntryMask != l0Free {
				toAlloc := nextPos - freePos
				*allocated += toAlloc * l.l0Granularity
				l.stats.AllocFragments++
				needEntries -= toAlloc
				fragmentAndEmplace(maxLength, (base+freePos)*l.l0Granularity,
					toAlloc*l.l0Granularity, res)
				l.markAllocL0(base+freePos, base+nextPos)
				freePos = findNextFreeEntry(v, nextPos+1)
				nextPos = freePos + 1
			} else {
				nextPos++
			}
		}
		if needEntries > 0 && freePos < l0PerSlot {
			toAlloc := minU64(needEntries, l0PerSlot-freePos)
			*allocated += toAlloc * l.l0Granularity
			l.stats.AllocFragments++
			needEntries -= toAlloc
			fragmentAndEmplace(maxLength, (base+freePos)*l.l0Granularity,
				toAlloc*l.l0Granularity, res)
			l.markAllocL0(base+freePos, base+freePos+toAlloc)
		}
	}
	return l.isEmptyL0(lo, hi)
}

// allocateCopyL0 advances the entry at offset one step up the refcount
// ladder. An entry already shared twice, or not allocated at all, refuses the
// mark. The upper-level summaries are untouched: a shared entry is still not
// FREE, so its classification above cannot change.
func (l *level01) allocateCopyL0(offset uint64, res *Extents) bool {
	assert(offset%l.l0Granularity == 0, "unaligned copy-mark offset %d", offset)

	pos := offset / l.l0Granularity
	idx := pos / l0PerSlot
	shift := (pos % l0PerSlot) * l0EntryWidth

	v := l.l0[idx]
	switch (v >> shift) & l0EntryMask {
	case l0Full:
		l.l0[idx] = v | l0ShareOnce<<shift
	case l0ShareOnce:
		v |= l0ShareTwice << shift
		v &^= uint64(l0ShareOnce) << shift
		l.l0[idx] = v
	default:
		return false
	}
	fragmentAndEmplace(l.l0Granularity, offset, l.l0Granularity, res)
	return true
}

// longestFromL0 finds the longest FREE run in [lo, hi), truncated to
// minLength alignment. A run still open at hi is written back to tail,
// untruncated, so the caller can stitch it to the next window. Offsets and
// lengths of the result and tail are in bytes.
func (l *level01) longestFromL0(lo, hi, minLength uint64, tail *Interval) Interval {
	var res Interval
	if lo >= hi {
		return res
	}
	pos := lo

	var candidate Interval
	if tail.Length != 0 {
		assert(tail.Offset%l.l0Granularity == 0, "unaligned tail offset")
		assert(tail.Length%l.l0Granularity == 0, "unaligned tail length")
		candidate.Offset = tail.Offset / l.l0Granularity
		candidate.Length = tail.Length / l.l0Granularity
	}
	*tail = Interval{}

	v := l.l0[pos/l0PerSlot] >> ((pos % l0PerSlot) * l0EntryWidth)
	endLoop := false
	minGranules := minLength / l.l0Granularity

	for !endLoop {
		if pos%l0PerSlot == 0 {
			v = l.l0[pos/l0PerSlot]
			if hi-pos >= l0PerSlot {
				if v == allSlotSet {
					// slot is entirely free
					if candidate.Length == 0 {
						candidate.Offset = pos
					}
					candidate.Length += l0PerSlot
					pos += l0PerSlot
					endLoop = pos >= hi
					if endLoop {
						*tail = candidate
						c := alignToUnits(candidate.Offset, candidate.Length, minGranules)
						if res.Length < c.Length {
							res = c
						}
					}
					continue
				} else if isSlotClearL0(v) {
					// slot is entirely allocated
					c := alignToUnits(candidate.Offset, candidate.Length, minGranules)
					if res.Length < c.Length {
						res = c
					}
					candidate = Interval{}
					pos += l0PerSlot
					endLoop = pos >= hi
					continue
				}
			}
		}

		pos++
		endLoop = pos >= hi
		if v&l0EntryMask == l0Free {
			if candidate.Length == 0 {
				candidate.Offset = pos - 1
			}
			candidate.Length++
			if endLoop {
				*tail = candidate
				c := alignToUnits(candidate.Offset, candidate.Length, minGranules)
				if res.Length < c.Length {
					res = c
				}
			}
		} else {
			c := alignToUnits(candidate.Offset, candidate.Length, minGranules)
			if res.Length < c.Length {
				res = c
			}
			candidate = Interval{}
		}
		v >>= l0EntryWidth
	}

	res.Offset *= l.l0Granularity
	res.Length *= l.l0Granularity
	tail.Offset *= l.l0Granularity
	tail.Length *= l.l0Granularity
	return res
}
