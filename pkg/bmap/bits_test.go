package bmap

import (
	"math/rand"
	"testing"
)

// setEntry plants a 2-bit value at the given entry index of a slot.
func setEntry(v uint64, entry, val uint64) uint64 {
	shift := entry * l0EntryWidth
	v &^= uint64(l0EntryMask) << shift
	v |= val << shift
	return v
}

func getEntry(v, entry uint64) uint64 {
	return (v >> (entry * l0EntryWidth)) & l0EntryMask
}

func naiveNextFreeEntry(v, pos uint64) uint64 {
	for ; pos < l0PerSlot; pos++ {
		if getEntry(v, pos) == l0Free {
			return pos
		}
	}
	return l0PerSlot
}

func naiveSlotClearL0(v uint64) bool {
	for e := uint64(0); e < l0PerSlot; e++ {
		if getEntry(v, e) == l0Free {
			return false
		}
	}
	return true
}

func TestFindNextFreeEntry(t *testing.T) {

	if got := findNextFreeEntry(allSlotClear, 0); got != l0PerSlot {
		t.Errorf("expected no free entry in empty slot, got %d", got)
	}
	if got := findNextFreeEntry(allSlotSet, 0); got != 0 {
		t.Errorf("expected free entry at 0 in full-free slot, got %d", got)
	}
	if got := findNextFreeEntry(allSlotSet, 17); got != 17 {
		t.Errorf("expected free entry at 17, got %d", got)
	}

	v := setEntry(allSlotClear, 5, l0Free)
	v = setEntry(v, 9, l0ShareOnce)
	v = setEntry(v, 11, l0ShareTwice)
	v = setEntry(v, 30, l0Free)
	if got := findNextFreeEntry(v, 0); got != 5 {
		t.Errorf("expected free entry at 5, got %d", got)
	}
	if got := findNextFreeEntry(v, 6); got != 30 {
		t.Errorf("expected free entry at 30, got %d", got)
	}
	if got := findNextFreeEntry(v, 31); got != l0PerSlot {
		t.Errorf("expected no free entry after 30, got %d", got)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := rng.Uint64()
		pos := uint64(rng.Intn(l0PerSlot + 1))
		if got, want := findNextFreeEntry(v, pos), naiveNextFreeEntry(v, pos); got != want {
			t.Fatalf("findNextFreeEntry(%#x, %d) = %d, want %d", v, pos, got, want)
		}
	}
}

func TestFindNextSetBit(t *testing.T) {

	if got := findNextSetBit(allSlotClear, 0); got != bitsPerSlot {
		t.Errorf("expected no set bit, got %d", got)
	}
	if got := findNextSetBit(1<<40, 0); got != 40 {
		t.Errorf("expected set bit at 40, got %d", got)
	}
	if got := findNextSetBit(1<<40, 41); got != bitsPerSlot {
		t.Errorf("expected no set bit after 40, got %d", got)
	}
	if got := findNextSetBit(allSlotSet, 63); got != 63 {
		t.Errorf("expected set bit at 63, got %d", got)
	}
	if got := findNextSetBit(allSlotSet, 64); got != bitsPerSlot {
		t.Errorf("expected out-of-range scan to return %d, got %d", bitsPerSlot, got)
	}
}

func TestIsSlotClearL0(t *testing.T) {

	// no FREE pair anywhere: fully allocated, and every sharing state
	if !isSlotClearL0(allSlotClear) {
		t.Error("all-FULL slot must be clear")
	}
	shares := allSlotClear
	for e := uint64(0); e < l0PerSlot; e++ {
		if e%2 == 0 {
			shares = setEntry(shares, e, l0ShareOnce)
		} else {
			shares = setEntry(shares, e, l0ShareTwice)
		}
	}
	if !isSlotClearL0(shares) {
		t.Error("shared entries are not FREE; slot must read clear")
	}

	if isSlotClearL0(allSlotSet) {
		t.Error("all-FREE slot must not be clear")
	}
	if isSlotClearL0(setEntry(allSlotClear, 31, l0Free)) {
		t.Error("slot with one FREE entry must not be clear")
	}

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		v := rng.Uint64()
		if got, want := isSlotClearL0(v), naiveSlotClearL0(v); got != want {
			t.Fatalf("isSlotClearL0(%#x) = %v, want %v", v, got, want)
		}
	}
}

func TestEntryMask(t *testing.T) {

	if got := entryMask(0, l0PerSlot); got != allSlotSet {
		t.Errorf("full mask = %#x", got)
	}
	if got := entryMask(3, 3); got != 0 {
		t.Errorf("empty mask = %#x", got)
	}
	if got := entryMask(0, 1); got != 0x3 {
		t.Errorf("mask of first entry = %#x", got)
	}
	if got := entryMask(31, 32); got != 0x3<<62 {
		t.Errorf("mask of last entry = %#x", got)
	}
}

func TestAlignToUnits(t *testing.T) {

	cases := []struct {
		offset, length, min uint64
		want                Interval
	}{
		{0, 0x10000, 0x1000, Interval{0, 0x10000}},
		{0x800, 0x10000, 0x1000, Interval{0x1000, 0xF000}},
		{0x800, 0x1000, 0x1000, Interval{}},
		{0x1000, 0x800, 0x1000, Interval{}},
		{0x1800, 0x2800, 0x1000, Interval{0x2000, 0x2000}},
		{0, 0x1000, 0x1000, Interval{0, 0x1000}},
	}
	for _, c := range cases {
		got := alignToUnits(c.offset, c.length, c.min)
		if got != c.want {
			t.Errorf("alignToUnits(%#x, %#x, %#x) = %+v, want %+v",
				c.offset, c.length, c.min, got, c.want)
		}
	}
}
