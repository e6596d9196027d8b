package bmap

import (
	"testing"

	tassert "github.com/stretchr/testify/assert"
)

const (
	testUnit = uint64(4096)
	mib      = uint64(1024 * 1024)
	gib      = 1024 * mib
)

func newTestAllocator(t *testing.T, capacity uint64) *Allocator {
	t.Helper()
	a, err := New(capacity, testUnit, Options{MarkAsFree: true})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewValidation(t *testing.T) {

	_, err := New(128*mib, 3000, Options{})
	tassert.Error(t, err, "alloc unit must be a power of two")

	_, err = New(1024, 4096, Options{})
	tassert.Error(t, err, "capacity below the alloc unit is unusable")

	_, err = New(128*mib+1, 4096, Options{})
	tassert.Error(t, err, "capacity must be unit-aligned")

	a, err := New(128*mib, 4096, Options{MarkAsFree: true})
	tassert.NoError(t, err)
	tassert.Equal(t, 128*mib, a.Available())
	tassert.Equal(t, uint64(4096), a.MinAllocSize())
	tassert.Equal(t, 128*mib, a.DebugGetFree())
	checkInvariants(t, a)
}

func TestNewMarkedAllocated(t *testing.T) {

	a, err := New(128*mib, 4096, Options{MarkAsFree: false})
	tassert.NoError(t, err)
	tassert.Equal(t, uint64(0), a.Available())
	tassert.Equal(t, uint64(0), a.DebugGetFree())

	allocated, extents := a.Allocate(4096, 4096, 0, 0)
	tassert.Equal(t, uint64(0), allocated)
	tassert.Empty(t, extents)

	a.MarkFree(0, 64*mib)
	tassert.Equal(t, 64*mib, a.Available())
	checkInvariants(t, a)
}

func TestAllocateFirstGranule(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	allocated, extents := a.Allocate(4096, 4096, 0, 0)
	tassert.Equal(t, uint64(4096), allocated)
	tassert.Equal(t, Extents{{0, 4096}}, extents)
	tassert.Equal(t, 128*mib-4096, a.Available())
	checkInvariants(t, a)
}

func TestAllocateFragmentationCap(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	allocated, extents := a.Allocate(16*1024, 4096, 4096, 0)
	tassert.Equal(t, uint64(16*1024), allocated)
	tassert.Equal(t, Extents{
		{0, 4096},
		{4096, 4096},
		{8192, 4096},
		{12288, 4096},
	}, extents)
	checkInvariants(t, a)
}

func TestAllocateFromPartials(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	// allocate every fourth granule across the first MiB
	for i := uint64(0); i < 64; i++ {
		a.MarkAllocated(i*4*testUnit, testUnit)
	}
	tassert.Equal(t, 128*mib-64*testUnit, a.Available())
	checkInvariants(t, a)

	// the holes are drained before fresh space is touched
	allocated, extents := a.Allocate(mib, 4096, 0, 0)
	tassert.Equal(t, mib, allocated)
	tassert.Equal(t, mib, extents.Bytes())
	tassert.Equal(t, 64, len(extents))
	tassert.Equal(t, Interval{4096, 12288}, extents[0])
	checkInvariants(t, a)
}

func TestMarkAllocated(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	a.MarkAllocated(mib, mib)
	tassert.Equal(t, 128*mib-mib, a.Available())
	tassert.Equal(t, 128*mib-mib, a.DebugGetFree())
	tassert.Equal(t, float64(0), a.Fragmentation(), "whole slotsets flip without partials")
	checkInvariants(t, a)

	// marking the same range again must not change accounting
	a.MarkAllocated(mib, mib)
	tassert.Equal(t, 128*mib-mib, a.Available())
	checkInvariants(t, a)

	a.MarkFree(mib, mib)
	tassert.Equal(t, 128*mib, a.Available())
	checkInvariants(t, a)

	// releasing an already-free range is a no-op on available
	a.MarkFree(mib, mib)
	tassert.Equal(t, 128*mib, a.Available())
	checkInvariants(t, a)
}

func TestReleaseIdempotent(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	allocated, extents := a.Allocate(mib, 4096, 0, 0)
	tassert.Equal(t, mib, allocated)

	a.Release(extents)
	tassert.Equal(t, 128*mib, a.Available())
	a.Release(extents)
	tassert.Equal(t, 128*mib, a.Available())
	checkInvariants(t, a)
}

func TestCopyMarkLadder(t *testing.T) {

	a := newTestAllocator(t, 128*mib)
	a.MarkAllocated(4096, 4096)

	available := a.Available()
	free := a.DebugGetFree()
	frag := a.Fragmentation()

	var res Extents
	tassert.True(t, a.CopyMark(4096, &res), "first share of a full entry")
	tassert.True(t, a.CopyMark(4096, &res), "second share of a full entry")
	tassert.False(t, a.CopyMark(4096, &res), "third share exceeds the ladder")

	tassert.Equal(t, uint64(2*4096), res.Bytes())
	for _, e := range res {
		tassert.Equal(t, uint64(4096), e.Offset)
	}

	tassert.Equal(t, available, a.Available())
	tassert.Equal(t, free, a.DebugGetFree())
	tassert.Equal(t, frag, a.Fragmentation())
	checkInvariants(t, a)

	// a free granule cannot be shared
	var dump Extents
	tassert.False(t, a.CopyMark(0, &dump))
	tassert.Empty(t, dump)

	// releasing the shared granule resets the ladder
	a.Release(Extents{{4096, 4096}})
	tassert.Equal(t, available+4096, a.Available())
	checkInvariants(t, a)
}

func TestShortAllocation(t *testing.T) {

	a := newTestAllocator(t, mib)

	allocated, extents := a.Allocate(2*mib, 4096, 0, 0)
	tassert.Equal(t, mib, allocated)
	tassert.Equal(t, mib, extents.Bytes())
	tassert.Equal(t, uint64(0), a.Available())
	checkInvariants(t, a)

	// nothing left: the request is rejected outright
	allocated, extents = a.Allocate(4096, 4096, 0, 0)
	tassert.Equal(t, uint64(0), allocated)
	tassert.Empty(t, extents)
	checkInvariants(t, a)
}

func TestMinLengthRefusal(t *testing.T) {

	a := newTestAllocator(t, 2*mib)

	// upper MiB fully allocated, lower MiB alternating 64 KiB stripes
	a.MarkAllocated(mib, mib)
	for i := uint64(0); i < 8; i++ {
		a.MarkAllocated(i*128*1024, 64*1024)
	}
	available := a.Available()
	tassert.Equal(t, 512*1024, int(available))
	checkInvariants(t, a)

	// no contiguous run satisfies a 128 KiB minimum
	allocated, extents := a.Allocate(256*1024, 128*1024, 0, 0)
	tassert.Equal(t, uint64(0), allocated)
	tassert.Empty(t, extents)
	tassert.Equal(t, available, a.Available())
	checkInvariants(t, a)

	// with a 64 KiB minimum the stripes are climbed one by one
	allocated, extents = a.Allocate(256*1024, 64*1024, 64*1024, 0)
	tassert.Equal(t, uint64(256*1024), allocated)
	tassert.Equal(t, Extents{
		{64 * 1024, 64 * 1024},
		{192 * 1024, 64 * 1024},
		{320 * 1024, 64 * 1024},
		{448 * 1024, 64 * 1024},
	}, extents)
	checkInvariants(t, a)
}

func TestHintLocality(t *testing.T) {

	const unit = 64 * 1024
	a, err := New(512*gib, unit, Options{MarkAsFree: true})
	if err != nil {
		t.Fatal(err)
	}

	// one L2 slot spans 256 GiB here, so the hint lands in the second slot
	hint := 256 * gib
	allocated, extents := a.Allocate(unit, unit, 0, hint)
	tassert.Equal(t, uint64(unit), allocated)
	tassert.True(t, extents[0].Offset >= hint,
		"hinted allocation landed at %#x, below the hint", extents[0].Offset)

	// exhaust everything at or above the hint
	rest := 256*gib - uint64(unit)
	allocated, _ = a.Allocate(rest, unit, 0, hint)
	tassert.Equal(t, rest, allocated)

	// only wrap-around space remains
	allocated, extents = a.Allocate(unit, unit, 0, hint)
	tassert.Equal(t, uint64(unit), allocated)
	tassert.True(t, extents[0].Offset < hint,
		"wrapped allocation landed at %#x, above the hint", extents[0].Offset)

	a.Shutdown()
}

func TestCollectStats(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	bins := make(map[int]uint64)
	a.CollectStats(bins)
	tassert.Equal(t, map[int]uint64{15: 1}, bins, "one free run of 32768 granules")

	a.MarkAllocated(0, 4096)
	bins = make(map[int]uint64)
	a.CollectStats(bins)
	tassert.Equal(t, map[int]uint64{14: 1}, bins, "one free run of 32767 granules")

	// split the run in two
	a.MarkAllocated(64*mib, 4096)
	bins = make(map[int]uint64)
	a.CollectStats(bins)
	tassert.Equal(t, uint64(2), sumBins(bins))
	checkInvariants(t, a)
}

func sumBins(bins map[int]uint64) uint64 {
	var n uint64
	for _, v := range bins {
		n += v
	}
	return n
}

func TestCountersAdvance(t *testing.T) {

	a := newTestAllocator(t, 128*mib)

	// a whole-slot claim stays on the fast path
	_, extents := a.Allocate(mib, 4096, 0, 0)
	counters := a.Counters()
	tassert.NotZero(t, counters.L2Allocs)
	tassert.NotZero(t, counters.AllocFragmentsFast)
	tassert.Zero(t, counters.L0Dives)
	a.Release(extents)

	// a partial slotset forces a leaf dive
	a.MarkAllocated(0, 4096)
	_, _ = a.Allocate(4096, 4096, 0, 0)
	counters = a.Counters()
	tassert.NotZero(t, counters.L0Dives)
	tassert.NotZero(t, counters.AllocFragments)
}
