package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIndex constructs a RegionIndex with memSize bytes and n slots,
// seeding the first len(seed) slots verbatim (rest stay empty). Mirrors the
// original crate's test helper that populates a fixed-blueprint index.
func buildIndex(n int, memSize uint32, seed []*Region) *RegionIndex {
	idx := NewRegionIndex(n, memSize)
	for i := range idx.regions {
		idx.regions[i] = nil
	}
	idx.occupied.ClearAll()
	for i, r := range seed {
		if r != nil {
			idx.setSlot(i, r)
		}
	}
	return idx
}

func TestRegionIndex_AvailableSlot(t *testing.T) {
	idx := buildIndex(8, 64, []*Region{
		{From: 0, Size: 16, Used: false},
		{From: 16, Size: 16, Used: true},
		nil,
		{From: 32, Size: 32, Used: false},
	})

	slot, err := idx.availableSlot()
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	full := buildIndex(4, 64, []*Region{
		{From: 0, Size: 16, Used: false},
		{From: 16, Size: 16, Used: true},
		{From: 32, Size: 16, Used: false},
		{From: 48, Size: 16, Used: false},
	})
	_, err = full.availableSlot()
	assert.ErrorIs(t, err, ErrNoIndexAvailable)
}

func TestRegionIndex_FindFit(t *testing.T) {
	idx := buildIndex(8, 128, []*Region{
		{From: 0, Size: 8, Used: false},
		{From: 8, Size: 32, Used: true},
		{From: 40, Size: 16, Used: false},
		{From: 56, Size: 32, Used: true},
		{From: 88, Size: 32, Used: false},
		{From: 120, Size: 8, Used: false},
	})

	f, err := idx.findFit(0, 16, 1)
	require.NoError(t, err)
	assert.Equal(t, fit{slot: 2, pad: 0}, f)

	_, err = idx.findFit(0, 64, 1)
	assert.ErrorIs(t, err, ErrNoFittingRegion)

	f, err = idx.findFit(0, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, fit{slot: 4, pad: 8}, f)
}

func TestRegionIndex_Split(t *testing.T) {
	idx := buildIndex(8, 64, []*Region{
		{From: 0, Size: 8, Used: false},
		{From: 8, Size: 32, Used: true},
		{From: 40, Size: 16, Used: false},
		{From: 56, Size: 8, Used: false},
	})

	left, right, err := idx.split(2, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
	assert.Equal(t, 4, right)

	r2, err := idx.Get(2)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 40, Size: 8, Used: false}, *r2)

	r4, err := idx.Get(4)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 48, Size: 8, Used: false}, *r4)

	_, _, err = idx.split(0, 16)
	assert.ErrorIs(t, err, ErrRegionTooThin)
}

func TestRegionIndex_SplitNeverZeroRemainder(t *testing.T) {
	idx := buildIndex(2, 16, []*Region{
		{From: 0, Size: 16, Used: false},
	})

	// Exactly the region's size must be rejected, not silently accepted
	// with a zero-size right piece (spec.md §4.3).
	_, _, err := idx.split(0, 16)
	assert.ErrorIs(t, err, ErrRegionTooThin)
}

func TestRegionIndex_SortMerge_Sort(t *testing.T) {
	blueprint := []*Region{
		{From: 0, Size: 16, Used: false},
		nil,
		{From: 32, Size: 16, Used: false},
		{From: 48, Size: 16, Used: true},
		nil,
		{From: 16, Size: 16, Used: true},
	}
	idx := buildIndex(8, 64, blueprint)

	idx.sortMerge()

	r0, err := idx.Get(0)
	require.NoError(t, err)
	assert.Equal(t, *blueprint[0], *r0)

	r1, err := idx.Get(1)
	require.NoError(t, err)
	assert.Equal(t, *blueprint[5], *r1)

	r2, err := idx.Get(2)
	require.NoError(t, err)
	assert.Equal(t, *blueprint[2], *r2)

	r3, err := idx.Get(3)
	require.NoError(t, err)
	assert.Equal(t, *blueprint[3], *r3)
}

func TestRegionIndex_SortMerge_Coalesce(t *testing.T) {
	idx := buildIndex(8, 64, []*Region{
		{From: 0, Size: 16, Used: false},
		nil,
		{From: 32, Size: 16, Used: true},
		{From: 48, Size: 16, Used: true},
		nil,
		{From: 16, Size: 16, Used: false},
	})

	idx.sortMerge()

	r0, err := idx.Get(0)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 0, Size: 32, Used: false}, *r0)

	r1, err := idx.Get(1)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 32, Size: 16, Used: true}, *r1)

	r2, err := idx.Get(2)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 48, Size: 16, Used: true}, *r2)

	_, err = idx.Get(3)
	assert.ErrorIs(t, err, ErrNoSuchRegion)

	assert.Equal(t, 3, idx.Count())
}

func TestRegionIndex_SortMerge_FreeRunReachesEnd(t *testing.T) {
	idx := buildIndex(4, 64, []*Region{
		{From: 0, Size: 16, Used: true},
		{From: 16, Size: 16, Used: false},
		{From: 32, Size: 16, Used: false},
		{From: 48, Size: 16, Used: false},
	})

	idx.sortMerge()

	r0, err := idx.Get(0)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 0, Size: 16, Used: true}, *r0)

	r1, err := idx.Get(1)
	require.NoError(t, err)
	assert.Equal(t, Region{From: 16, Size: 48, Used: false}, *r1)

	assert.Equal(t, 2, idx.Count())
}
