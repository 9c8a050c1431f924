package pool

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// fit describes where an aligned allocation can be placed.
type fit struct {
	slot int
	pad  uint32
}

// RegionIndex is a bounded table of at most n slots, each either holding a
// Region or empty. The union of all held regions always equals [0, memSize)
// outside of the transient mutation inside a single operation (§3 Coverage).
type RegionIndex struct {
	regions []*Region
	n       int

	// occupied mirrors which slots are non-nil. Pure bookkeeping: the
	// authoritative state is always the regions slice itself, this just
	// turns "how many regions are live" (Count) from an O(n) scan into an
	// O(n/64) one. availableSlot does not consult it; it scans regions.
	occupied *bitset.BitSet
}

// NewRegionIndex builds the index for a pool of memSize bytes with n slots,
// starting from a single free region spanning the whole pool.
func NewRegionIndex(n int, memSize uint32) *RegionIndex {
	idx := &RegionIndex{
		regions:  make([]*Region, n),
		n:        n,
		occupied: bitset.New(uint(n)),
	}
	idx.setSlot(0, &Region{From: 0, Size: memSize, Used: false})
	return idx
}

func (idx *RegionIndex) setSlot(slot int, r *Region) {
	idx.regions[slot] = r
	idx.occupied.Set(uint(slot))
}

func (idx *RegionIndex) clearSlot(slot int) {
	idx.regions[slot] = nil
	idx.occupied.Clear(uint(slot))
}

// Get returns the region at slot, or ErrNoSuchRegion if the slot is empty.
func (idx *RegionIndex) Get(slot int) (*Region, error) {
	if slot < 0 || slot >= idx.n || idx.regions[slot] == nil {
		return nil, ErrNoSuchRegion
	}
	return idx.regions[slot], nil
}

// Len returns the index's slot capacity N.
func (idx *RegionIndex) Len() int {
	return idx.n
}

// Count returns the number of currently occupied slots.
func (idx *RegionIndex) Count() int {
	return int(idx.occupied.Count())
}

// availableSlot returns the first empty slot, or ErrNoIndexAvailable if the
// table is full.
func (idx *RegionIndex) availableSlot() (int, error) {
	for i := 0; i < idx.n; i++ {
		if idx.regions[i] == nil {
			return i, nil
		}
	}
	return 0, errors.WithStack(ErrNoIndexAvailable)
}

// findContaining linearly scans for the unique region containing addr. The
// region is unique by the coverage invariant.
func (idx *RegionIndex) findContaining(addr uint32) (int, error) {
	for i := 0; i < idx.n; i++ {
		if r := idx.regions[i]; r != nil && r.Contains(addr) {
			return i, nil
		}
	}
	return 0, errors.WithStack(ErrOutOfMemory)
}

// findFit walks slots in stored order and returns the first free region that
// admits an aligned (size, align) placement against the absolute address
// baseAddr+region.From. First-fit: simple, deterministic, O(N).
func (idx *RegionIndex) findFit(baseAddr uintptr, size, align uint32) (fit, error) {
	for i := 0; i < idx.n; i++ {
		r := idx.regions[i]
		if r == nil || r.Used {
			continue
		}
		absFrom := uint32(baseAddr) + r.From
		aligned := roundUp(absFrom, align)
		pad := aligned - absFrom
		if r.From+pad+size <= r.End() {
			return fit{slot: i, pad: pad}, nil
		}
	}
	return fit{}, errors.WithStack(ErrNoFittingRegion)
}

// roundUp rounds x up to the next multiple of align (align must be >= 1).
func roundUp(x, align uint32) uint32 {
	if align <= 1 {
		return x
	}
	rem := x % align
	if rem == 0 {
		return x
	}
	return x + (align - rem)
}

// split divides the region at slot into a left piece of exactly leftSize and
// a right piece holding the remainder, preserving the Used flag on both. A
// zero-size right piece (leftSize == region.Size) is rejected with
// ErrRegionTooThin, so split never consumes a slot for nothing (spec.md §4.3
// "splitting never produces a zero-sized right piece").
func (idx *RegionIndex) split(slot int, leftSize uint32) (left, right int, err error) {
	region, err := idx.Get(slot)
	if err != nil {
		return 0, 0, err
	}
	if region.Size <= leftSize {
		return 0, 0, errors.WithStack(ErrRegionTooThin)
	}

	rightSlot, err := idx.availableSlot()
	if err != nil {
		return 0, 0, err
	}

	rightSize := region.Size - leftSize
	rightFrom := region.From + leftSize
	used := region.Used

	region.Size = leftSize
	idx.setSlot(rightSlot, &Region{From: rightFrom, Size: rightSize, Used: used})

	return slot, rightSlot, nil
}

// sortMerge stable-orders Some slots ascending by From before all None
// slots, then compacts consecutive free regions into a single free region.
func (idx *RegionIndex) sortMerge() {
	sort.SliceStable(idx.regions, func(i, j int) bool {
		ri, rj := idx.regions[i], idx.regions[j]
		switch {
		case ri != nil && rj != nil:
			return ri.From < rj.From
		case ri == nil && rj != nil:
			return false
		case ri != nil && rj == nil:
			return true
		default:
			return false
		}
	})

	write := 0
	read := 0
	for read < idx.n && idx.regions[read] != nil {
		r := idx.regions[read]
		if r.Used {
			idx.regions[write] = r
			write++
			read++
			continue
		}

		from := r.From
		var size uint32
		merged := false
		for read < idx.n && idx.regions[read] != nil && !idx.regions[read].Used {
			size += idx.regions[read].Size
			read++
			if read == idx.n {
				idx.regions[write] = &Region{From: from, Size: size, Used: false}
				write++
				merged = true
				break
			}
		}
		if !merged {
			idx.regions[write] = &Region{From: from, Size: size, Used: false}
			write++
		}
	}

	for i := write; i < idx.n; i++ {
		idx.regions[i] = nil
	}

	idx.occupied.ClearAll()
	for i := 0; i < write; i++ {
		idx.occupied.Set(uint(i))
	}
}
