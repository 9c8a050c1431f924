package pool

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Validate audits the allocator's region index against the invariants of
// spec.md §3/§8 (coverage, bounded count, coalesce minimality, occupied
// slots before empty ones) and returns every violation it finds, not just
// the first — an oracle for property tests and a diagnostic tool for callers
// who suspect corruption. Coverage and minimality are checked in address
// order; ascending From order across slots is not checked, since it holds
// only after the coalesce pass of a release.
func (a *Allocator) Validate() error {
	var result *multierror.Error

	idx := a.index
	memSize := uint32(len(a.memory))

	live := 0
	seenEmpty := false
	var slots []int
	for i := 0; i < idx.n; i++ {
		if idx.regions[i] != nil {
			live++
			slots = append(slots, i)
			if seenEmpty {
				result = multierror.Append(result, fmt.Errorf(
					"ordering violated: slot %d holds a region after an earlier empty slot", i))
			}
		} else {
			seenEmpty = true
		}
	}

	if live > idx.n {
		result = multierror.Append(result, fmt.Errorf(
			"bounded count violated: %d live regions exceeds capacity %d", live, idx.n))
	}
	if live != idx.occupied.Count() {
		result = multierror.Append(result, fmt.Errorf(
			"occupied bitset out of sync: bitset reports %d, scan found %d", idx.occupied.Count(), live))
	}

	// split puts its right piece in the first empty slot, so slot order
	// matches address order only after a release; walk in address order.
	sort.Slice(slots, func(x, y int) bool { return idx.regions[slots[x]].From < idx.regions[slots[y]].From })
	var cursor uint32
	prevFree := false
	for _, i := range slots {
		r := idx.regions[i]
		if r.From != cursor {
			result = multierror.Append(result, fmt.Errorf(
				"coverage violated at slot %d: expected From=%d, got From=%d", i, cursor, r.From))
		}
		if r.Size == 0 {
			result = multierror.Append(result, fmt.Errorf(
				"region at slot %d has zero size", i))
		}
		if !r.Used && prevFree {
			result = multierror.Append(result, fmt.Errorf(
				"coalesce minimality violated: slot %d is free and adjacent to a preceding free region", i))
		}
		prevFree = !r.Used
		cursor = r.End()
	}
	if cursor != memSize {
		result = multierror.Append(result, fmt.Errorf(
			"coverage violated: regions cover up to %d, expected %d", cursor, memSize))
	}

	return result.ErrorOrNil()
}
