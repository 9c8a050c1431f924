package pool

// Region is a half-open byte range [From, From+Size) carved out of the pool,
// tagged with whether it currently holds a live allocation.
type Region struct {
	From uint32
	Size uint32
	Used bool
}

// End returns the exclusive end address of the region.
func (r Region) End() uint32 {
	return r.From + r.Size
}

// Contains reports whether addr falls within [From, End).
func (r Region) Contains(addr uint32) bool {
	return r.From <= addr && addr < r.End()
}

// Reserve marks the region as holding a live allocation.
func (r *Region) Reserve() {
	r.Used = true
}

// Free marks the region as available.
func (r *Region) Free() {
	r.Used = false
}
