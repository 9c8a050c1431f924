package pool

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// poolGuard is a runtime-checked exclusive-access guard: interior mutability
// with borrow counting instead of a blocking mutex. A reentrant attempt to
// acquire the guard fails with ErrIndexAlreadyBorrowed rather than
// deadlocking or corrupting state (spec.md §5).
type poolGuard struct {
	borrowed int32
}

func (g *poolGuard) Acquire() error {
	if !atomic.CompareAndSwapInt32(&g.borrowed, 0, 1) {
		return errors.WithStack(ErrIndexAlreadyBorrowed)
	}
	return nil
}

func (g *poolGuard) Release() {
	atomic.StoreInt32(&g.borrowed, 0)
}

// Stats summarizes the allocator's lifetime activity.
type Stats struct {
	AllocCount     uint64
	FreeCount      uint64
	TotalAllocated uint64
	TotalFreed     uint64
	RegionsLive    int
	RegionsTotal   int
}

// Allocator owns a fixed-capacity byte pool and its region index behind a
// single-threaded-discipline borrow guard. It is the sole reservation/release
// authority: smart pointers built on top of it never touch memory or the
// index directly.
type Allocator struct {
	memory []byte
	index  *RegionIndex
	guard  poolGuard
	log    *logrus.Entry

	allocCount     uint64
	freeCount      uint64
	totalAllocated uint64
	totalFreed     uint64
}

// New creates an Allocator over an all-zero buffer of m bytes with an index
// of n slots (N >= 1, M >= 1), starting as a single free region [0, m).
func New(m, n uint32, opts ...Option) *Allocator {
	if m < 1 {
		panic("pool: M must be >= 1")
	}
	if n < 1 {
		panic("pool: N must be >= 1")
	}

	a := &Allocator{
		memory: make([]byte, m),
		index:  NewRegionIndex(int(n), m),
		log:    defaultLogEntry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) baseAddr() uintptr {
	return uintptr(unsafe.Pointer(&a.memory[0]))
}

// addrToOffset converts a raw pointer into this pool to an offset, failing
// with ErrEmptyPtr if the pointer is nil or ErrOutOfMemory if it lies
// outside the buffer.
func (a *Allocator) addrToOffset(ptr unsafe.Pointer) (uint32, error) {
	if ptr == nil {
		return 0, errors.WithStack(ErrEmptyPtr)
	}
	addr := uintptr(ptr)
	base := a.baseAddr()
	if addr < base || addr >= base+uintptr(len(a.memory)) {
		return 0, errors.WithStack(ErrOutOfMemory)
	}
	return uint32(addr - base), nil
}

func (a *Allocator) offsetToAddr(offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&a.memory[offset])
}

// TryReserve normalizes (size, align) against the requested alignment,
// finds and splits a fitting free region, marks it used, and returns its
// offset. Mirrors spec.md §4.3's reservation protocol step by step.
func (a *Allocator) TryReserve(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	paddedSize := roundUp(size, align)

	if err := a.guard.Acquire(); err != nil {
		a.log.WithFields(logrus.Fields{"size": size, "align": align}).Warn("reentrant reserve denied")
		return 0, err
	}
	defer a.guard.Release()

	f, err := a.index.findFit(a.baseAddr(), paddedSize, align)
	if err != nil {
		a.log.WithFields(logrus.Fields{"size": paddedSize, "align": align}).Warn("no fitting region")
		return 0, err
	}

	fitRegion, err := a.index.Get(f.slot)
	if err != nil {
		return 0, err
	}

	var region *Region
	if f.pad+paddedSize == fitRegion.Size {
		// Exact fit: splitting would produce a zero-sized right piece, which
		// split rejects with RegionTooThin. Consume the whole region instead
		// of carving a slot for nothing (spec.md §4.3).
		region = fitRegion
	} else {
		leftSlot, _, err := a.index.split(f.slot, f.pad+paddedSize)
		if err != nil {
			a.log.WithError(err).Warn("split failed during reserve")
			return 0, err
		}
		region, err = a.index.Get(leftSlot)
		if err != nil {
			return 0, err
		}
	}
	region.Reserve()

	offset := region.From + f.pad
	a.log.WithFields(logrus.Fields{"offset": offset, "size": size, "align": align}).Debug("reserved")
	return offset, nil
}

// TryFreeAddr releases the region containing offset and coalesces adjacent
// free regions.
func (a *Allocator) TryFreeAddr(offset uint32) error {
	if err := a.guard.Acquire(); err != nil {
		a.log.WithField("offset", offset).Warn("reentrant free denied")
		return err
	}
	defer a.guard.Release()

	slot, err := a.index.findContaining(offset)
	if err != nil {
		return err
	}

	region, err := a.index.Get(slot)
	if err != nil {
		return err
	}
	region.Free()
	a.index.sortMerge()

	a.log.WithField("offset", offset).Debug("freed")
	return nil
}

// TryAllocBytes reserves size bytes aligned to align and returns a pointer
// into the pool.
func (a *Allocator) TryAllocBytes(size, align uint32) (unsafe.Pointer, error) {
	offset, err := a.TryReserve(size, align)
	if err != nil {
		return nil, err
	}

	atomic.AddUint64(&a.allocCount, 1)
	atomic.AddUint64(&a.totalAllocated, uint64(size))

	return a.offsetToAddr(offset), nil
}

// AllocBytes is the infallible sibling of TryAllocBytes: it aborts the
// process on any allocator-internal error, per spec.md §6.
func (a *Allocator) AllocBytes(size, align uint32) unsafe.Pointer {
	ptr, err := a.TryAllocBytes(size, align)
	if err != nil {
		panic(fmt.Sprintf("pool: alloc(%d, %d) failed: %v", size, align, err))
	}
	return ptr
}

// TryFreeBytes releases the allocation identified by ptr. size and align are
// accepted to satisfy the raw-hook contract shape; neither is used to find
// or size the released region — the region table is the sole source of
// truth for an allocation's extent (spec.md §4.3 "Policy decisions"). size
// is only added to the TotalFreed statistic.
func (a *Allocator) TryFreeBytes(ptr unsafe.Pointer, size, _align uint32) error {
	offset, err := a.addrToOffset(ptr)
	if err != nil {
		return err
	}

	if err := a.TryFreeAddr(offset); err != nil {
		return err
	}

	atomic.AddUint64(&a.freeCount, 1)
	atomic.AddUint64(&a.totalFreed, uint64(size))
	return nil
}

// FreeBytes is the infallible sibling of TryFreeBytes: it aborts on an
// invalid pointer or corrupted index.
func (a *Allocator) FreeBytes(ptr unsafe.Pointer, size, align uint32) {
	if err := a.TryFreeBytes(ptr, size, align); err != nil {
		panic(fmt.Sprintf("pool: free(%p) failed: %v", ptr, err))
	}
}

// Alloc is the freestanding-runtime raw hook (spec.md §6): never returns nil
// on success, aborts the process on failure.
func (a *Allocator) Alloc(size, align uint32) unsafe.Pointer {
	return a.AllocBytes(size, align)
}

// Dealloc is the freestanding-runtime raw hook's release half. size and
// align are supplied by the runtime and ignored; the pointer alone
// identifies the region.
func (a *Allocator) Dealloc(ptr unsafe.Pointer, size, align uint32) {
	a.FreeBytes(ptr, size, align)
}

// Stats reports the allocator's lifetime counters and current region-table
// occupancy.
func (a *Allocator) Stats() Stats {
	return Stats{
		AllocCount:     atomic.LoadUint64(&a.allocCount),
		FreeCount:      atomic.LoadUint64(&a.freeCount),
		TotalAllocated: atomic.LoadUint64(&a.totalAllocated),
		TotalFreed:     atomic.LoadUint64(&a.totalFreed),
		RegionsLive:    a.index.Count(),
		RegionsTotal:   a.index.Len(),
	}
}
