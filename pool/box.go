package pool

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// OwningBox is the single-owner smart pointer of spec.md §4.4: it allocates
// a value of type T in the pool and releases that region when the box is
// freed. The allocator reference must outlive the box.
//
// a.memory is a plain []byte, which the Go runtime allocates noscan: the
// garbage collector never traces into it looking for embedded pointers. A T
// containing a string, slice, map, or pointer field would have that
// field's referent silently hidden from the GC once copied in byte for
// byte — root keeps the original value reachable through an ordinary,
// GC-scanned struct field, pinning whatever the pool-resident copy points
// to for as long as the box is live. root is not itself read from after
// construction; ptr, into the pool, remains the sole read/write path. A
// caller that overwrites a pointer-bearing field through Get() after
// construction re-creates the hazard root was built to close, since root
// still only pins what was written at construction time.
type OwningBox[T any] struct {
	ptr    *T
	root   T
	offset uint32
	alloc  *Allocator
	freed  bool
}

// NewOwningBox reserves space sized and aligned for T, moves value into the
// pool, and returns a box holding a reference to that storage.
func NewOwningBox[T any](a *Allocator, value T) (*OwningBox[T], error) {
	var zero T
	size := uint32(unsafe.Sizeof(zero))
	align := uint32(unsafe.Alignof(zero))

	offset, err := a.TryReserve(size, align)
	if err != nil {
		return nil, err
	}

	ptr := (*T)(a.offsetToAddr(offset))
	*ptr = value

	b := &OwningBox[T]{ptr: ptr, root: value, offset: offset, alloc: a}
	runtime.SetFinalizer(b, (*OwningBox[T]).finalize)
	return b, nil
}

// Get returns a mutable reference to the owned value.
func (b *OwningBox[T]) Get() *T {
	return b.ptr
}

// Free runs an explicit, early release of the box's region. The box must
// not be used afterward.
func (b *OwningBox[T]) Free() error {
	if b.freed {
		return errors.New("pool: box already freed")
	}
	runtime.SetFinalizer(b, nil)
	b.freed = true
	var zero T
	b.root = zero
	return b.alloc.TryFreeAddr(b.offset)
}

// finalize is the GC-driven backstop for callers who let a box go out of
// scope without calling Free explicitly — the closest Go analogue to Rust's
// compiler-inserted Drop. A release failure here indicates the index was
// already corrupted and is not expected to occur through ordinary use.
func (b *OwningBox[T]) finalize() {
	if b.freed {
		return
	}
	b.alloc.log.WithField("offset", b.offset).Warn("owning box collected without explicit Free")
	if err := b.alloc.TryFreeAddr(b.offset); err != nil {
		panic(errors.Wrap(err, "pool: box finalizer release failed"))
	}
	b.freed = true
}

// OwningBoxAbstract stores a concrete value behind an abstract handle T
// (spec.md §4.4's "values of unsized abstract types"). Construction stores
// the concrete value U at the reserved address and retains only the
// abstract reference produced by adapt; destruction recovers the storage
// footprint from the offset captured at construction rather than from T's
// layout.
type OwningBoxAbstract[T any] struct {
	value  T
	root   any // pins U's internal pointers; see OwningBox.root
	offset uint32
	alloc  *Allocator
	freed  bool
}

// NewOwningBoxAs stores value (of concrete type U) in the pool and exposes
// it through the abstract handle T produced by adapt, e.g.
//
//	box, err := NewOwningBoxAs[Circle, Shape](alloc, Circle{R: 2}, func(c *Circle) Shape { return c })
func NewOwningBoxAs[U any, T any](a *Allocator, value U, adapt func(*U) T) (*OwningBoxAbstract[T], error) {
	var zero U
	size := uint32(unsafe.Sizeof(zero))
	align := uint32(unsafe.Alignof(zero))

	offset, err := a.TryReserve(size, align)
	if err != nil {
		return nil, err
	}

	uptr := (*U)(a.offsetToAddr(offset))
	*uptr = value

	b := &OwningBoxAbstract[T]{value: adapt(uptr), root: value, offset: offset, alloc: a}
	runtime.SetFinalizer(b, (*OwningBoxAbstract[T]).finalize)
	return b, nil
}

// Get returns the abstract handle to the owned value.
func (b *OwningBoxAbstract[T]) Get() T {
	return b.value
}

// Free runs an explicit, early release of the box's region.
func (b *OwningBoxAbstract[T]) Free() error {
	if b.freed {
		return errors.New("pool: box already freed")
	}
	runtime.SetFinalizer(b, nil)
	b.freed = true
	b.root = nil
	return b.alloc.TryFreeAddr(b.offset)
}

func (b *OwningBoxAbstract[T]) finalize() {
	if b.freed {
		return
	}
	b.alloc.log.WithField("offset", b.offset).Warn("abstract owning box collected without explicit Free")
	if err := b.alloc.TryFreeAddr(b.offset); err != nil {
		panic(errors.Wrap(err, "pool: abstract box finalizer release failed"))
	}
	b.freed = true
}
