package pool

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// controlBlockAbstract is controlBlock's counterpart for values stored
// behind an abstract handle T (spec.md §4.5's closing paragraph: "SharedRef
// admits abstract target types, using the same concrete-to-abstract
// reference conversion at construction time" as OwningBoxAbstract). The
// reference-count footprint is placed in the pool exactly like
// controlBlock's; only the abstract handle itself (which may carry a GC
// pointer by design — that's the whole point of an abstract handle) stays
// on the Go heap.
type controlBlockAbstract[T any] struct {
	value    T
	hasValue bool
	root     any // pins U's internal pointers; see OwningBox.root
	fp       *controlBlockFootprint
	cbOffset uint32
	alloc    *Allocator
}

func newControlBlockAbstract[U any, T any](a *Allocator, value U, adapt func(*U) T) (*controlBlockAbstract[T], error) {
	var zero U
	size := uint32(unsafe.Sizeof(zero))
	align := uint32(unsafe.Alignof(zero))

	valueOffset, err := a.TryReserve(size, align)
	if err != nil {
		return nil, err
	}
	uptr := (*U)(a.offsetToAddr(valueOffset))
	*uptr = value

	var fpZero controlBlockFootprint
	cbOffset, err := a.TryReserve(uint32(unsafe.Sizeof(fpZero)), uint32(unsafe.Alignof(fpZero)))
	if err != nil {
		_ = a.TryFreeAddr(valueOffset)
		return nil, err
	}
	fp := (*controlBlockFootprint)(a.offsetToAddr(cbOffset))
	*fp = controlBlockFootprint{valueOffset: valueOffset}

	return &controlBlockAbstract[T]{
		value:    adapt(uptr),
		hasValue: true,
		root:     value,
		fp:       fp,
		cbOffset: cbOffset,
		alloc:    a,
	}, nil
}

func (cb *controlBlockAbstract[T]) freeValue() error {
	if !cb.hasValue {
		return nil
	}
	if err := cb.alloc.TryFreeAddr(cb.fp.valueOffset); err != nil {
		return err
	}
	var zero T
	cb.value = zero
	cb.hasValue = false
	cb.root = nil
	return nil
}

func (cb *controlBlockAbstract[T]) freeSelf() error {
	return cb.alloc.TryFreeAddr(cb.cbOffset)
}

// SharedRefAbstract is SharedRef's counterpart for abstract target types.
type SharedRefAbstract[T any] struct {
	cb       *controlBlockAbstract[T]
	released bool
}

// NewSharedRefAs stores value (of concrete type U) in the pool and exposes
// it as the abstract handle T produced by adapt, holding the first strong
// reference.
func NewSharedRefAs[U any, T any](a *Allocator, value U, adapt func(*U) T) (*SharedRefAbstract[T], error) {
	cb, err := newControlBlockAbstract(a, value, adapt)
	if err != nil {
		return nil, err
	}
	cb.fp.strong = 1
	s := &SharedRefAbstract[T]{cb: cb}
	runtime.SetFinalizer(s, (*SharedRefAbstract[T]).finalize)
	return s, nil
}

func (s *SharedRefAbstract[T]) Get() T { return s.cb.value }

func (s *SharedRefAbstract[T]) Clone() *SharedRefAbstract[T] {
	s.cb.fp.strong++
	c := &SharedRefAbstract[T]{cb: s.cb}
	runtime.SetFinalizer(c, (*SharedRefAbstract[T]).finalize)
	return c
}

func (s *SharedRefAbstract[T]) Downgrade() *WeakRefAbstract[T] {
	s.cb.fp.weak++
	w := &WeakRefAbstract[T]{cb: s.cb}
	runtime.SetFinalizer(w, (*WeakRefAbstract[T]).finalize)
	return w
}

func (s *SharedRefAbstract[T]) StrongCount() uint32 { return s.cb.fp.strong }
func (s *SharedRefAbstract[T]) WeakCount() uint32   { return s.cb.fp.weak }

func (s *SharedRefAbstract[T]) Release() error {
	if s.released {
		return nil
	}
	runtime.SetFinalizer(s, nil)
	s.released = true

	s.cb.fp.strong--
	if s.cb.fp.strong == 0 {
		if err := s.cb.freeValue(); err != nil {
			return err
		}
		if s.cb.fp.weak == 0 {
			return s.cb.freeSelf()
		}
	}
	return nil
}

// finalize is the GC-driven backstop for a SharedRefAbstract that goes out
// of scope without an explicit Release, mirroring SharedRef.finalize.
func (s *SharedRefAbstract[T]) finalize() {
	if s.released {
		return
	}
	s.cb.alloc.log.WithField("offset", s.cb.cbOffset).Warn("abstract shared ref collected without explicit Release")
	if err := s.Release(); err != nil {
		panic(errors.Wrap(err, "pool: abstract shared ref finalizer release failed"))
	}
}

// WeakRefAbstract is WeakRef's counterpart for abstract target types.
type WeakRefAbstract[T any] struct {
	cb       *controlBlockAbstract[T]
	released bool
}

func (w *WeakRefAbstract[T]) Upgrade() *SharedRefAbstract[T] {
	if w.cb.fp.strong == 0 {
		return nil
	}
	w.cb.fp.strong++
	s := &SharedRefAbstract[T]{cb: w.cb}
	runtime.SetFinalizer(s, (*SharedRefAbstract[T]).finalize)
	return s
}

func (w *WeakRefAbstract[T]) StrongCount() uint32 { return w.cb.fp.strong }
func (w *WeakRefAbstract[T]) WeakCount() uint32   { return w.cb.fp.weak }

func (w *WeakRefAbstract[T]) Release() error {
	if w.released {
		return nil
	}
	runtime.SetFinalizer(w, nil)
	w.released = true

	w.cb.fp.weak--
	if w.cb.fp.strong == 0 && w.cb.fp.weak == 0 {
		return w.cb.freeSelf()
	}
	return nil
}

// finalize is WeakRefAbstract's GC-driven backstop, mirroring
// SharedRefAbstract.finalize.
func (w *WeakRefAbstract[T]) finalize() {
	if w.released {
		return
	}
	w.cb.alloc.log.WithField("offset", w.cb.cbOffset).Warn("abstract weak ref collected without explicit Release")
	if err := w.Release(); err != nil {
		panic(errors.Wrap(err, "pool: abstract weak ref finalizer release failed"))
	}
}
