package pool

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// controlBlockFootprint is the control block's actual in-pool storage
// (spec.md §3: "Control block ... Lives at its own region in the same
// pool"). strong/weak/valueOffset are plain uint32s — POD with no GC
// pointer — so, unlike the value a SharedRef wraps, there is no
// noscan-hides-a-pointer hazard in placing them directly at cbOffset the
// same way OwningBox places T: a *controlBlockFootprint pointing into the
// pool is the sole source of truth for the counters, not a shadow copy on
// the Go heap.
type controlBlockFootprint struct {
	valueOffset uint32
	strong      uint32
	weak        uint32
}

// controlBlock mirrors OwningBox's root-pinning discipline for the value it
// places in the pool (see OwningBox's doc comment): root keeps whatever T
// points to reachable for the GC, since a.memory itself is noscan.
type controlBlock[T any] struct {
	value    *T
	root     T
	fp       *controlBlockFootprint
	cbOffset uint32
	alloc    *Allocator
}

func newControlBlock[T any](a *Allocator, value T) (*controlBlock[T], error) {
	var zero T
	size := uint32(unsafe.Sizeof(zero))
	align := uint32(unsafe.Alignof(zero))

	valueOffset, err := a.TryReserve(size, align)
	if err != nil {
		return nil, err
	}
	ptr := (*T)(a.offsetToAddr(valueOffset))
	*ptr = value

	var fpZero controlBlockFootprint
	cbOffset, err := a.TryReserve(uint32(unsafe.Sizeof(fpZero)), uint32(unsafe.Alignof(fpZero)))
	if err != nil {
		_ = a.TryFreeAddr(valueOffset)
		return nil, err
	}
	fp := (*controlBlockFootprint)(a.offsetToAddr(cbOffset))
	*fp = controlBlockFootprint{valueOffset: valueOffset}

	return &controlBlock[T]{
		value:    ptr,
		root:     value,
		fp:       fp,
		cbOffset: cbOffset,
		alloc:    a,
	}, nil
}

func (cb *controlBlock[T]) freeValue() error {
	if cb.value == nil {
		return nil
	}
	if err := cb.alloc.TryFreeAddr(cb.fp.valueOffset); err != nil {
		return err
	}
	cb.value = nil
	var zero T
	cb.root = zero
	return nil
}

func (cb *controlBlock[T]) freeSelf() error {
	return cb.alloc.TryFreeAddr(cb.cbOffset)
}

// SharedRef is the reference-counted smart pointer of spec.md §4.5. Each
// SharedRef contributes +1 to the control block's strong count; the value
// is guaranteed live (cb.value != nil) for as long as any SharedRef exists.
type SharedRef[T any] struct {
	cb       *controlBlock[T]
	released bool
}

// NewSharedRef reserves space for value and its control block, moves value
// in, and returns the first strong reference to it.
func NewSharedRef[T any](a *Allocator, value T) (*SharedRef[T], error) {
	cb, err := newControlBlock(a, value)
	if err != nil {
		return nil, err
	}
	cb.fp.strong = 1
	s := &SharedRef[T]{cb: cb}
	runtime.SetFinalizer(s, (*SharedRef[T]).finalize)
	return s, nil
}

// Get dereferences the shared value. It never needs to report absence: it
// is a structural invariant that the value is live whenever a SharedRef
// exists (spec.md §4.5).
func (s *SharedRef[T]) Get() *T {
	return s.cb.value
}

// Clone returns another SharedRef to the same control block, incrementing
// strong.
func (s *SharedRef[T]) Clone() *SharedRef[T] {
	s.cb.fp.strong++
	c := &SharedRef[T]{cb: s.cb}
	runtime.SetFinalizer(c, (*SharedRef[T]).finalize)
	return c
}

// Downgrade returns a WeakRef to the same control block, incrementing weak.
func (s *SharedRef[T]) Downgrade() *WeakRef[T] {
	s.cb.fp.weak++
	w := &WeakRef[T]{cb: s.cb}
	runtime.SetFinalizer(w, (*WeakRef[T]).finalize)
	return w
}

// StrongCount and WeakCount report the control block's live reference
// counts (spec.md P6).
func (s *SharedRef[T]) StrongCount() uint32 { return s.cb.fp.strong }
func (s *SharedRef[T]) WeakCount() uint32   { return s.cb.fp.weak }

// Release decrements strong, freeing the value region when it reaches zero
// and the control block region when both counts reach zero. Mirrors
// OwningBox.Free: the explicit path reports a failure instead of aborting;
// finalize below is where spec.md §7's "consider a failure impossible by
// construction and abort" applies, the same split box.go draws between
// Free and finalize.
func (s *SharedRef[T]) Release() error {
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

// finalize is the GC-driven backstop for a SharedRef that goes out of scope
// without an explicit Release, mirroring OwningBox.finalize. A release
// failure here indicates the index was already corrupted and is not
// expected to occur through ordinary use.
func (s *SharedRef[T]) finalize() {
	if s.released {
		return
	}
	s.cb.alloc.log.WithField("offset", s.cb.cbOffset).Warn("shared ref collected without explicit Release")
	if err := s.Release(); err != nil {
		panic(errors.Wrap(err, "pool: shared ref finalizer release failed"))
	}
}

// WeakRef is a non-owning reference to a SharedRef's control block: it
// keeps the control block alive but not the value.
type WeakRef[T any] struct {
	cb       *controlBlock[T]
	released bool
}

// Upgrade returns a new SharedRef if the value is still live, incrementing
// strong; otherwise it returns nil.
func (w *WeakRef[T]) Upgrade() *SharedRef[T] {
	if w.cb.fp.strong == 0 {
		return nil
	}
	w.cb.fp.strong++
	s := &SharedRef[T]{cb: w.cb}
	runtime.SetFinalizer(s, (*SharedRef[T]).finalize)
	return s
}

func (w *WeakRef[T]) StrongCount() uint32 { return w.cb.fp.strong }
func (w *WeakRef[T]) WeakCount() uint32   { return w.cb.fp.weak }

// Release decrements weak, freeing the control block region if both counts
// have reached zero.
func (w *WeakRef[T]) Release() error {
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

// finalize is WeakRef's GC-driven backstop, mirroring SharedRef.finalize.
func (w *WeakRef[T]) finalize() {
	if w.released {
		return
	}
	w.cb.alloc.log.WithField("offset", w.cb.cbOffset).Warn("weak ref collected without explicit Release")
	if err := w.Release(); err != nil {
		panic(errors.Wrap(err, "pool: weak ref finalizer release failed"))
	}
}
