// Package pagealloc implements a page-backed compact allocator: a fixed
// number of T slots per page, a bitmap tracking which are free, and a
// segment tree over pages giving O(log P) lookup of "which page has room
// for n slots" without scanning every page on every allocation.
package pagealloc

import (
	"unsafe"

	"github.com/garethgeorge/pagealloc/internal/bumpalloc"
)

// sharedTree is the refcounted backing store multiple Allocator handles
// share. The refcount is a plain int, not atomic: this subsystem is
// single-threaded, matching the rest of the allocator's concurrency model.
type sharedTree[T any] struct {
	tree     *segmentTree[T]
	refCount int
}

// Allocator is a value-type handle: copying it shares the same underlying
// SegmentTree rather than duplicating it. It exposes the allocate/
// deallocate/construct/destroy/max_size/address shape of a standard
// container allocator, plus the extend/shrink/reallocate operations a
// growable container needs for in-place resizing.
type Allocator[T any] struct {
	shared *sharedTree[T]
}

// New creates an allocator backed by a fresh, empty SegmentTree.
// pageCapacity is the fixed number of T slots per page; maxGroupSize is
// the saturation ceiling past which a cached longest-free-run value is
// only known to be "big enough", never exact, trading precision for O(1)
// amortized bookkeeping on the common case.
func New[T any](pageCapacity, maxGroupSize int) Allocator[T] {
	if pageCapacity <= 0 {
		panic(&AllocError{Msg: "pageCapacity must be positive"})
	}
	if maxGroupSize <= 0 || maxGroupSize > pageCapacity {
		panic(&AllocError{Msg: "maxGroupSize must be in (0, pageCapacity]"})
	}
	return Allocator[T]{shared: &sharedTree[T]{
		tree:     newSegmentTree[T](pageCapacity, maxGroupSize),
		refCount: 1,
	}}
}

// Clone returns a new handle sharing the same backing SegmentTree and
// bumps its refcount. Containers that copy their allocator on copy-assign
// or move should call this instead of a bare struct copy.
func (a Allocator[T]) Clone() Allocator[T] {
	a.shared.refCount++
	return a
}

// Release drops this handle's reference to the shared tree. Releasing the
// last handle while pages are still live is a programming error: the
// owning container should have deallocated everything first.
func (a Allocator[T]) Release() {
	a.shared.refCount--
	if a.shared.refCount == 0 && a.shared.tree.numAllocated != 0 {
		panic(&AllocError{Msg: "allocator released while pages are still live"})
	}
}

// MaxSize returns the page capacity P: the largest single run this
// allocator will ever service, not the size of the address space.
func (a Allocator[T]) MaxSize() int { return a.shared.tree.pageCapacity }

// Address returns p unchanged. Kept only for API-shape parity with a
// standard container allocator's contract; this allocator never wraps
// pointers in a fancy-pointer type.
func (a Allocator[T]) Address(p unsafe.Pointer) unsafe.Pointer { return p }

// Stats reports point-in-time counters about the tree backing this
// allocator, for diagnostics and tests.
type Stats struct {
	NumAllocated       int
	NumSeg             int
	NumPages           int
	NumExtendTries     int
	NumExtendSuccesses int
}

// Stats returns a snapshot of the allocator's bookkeeping counters.
func (a Allocator[T]) Stats() Stats {
	t := a.shared.tree
	return Stats{
		NumAllocated:       t.numAllocated,
		NumSeg:             t.numSeg,
		NumPages:           t.numPages(),
		NumExtendTries:     t.numExtendTries,
		NumExtendSuccesses: t.numExtendSuccesses,
	}
}

// Allocate returns a pointer to a fresh run of n contiguous T slots. hint,
// if non-nil, should be an address this allocator previously returned;
// when it still has room, the new run is steered onto the same page for
// locality instead of picking whatever page the tree descent would find.
func (a Allocator[T]) Allocate(n int, hint unsafe.Pointer) unsafe.Pointer {
	return a.shared.tree.allocate(n, hint)
}

// Deallocate returns the n-slot run at p to the allocator. p must be live
// and must have been allocated (or last resized to) exactly size n.
func (a Allocator[T]) Deallocate(p unsafe.Pointer, n int) {
	a.shared.tree.deallocate(p, n)
}

// Extend tries to grow the run at p from oldSize to newSize without
// copying, preferring to grow past the end of the run when preferAfter is
// set. A nil result means there was no room to grow in place -- a normal
// outcome the caller should fall back to Reallocate for, not an error.
func (a Allocator[T]) Extend(p unsafe.Pointer, oldSize, newSize int, preferAfter bool) unsafe.Pointer {
	if newSize <= oldSize {
		if newSize == oldSize {
			return p
		}
		panic(&AllocError{Msg: "Extend requires newSize >= oldSize"})
	}
	return a.shared.tree.extend(p, oldSize, newSize, preferAfter)
}

// Shrink releases the tail of the run at p, always in place.
func (a Allocator[T]) Shrink(p unsafe.Pointer, oldSize, newSize int) unsafe.Pointer {
	if newSize > oldSize {
		panic(&AllocError{Msg: "Shrink requires newSize <= oldSize"})
	}
	if newSize == oldSize {
		return p
	}
	return a.shared.tree.shrink(p, oldSize, newSize)
}

// Reallocate is the composite grow/shrink/move policy: nil input
// allocates fresh, a no-larger newSize shrinks or deallocates in place,
// and a larger newSize tries Extend before falling back to allocate a new
// run, copy, and free the old one.
func (a Allocator[T]) Reallocate(p unsafe.Pointer, oldSize, newSize int) unsafe.Pointer {
	if p == nil {
		return a.Allocate(newSize, nil)
	}
	if newSize <= oldSize {
		if newSize == oldSize {
			return p
		}
		if newSize == 0 {
			a.Deallocate(p, oldSize)
			return nil
		}
		return a.Shrink(p, oldSize, newSize)
	}

	if res := a.shared.tree.extend(p, oldSize, newSize, true); res != nil {
		if uintptr(res) < uintptr(p) {
			moveElems[T](res, p, oldSize)
		}
		return res
	}

	res := a.Allocate(newSize, p)
	copyElems[T](res, p, oldSize)
	a.Deallocate(p, oldSize)
	return res
}

// Construct writes v into the slot at p.
func (a Allocator[T]) Construct(p unsafe.Pointer, v T) {
	*(*T)(p) = v
}

// Destroy overwrites the slot at p with T's zero value, dropping any
// references it held so the garbage collector can reclaim them; Go has no
// destructors to run.
func (a Allocator[T]) Destroy(p unsafe.Pointer) {
	var zero T
	*(*T)(p) = zero
}

func moveElems[T any](dst, src unsafe.Pointer, n int) {
	copy(unsafe.Slice((*T)(dst), n), unsafe.Slice((*T)(src), n))
}

func copyElems[T any](dst, src unsafe.Pointer, n int) {
	copy(unsafe.Slice((*T)(dst), n), unsafe.Slice((*T)(src), n))
}

// osArenaChunkSize is the bump arena's chunk size for rebound auxiliary
// allocations: small enough to avoid holding onto a large buffer for a
// single control block, large enough that a handful of them usually share
// one underlying allocation.
const osArenaChunkSize = 64

// OSAllocator is the rebind target for auxiliary, non-slab allocations:
// MaxSize on Allocator[T] is bounded by the page capacity, so anything
// that needs a different size class or a different element type entirely
// falls back to a bump arena instead. Deallocate is a no-op by design --
// a bump arena never frees individual allocations, only the whole arena
// at once, which matches the lifetime of the auxiliary data it is meant
// to hold (node headers, control blocks) closely enough that there is no
// reuse to give back anyway.
type OSAllocator[U any] struct {
	arena *bumpalloc.Arena[U]
}

// Rebind yields an OSAllocator for U. The page allocator never rebinds to
// another page allocator instance -- auxiliary allocations always go
// through a fresh bump arena instead.
func Rebind[T, U any](Allocator[T]) OSAllocator[U] {
	return OSAllocator[U]{arena: bumpalloc.NewArena[U](osArenaChunkSize)}
}

func (o OSAllocator[U]) Allocate(n int) []U { return o.arena.Alloc(n) }

func (OSAllocator[U]) Deallocate([]U) {} // left to the arena's own lifetime
