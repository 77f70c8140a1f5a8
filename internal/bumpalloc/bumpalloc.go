// Package bumpalloc implements a chunked bump arena: allocations are served
// by appending into a small pool of growable buffers and are never freed
// individually, only reclaimed when the whole arena is dropped. It backs
// pagealloc's OSAllocator, whose Deallocate is a no-op for exactly this
// reason: auxiliary allocations ride along with the arena's lifetime
// instead of participating in the page allocator's slot reuse.
package bumpalloc

// Arena is a generic bump allocator over slices of U. A small list of
// buffers with meaningful remaining capacity (buffersWithCapacity) lets
// repeat allocations skip past buffers that are nearly full instead of
// scanning every buffer the arena has ever created.
type Arena[U any] struct {
	chunkSize           int
	buffers             [][]U
	buffersWithCapacity []int32 // indices into buffers with enough room left
	capacityThreshold   int     // minimum remaining capacity to stay in the fast list
}

// NewArena creates an arena that grows in chunkSize-element buffers.
func NewArena[U any](chunkSize int) *Arena[U] {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	threshold := chunkSize / 16
	if threshold < 4 {
		threshold = 4
	}
	return &Arena[U]{
		chunkSize:           chunkSize,
		buffers:             [][]U{make([]U, 0, chunkSize)},
		buffersWithCapacity: []int32{0},
		capacityThreshold:   threshold,
	}
}

// Alloc returns a fresh slice of n zero-valued U, backed by one of the
// arena's buffers (a dedicated one, if n exceeds chunkSize).
func (a *Arena[U]) Alloc(n int) []U {
	if n > a.chunkSize {
		buf := make([]U, n)
		a.buffers = append(a.buffers, buf)
		return buf
	}

	for i := 0; i < len(a.buffersWithCapacity); i++ {
		bufIdx := a.buffersWithCapacity[i]
		b := a.buffers[bufIdx]
		remaining := cap(b) - len(b)
		if remaining < n {
			continue
		}

		start := len(b)
		a.buffers[bufIdx] = b[:start+n]

		newRemaining := cap(a.buffers[bufIdx]) - len(a.buffers[bufIdx])
		if newRemaining < a.capacityThreshold {
			a.buffersWithCapacity[i] = a.buffersWithCapacity[len(a.buffersWithCapacity)-1]
			a.buffersWithCapacity = a.buffersWithCapacity[:len(a.buffersWithCapacity)-1]
			i--
		}
		return a.buffers[bufIdx][start : start+n]
	}

	buf := make([]U, n, a.chunkSize)
	a.buffers = append(a.buffers, buf)
	idx := int32(len(a.buffers) - 1)
	if a.chunkSize-len(buf) >= a.capacityThreshold {
		a.buffersWithCapacity = append(a.buffersWithCapacity, idx)
	}
	return buf
}

// NumBuffers reports how many backing buffers the arena has created, for
// tests and diagnostics.
func (a *Arena[U]) NumBuffers() int { return len(a.buffers) }
