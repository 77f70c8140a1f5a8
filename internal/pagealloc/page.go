package pagealloc

import (
	"unsafe"

	"github.com/garethgeorge/pagealloc/internal/bitset"
)

// page is one fixed-capacity slab of T slots. It owns its own bitmap of
// free/allocated slots, an allocation cursor (startIdx) that lets back to
// back allocations avoid rescanning from zero, and a cached longest-free
// run (lzsStart, paired with the caller-owned lf value) so the segment
// tree above it rarely has to ask the bitmap to recompute anything.
type page[T any] struct {
	slots    []T
	bitmap   *bitset.Bitset
	numFree  int
	startIdx int
	lzsStart int // -1 when the start of the cached longest run is unknown
}

func newPage[T any](capacity int) *page[T] {
	return &page[T]{
		slots:    make([]T, capacity),
		bitmap:   bitset.New(capacity),
		numFree:  capacity,
		startIdx: 0,
		lzsStart: 0,
	}
}

func (p *page[T]) capacity() int { return p.bitmap.Len() }

func (p *page[T]) base() unsafe.Pointer { return unsafe.Pointer(&p.slots[0]) }

func (p *page[T]) ptrAt(i int) unsafe.Pointer { return unsafe.Pointer(&p.slots[i]) }

func (p *page[T]) numAllocated() int { return p.bitmap.PopCount() }

// longestFreeUncached recomputes the longest free run from the bitmap,
// saturating at maxLF. It mirrors the page's has-a-zero-word shortcut:
// when maxLF fits in a single machine word and some word past the first
// is entirely free, we already know the answer is "at least maxLF" without
// paying for the full doubling/binary-search scan.
func (p *page[T]) longestFreeUncached(maxLF int) (length int, startPos int, known bool) {
	if p.numFree <= 1 {
		return p.numFree, -1, false
	}
	if maxLF <= bitset.WordBits && p.bitmap.HasZeroWord() {
		return maxLF, -1, false
	}
	return p.bitmap.LongestZeroSequence(maxLF)
}

// updateLongestFree recomputes lf and sets diff to the signed change,
// mirroring the two-channel contract every mutating page operation uses so
// the segment tree above never has to re-derive a value it was just told.
func (p *page[T]) updateLongestFree(maxLF int, lf *int, diff *int) {
	newLF, startPos, known := p.longestFreeUncached(maxLF)
	if known {
		p.lzsStart = startPos
	} else {
		p.lzsStart = -1
	}
	*diff = newLF - *lf
	*lf = newLF
}

// allocate finds the next run of n free slots at or after startIdx
// (wrapping once), marks it allocated, and reports the signed change to
// the cached longest-free value via diff. ok is false only if the page
// cannot actually satisfy n, which should not happen when callers only
// invoke this after confirming *lf >= n.
func (p *page[T]) allocate(n, maxLF int, lf *int) (start int, diff int, ok bool) {
	start, ok = p.bitmap.FindNextN(n, p.startIdx)
	if !ok {
		return 0, 0, false
	}

	p.startIdx = start + n
	p.bitmap.SetRange(start, start+n)
	numFreeBefore := p.numFree
	p.numFree -= n

	if *lf == numFreeBefore && p.lzsStart == start {
		diff = -n
		*lf += diff
		p.lzsStart += n
	} else {
		p.updateLongestFree(maxLF, lf, &diff)
	}
	return start, diff, true
}

// extend grows the run [start, start+oldSz) to size newSz in place, trying
// the space after the run first when preferAfter is set (otherwise
// before), and falling back to whichever direction has room. ok is false
// if neither direction has enough free space.
func (p *page[T]) extend(start, oldSz, newSz int, preferAfter bool, maxLF int, lf *int) (newStart int, diff int, ok bool) {
	add := newSz - oldSz
	if *lf < add {
		return 0, 0, false
	}

	haveSpaceAfter := start+newSz <= p.capacity() && p.bitmap.NoneRange(start+oldSz, start+newSz)

	if preferAfter && haveSpaceAfter {
		p.bitmap.SetRange(start+oldSz, start+newSz)
		p.numFree -= add
		if p.lzsStart == -1 || *lf >= maxLF || p.lzsStart == start+oldSz {
			p.updateLongestFree(maxLF, lf, &diff)
		}
		return start, diff, true
	}

	haveSpaceBefore := start >= add && p.bitmap.NoneRange(start-add, start)
	if haveSpaceBefore && (!preferAfter || !haveSpaceAfter) {
		p.bitmap.SetRange(start-add, start)
		p.numFree -= add
		if p.lzsStart == -1 || *lf >= maxLF || p.lzsStart+*lf == start {
			p.updateLongestFree(maxLF, lf, &diff)
		}
		return start - add, diff, true
	}

	if haveSpaceAfter {
		p.bitmap.SetRange(start+oldSz, start+newSz)
		p.numFree -= add
		if p.lzsStart == -1 || *lf >= maxLF || p.lzsStart == start+oldSz {
			p.updateLongestFree(maxLF, lf, &diff)
		}
		return start, diff, true
	}

	return 0, 0, false
}

// shrink releases [start+newSz, start+oldSz) back to the free bitmap.
// Always succeeds: shrinking never needs more room than it already has.
func (p *page[T]) shrink(start, oldSz, newSz, maxLF int, lf *int) (diff int) {
	p.bitmap.ResetRange(start+newSz, start+oldSz)
	p.numFree += oldSz - newSz
	if *lf < maxLF && p.lzsStart == start+oldSz {
		p.updateLongestFree(maxLF, lf, &diff)
	}
	return diff
}

// free releases the run [start, start+n) back to the free bitmap. Always
// succeeds. If the page becomes entirely free it reports that via the
// caller checking numFree == capacity() itself (this method only updates
// the bitmap and the cached longest-free value).
func (p *page[T]) free(start, n, maxLF int, lf *int) (diff int) {
	p.bitmap.ResetRange(start, start+n)
	p.numFree += n
	oldLF := *lf

	if p.numFree == p.capacity() {
		p.lzsStart = 0
		*lf = p.capacity()
		return *lf - oldLF
	}

	if oldLF < maxLF {
		newLF, startPos := p.bitmap.ZeroSequenceSizeAround(start, start+n)
		if newLF > oldLF {
			diff = newLF - oldLF
			*lf = newLF
			p.lzsStart = startPos
		}
	}
	return diff
}
