package pagealloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentTreeAllocateSpillsToFreshPageOnExhaustion(t *testing.T) {
	tr := newSegmentTree[int](64, 64)

	var last unsafe.Pointer
	for i := 0; i < 6; i++ {
		last = tr.allocate(10, nil)
		require.NotNil(t, last)
	}
	assert.Equal(t, 60, tr.numAllocated)
	assert.Equal(t, 1, tr.numPages())

	// 4 slots remain on the first page; a 5-slot request cannot fit there
	// and must land on a second page instead.
	p2 := tr.allocate(5, nil)
	require.NotNil(t, p2)
	assert.Equal(t, 65, tr.numAllocated)
	assert.Equal(t, 2, tr.numPages())
}

func TestSegmentTreeDeallocateCollapsesTree(t *testing.T) {
	tr := newSegmentTree[int](64, 64)

	p := tr.allocate(10, nil)
	require.NotNil(t, p)
	assert.Equal(t, 1, tr.numPages())

	tr.deallocate(p, 10)
	assert.Equal(t, 0, tr.numAllocated)
	assert.Equal(t, 0, tr.numPages())
	assert.Equal(t, 2, tr.numSeg)
	assert.Nil(t, tr.segs, "backing array is released once the tree is entirely empty")
}

func TestSegmentTreeGrowthPlacesOldLeavesOnTheLeft(t *testing.T) {
	tr := newSegmentTree[int](64, 64)

	// fill both of the initial two leaves to exhaustion.
	pA := tr.allocate(64, nil)
	require.NotNil(t, pA)
	pB := tr.allocate(64, nil)
	require.NotNil(t, pB)
	require.Equal(t, 2, tr.numSeg)
	assert.Equal(t, 0, tr.segs[1].longestFree, "root is saturated: both leaves are full")

	// a third allocation finds no room and must grow the tree first.
	pC := tr.allocate(64, nil)
	require.NotNil(t, pC)

	assert.Equal(t, 4, tr.numSeg, "num_seg doubled")
	require.Equal(t, 8, len(tr.segs))

	// the original two pages were shifted down one level into the left
	// half of the new leaf row (indices 4 and 5); 6 and 7 start empty, and
	// the third allocation's page takes the first of them, leaf 6.
	assert.NotNil(t, tr.segs[4].page())
	assert.NotNil(t, tr.segs[5].page())
	assert.NotNil(t, tr.segs[6].page())
	assert.Nil(t, tr.segs[7].page())

	leafA, _, ok := tr.index.lookup(pA)
	require.True(t, ok)
	assert.Equal(t, 4, leafA)
	leafB, _, ok := tr.index.lookup(pB)
	require.True(t, ok)
	assert.Equal(t, 5, leafB)

	// the third allocation had to materialize a brand new page, which can
	// only have landed in the fresh right half.
	leafC, _, ok := tr.index.lookup(pC)
	require.True(t, ok)
	assert.True(t, leafC == 6 || leafC == 7)

	assert.Equal(t, 192, tr.numAllocated)
}

func TestSegmentTreeHintSteersAllocationAwayFromDefaultDescent(t *testing.T) {
	tr := newSegmentTree[int](64, 64)

	// page B is created first (leaf 2) and nearly filled.
	onB := tr.allocate(60, nil)
	require.NotNil(t, onB)

	// it has no room for 10 more, so page A is created at leaf 3 instead.
	p := tr.allocate(10, nil)
	require.NotNil(t, p)

	leafB, _, ok := tr.index.lookup(onB)
	require.True(t, ok)
	leafA, _, ok := tr.index.lookup(p)
	require.True(t, ok)
	require.Less(t, leafB, leafA, "B must be the lower-indexed, default-preferred leaf")

	// freeing B's only block empties it entirely; a hintless allocation
	// would now land back on B since plain descent always checks the
	// lower leaf index first.
	tr.deallocate(onB, 60)

	hinted := tr.allocate(3, p)
	require.NotNil(t, hinted)
	leafHinted, _, ok := tr.index.lookup(hinted)
	require.True(t, ok)
	assert.Equal(t, leafA, leafHinted, "hint must keep the allocation on page A, not B")
}

func TestSegmentTreeExtendAndShrink(t *testing.T) {
	tr := newSegmentTree[int](64, 64)

	p0 := tr.allocate(10, nil)
	p1 := tr.allocate(10, nil)
	_ = tr.allocate(10, nil)

	tr.deallocate(p1, 10)

	extended := tr.extend(p0, 10, 18, true)
	require.NotNil(t, extended)
	assert.Equal(t, p0, extended)
	assert.Equal(t, 1, tr.numExtendTries)
	assert.Equal(t, 1, tr.numExtendSuccesses)

	failed := tr.extend(p0, 18, 30, true)
	assert.Nil(t, failed)
	assert.Equal(t, 2, tr.numExtendTries)
	assert.Equal(t, 1, tr.numExtendSuccesses)

	shrunk := tr.shrink(p0, 18, 10)
	assert.Equal(t, p0, shrunk)
	assert.Equal(t, 10+10, tr.numAllocated)
}
