package pagealloc

import (
	"unsafe"

	"github.com/google/btree"
)

// pageKey orders pages by their base address; leaf carries the owning
// segment index so a lookup resolves straight to a tree position.
type pageKey struct {
	base unsafe.Pointer
	leaf int
}

func lessPageKey(a, b pageKey) bool {
	return uintptr(a.base) < uintptr(b.base)
}

// pageIndex is the ordered map from a page's base pointer to the leaf
// segment that owns it, giving the tree O(log P) pointer-to-segment
// lookup on deallocate/extend/shrink instead of a linear scan of leaves.
type pageIndex struct {
	tree *btree.BTreeG[pageKey]
}

func newPageIndex() *pageIndex {
	return &pageIndex{tree: btree.NewG(32, lessPageKey)}
}

func (idx *pageIndex) insert(base unsafe.Pointer, leaf int) {
	idx.tree.ReplaceOrInsert(pageKey{base: base, leaf: leaf})
}

func (idx *pageIndex) remove(base unsafe.Pointer) {
	idx.tree.Delete(pageKey{base: base})
}

func (idx *pageIndex) clear() {
	idx.tree.Clear(false)
}

func (idx *pageIndex) len() int { return idx.tree.Len() }

// lookup returns the leaf owning the page whose base address is the
// greatest one <= p -- the "upper_bound then step back one" pattern every
// page-pointer-to-segment resolution in this package relies on.
func (idx *pageIndex) lookup(p unsafe.Pointer) (leaf int, base unsafe.Pointer, ok bool) {
	idx.tree.DescendLessOrEqual(pageKey{base: p}, func(item pageKey) bool {
		leaf, base, ok = item.leaf, item.base, true
		return false
	})
	return leaf, base, ok
}
