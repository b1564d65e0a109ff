package btree

import (
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// childSize is the encoded width of a child page id.
const childSize = 4

// InternalNode is a typed view over an internal page: the common header
// followed by an ordered array of (key, childPageID) entries. Slot 0's key
// is unused; slot 0's child holds every key below slot 1's key, and for
// i >= 1 child i holds keys in [key i, key i+1).
type InternalNode[K any] struct {
	treeNode
	codec KeyCodec[K]
}

func asInternal[K any](p *page.Page, codec KeyCodec[K]) InternalNode[K] {
	return InternalNode[K]{treeNode: treeNode{p: p}, codec: codec}
}

// internalCapacity is how many entries an internal page can physically hold.
func internalCapacity(keySize int) int {
	return (page.Size - headerSize) / (keySize + childSize)
}

// Init formats the page as an empty internal node.
func (n InternalNode[K]) Init(pid, parent page.PageID, maxSize int) {
	n.setKind(kindInternal)
	n.setPageID(pid)
	n.SetParentPageID(parent)
	n.SetSize(0)
	n.setMaxSize(maxSize)
}

func (n InternalNode[K]) entryOffset(i int) int {
	return headerSize + i*(n.codec.Size()+childSize)
}

// KeyAt returns the key in slot i. Slot 0's key is meaningless.
func (n InternalNode[K]) KeyAt(i int) K {
	return n.codec.Decode(n.p.Data()[n.entryOffset(i):])
}

// SetKeyAt overwrites the key in slot i.
func (n InternalNode[K]) SetKeyAt(i int, key K) {
	n.codec.Encode(n.p.Data()[n.entryOffset(i):], key)
}

// ChildAt returns the child page id in slot i.
func (n InternalNode[K]) ChildAt(i int) page.PageID {
	return getPageID(n.p.Data()[n.entryOffset(i)+n.codec.Size():])
}

// SetChildAt overwrites the child page id in slot i.
func (n InternalNode[K]) SetChildAt(i int, pid page.PageID) {
	putPageID(n.p.Data()[n.entryOffset(i)+n.codec.Size():], pid)
}

func (n InternalNode[K]) copyEntry(dst, src int) {
	n.SetKeyAt(dst, n.KeyAt(src))
	n.SetChildAt(dst, n.ChildAt(src))
}

// Lookup returns the child page to descend into for key: the rightmost
// child whose separator key is <= key, or child 0 when key sorts below
// slot 1's key.
func (n InternalNode[K]) Lookup(key K) page.PageID {
	if n.Size() < 2 || n.codec.Compare(key, n.KeyAt(1)) < 0 {
		return n.ChildAt(0)
	}
	lo, hi := 1, n.Size()-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if n.codec.Compare(key, n.KeyAt(mid)) < 0 {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return n.ChildAt(lo)
}

// ChildIndex returns the slot holding the given child page id, or -1.
func (n InternalNode[K]) ChildIndex(pid page.PageID) int {
	for i := 0; i < n.Size(); i++ {
		if n.ChildAt(i) == pid {
			return i
		}
	}
	return -1
}

// LeftSiblingOf returns the child immediately left of pid, if any.
func (n InternalNode[K]) LeftSiblingOf(pid page.PageID) page.PageID {
	i := n.ChildIndex(pid)
	if i <= 0 {
		return page.InvalidPageID
	}
	return n.ChildAt(i - 1)
}

// RightSiblingOf returns the child immediately right of pid, if any.
func (n InternalNode[K]) RightSiblingOf(pid page.PageID) page.PageID {
	i := n.ChildIndex(pid)
	if i < 0 || i == n.Size()-1 {
		return page.InvalidPageID
	}
	return n.ChildAt(i + 1)
}

// Insert places (key, child) in sorted position among slots 1..size.
func (n InternalNode[K]) Insert(key K, child page.PageID) bool {
	i := 1
	for i < n.Size() && n.codec.Compare(key, n.KeyAt(i)) > 0 {
		i++
	}
	if i < n.Size() && n.codec.Compare(key, n.KeyAt(i)) == 0 {
		return false
	}
	for j := n.Size(); j > i; j-- {
		n.copyEntry(j, j-1)
	}
	n.SetKeyAt(i, key)
	n.SetChildAt(i, child)
	n.IncSize(1)
	return true
}

// Remove deletes the entry whose separator key equals key, reporting
// whether it was present.
func (n InternalNode[K]) Remove(key K) bool {
	for i := 1; i < n.Size(); i++ {
		if n.codec.Compare(key, n.KeyAt(i)) == 0 {
			for j := i; j < n.Size()-1; j++ {
				n.copyEntry(j, j+1)
			}
			n.IncSize(-1)
			return true
		}
	}
	return false
}

// SetupAsRoot formats this node as a fresh root with two children.
func (n InternalNode[K]) SetupAsRoot(left page.PageID, key K, right page.PageID) {
	n.SetChildAt(0, left)
	n.SetKeyAt(1, key)
	n.SetChildAt(1, right)
	n.SetSize(2)
}

// AppendFirst prepends a child, making it the new slot 0. The separator key
// lands in slot 1, where it now divides the new child from the old slot 0.
func (n InternalNode[K]) AppendFirst(sep K, child page.PageID) {
	for j := n.Size(); j > 0; j-- {
		n.copyEntry(j, j-1)
	}
	n.SetChildAt(0, child)
	n.SetKeyAt(1, sep)
	n.IncSize(1)
}

// AppendLast appends an entry after the current last slot.
func (n InternalNode[K]) AppendLast(key K, child page.PageID) {
	n.SetKeyAt(n.Size(), key)
	n.SetChildAt(n.Size(), child)
	n.IncSize(1)
}

// RemoveLast drops the last entry.
func (n InternalNode[K]) RemoveLast() {
	n.IncSize(-1)
}

// PopFirst drops slot 0, shifting everything left; the new slot 0's key
// becomes meaningless as required.
func (n InternalNode[K]) PopFirst() {
	for j := 1; j < n.Size(); j++ {
		n.copyEntry(j-1, j)
	}
	n.IncSize(-1)
}
