package btree

import (
	"encoding/binary"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// ridSize is the encoded width of a RID: page id plus slot number.
const ridSize = 8

// LeafNode is a typed view over a leaf page: the common header followed by
// an ordered array of (key, RID) entries. Keys are strictly increasing.
type LeafNode[K any] struct {
	treeNode
	codec KeyCodec[K]
}

func asLeaf[K any](p *page.Page, codec KeyCodec[K]) LeafNode[K] {
	return LeafNode[K]{treeNode: treeNode{p: p}, codec: codec}
}

// leafCapacity is how many entries a leaf page can physically hold.
func leafCapacity(keySize int) int {
	return (page.Size - headerSize) / (keySize + ridSize)
}

// Init formats the page as an empty leaf.
func (n LeafNode[K]) Init(pid, parent page.PageID, maxSize int) {
	n.setKind(kindLeaf)
	n.setPageID(pid)
	n.SetParentPageID(parent)
	n.SetSize(0)
	n.setMaxSize(maxSize)
	n.SetNextPageID(page.InvalidPageID)
}

func (n LeafNode[K]) NextPageID() page.PageID {
	return getPageID(n.p.Data()[nextPageIDOffset:])
}

func (n LeafNode[K]) SetNextPageID(pid page.PageID) {
	putPageID(n.p.Data()[nextPageIDOffset:], pid)
}

func (n LeafNode[K]) entryOffset(i int) int {
	return headerSize + i*(n.codec.Size()+ridSize)
}

// KeyAt returns the key in slot i.
func (n LeafNode[K]) KeyAt(i int) K {
	return n.codec.Decode(n.p.Data()[n.entryOffset(i):])
}

func (n LeafNode[K]) setKeyAt(i int, key K) {
	n.codec.Encode(n.p.Data()[n.entryOffset(i):], key)
}

// RIDAt returns the row id in slot i.
func (n LeafNode[K]) RIDAt(i int) page.RID {
	off := n.entryOffset(i) + n.codec.Size()
	data := n.p.Data()
	return page.RID{
		PageID:  getPageID(data[off:]),
		SlotNum: binary.LittleEndian.Uint32(data[off+4:]),
	}
}

func (n LeafNode[K]) setRIDAt(i int, rid page.RID) {
	off := n.entryOffset(i) + n.codec.Size()
	data := n.p.Data()
	putPageID(data[off:], rid.PageID)
	binary.LittleEndian.PutUint32(data[off+4:], rid.SlotNum)
}

func (n LeafNode[K]) copyEntry(dst, src int) {
	n.setKeyAt(dst, n.KeyAt(src))
	n.setRIDAt(dst, n.RIDAt(src))
}

// search binary-searches for key, returning its slot and whether it exists;
// on a miss the slot is where the key would be inserted.
func (n LeafNode[K]) search(key K) (int, bool) {
	lo, hi := 0, n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		switch cmp := n.codec.Compare(key, n.KeyAt(mid)); {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// Lookup returns the RID stored under key.
func (n LeafNode[K]) Lookup(key K) (page.RID, bool) {
	if i, ok := n.search(key); ok {
		return n.RIDAt(i), true
	}
	return page.RID{}, false
}

// Contains reports whether key is present.
func (n LeafNode[K]) Contains(key K) bool {
	_, ok := n.search(key)
	return ok
}

// KeyIndex returns the first slot whose key is >= key (possibly Size()).
func (n LeafNode[K]) KeyIndex(key K) int {
	i, _ := n.search(key)
	return i
}

// Insert places (key, rid) in sorted position. It fails on a duplicate key.
func (n LeafNode[K]) Insert(key K, rid page.RID) bool {
	i, found := n.search(key)
	if found {
		return false
	}
	for j := n.Size(); j > i; j-- {
		n.copyEntry(j, j-1)
	}
	n.setKeyAt(i, key)
	n.setRIDAt(i, rid)
	n.IncSize(1)
	return true
}

// Remove deletes key's entry, reporting whether it was present.
func (n LeafNode[K]) Remove(key K) bool {
	i, found := n.search(key)
	if !found {
		return false
	}
	for j := i; j < n.Size()-1; j++ {
		n.copyEntry(j, j+1)
	}
	n.IncSize(-1)
	return true
}

// MoveUpperHalfTo moves the entries from MinSize() onward into an empty
// right sibling, leaving MinSize() entries behind.
func (n LeafNode[K]) MoveUpperHalfTo(dst LeafNode[K]) {
	size := n.Size()
	min := n.MinSize()
	for i := min; i < size; i++ {
		dst.setKeyAt(i-min, n.KeyAt(i))
		dst.setRIDAt(i-min, n.RIDAt(i))
	}
	dst.IncSize(size - min)
	n.SetSize(min)
}

// AppendFirst prepends an entry; the key must sort before every resident key.
func (n LeafNode[K]) AppendFirst(key K, rid page.RID) {
	for j := n.Size(); j > 0; j-- {
		n.copyEntry(j, j-1)
	}
	n.setKeyAt(0, key)
	n.setRIDAt(0, rid)
	n.IncSize(1)
}

// AppendLast appends an entry; the key must sort after every resident key.
func (n LeafNode[K]) AppendLast(key K, rid page.RID) {
	n.setKeyAt(n.Size(), key)
	n.setRIDAt(n.Size(), rid)
	n.IncSize(1)
}

// MergeInto appends every entry of this page to the left sibling and takes
// this page out of the leaf chain.
func (n LeafNode[K]) MergeInto(left LeafNode[K]) {
	base := left.Size()
	for i := 0; i < n.Size(); i++ {
		left.setKeyAt(base+i, n.KeyAt(i))
		left.setRIDAt(base+i, n.RIDAt(i))
	}
	left.IncSize(n.Size())
	n.SetSize(0)
	left.SetNextPageID(n.NextPageID())
}
