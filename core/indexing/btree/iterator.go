package btree

import (
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// Iterator walks the leaf chain in key order. It holds a shared latch and a
// pin on exactly one leaf at a time; advancing past a leaf's last slot hands
// over to the next leaf. An exhausted iterator holds nothing.
type Iterator[K any] struct {
	tree  *BPlusTree[K]
	leaf  *page.Page
	index int
	done  bool
}

// Begin returns an iterator positioned at the tree's smallest key.
func (t *BPlusTree[K]) Begin() (*Iterator[K], error) {
	var zero K
	return t.beginAt(zero, true)
}

// BeginAt returns an iterator positioned at the first key >= key.
func (t *BPlusTree[K]) BeginAt(key K) (*Iterator[K], error) {
	return t.beginAt(key, false)
}

// End returns an exhausted iterator, the position every forward scan
// converges to.
func (t *BPlusTree[K]) End() *Iterator[K] {
	return &Iterator[K]{tree: t, done: true}
}

func (t *BPlusTree[K]) beginAt(key K, leftmost bool) (*Iterator[K], error) {
	ctx := &opContext{}
	p, err := t.findLeafRead(key, leftmost, false, ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Iterator[K]{tree: t, done: true}, nil
	}
	t.tryUnlockRoot(false, ctx)
	it := &Iterator[K]{tree: t, leaf: p}
	if !leftmost {
		it.index = asLeaf(p, t.codec).KeyIndex(key)
	}
	// The target key may sort past this leaf's last entry.
	it.skipExhausted()
	return it, nil
}

// skipExhausted advances across empty tail positions until the iterator
// points at a real entry or the chain ends.
func (it *Iterator[K]) skipExhausted() {
	for !it.done {
		leaf := asLeaf(it.leaf, it.tree.codec)
		if it.index < leaf.Size() {
			return
		}
		next := leaf.NextPageID()
		it.release()
		if next == page.InvalidPageID {
			it.done = true
			return
		}
		it.acquire(next)
		it.index = 0
	}
}

func (it *Iterator[K]) release() {
	pid := it.leaf.PageID()
	it.leaf.RUnlatch()
	it.tree.bp.UnpinPage(pid, false)
	it.leaf = nil
}

func (it *Iterator[K]) acquire(pid page.PageID) {
	p, err := it.tree.fetchChecked(pid)
	if err != nil {
		// The chain referenced an unfetchable page; fetchChecked already
		// panicked for corruption, so this is pool exhaustion mid-scan.
		it.done = true
		return
	}
	p.RLatch()
	it.leaf = p
}

// IsEnd reports whether the scan is exhausted.
func (it *Iterator[K]) IsEnd() bool { return it.done }

// Key returns the key under the cursor.
func (it *Iterator[K]) Key() K {
	return asLeaf(it.leaf, it.tree.codec).KeyAt(it.index)
}

// Value returns the RID under the cursor.
func (it *Iterator[K]) Value() page.RID {
	return asLeaf(it.leaf, it.tree.codec).RIDAt(it.index)
}

// Next advances the cursor, crossing to the next leaf when the current one
// is spent.
func (it *Iterator[K]) Next() {
	if it.done {
		return
	}
	it.index++
	it.skipExhausted()
}

// Close releases the iterator's latch and pin early. Iterating to the end
// releases them implicitly.
func (it *Iterator[K]) Close() {
	if !it.done && it.leaf != nil {
		it.release()
	}
	it.done = true
}
