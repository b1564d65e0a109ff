package btree

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/buffer"
	"github.com/megumidb/megumidb/core/concurrency"
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// opType selects the crabbing mode of a descent.
type opType int

const (
	opRead opType = iota
	opInsert
	opDelete
)

// opContext carries one operation's descent state: the transaction whose
// page set records latched pages, and the recursion count on the root latch
// so release never over-unlocks.
type opContext struct {
	txn        *concurrency.Transaction
	rootLocked int
}

// BPlusTree is a disk-resident B+ tree with unique, fixed-width keys. All
// pages are obtained through the buffer pool; concurrent operations
// coordinate with latch crabbing plus a reader-writer latch over the root
// page id. The root page id is persisted as an (index name, root) record in
// the header page.
type BPlusTree[K any] struct {
	name            string
	bp              *buffer.Pool
	codec           KeyCodec[K]
	leafMaxSize     int
	internalMaxSize int

	// rootLatch guards rootPageID, not the root page's bytes.
	rootLatch  sync.RWMutex
	rootPageID page.PageID

	logger *zap.Logger
}

// New opens (or registers) the index named name in the header page. Zero
// max sizes derive from the page capacity for the codec's key width.
func New[K any](name string, bp *buffer.Pool, codec KeyCodec[K], leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree[K], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	leafCap := leafCapacity(codec.Size())
	internalCap := internalCapacity(codec.Size())
	if leafMaxSize == 0 {
		leafMaxSize = leafCap
	}
	if internalMaxSize == 0 {
		// Internal pages briefly hold max+1 entries before splitting.
		internalMaxSize = internalCap - 1
	}
	if leafMaxSize > leafCap || internalMaxSize >= internalCap {
		return nil, fmt.Errorf("%w: leaf %d/%d, internal %d/%d",
			ErrInvalidMaxSize, leafMaxSize, leafCap, internalMaxSize, internalCap)
	}

	t := &BPlusTree[K]{
		name:            name,
		bp:              bp,
		codec:           codec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      page.InvalidPageID,
		logger:          logger,
	}

	hp, err := bp.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header page: %w", err)
	}
	hp.RLatch()
	if root, ok := page.AsHeaderPage(hp).RootPageID(name); ok {
		t.rootPageID = root
	}
	hp.RUnlatch()
	bp.UnpinPage(page.HeaderPageID, false)

	logger.Debug("opened index",
		zap.String("index", name),
		zap.Int32("root_page_id", int32(t.rootPageID)))
	return t, nil
}

// IsEmpty reports whether the tree has no entries.
func (t *BPlusTree[K]) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID == page.InvalidPageID
}

// RootPageID returns the current root page id.
func (t *BPlusTree[K]) RootPageID() page.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID
}

// --- root latch bookkeeping ---

func (t *BPlusTree[K]) lockRoot(exclusive bool, ctx *opContext) {
	if exclusive {
		t.rootLatch.Lock()
	} else {
		t.rootLatch.RLock()
	}
	ctx.rootLocked++
}

func (t *BPlusTree[K]) tryUnlockRoot(exclusive bool, ctx *opContext) {
	if ctx.rootLocked == 0 {
		return
	}
	ctx.rootLocked--
	if exclusive {
		t.rootLatch.Unlock()
	} else {
		t.rootLatch.RUnlock()
	}
}

// --- page acquisition (crabbing) ---

// isSafe reports whether latching stops at this node: a mutation below a
// safe node can never propagate past it.
func (t *BPlusTree[K]) isSafe(p *page.Page, op opType) bool {
	n := treeNode{p: p}
	switch op {
	case opRead:
		return true
	case opInsert:
		if n.IsLeaf() {
			// A leaf at max-1 splits on the next insert.
			return n.Size() < n.MaxSize()-1
		}
		return n.Size() < n.MaxSize()
	default: // opDelete
		if n.IsRoot() {
			if n.IsLeaf() {
				return n.Size() > 1
			}
			return n.Size() > 2
		}
		return n.Size() > n.MinSize()
	}
}

// fetchChecked fetches a page the tree itself recorded. Pool exhaustion is
// an expected, propagated error; any other failure means the tree structure
// references an unreadable page, which is corruption.
func (t *BPlusTree[K]) fetchChecked(pid page.PageID) (*page.Page, error) {
	p, err := t.bp.FetchPage(pid)
	if err != nil {
		if errors.Is(err, buffer.ErrBufferPoolFull) {
			return nil, fmt.Errorf("%w: fetching page %d", ErrTreeFull, pid)
		}
		panic(fmt.Sprintf("btree %q: recorded page %d is unreadable: %v", t.name, pid, err))
	}
	return p, nil
}

// crabFetch latches the next page of a mutating descent. When descending
// and the child is safe, every ancestor latch (and the root latch) is
// released first; the child is then recorded on the transaction's page set.
func (t *BPlusTree[K]) crabFetch(pid page.PageID, op opType, descending bool, ctx *opContext) (*page.Page, error) {
	p, err := t.fetchChecked(pid)
	if err != nil {
		return nil, err
	}
	p.WLatch()
	if descending && t.isSafe(p, op) {
		t.freeAll(true, ctx)
	}
	ctx.txn.AddToPageSet(p)
	return p, nil
}

// freeAll releases the root latch if held, then unlatches and unpins every
// page on the transaction's page set, reclaiming pages scheduled for
// deletion once their latches are gone.
func (t *BPlusTree[K]) freeAll(exclusive bool, ctx *opContext) {
	t.tryUnlockRoot(exclusive, ctx)
	deleted := ctx.txn.DeletedPageSet()
	for _, p := range ctx.txn.PageSet() {
		pid := p.PageID()
		if exclusive {
			p.WUnlatch()
		} else {
			p.RUnlatch()
		}
		t.bp.UnpinPage(pid, exclusive)
		if _, ok := deleted[pid]; ok {
			t.bp.DeletePage(pid)
			delete(deleted, pid)
		}
	}
	ctx.txn.ClearPageSet()
}

// findLeafRead descends with shared latches, releasing each parent as soon
// as the child is latched. It returns the latched, pinned leaf, or nil when
// the tree is empty. The root latch may still be held when the descent
// never left the root page; callers release it via tryUnlockRoot.
func (t *BPlusTree[K]) findLeafRead(key K, leftmost, rightmost bool, ctx *opContext) (*page.Page, error) {
	t.lockRoot(false, ctx)
	if t.rootPageID == page.InvalidPageID {
		t.tryUnlockRoot(false, ctx)
		return nil, nil
	}
	p, err := t.fetchChecked(t.rootPageID)
	if err != nil {
		t.tryUnlockRoot(false, ctx)
		return nil, err
	}
	p.RLatch()
	for !(treeNode{p: p}).IsLeaf() {
		internal := asInternal(p, t.codec)
		var next page.PageID
		switch {
		case leftmost:
			next = internal.ChildAt(0)
		case rightmost:
			next = internal.ChildAt(internal.Size() - 1)
		default:
			next = internal.Lookup(key)
		}
		child, err := t.fetchChecked(next)
		if err != nil {
			t.tryUnlockRoot(false, ctx)
			p.RUnlatch()
			t.bp.UnpinPage(p.PageID(), false)
			return nil, err
		}
		child.RLatch()
		t.tryUnlockRoot(false, ctx)
		p.RUnlatch()
		t.bp.UnpinPage(p.PageID(), false)
		p = child
	}
	return p, nil
}

// findLeafWrite descends with exclusive latches, keeping ancestors latched
// until a safe child proves the mutation cannot propagate above it. All
// latched pages land on the transaction's page set.
func (t *BPlusTree[K]) findLeafWrite(key K, op opType, ctx *opContext) (*page.Page, error) {
	t.lockRoot(true, ctx)
	if t.rootPageID == page.InvalidPageID {
		t.tryUnlockRoot(true, ctx)
		return nil, nil
	}
	p, err := t.crabFetch(t.rootPageID, op, false, ctx)
	if err != nil {
		t.tryUnlockRoot(true, ctx)
		return nil, err
	}
	// The root latch can drop as soon as the root page itself is safe.
	if t.isSafe(p, op) {
		t.tryUnlockRoot(true, ctx)
	}
	for !(treeNode{p: p}).IsLeaf() {
		internal := asInternal(p, t.codec)
		next := internal.Lookup(key)
		child, err := t.crabFetch(next, op, true, ctx)
		if err != nil {
			t.freeAll(true, ctx)
			return nil, err
		}
		p = child
	}
	return p, nil
}

// --- point lookup ---

// GetValue returns the RID stored under key.
func (t *BPlusTree[K]) GetValue(key K) (page.RID, bool, error) {
	ctx := &opContext{}
	leaf, err := t.findLeafRead(key, false, false, ctx)
	if err != nil || leaf == nil {
		return page.RID{}, false, err
	}
	rid, found := asLeaf(leaf, t.codec).Lookup(key)
	t.tryUnlockRoot(false, ctx)
	leaf.RUnlatch()
	t.bp.UnpinPage(leaf.PageID(), false)
	return rid, found, nil
}

// --- insertion ---

// Insert adds (key, rid) to the tree. It reports false on a duplicate key.
// A nil transaction gets a scratch one for latch bookkeeping.
func (t *BPlusTree[K]) Insert(key K, rid page.RID, txn *concurrency.Transaction) (bool, error) {
	if txn == nil {
		txn = concurrency.NewTransaction(concurrency.InvalidTxnID, concurrency.RepeatableRead)
	}
	ctx := &opContext{txn: txn}

	t.lockRoot(true, ctx)
	if t.rootPageID == page.InvalidPageID {
		if err := t.startNewTree(key, rid); err != nil {
			t.tryUnlockRoot(true, ctx)
			return false, err
		}
		t.tryUnlockRoot(true, ctx)
		return true, nil
	}
	t.tryUnlockRoot(true, ctx)
	return t.insertIntoLeaf(key, rid, ctx)
}

// startNewTree allocates a leaf root holding the single pair. Callers hold
// the root latch exclusively.
func (t *BPlusTree[K]) startNewTree(key K, rid page.RID) error {
	p, err := t.bp.NewPage()
	if err != nil {
		return fmt.Errorf("%w: allocating root: %v", ErrTreeFull, err)
	}
	t.rootPageID = p.PageID()
	leaf := asLeaf(p, t.codec)
	leaf.Init(p.PageID(), page.InvalidPageID, t.leafMaxSize)
	leaf.Insert(key, rid)
	t.updateRootRecord()
	t.bp.UnpinPage(p.PageID(), true)
	return nil
}

func (t *BPlusTree[K]) insertIntoLeaf(key K, rid page.RID, ctx *opContext) (bool, error) {
	p, err := t.findLeafWrite(key, opInsert, ctx)
	if err != nil {
		return false, err
	}
	if p == nil {
		// The tree emptied between the root check and the descent; retry.
		return t.Insert(key, rid, ctx.txn)
	}
	leaf := asLeaf(p, t.codec)
	if leaf.Contains(key) {
		t.freeAll(true, ctx)
		return false, nil
	}
	leaf.Insert(key, rid)
	if leaf.Size() >= leaf.MaxSize() {
		newLeaf, err := t.splitLeaf(leaf, ctx)
		if err != nil {
			t.freeAll(true, ctx)
			return false, err
		}
		if err := t.insertIntoParent(leaf.treeNode, newLeaf.KeyAt(0), newLeaf.treeNode, ctx); err != nil {
			t.freeAll(true, ctx)
			return false, err
		}
	}
	t.freeAll(true, ctx)
	return true, nil
}

// splitLeaf moves the upper half of a full leaf into a fresh right sibling
// and links it into the leaf chain. The new page joins the page set latched.
func (t *BPlusTree[K]) splitLeaf(leaf LeafNode[K], ctx *opContext) (LeafNode[K], error) {
	p, err := t.bp.NewPage()
	if err != nil {
		return LeafNode[K]{}, fmt.Errorf("%w: splitting leaf %d: %v", ErrTreeFull, leaf.PageID(), err)
	}
	p.WLatch()
	ctx.txn.AddToPageSet(p)
	newLeaf := asLeaf(p, t.codec)
	newLeaf.Init(p.PageID(), leaf.ParentPageID(), t.leafMaxSize)
	newLeaf.SetNextPageID(leaf.NextPageID())
	leaf.MoveUpperHalfTo(newLeaf)
	leaf.SetNextPageID(newLeaf.PageID())
	return newLeaf, nil
}

// splitInternal moves the upper half of an overflowing internal node into a
// fresh sibling, rewriting the parent pointers of the moved children.
func (t *BPlusTree[K]) splitInternal(node InternalNode[K], ctx *opContext) (InternalNode[K], error) {
	p, err := t.bp.NewPage()
	if err != nil {
		return InternalNode[K]{}, fmt.Errorf("%w: splitting internal %d: %v", ErrTreeFull, node.PageID(), err)
	}
	p.WLatch()
	ctx.txn.AddToPageSet(p)
	newNode := asInternal(p, t.codec)
	newNode.Init(p.PageID(), node.ParentPageID(), t.internalMaxSize)

	// The node holds max+1 entries; the sibling takes everything from
	// MinSize onward.
	size := node.Size()
	min := node.MinSize()
	for i := min; i < size; i++ {
		newNode.SetKeyAt(i-min, node.KeyAt(i))
		newNode.SetChildAt(i-min, node.ChildAt(i))
	}
	newNode.SetSize(size - min)
	node.SetSize(min)

	if err := t.reparentChildren(newNode); err != nil {
		return InternalNode[K]{}, err
	}
	return newNode, nil
}

// reparentChildren points every child of node at it.
func (t *BPlusTree[K]) reparentChildren(node InternalNode[K]) error {
	for i := 0; i < node.Size(); i++ {
		child, err := t.fetchChecked(node.ChildAt(i))
		if err != nil {
			return err
		}
		treeNode{p: child}.SetParentPageID(node.PageID())
		t.bp.UnpinPage(child.PageID(), true)
	}
	return nil
}

// insertIntoParent propagates a split upward: the new sibling's first key
// becomes a separator in the parent, splitting it in turn if it overflows.
func (t *BPlusTree[K]) insertIntoParent(old treeNode, key K, newNode treeNode, ctx *opContext) error {
	if old.IsRoot() {
		p, err := t.bp.NewPage()
		if err != nil {
			return fmt.Errorf("%w: allocating new root: %v", ErrTreeFull, err)
		}
		root := asInternal(p, t.codec)
		root.Init(p.PageID(), page.InvalidPageID, t.internalMaxSize)
		root.SetupAsRoot(old.PageID(), key, newNode.PageID())
		old.SetParentPageID(p.PageID())
		newNode.SetParentPageID(p.PageID())
		t.rootPageID = p.PageID()
		t.updateRootRecord()
		t.bp.UnpinPage(p.PageID(), true)
		return nil
	}

	parentID := old.ParentPageID()
	pp, err := t.fetchChecked(parentID)
	if err != nil {
		return err
	}
	parent := asInternal(pp, t.codec)
	parent.Insert(key, newNode.PageID())
	if parent.Size() > parent.MaxSize() {
		newParent, err := t.splitInternal(parent, ctx)
		if err != nil {
			t.bp.UnpinPage(parentID, true)
			return err
		}
		if err := t.insertIntoParent(parent.treeNode, newParent.KeyAt(0), newParent.treeNode, ctx); err != nil {
			t.bp.UnpinPage(parentID, true)
			return err
		}
	}
	t.bp.UnpinPage(parentID, true)
	return nil
}

// --- deletion ---

// Remove deletes key's entry if present. A nil transaction gets a scratch
// one for latch bookkeeping.
func (t *BPlusTree[K]) Remove(key K, txn *concurrency.Transaction) error {
	if txn == nil {
		txn = concurrency.NewTransaction(concurrency.InvalidTxnID, concurrency.RepeatableRead)
	}
	ctx := &opContext{txn: txn}

	p, err := t.findLeafWrite(key, opDelete, ctx)
	if err != nil || p == nil {
		return err
	}
	leaf := asLeaf(p, t.codec)
	if !leaf.Contains(key) {
		t.freeAll(true, ctx)
		return nil
	}
	if err := t.deleteEntry(p, key, ctx); err != nil {
		t.freeAll(true, ctx)
		return err
	}
	t.freeAll(true, ctx)
	return nil
}

// deleteEntry removes key from the node on p, then restores the occupancy
// invariant by collapsing the root, borrowing from a sibling, or merging
// with one. Merges recurse on the parent's separator key.
func (t *BPlusTree[K]) deleteEntry(p *page.Page, key K, ctx *opContext) error {
	node := treeNode{p: p}
	if node.IsLeaf() {
		asLeaf(p, t.codec).Remove(key)
	} else {
		asInternal(p, t.codec).Remove(key)
	}

	if node.IsRoot() {
		return t.adjustRoot(p, ctx)
	}
	if node.Size() >= node.MinSize() {
		return nil
	}

	parentPage, err := t.fetchChecked(node.ParentPageID())
	if err != nil {
		return err
	}
	parent := asInternal(parentPage, t.codec)

	leftID := parent.LeftSiblingOf(node.PageID())
	rightID := parent.RightSiblingOf(node.PageID())
	var leftPage, rightPage *page.Page
	if leftID != page.InvalidPageID {
		if leftPage, err = t.crabFetch(leftID, opDelete, false, ctx); err != nil {
			t.bp.UnpinPage(parentPage.PageID(), false)
			return err
		}
	}
	if rightID != page.InvalidPageID {
		if rightPage, err = t.crabFetch(rightID, opDelete, false, ctx); err != nil {
			t.bp.UnpinPage(parentPage.PageID(), false)
			return err
		}
	}

	// Merging needs room for both sides in one page; internal entries
	// additionally count the down-pointer.
	threshold := node.MaxSize()
	if !node.IsLeaf() {
		threshold = node.MaxSize() + 1
	}

	defer t.bp.UnpinPage(parentPage.PageID(), true)

	if leftPage != nil && (treeNode{p: leftPage}).Size()+node.Size() >= threshold {
		t.borrowFromLeft(leftPage, p, parent)
		return nil
	}
	if rightPage != nil && (treeNode{p: rightPage}).Size()+node.Size() >= threshold {
		t.borrowFromRight(rightPage, p, parent)
		return nil
	}
	if leftPage != nil {
		return t.merge(leftPage, p, parent, parentPage, ctx)
	}
	if rightPage != nil {
		return t.merge(p, rightPage, parent, parentPage, ctx)
	}
	return nil
}

// adjustRoot handles the two root collapse cases: an empty root clears the
// tree, and an internal root with a single child promotes that child.
func (t *BPlusTree[K]) adjustRoot(p *page.Page, ctx *opContext) error {
	node := treeNode{p: p}
	if node.Size() == 0 {
		// The tree is empty; reclaim the old root once latches drop.
		t.rootPageID = page.InvalidPageID
		t.updateRootRecord()
		ctx.txn.AddToDeletedPageSet(node.PageID())
		return nil
	}
	if !node.IsLeaf() && node.Size() == 1 {
		newRootID := asInternal(p, t.codec).ChildAt(0)
		child, err := t.fetchChecked(newRootID)
		if err != nil {
			return err
		}
		treeNode{p: child}.SetParentPageID(page.InvalidPageID)
		t.rootPageID = newRootID
		t.updateRootRecord()
		t.bp.UnpinPage(newRootID, true)
		ctx.txn.AddToDeletedPageSet(node.PageID())
	}
	return nil
}

// borrowFromLeft steals the left sibling's last entry into node's front and
// refreshes the separator in the parent.
func (t *BPlusTree[K]) borrowFromLeft(leftPage, nodePage *page.Page, parent InternalNode[K]) {
	idx := parent.ChildIndex(nodePage.PageID())
	if (treeNode{p: nodePage}).IsLeaf() {
		left := asLeaf(leftPage, t.codec)
		node := asLeaf(nodePage, t.codec)
		last := left.Size() - 1
		stolenKey, stolenRID := left.KeyAt(last), left.RIDAt(last)
		left.Remove(stolenKey)
		node.AppendFirst(stolenKey, stolenRID)
		parent.SetKeyAt(idx, stolenKey)
		return
	}
	left := asInternal(leftPage, t.codec)
	node := asInternal(nodePage, t.codec)
	last := left.Size() - 1
	movedChild := left.ChildAt(last)
	newSep := left.KeyAt(last)
	node.AppendFirst(parent.KeyAt(idx), movedChild)
	left.RemoveLast()
	parent.SetKeyAt(idx, newSep)
	t.reparentChild(movedChild, node.PageID())
}

// borrowFromRight steals the right sibling's first entry onto node's tail
// and refreshes the separator in the parent.
func (t *BPlusTree[K]) borrowFromRight(rightPage, nodePage *page.Page, parent InternalNode[K]) {
	idx := parent.ChildIndex(rightPage.PageID())
	if (treeNode{p: nodePage}).IsLeaf() {
		right := asLeaf(rightPage, t.codec)
		node := asLeaf(nodePage, t.codec)
		stolenKey, stolenRID := right.KeyAt(0), right.RIDAt(0)
		right.Remove(stolenKey)
		node.AppendLast(stolenKey, stolenRID)
		parent.SetKeyAt(idx, right.KeyAt(0))
		return
	}
	right := asInternal(rightPage, t.codec)
	node := asInternal(nodePage, t.codec)
	movedChild := right.ChildAt(0)
	newSep := right.KeyAt(1)
	node.AppendLast(parent.KeyAt(idx), movedChild)
	right.PopFirst()
	parent.SetKeyAt(idx, newSep)
	t.reparentChild(movedChild, node.PageID())
}

func (t *BPlusTree[K]) reparentChild(childID, parentID page.PageID) {
	child, err := t.fetchChecked(childID)
	if err != nil {
		panic(fmt.Sprintf("btree %q: %v", t.name, err))
	}
	treeNode{p: child}.SetParentPageID(parentID)
	t.bp.UnpinPage(childID, true)
}

// merge folds rightPage into leftPage, schedules the emptied page for
// deletion, and recursively removes the separator from the parent.
func (t *BPlusTree[K]) merge(leftPage, rightPage *page.Page, parent InternalNode[K], parentPage *page.Page, ctx *opContext) error {
	sepIdx := parent.ChildIndex(rightPage.PageID())
	sepKey := parent.KeyAt(sepIdx)

	if (treeNode{p: leftPage}).IsLeaf() {
		right := asLeaf(rightPage, t.codec)
		right.MergeInto(asLeaf(leftPage, t.codec))
	} else {
		left := asInternal(leftPage, t.codec)
		right := asInternal(rightPage, t.codec)
		base := left.Size()
		for i := 0; i < right.Size(); i++ {
			k := right.KeyAt(i)
			if i == 0 {
				k = sepKey
			}
			left.SetKeyAt(base+i, k)
			left.SetChildAt(base+i, right.ChildAt(i))
			t.reparentChild(right.ChildAt(i), left.PageID())
		}
		left.IncSize(right.Size())
		right.SetSize(0)
	}

	ctx.txn.AddToDeletedPageSet(rightPage.PageID())
	return t.deleteEntry(parentPage, sepKey, ctx)
}

// --- header page maintenance ---

// updateRootRecord upserts this index's (name, root) record in the header
// page. Callers hold the root latch exclusively.
func (t *BPlusTree[K]) updateRootRecord() {
	hp, err := t.bp.FetchPage(page.HeaderPageID)
	if err != nil {
		panic(fmt.Sprintf("btree %q: header page unavailable: %v", t.name, err))
	}
	hp.WLatch()
	view := page.AsHeaderPage(hp)
	if !view.UpdateRecord(t.name, t.rootPageID) {
		view.InsertRecord(t.name, t.rootPageID)
	}
	hp.WUnlatch()
	t.bp.UnpinPage(page.HeaderPageID, true)
}

// --- bulk file loaders ---

// InsertFromFile reads whitespace-separated int64 keys from a file and
// inserts each with a RID derived from the key.
func (t *BPlusTree[K]) InsertFromFile(path string, txn *concurrency.Transaction) error {
	return t.eachKeyInFile(path, func(v int64) error {
		rid := page.RID{PageID: page.PageID(v >> 32), SlotNum: uint32(v)}
		_, err := t.Insert(t.codec.FromInt64(v), rid, txn)
		return err
	})
}

// RemoveFromFile reads whitespace-separated int64 keys from a file and
// removes each.
func (t *BPlusTree[K]) RemoveFromFile(path string, txn *concurrency.Transaction) error {
	return t.eachKeyInFile(path, func(v int64) error {
		return t.Remove(t.codec.FromInt64(v), txn)
	})
}

func (t *BPlusTree[K]) eachKeyInFile(path string, fn func(int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open key file %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		v, err := strconv.ParseInt(scanner.Text(), 10, 64)
		if err != nil {
			return fmt.Errorf("bad key %q in %s: %w", scanner.Text(), path, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// --- debugging ---

// DebugString renders the tree level by level. It takes no latches and is
// meant for tests and the shell only.
func (t *BPlusTree[K]) DebugString() string {
	root := t.RootPageID()
	if root == page.InvalidPageID {
		return "(empty)"
	}
	var sb strings.Builder
	t.dumpNode(root, 0, &sb)
	return sb.String()
}

func (t *BPlusTree[K]) dumpNode(pid page.PageID, depth int, sb *strings.Builder) {
	p, err := t.bp.FetchPage(pid)
	if err != nil {
		fmt.Fprintf(sb, "%s<unreadable page %d: %v>\n", strings.Repeat("  ", depth), pid, err)
		return
	}
	node := treeNode{p: p}
	indent := strings.Repeat("  ", depth)
	if node.IsLeaf() {
		leaf := asLeaf(p, t.codec)
		fmt.Fprintf(sb, "%sleaf %d (next %d):", indent, leaf.PageID(), leaf.NextPageID())
		for i := 0; i < leaf.Size(); i++ {
			fmt.Fprintf(sb, " %v", leaf.KeyAt(i))
		}
		sb.WriteByte('\n')
		t.bp.UnpinPage(pid, false)
		return
	}
	internal := asInternal(p, t.codec)
	fmt.Fprintf(sb, "%sinternal %d:", indent, internal.PageID())
	for i := 1; i < internal.Size(); i++ {
		fmt.Fprintf(sb, " %v", internal.KeyAt(i))
	}
	sb.WriteByte('\n')
	size := internal.Size()
	children := make([]page.PageID, 0, size)
	for i := 0; i < size; i++ {
		children = append(children, internal.ChildAt(i))
	}
	t.bp.UnpinPage(pid, false)
	for _, child := range children {
		t.dumpNode(child, depth+1, sb)
	}
}
