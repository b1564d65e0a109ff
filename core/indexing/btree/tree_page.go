package btree

import (
	"encoding/binary"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// Every tree page starts with a fixed 24-byte header:
//
//	offset 0   pageType     uint32
//	offset 4   size         int32
//	offset 8   maxSize      int32
//	offset 12  parentPageID int32
//	offset 16  pageID       int32
//	offset 20  nextPageID   int32 (leaf chain; unused on internal pages)
//
// The entry array follows the header. Leaf entries are (key, RID); internal
// entries are (key, childPageID), with slot 0's key unused.
const (
	pageTypeOffset   = 0
	sizeOffset       = 4
	maxSizeOffset    = 8
	parentOffset     = 12
	pageIDOffset     = 16
	nextPageIDOffset = 20
	headerSize       = 24
)

type pageKind uint32

const (
	kindInvalid pageKind = iota
	kindLeaf
	kindInternal
)

// treeNode gives header access over a raw page. Leaf and internal views
// embed it. The caller must hold the page's latch in the appropriate mode.
type treeNode struct {
	p *page.Page
}

func nodeKindOf(p *page.Page) pageKind {
	return pageKind(binary.LittleEndian.Uint32(p.Data()[pageTypeOffset:]))
}

func (n treeNode) kind() pageKind {
	return nodeKindOf(n.p)
}

func (n treeNode) setKind(k pageKind) {
	binary.LittleEndian.PutUint32(n.p.Data()[pageTypeOffset:], uint32(k))
}

func (n treeNode) Size() int {
	return int(int32(binary.LittleEndian.Uint32(n.p.Data()[sizeOffset:])))
}

func (n treeNode) SetSize(size int) {
	binary.LittleEndian.PutUint32(n.p.Data()[sizeOffset:], uint32(int32(size)))
}

func (n treeNode) IncSize(delta int) {
	n.SetSize(n.Size() + delta)
}

func (n treeNode) MaxSize() int {
	return int(int32(binary.LittleEndian.Uint32(n.p.Data()[maxSizeOffset:])))
}

func (n treeNode) setMaxSize(max int) {
	binary.LittleEndian.PutUint32(n.p.Data()[maxSizeOffset:], uint32(int32(max)))
}

// MinSize is the occupancy floor for non-root pages: half the maximum,
// rounded down for leaves and up for internal pages (whose entries include
// the down-pointer).
func (n treeNode) MinSize() int {
	if n.kind() == kindLeaf {
		return n.MaxSize() / 2
	}
	return (n.MaxSize() + 1) / 2
}

func (n treeNode) ParentPageID() page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(n.p.Data()[parentOffset:])))
}

func (n treeNode) SetParentPageID(pid page.PageID) {
	binary.LittleEndian.PutUint32(n.p.Data()[parentOffset:], uint32(int32(pid)))
}

func (n treeNode) PageID() page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(n.p.Data()[pageIDOffset:])))
}

func (n treeNode) setPageID(pid page.PageID) {
	binary.LittleEndian.PutUint32(n.p.Data()[pageIDOffset:], uint32(int32(pid)))
}

func (n treeNode) IsLeaf() bool { return n.kind() == kindLeaf }

func (n treeNode) IsRoot() bool { return n.ParentPageID() == page.InvalidPageID }

func putPageID(dst []byte, pid page.PageID) {
	binary.LittleEndian.PutUint32(dst, uint32(int32(pid)))
}

func getPageID(src []byte) page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(src)))
}
