// Package buffer implements the buffer pool: a fixed set of frames caching
// disk pages, an LRU-K replacer choosing eviction victims, and an extendible
// hash table mapping resident page ids to frames.
package buffer

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/storage_engine/disk"
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// pageTableBucketSize is the extendible hash table's bucket capacity.
const pageTableBucketSize = 8

// Pool is the buffer pool manager. All public methods are safe for
// concurrent use; each takes the pool's mutex for its duration. Latches on
// the pages themselves are the caller's concern.
type Pool struct {
	mu          sync.Mutex
	poolSize    int
	diskManager *disk.Manager
	frames      []*page.Page
	freeList    []page.FrameID
	pageTable   *ExtendibleHashTable
	replacer    *LRUKReplacer
	logger      *zap.Logger
	metrics     *poolMetrics
}

// NewPool creates a buffer pool of poolSize frames over the given disk
// manager, with an LRU-K replacer of the given K.
func NewPool(poolSize, replacerK int, dm *disk.Manager, logger *zap.Logger, meter metric.Meter) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	bp := &Pool{
		poolSize:    poolSize,
		diskManager: dm,
		frames:      make([]*page.Page, poolSize),
		freeList:    make([]page.FrameID, 0, poolSize),
		pageTable:   NewExtendibleHashTable(pageTableBucketSize),
		replacer:    NewLRUKReplacer(poolSize, replacerK),
		logger:      logger,
		metrics:     newPoolMetrics(meter),
	}
	for i := 0; i < poolSize; i++ {
		bp.frames[i] = page.NewPage()
		bp.freeList = append(bp.freeList, page.FrameID(i))
	}
	return bp
}

// acquireFrame produces a frame ready to hold a new page: from the free list
// if possible, otherwise by evicting a victim. A dirty victim is written back
// first. Callers must hold bp.mu.
func (bp *Pool) acquireFrame() (page.FrameID, *page.Page, error) {
	if len(bp.freeList) > 0 {
		fid := bp.freeList[0]
		bp.freeList = bp.freeList[1:]
		return fid, bp.frames[fid], nil
	}

	fid, ok := bp.replacer.Evict()
	if !ok {
		return 0, nil, ErrBufferPoolFull
	}
	victim := bp.frames[fid]
	bp.metrics.inc(bp.metrics.evictions)
	if victim.IsDirty() {
		if err := bp.diskManager.WritePage(victim.PageID(), victim.Data()); err != nil {
			return 0, nil, fmt.Errorf("failed to flush victim page %d: %w", victim.PageID(), err)
		}
		bp.metrics.inc(bp.metrics.flushes)
	}
	bp.pageTable.Remove(victim.PageID())
	bp.logger.Debug("evicted frame",
		zap.Int32("frame_id", int32(fid)),
		zap.Int32("old_page_id", int32(victim.PageID())))
	victim.Reset()
	return fid, victim, nil
}

// NewPage allocates a fresh page id and binds it to a frame, pinned once.
// It fails with ErrBufferPoolFull when every frame is pinned.
func (bp *Pool) NewPage() (*page.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, frame, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}
	pid := bp.diskManager.AllocatePage()
	frame.SetPageID(pid)
	frame.SetDirty(false)
	frame.SetPinCount(1)
	bp.pageTable.Insert(pid, fid)
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)
	return frame, nil
}

// FetchPage returns the requested page pinned, reading it from disk on a
// miss. It fails with ErrBufferPoolFull when the page is not resident and
// every frame is pinned.
func (bp *Pool) FetchPage(pid page.PageID) (*page.Page, error) {
	if pid == page.InvalidPageID {
		return nil, fmt.Errorf("%w: fetch of invalid page id", ErrPageNotFound)
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fid, ok := bp.pageTable.Find(pid); ok {
		frame := bp.frames[fid]
		frame.Pin()
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, false)
		bp.metrics.inc(bp.metrics.hits)
		return frame, nil
	}

	fid, frame, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}
	if err := bp.diskManager.ReadPage(pid, frame.Data()); err != nil {
		// The frame stays unmapped; hand it back to the free list.
		bp.freeList = append(bp.freeList, fid)
		return nil, fmt.Errorf("failed to read page %d: %w", pid, err)
	}
	frame.SetPageID(pid)
	frame.SetDirty(false)
	frame.SetPinCount(1)
	bp.pageTable.Insert(pid, fid)
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)
	bp.metrics.inc(bp.metrics.misses)
	return frame, nil
}

// UnpinPage drops one pin on a page, OR-ing in the dirty flag. When the pin
// count reaches zero the frame becomes evictable. It returns false when the
// page is not resident or was not pinned.
func (bp *Pool) UnpinPage(pid page.PageID, dirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return false
	}
	frame := bp.frames[fid]
	if frame.PinCount() <= 0 {
		bp.logger.Warn("unpin of page with zero pin count", zap.Int32("page_id", int32(pid)))
		return false
	}
	frame.Unpin()
	if dirty {
		frame.SetDirty(true)
	}
	if frame.PinCount() == 0 {
		bp.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes a resident page back to disk regardless of pin count and
// clears its dirty flag. It returns false when the page is not resident.
func (bp *Pool) FlushPage(pid page.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return false
	}
	frame := bp.frames[fid]
	if frame.IsDirty() {
		if err := bp.diskManager.WritePage(pid, frame.Data()); err != nil {
			bp.logger.Error("failed to flush page", zap.Int32("page_id", int32(pid)), zap.Error(err))
			return false
		}
		frame.SetDirty(false)
		bp.metrics.inc(bp.metrics.flushes)
	}
	return true
}

// FlushAll writes every dirty resident page back to disk.
func (bp *Pool) FlushAll() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, frame := range bp.frames {
		if frame.PageID() == page.InvalidPageID || !frame.IsDirty() {
			continue
		}
		if err := bp.diskManager.WritePage(frame.PageID(), frame.Data()); err != nil {
			bp.logger.Error("failed to flush page", zap.Int32("page_id", int32(frame.PageID())), zap.Error(err))
			continue
		}
		frame.SetDirty(false)
		bp.metrics.inc(bp.metrics.flushes)
	}
}

// DeletePage evicts a page from the pool and releases its id. Deleting a
// non-resident page succeeds vacuously; deleting a pinned page fails.
func (bp *Pool) DeletePage(pid page.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return true
	}
	frame := bp.frames[fid]
	if frame.PinCount() != 0 {
		return false
	}
	bp.pageTable.Remove(pid)
	if err := bp.replacer.Remove(fid); err != nil {
		panic(fmt.Sprintf("buffer pool: unpinned frame %d not evictable: %v", fid, err))
	}
	frame.Reset()
	bp.freeList = append(bp.freeList, fid)
	bp.diskManager.DeallocatePage(pid)
	return true
}

// PoolSize returns the number of frames.
func (bp *Pool) PoolSize() int { return bp.poolSize }
