package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// lruEntry is the replacer's bookkeeping for one tracked frame.
type lruEntry struct {
	frameID   page.FrameID
	hitCount  int
	evictable bool
	// cached is true once the frame has reached K accesses and moved from
	// the history queue to the cache queue.
	cached bool
}

// LRUKReplacer selects eviction victims with the LRU-K policy. Frames with
// fewer than K recorded accesses live in the history queue, ordered by first
// access; frames with K or more live in the cache queue, ordered by most
// recent access. Victims are always taken from the history queue first.
type LRUKReplacer struct {
	mu        sync.Mutex
	k         int
	numFrames int

	history  *list.List // *lruEntry, front = oldest first access
	cache    *list.List // *lruEntry, front = least recently used
	elements map[page.FrameID]*list.Element
	currSize int // evictable frames across both queues
}

// NewLRUKReplacer creates a replacer able to track numFrames frames.
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:         k,
		numFrames: numFrames,
		history:   list.New(),
		cache:     list.New(),
		elements:  make(map[page.FrameID]*list.Element, numFrames),
	}
}

func (r *LRUKReplacer) checkFrame(frameID page.FrameID) {
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Sprintf("lru-k replacer: frame id %d out of range [0, %d)", frameID, r.numFrames))
	}
}

// RecordAccess notes one access to a frame. An untracked frame enters the
// history queue with a hit count of one; a frame crossing the K-th access
// moves to the tail of the cache queue; a cached frame moves to the tail on
// every access.
func (r *LRUKReplacer) RecordAccess(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(frameID)

	elem, ok := r.elements[frameID]
	if !ok {
		entry := &lruEntry{frameID: frameID, hitCount: 1}
		r.elements[frameID] = r.history.PushBack(entry)
		return
	}
	entry := elem.Value.(*lruEntry)
	entry.hitCount++
	if entry.cached {
		r.cache.MoveToBack(elem)
		return
	}
	if entry.hitCount >= r.k {
		r.history.Remove(elem)
		entry.cached = true
		r.elements[frameID] = r.cache.PushBack(entry)
	}
}

// SetEvictable flips a frame's evictable flag, adjusting the replacer size.
// Untracked frames are ignored.
func (r *LRUKReplacer) SetEvictable(frameID page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(frameID)

	elem, ok := r.elements[frameID]
	if !ok {
		return
	}
	entry := elem.Value.(*lruEntry)
	if entry.evictable == evictable {
		return
	}
	entry.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict removes and returns the best victim: the first evictable frame of the
// history queue, falling back to the first evictable frame of the cache
// queue. It returns false when no frame is evictable.
func (r *LRUKReplacer) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, queue := range []*list.List{r.history, r.cache} {
		for elem := queue.Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*lruEntry)
			if !entry.evictable {
				continue
			}
			queue.Remove(elem)
			delete(r.elements, entry.frameID)
			r.currSize--
			return entry.frameID, true
		}
	}
	return 0, false
}

// Remove drops a frame from the replacer outright. Removing an untracked
// frame is a no-op; removing a non-evictable frame is an error.
func (r *LRUKReplacer) Remove(frameID page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(frameID)

	elem, ok := r.elements[frameID]
	if !ok {
		return nil
	}
	entry := elem.Value.(*lruEntry)
	if !entry.evictable {
		return fmt.Errorf("%w: frame %d", ErrFrameNotEvictable, frameID)
	}
	if entry.cached {
		r.cache.Remove(elem)
	} else {
		r.history.Remove(elem)
	}
	delete(r.elements, frameID)
	r.currSize--
	return nil
}

// Size returns the number of evictable frames currently tracked.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
