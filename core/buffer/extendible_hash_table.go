package buffer

import (
	"sync"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// ExtendibleHashTable maps resident page ids to their buffer pool frames. It
// grows by doubling its directory and splitting the overflowing bucket, so a
// full pool of mappings never degrades into a single long chain.
type ExtendibleHashTable struct {
	mu          sync.RWMutex
	globalDepth int
	bucketSize  int
	directory   []*hashBucket
	numBuckets  int
}

type hashBucket struct {
	localDepth int
	items      []hashItem
}

type hashItem struct {
	key   page.PageID
	value page.FrameID
}

// NewExtendibleHashTable creates a table whose buckets hold bucketSize
// mappings before splitting.
func NewExtendibleHashTable(bucketSize int) *ExtendibleHashTable {
	return &ExtendibleHashTable{
		bucketSize: bucketSize,
		directory:  []*hashBucket{{localDepth: 0}},
		numBuckets: 1,
	}
}

// hashOf mixes the page id bits; fibonacci hashing keeps low directory bits
// well distributed for sequential page ids.
func hashOf(key page.PageID) uint32 {
	return uint32(key) * 2654435769
}

func (t *ExtendibleHashTable) indexOf(key page.PageID) int {
	mask := uint32(1)<<uint(t.globalDepth) - 1
	return int(hashOf(key) & mask)
}

// Find looks up the frame holding a page.
func (t *ExtendibleHashTable) Find(key page.PageID) (page.FrameID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket := t.directory[t.indexOf(key)]
	for _, item := range bucket.items {
		if item.key == key {
			return item.value, true
		}
	}
	return 0, false
}

// Insert adds or overwrites the mapping for a page, splitting buckets and
// doubling the directory as needed.
func (t *ExtendibleHashTable) Insert(key page.PageID, value page.FrameID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		bucket := t.directory[t.indexOf(key)]
		for i := range bucket.items {
			if bucket.items[i].key == key {
				bucket.items[i].value = value
				return
			}
		}
		if len(bucket.items) < t.bucketSize {
			bucket.items = append(bucket.items, hashItem{key: key, value: value})
			return
		}
		t.splitBucket(bucket)
	}
}

// splitBucket redistributes a full bucket over one more bit of hash,
// doubling the directory first when the bucket is at global depth.
func (t *ExtendibleHashTable) splitBucket(bucket *hashBucket) {
	if bucket.localDepth == t.globalDepth {
		t.directory = append(t.directory, t.directory...)
		t.globalDepth++
	}

	bucket.localDepth++
	sibling := &hashBucket{localDepth: bucket.localDepth}
	t.numBuckets++

	highBit := uint32(1) << uint(bucket.localDepth-1)
	var kept []hashItem
	for _, item := range bucket.items {
		if hashOf(item.key)&highBit != 0 {
			sibling.items = append(sibling.items, item)
		} else {
			kept = append(kept, item)
		}
	}
	bucket.items = kept

	for i := range t.directory {
		if t.directory[i] == bucket && uint32(i)&highBit != 0 {
			t.directory[i] = sibling
		}
	}
}

// Remove deletes the mapping for a page. It reports whether one existed.
func (t *ExtendibleHashTable) Remove(key page.PageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.directory[t.indexOf(key)]
	for i, item := range bucket.items {
		if item.key == key {
			bucket.items = append(bucket.items[:i], bucket.items[i+1:]...)
			return true
		}
	}
	return false
}

// GlobalDepth returns the directory's depth in bits.
func (t *ExtendibleHashTable) GlobalDepth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.globalDepth
}

// LocalDepth returns the depth of the bucket a directory slot points at.
func (t *ExtendibleHashTable) LocalDepth(dirIndex int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.directory[dirIndex].localDepth
}

// NumBuckets returns the number of distinct buckets.
func (t *ExtendibleHashTable) NumBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.numBuckets
}
