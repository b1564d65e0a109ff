package buffer

import "errors"

// --- Error Definitions ---

var (
	ErrBufferPoolFull    = errors.New("buffer pool is full and no pages can be evicted")
	ErrPageNotFound      = errors.New("page not found in buffer pool")
	ErrPagePinned        = errors.New("page is pinned and cannot be evicted")
	ErrFrameNotEvictable = errors.New("frame is not evictable")
	ErrFrameNotTracked   = errors.New("frame is not tracked by the replacer")
)
