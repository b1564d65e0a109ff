package btree

import "errors"

// --- Error Definitions ---

var (
	ErrTreeFull        = errors.New("buffer pool exhausted while growing the tree")
	ErrInvalidMaxSize  = errors.New("max size exceeds page capacity")
	ErrHeaderPageStale = errors.New("header page record missing for index")
)
