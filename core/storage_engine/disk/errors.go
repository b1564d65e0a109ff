package disk

import "errors"

// --- Error Definitions ---

var (
	ErrIO               = errors.New("i/o error")
	ErrInvalidPageID    = errors.New("invalid page id")
	ErrShortPageBuffer  = errors.New("page buffer smaller than page size")
	ErrBadMagic         = errors.New("file is not a megumidb data file")
	ErrClosed           = errors.New("disk manager is closed")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrDBFileCorrupted  = errors.New("database file header corrupted")
	ErrPageOutOfBounds  = errors.New("page id past the end of the file")
	ErrUnsupportedPgSz  = errors.New("unsupported page size")
	ErrHeaderPageWrite  = errors.New("failed to initialize header page")
	ErrAllocationFailed = errors.New("page allocation failed")
)
