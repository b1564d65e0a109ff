// Package disk implements raw page-sized I/O against a single database file.
package disk

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// Manager reads and writes fixed-size pages of a single file. Page 0 is the
// header page; it is stamped at creation time and validated on every open.
// Page ids are handed out monotonically and never reused on disk.
type Manager struct {
	mu         sync.Mutex
	filePath   string
	file       *os.File
	nextPageID page.PageID
	instanceID uuid.UUID
	logger     *zap.Logger
}

// NewManager opens the database file at filePath, creating and stamping it if
// it does not exist yet.
func NewManager(filePath string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, filePath, err)
	}
	dm := &Manager{
		filePath: filePath,
		file:     file,
		logger:   logger,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
	}

	if info.Size() == 0 {
		if err := dm.initHeaderPage(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := dm.loadHeaderPage(info.Size()); err != nil {
			file.Close()
			return nil, err
		}
	}

	dm.logger.Info("opened database file",
		zap.String("path", filePath),
		zap.String("instance_id", dm.instanceID.String()),
		zap.Int32("next_page_id", int32(dm.nextPageID)))
	return dm, nil
}

func (dm *Manager) initHeaderPage() error {
	dm.instanceID = uuid.New()
	hp := page.NewPage()
	hp.SetPageID(page.HeaderPageID)
	page.AsHeaderPage(hp).Init(dm.instanceID)
	if err := dm.writeAt(page.HeaderPageID, hp.Data()); err != nil {
		return fmt.Errorf("%w: %v", ErrHeaderPageWrite, err)
	}
	dm.nextPageID = page.HeaderPageID + 1
	return nil
}

func (dm *Manager) loadHeaderPage(fileSize int64) error {
	hp := page.NewPage()
	if err := dm.readAt(page.HeaderPageID, hp.Data()); err != nil {
		return err
	}
	view := page.AsHeaderPage(hp)
	if !view.IsValid() {
		return fmt.Errorf("%w: %s", ErrBadMagic, dm.filePath)
	}
	dm.instanceID = view.InstanceID()
	numPages := fileSize / page.Size
	if fileSize%page.Size != 0 {
		// A torn trailing page; the allocator skips past it.
		numPages++
	}
	dm.nextPageID = page.PageID(numPages)
	return nil
}

// InstanceID returns the UUID stamped into the header page at creation.
func (dm *Manager) InstanceID() uuid.UUID { return dm.instanceID }

// AllocatePage hands out the next page id. The page's bytes come into
// existence on the first write.
func (dm *Manager) AllocatePage() page.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	id := dm.nextPageID
	dm.nextPageID++
	return id
}

// DeallocatePage releases a page id. Disk space is not reclaimed; the id is
// simply never handed out again.
func (dm *Manager) DeallocatePage(id page.PageID) {
	dm.logger.Debug("deallocated page", zap.Int32("page_id", int32(id)))
}

// ReadPage fills buf with the page's bytes. A page that was allocated but
// never written reads back as zeroes.
func (dm *Manager) ReadPage(id page.PageID, buf []byte) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	if len(buf) < page.Size {
		return ErrShortPageBuffer
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readAt(id, buf)
}

func (dm *Manager) readAt(id page.PageID, buf []byte) error {
	n, err := dm.file.ReadAt(buf[:page.Size], int64(id)*page.Size)
	if err == io.EOF || (err == nil && n < page.Size) {
		for i := n; i < page.Size; i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, id, err)
	}
	return nil
}

// WritePage writes the page's bytes back to the file.
func (dm *Manager) WritePage(id page.PageID, buf []byte) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	if len(buf) < page.Size {
		return ErrShortPageBuffer
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeAt(id, buf)
}

func (dm *Manager) writeAt(id page.PageID, buf []byte) error {
	if _, err := dm.file.WriteAt(buf[:page.Size], int64(id)*page.Size); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, id, err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (dm *Manager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the file.
func (dm *Manager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}
