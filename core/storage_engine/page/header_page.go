package page

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Page 0 of every database file is the header page. It starts with a fixed
// preamble (magic, format version, instance UUID) followed by a table of
// (index name, root page id) records. Index names are fixed at 32 bytes.
const (
	// HeaderPageID is the page id of the header page.
	HeaderPageID PageID = 0

	// Magic identifies a MegumiDB data file.
	Magic uint32 = 0x4D45_4755 // "MEGU"
	// FormatVersion is bumped on incompatible header layout changes.
	FormatVersion uint32 = 1

	// MaxIndexNameLen is the fixed width of an index name record.
	MaxIndexNameLen = 32

	headerMagicOffset   = 0
	headerVersionOffset = 4
	headerUUIDOffset    = 8
	headerCountOffset   = 24
	headerRecordsOffset = 28
	headerRecordSize    = MaxIndexNameLen + 4

	// MaxHeaderRecords is how many root records fit in the header page.
	MaxHeaderRecords = (Size - headerRecordsOffset) / headerRecordSize
)

// HeaderPage is a typed view over the header page's bytes. The caller must
// hold the page latch in the appropriate mode.
type HeaderPage struct {
	page *Page
}

// AsHeaderPage interprets a page as the header page.
func AsHeaderPage(p *Page) *HeaderPage {
	return &HeaderPage{page: p}
}

// Init stamps a fresh header page with the file preamble and an empty record
// table. The instance id identifies this database file for its lifetime.
func (h *HeaderPage) Init(instanceID uuid.UUID) {
	data := h.page.Data()
	binary.LittleEndian.PutUint32(data[headerMagicOffset:], Magic)
	binary.LittleEndian.PutUint32(data[headerVersionOffset:], FormatVersion)
	copy(data[headerUUIDOffset:headerUUIDOffset+16], instanceID[:])
	binary.LittleEndian.PutUint32(data[headerCountOffset:], 0)
}

// IsValid reports whether the page carries the MegumiDB magic and a
// supported format version.
func (h *HeaderPage) IsValid() bool {
	data := h.page.Data()
	return binary.LittleEndian.Uint32(data[headerMagicOffset:]) == Magic &&
		binary.LittleEndian.Uint32(data[headerVersionOffset:]) == FormatVersion
}

// InstanceID returns the UUID stamped at file creation.
func (h *HeaderPage) InstanceID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], h.page.Data()[headerUUIDOffset:headerUUIDOffset+16])
	return id
}

// RecordCount returns the number of (name, root) records.
func (h *HeaderPage) RecordCount() int {
	return int(binary.LittleEndian.Uint32(h.page.Data()[headerCountOffset:]))
}

func (h *HeaderPage) setRecordCount(n int) {
	binary.LittleEndian.PutUint32(h.page.Data()[headerCountOffset:], uint32(n))
}

func (h *HeaderPage) recordName(i int) string {
	off := headerRecordsOffset + i*headerRecordSize
	raw := h.page.Data()[off : off+MaxIndexNameLen]
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[:end])
}

func (h *HeaderPage) recordRoot(i int) PageID {
	off := headerRecordsOffset + i*headerRecordSize + MaxIndexNameLen
	return PageID(int32(binary.LittleEndian.Uint32(h.page.Data()[off:])))
}

func (h *HeaderPage) setRecord(i int, name string, root PageID) {
	off := headerRecordsOffset + i*headerRecordSize
	data := h.page.Data()
	for j := 0; j < MaxIndexNameLen; j++ {
		data[off+j] = 0
	}
	copy(data[off:off+MaxIndexNameLen], name)
	binary.LittleEndian.PutUint32(data[off+MaxIndexNameLen:], uint32(int32(root)))
}

func (h *HeaderPage) findRecord(name string) int {
	for i := 0; i < h.RecordCount(); i++ {
		if h.recordName(i) == name {
			return i
		}
	}
	return -1
}

// InsertRecord adds a new (name, root) record. It fails when the name is too
// long, the table is full, or the name already exists.
func (h *HeaderPage) InsertRecord(name string, root PageID) bool {
	if len(name) > MaxIndexNameLen || h.RecordCount() >= MaxHeaderRecords {
		return false
	}
	if h.findRecord(name) >= 0 {
		return false
	}
	n := h.RecordCount()
	h.setRecord(n, name, root)
	h.setRecordCount(n + 1)
	return true
}

// UpdateRecord rewrites the root page id of an existing record.
func (h *HeaderPage) UpdateRecord(name string, root PageID) bool {
	i := h.findRecord(name)
	if i < 0 {
		return false
	}
	h.setRecord(i, name, root)
	return true
}

// DeleteRecord removes a record, compacting the table.
func (h *HeaderPage) DeleteRecord(name string) bool {
	i := h.findRecord(name)
	if i < 0 {
		return false
	}
	n := h.RecordCount()
	for j := i; j < n-1; j++ {
		h.setRecord(j, h.recordName(j+1), h.recordRoot(j+1))
	}
	h.setRecordCount(n - 1)
	return true
}

// RootPageID looks up the root page id recorded under an index name.
func (h *HeaderPage) RootPageID(name string) (PageID, bool) {
	i := h.findRecord(name)
	if i < 0 {
		return InvalidPageID, false
	}
	return h.recordRoot(i), true
}
