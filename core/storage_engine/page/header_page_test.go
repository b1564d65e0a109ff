package page

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestHeaderPage_Preamble verifies the magic, version and instance id
// stamped by Init.
func TestHeaderPage_Preamble(t *testing.T) {
	p := NewPage()
	h := AsHeaderPage(p)
	require.False(t, h.IsValid(), "zeroed page carries no magic")

	id := uuid.New()
	h.Init(id)
	require.True(t, h.IsValid())
	require.Equal(t, id, h.InstanceID())
	require.Equal(t, 0, h.RecordCount())
}

// TestHeaderPage_RecordTable verifies insert, lookup, update and delete of
// (index name, root page id) records.
func TestHeaderPage_RecordTable(t *testing.T) {
	p := NewPage()
	h := AsHeaderPage(p)
	h.Init(uuid.New())

	require.True(t, h.InsertRecord("orders_pk", 7))
	require.True(t, h.InsertRecord("users_pk", 9))
	require.False(t, h.InsertRecord("orders_pk", 11), "duplicate name rejected")

	root, ok := h.RootPageID("orders_pk")
	require.True(t, ok)
	require.Equal(t, PageID(7), root)

	require.True(t, h.UpdateRecord("orders_pk", 21))
	root, _ = h.RootPageID("orders_pk")
	require.Equal(t, PageID(21), root)
	require.False(t, h.UpdateRecord("missing", 1))

	require.True(t, h.DeleteRecord("orders_pk"))
	_, ok = h.RootPageID("orders_pk")
	require.False(t, ok)
	require.Equal(t, 1, h.RecordCount())
	root, ok = h.RootPageID("users_pk")
	require.True(t, ok)
	require.Equal(t, PageID(9), root)
}

// TestHeaderPage_NameLimits verifies rejection of over-long names and the
// record capacity bound.
func TestHeaderPage_NameLimits(t *testing.T) {
	p := NewPage()
	h := AsHeaderPage(p)
	h.Init(uuid.New())

	long := make([]byte, MaxIndexNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	require.False(t, h.InsertRecord(string(long), 1))

	for i := 0; i < MaxHeaderRecords; i++ {
		require.True(t, h.InsertRecord(string(rune('a'+i%26))+string(rune('0'+i/26)), PageID(i+1)))
	}
	require.False(t, h.InsertRecord("overflow", 1))
}
