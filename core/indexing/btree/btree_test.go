package btree

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/buffer"
	"github.com/megumidb/megumidb/core/storage_engine/disk"
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// setupTree builds an int64-keyed tree over a fresh file with the given
// fan-outs (zero means page-capacity defaults).
func setupTree(t *testing.T, leafMax, internalMax int) *BPlusTree[int64] {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	bp := buffer.NewPool(64, 2, dm, zap.NewNop(), nil)
	tree, err := New[int64]("test_index", bp, Int64Key{}, leafMax, internalMax, zap.NewNop())
	require.NoError(t, err)
	return tree
}

func ridFor(key int64) page.RID {
	return page.RID{PageID: page.PageID(key >> 32), SlotNum: uint32(key)}
}

func insertKeys(t *testing.T, tree *BPlusTree[int64], keys []int64) {
	t.Helper()
	for _, k := range keys {
		inserted, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
		require.True(t, inserted, "key %d", k)
	}
}

func collectKeys(t *testing.T, it *Iterator[int64]) []int64 {
	t.Helper()
	var keys []int64
	for ; !it.IsEnd(); it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}

// TestBPlusTree_MixedOps walks the canonical small-fanout scenario: ten
// sequential inserts with splits, a hit and a miss lookup, one delete, and
// a full scan of the remainder.
func TestBPlusTree_MixedOps(t *testing.T) {
	tree := setupTree(t, 4, 4)

	for k := int64(1); k <= 10; k++ {
		inserted, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	rid, found, err := tree.GetValue(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ridFor(7), rid)

	_, found, err = tree.GetValue(11)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tree.Remove(5, nil))

	it, err := tree.Begin()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 6, 7, 8, 9, 10}, collectKeys(t, it))
}

// TestBPlusTree_DuplicateInsertFails verifies unique-key enforcement.
func TestBPlusTree_DuplicateInsertFails(t *testing.T) {
	tree := setupTree(t, 4, 4)
	insertKeys(t, tree, []int64{1, 2, 3})

	inserted, err := tree.Insert(2, ridFor(2), nil)
	require.NoError(t, err)
	require.False(t, inserted)

	rid, found, err := tree.GetValue(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ridFor(2), rid)
}

// TestBPlusTree_IteratorAcrossLeaves inserts a hundred keys in reverse and
// range-scans from the middle, crossing leaf boundaries.
func TestBPlusTree_IteratorAcrossLeaves(t *testing.T) {
	tree := setupTree(t, 4, 4)
	for k := int64(100); k >= 1; k-- {
		inserted, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	it, err := tree.BeginAt(50)
	require.NoError(t, err)
	var got []int64
	for i := 0; i < 5 && !it.IsEnd(); i++ {
		got = append(got, it.Key())
		it.Next()
	}
	it.Close()
	require.Equal(t, []int64{50, 51, 52, 53, 54}, got)
}

// TestBPlusTree_BeginAtMissingKey positions the iterator at the next
// larger key when the requested one is absent.
func TestBPlusTree_BeginAtMissingKey(t *testing.T) {
	tree := setupTree(t, 4, 4)
	insertKeys(t, tree, []int64{10, 20, 30, 40, 50})

	it, err := tree.BeginAt(25)
	require.NoError(t, err)
	require.Equal(t, []int64{30, 40, 50}, collectKeys(t, it))

	it, err = tree.BeginAt(51)
	require.NoError(t, err)
	require.True(t, it.IsEnd())
}

// TestBPlusTree_SortedScanLaw inserts a shuffled key set and verifies the
// scan returns exactly the sorted input.
func TestBPlusTree_SortedScanLaw(t *testing.T) {
	tree := setupTree(t, 4, 4)

	const n = 500
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		inserted, err := tree.Insert(int64(k), ridFor(int64(k)), nil)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	got := collectKeys(t, it)
	require.Len(t, got, n)
	for i, k := range got {
		require.Equal(t, int64(i), k, "scan position %d", i)
	}
}

// TestBPlusTree_DeleteToEmpty removes every key and checks the tree ends
// empty with an invalid root page id.
func TestBPlusTree_DeleteToEmpty(t *testing.T) {
	tree := setupTree(t, 4, 4)

	const n = 64
	for k := int64(0); k < n; k++ {
		inserted, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	for k := int64(0); k < n; k++ {
		require.NoError(t, tree.Remove(k, nil))
	}

	require.True(t, tree.IsEmpty())
	require.Equal(t, page.InvalidPageID, tree.RootPageID())

	it, err := tree.Begin()
	require.NoError(t, err)
	require.True(t, it.IsEnd())

	// The emptied tree accepts inserts again.
	inserted, err := tree.Insert(42, ridFor(42), nil)
	require.NoError(t, err)
	require.True(t, inserted)
	_, found, err := tree.GetValue(42)
	require.NoError(t, err)
	require.True(t, found)
}

// TestBPlusTree_RemoveMissingKeyIsNoop verifies deleting an absent key
// leaves the tree unchanged.
func TestBPlusTree_RemoveMissingKeyIsNoop(t *testing.T) {
	tree := setupTree(t, 4, 4)
	insertKeys(t, tree, []int64{1, 2, 3})

	require.NoError(t, tree.Remove(99, nil))
	it, err := tree.Begin()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, collectKeys(t, it))
}

// TestBPlusTree_RandomChurn interleaves inserts and deletes against a model
// map, then compares the full scan with the model.
func TestBPlusTree_RandomChurn(t *testing.T) {
	tree := setupTree(t, 4, 4)
	rng := rand.New(rand.NewSource(7))
	model := make(map[int64]struct{})

	for i := 0; i < 2000; i++ {
		k := int64(rng.Intn(200))
		if rng.Intn(2) == 0 {
			_, present := model[k]
			inserted, err := tree.Insert(k, ridFor(k), nil)
			require.NoError(t, err)
			require.Equal(t, !present, inserted)
			model[k] = struct{}{}
		} else {
			require.NoError(t, tree.Remove(k, nil))
			delete(model, k)
		}
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	got := collectKeys(t, it)
	require.Len(t, got, len(model))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "scan must be strictly increasing")
	}
	for _, k := range got {
		_, ok := model[k]
		require.True(t, ok)
	}
}

// TestBPlusTree_RootPersistsAcrossReopen verifies the header-page record:
// a second tree handle opened on the same pool sees the same root.
func TestBPlusTree_RootPersistsAcrossReopen(t *testing.T) {
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	bp := buffer.NewPool(64, 2, dm, zap.NewNop(), nil)

	tree, err := New[int64]("orders_pk", bp, Int64Key{}, 4, 4, zap.NewNop())
	require.NoError(t, err)
	for k := int64(1); k <= 20; k++ {
		_, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
	}
	root := tree.RootPageID()
	require.NotEqual(t, page.InvalidPageID, root)

	reopened, err := New[int64]("orders_pk", bp, Int64Key{}, 4, 4, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, root, reopened.RootPageID())

	_, found, err := reopened.GetValue(13)
	require.NoError(t, err)
	require.True(t, found)
}

// TestBPlusTree_ConcurrentInserts hammers the tree from several goroutines
// over disjoint key ranges and verifies every key lands exactly once.
func TestBPlusTree_ConcurrentInserts(t *testing.T) {
	tree := setupTree(t, 0, 0)

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < perWorker; i++ {
				k := base*perWorker + i
				if _, err := tree.Insert(k, ridFor(k), nil); err != nil {
					t.Errorf("insert %d: %v", k, err)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	it, err := tree.Begin()
	require.NoError(t, err)
	got := collectKeys(t, it)
	require.Len(t, got, workers*perWorker)
	for i, k := range got {
		require.Equal(t, int64(i), k)
	}
}

// TestBPlusTree_ConcurrentReadsDuringWrites runs lookups against keys that
// are guaranteed present while writers add disjoint ones.
func TestBPlusTree_ConcurrentReadsDuringWrites(t *testing.T) {
	tree := setupTree(t, 0, 0)
	for k := int64(0); k < 100; k++ {
		_, err := tree.Insert(k, ridFor(k), nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := int64(1000); k < 1400; k++ {
			if _, err := tree.Insert(k, ridFor(k), nil); err != nil {
				t.Errorf("insert %d: %v", k, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			k := int64(i % 100)
			_, found, err := tree.GetValue(k)
			if err != nil || !found {
				t.Errorf("get %d: found=%v err=%v", k, found, err)
				return
			}
		}
	}()
	wg.Wait()
}
