package storageengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/config"
	"github.com/megumidb/megumidb/core/concurrency"
	"github.com/megumidb/megumidb/core/storage_engine/page"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataFile = filepath.Join(t.TempDir(), "engine.db")
	cfg.Storage.PoolSize = 16
	cfg.Index.LeafMaxSize = 4
	cfg.Index.InternalMaxSize = 4
	cfg.Lock.CycleDetectionIntervalMS = 10
	return cfg
}

// TestEngine_EndToEnd exercises the wired stack: a transaction takes
// table/row locks, writes through the index, commits, and the data survives
// a full close/reopen cycle.
func TestEngine_EndToEnd(t *testing.T) {
	cfg := testConfig(t)

	engine, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	txn := engine.Txns.Begin(concurrency.RepeatableRead)
	oid := concurrency.TableOID(1)
	require.NoError(t, engine.Locks.LockTable(txn, concurrency.IntentionExclusive, oid))

	for k := int64(1); k <= 50; k++ {
		rid := page.RID{PageID: page.PageID(k), SlotNum: uint32(k)}
		require.NoError(t, engine.Locks.LockRow(txn, concurrency.Exclusive, oid, rid))
		inserted, err := engine.Index.Insert(k, rid, txn)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	engine.Txns.Commit(txn)
	require.NoError(t, engine.Close())

	reopened, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	rid, found, err := reopened.Index.GetValue(25)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, page.RID{PageID: 25, SlotNum: 25}, rid)

	it, err := reopened.Index.Begin()
	require.NoError(t, err)
	count := 0
	for ; !it.IsEnd(); it.Next() {
		count++
	}
	require.Equal(t, 50, count)
}
