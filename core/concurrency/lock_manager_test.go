package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// setupLockManager builds a transaction manager plus lock manager without
// the background detector; detector tests enable it explicitly.
func setupLockManager(t *testing.T, opts Options) (*TransactionManager, *LockManager) {
	t.Helper()
	tm := NewTransactionManager(zap.NewNop())
	lm := NewLockManager(tm, opts, zap.NewNop(), nil)
	tm.SetLockManager(lm)
	t.Cleanup(lm.Close)
	return tm, lm
}

// TestLockManager_SharedLocksCoexist verifies that compatible modes are
// granted concurrently without blocking.
func TestLockManager_SharedLocksCoexist(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	oid := TableOID(1)

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)
	t3 := tm.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, Shared, oid))
	require.NoError(t, lm.LockTable(t2, Shared, oid))
	require.NoError(t, lm.LockTable(t3, IntentionShared, oid))

	require.NoError(t, lm.UnlockTable(t1, oid))
	require.NoError(t, lm.UnlockTable(t2, oid))
	require.NoError(t, lm.UnlockTable(t3, oid))
}

// TestLockManager_RepeatedAcquireIsIdempotent verifies that re-requesting a
// held mode succeeds immediately.
func TestLockManager_RepeatedAcquireIsIdempotent(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	t1 := tm.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, Shared, 1))
	require.NoError(t, lm.LockTable(t1, Shared, 1))
	require.NoError(t, lm.UnlockTable(t1, 1))
}

// TestLockManager_ExclusiveBlocksUntilRelease verifies FIFO blocking: an X
// request waits for the S holder and proceeds after release.
func TestLockManager_ExclusiveBlocksUntilRelease(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	oid := TableOID(1)

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, Shared, oid))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.LockTable(t2, Exclusive, oid)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("X acquired while S held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t1, oid))
	require.NoError(t, <-acquired)
	require.NoError(t, lm.UnlockTable(t2, oid))
}

// TestLockManager_UpgradeJumpsQueue runs the upgrade-priority scenario: a
// waiting X from another transaction does not beat the S holder's upgrade;
// the waiter only proceeds once the upgraded holder releases.
func TestLockManager_UpgradeJumpsQueue(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	oid := TableOID(1)

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, Shared, oid))

	t2Acquired := make(chan error, 1)
	go func() {
		t2Acquired <- lm.LockTable(t2, Exclusive, oid)
	}()
	// Let T2 reach the queue before T1 upgrades.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, lm.LockTable(t1, Exclusive, oid), "upgrader bypasses the waiting X")
	select {
	case err := <-t2Acquired:
		t.Fatalf("T2 acquired before the upgrader released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t1, oid))
	require.NoError(t, <-t2Acquired)
	require.True(t, t2.HoldsTableLock(oid, Exclusive))
	require.NoError(t, lm.UnlockTable(t2, oid))
}

// TestLockManager_UpgradeConflict verifies that a second concurrent upgrade
// on the same queue aborts with UPGRADE_CONFLICT.
func TestLockManager_UpgradeConflict(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	oid := TableOID(1)

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)
	t3 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, Shared, oid))
	require.NoError(t, lm.LockTable(t2, Shared, oid))
	require.NoError(t, lm.LockTable(t3, Shared, oid))

	// T2's S -> X upgrade blocks behind T1's and T3's shared locks.
	upgradeDone := make(chan error, 1)
	go func() {
		upgradeDone <- lm.LockTable(t2, Exclusive, oid)
	}()
	time.Sleep(50 * time.Millisecond)

	err := lm.LockTable(t3, Exclusive, oid)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, UpgradeConflict, abortErr.Reason)
	require.Equal(t, Aborted, t3.State())

	tm.Abort(t3)
	require.NoError(t, lm.UnlockTable(t1, oid))
	require.NoError(t, <-upgradeDone)
	require.NoError(t, lm.UnlockTable(t2, oid))
}

// TestLockManager_IncompatibleUpgrade verifies the upgrade matrix rejects
// X -> S style downgrades and honors the StrictUpgrades toggle for IX->SIX.
func TestLockManager_IncompatibleUpgrade(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	t1 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, Exclusive, 1))

	err := lm.LockTable(t1, Shared, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)

	// Broad matrix: IX -> SIX is allowed.
	t2 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t2, IntentionExclusive, 2))
	require.NoError(t, lm.LockTable(t2, SharedIntentionExclusive, 2))

	// Strict matrix: the same upgrade aborts.
	tmStrict, lmStrict := setupLockManager(t, Options{StrictUpgrades: true})
	t3 := tmStrict.Begin(RepeatableRead)
	require.NoError(t, lmStrict.LockTable(t3, IntentionExclusive, 2))
	err = lmStrict.LockTable(t3, SharedIntentionExclusive, 2)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)
}

// TestLockManager_IsolationGating verifies the state/isolation rules: a
// REPEATABLE_READ transaction in SHRINKING cannot take any lock, and
// READ_UNCOMMITTED rejects shared modes outright.
func TestLockManager_IsolationGating(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})

	t1 := tm.Begin(RepeatableRead)
	t1.SetState(Shrinking)
	err := lm.LockTable(t1, Shared, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
	require.Equal(t, Aborted, t1.State())

	t2 := tm.Begin(ReadUncommitted)
	err = lm.LockTable(t2, Shared, 1)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)

	// READ_COMMITTED in SHRINKING may still take S and IS, but not X.
	t3 := tm.Begin(ReadCommitted)
	t3.SetState(Shrinking)
	require.NoError(t, lm.LockTable(t3, IntentionShared, 1))
	require.NoError(t, lm.LockTable(t3, Shared, 2))
	err = lm.LockTable(t3, Exclusive, 3)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
}

// TestLockManager_ShrinkingTransition verifies that releasing S or X under
// REPEATABLE_READ flips the transaction into SHRINKING, while releasing an
// intention lock does not.
func TestLockManager_ShrinkingTransition(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})

	t1 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, IntentionShared, 1))
	require.NoError(t, lm.LockTable(t1, Shared, 2))
	require.NoError(t, lm.UnlockTable(t1, 1))
	require.Equal(t, Growing, t1.State(), "releasing IS keeps the growing phase")
	require.NoError(t, lm.UnlockTable(t1, 2))
	require.Equal(t, Shrinking, t1.State())

	t2 := tm.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t2, Shared, 1))
	require.NoError(t, lm.UnlockTable(t2, 1))
	require.Equal(t, Growing, t2.State(), "READ_COMMITTED only shrinks on X release")
}

// TestLockManager_RowLockRules verifies the row-granularity rules:
// intention modes are rejected, and row X requires an exclusive-intent
// table lock first.
func TestLockManager_RowLockRules(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	oid := TableOID(1)
	rid := page.RID{PageID: 3, SlotNum: 9}

	t1 := tm.Begin(RepeatableRead)
	err := lm.LockRow(t1, IntentionExclusive, oid, rid)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)

	t2 := tm.Begin(RepeatableRead)
	err = lm.LockRow(t2, Exclusive, oid, rid)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)

	t3 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t3, IntentionExclusive, oid))
	require.NoError(t, lm.LockRow(t3, Exclusive, oid, rid))

	// The table cannot be unlocked while its row lock is held.
	err = lm.UnlockTable(t3, oid)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)
}

// TestLockManager_UnlockWithoutLock verifies the no-lock-held abort on both
// granularities.
func TestLockManager_UnlockWithoutLock(t *testing.T) {
	tm, lm := setupLockManager(t, Options{})
	t1 := tm.Begin(RepeatableRead)

	err := lm.UnlockTable(t1, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedUnlockButNoLockHeld, abortErr.Reason)

	t2 := tm.Begin(RepeatableRead)
	err = lm.UnlockRow(t2, 1, page.RID{PageID: 1, SlotNum: 1})
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedUnlockButNoLockHeld, abortErr.Reason)
}

// TestLockManager_WaitGraphHooks drives the edge accessors directly and
// checks deterministic victim selection (largest id in the cycle).
func TestLockManager_WaitGraphHooks(t *testing.T) {
	_, lm := setupLockManager(t, Options{})

	lm.AddEdge(1, 2)
	lm.AddEdge(2, 3)
	lm.AddEdge(3, 1)
	lm.AddEdge(4, 1)
	require.Len(t, lm.GetEdgeList(), 4)

	var victim TxnID
	require.True(t, lm.HasCycle(&victim))
	require.Equal(t, TxnID(3), victim)

	lm.RemoveEdge(3, 1)
	require.False(t, lm.HasCycle(&victim))
	require.Len(t, lm.GetEdgeList(), 3)
}

// TestLockManager_DeadlockDetection builds the classic two-transaction
// cross wait on rows and checks the detector aborts the younger one, wakes
// it, and lets the survivor finish.
func TestLockManager_DeadlockDetection(t *testing.T) {
	tm, lm := setupLockManager(t, Options{
		EnableCycleDetection:   true,
		CycleDetectionInterval: 10 * time.Millisecond,
	})
	oid := TableOID(1)
	r1 := page.RID{PageID: 1, SlotNum: 1}
	r2 := page.RID{PageID: 1, SlotNum: 2}

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, IntentionExclusive, oid))
	require.NoError(t, lm.LockTable(t2, IntentionExclusive, oid))
	require.NoError(t, lm.LockRow(t1, Exclusive, oid, r1))
	require.NoError(t, lm.LockRow(t2, Exclusive, oid, r2))

	var wg sync.WaitGroup
	wg.Add(2)
	var t1Err, t2Err error
	go func() {
		defer wg.Done()
		t1Err = lm.LockRow(t1, Exclusive, oid, r2)
		if t1Err == nil {
			// Survivor finishes and releases everything.
			tm.Commit(t1)
		}
	}()
	go func() {
		defer wg.Done()
		t2Err = lm.LockRow(t2, Exclusive, oid, r1)
		if t2Err != nil {
			tm.Abort(t2)
		}
	}()
	wg.Wait()

	// The younger transaction (larger id) must be the victim.
	require.NoError(t, t1Err)
	var abortErr *TxnAbortError
	require.ErrorAs(t, t2Err, &abortErr)
	require.Equal(t, Deadlock, abortErr.Reason)
	require.Equal(t, Aborted, t2.State())
	require.Equal(t, Committed, t1.State())
}

// TestLockManager_GrantedPrefixCompatible asserts the structural queue
// invariant under a burst of mixed-mode traffic: whatever interleaving the
// scheduler produces, every transaction ends up having held its lock and
// released it without tripping an abort other than deadlock.
func TestLockManager_GrantedPrefixCompatible(t *testing.T) {
	tm, lm := setupLockManager(t, Options{
		EnableCycleDetection:   true,
		CycleDetectionInterval: 10 * time.Millisecond,
	})
	oid := TableOID(1)

	var violations, otherAborts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := tm.Begin(ReadCommitted)
			mode := Shared
			if i%4 == 0 {
				mode = Exclusive
			}
			if err := lm.LockTable(txn, mode, oid); err != nil {
				var abortErr *TxnAbortError
				if !errors.As(err, &abortErr) || abortErr.Reason != Deadlock {
					otherAborts.Add(1)
				}
				tm.Abort(txn)
				return
			}
			q := lm.tableQueue(oid)
			q.mu.Lock()
			var granted []LockMode
			for e := q.requests.Front(); e != nil; e = e.Next() {
				if req := e.Value.(*lockRequest); req.granted {
					for _, m := range granted {
						if !compatible(req.mode, m) {
							violations.Add(1)
						}
					}
					granted = append(granted, req.mode)
				}
			}
			q.mu.Unlock()
			time.Sleep(time.Millisecond)
			tm.Commit(txn)
		}(i)
	}
	wg.Wait()
	require.Zero(t, violations.Load(), "granted requests must be pairwise compatible")
	require.Zero(t, otherAborts.Load(), "only deadlock aborts are expected")
}
