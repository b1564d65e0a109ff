package concurrency

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// LockMode is one of the five hierarchical lock modes.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	Shared
	SharedIntentionExclusive
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case Shared:
		return "S"
	case SharedIntentionExclusive:
		return "SIX"
	case Exclusive:
		return "X"
	}
	return "?"
}

// compatible reports whether a requested mode can coexist with a held mode.
func compatible(requested, held LockMode) bool {
	switch requested {
	case IntentionShared:
		return held != Exclusive
	case IntentionExclusive:
		return held == IntentionShared || held == IntentionExclusive
	case Shared:
		return held == IntentionShared || held == Shared
	case SharedIntentionExclusive:
		return held == IntentionShared
	case Exclusive:
		return false
	}
	return false
}

// lockRequest is one entry of a resource's FIFO queue.
type lockRequest struct {
	txnID   TxnID
	mode    LockMode
	oid     TableOID
	rid     page.RID
	onRow   bool
	granted bool
}

// requestQueue serializes lock requests for one resource (a table or a row).
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  *list.List // *lockRequest, FIFO
	upgrading TxnID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{
		requests:  list.New(),
		upgrading: InvalidTxnID,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// findByTxn returns the queue element owned by a transaction, if any.
// Callers must hold q.mu.
func (q *requestQueue) findByTxn(id TxnID) *list.Element {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if e.Value.(*lockRequest).txnID == id {
			return e
		}
	}
	return nil
}

// insertBeforeWaiters places an upgrading request ahead of every ungranted
// request, preserving the granted prefix. Callers must hold q.mu.
func (q *requestQueue) insertBeforeWaiters(req *lockRequest) *list.Element {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if !e.Value.(*lockRequest).granted {
			return q.requests.InsertBefore(req, e)
		}
	}
	return q.requests.PushBack(req)
}

// lockMetrics holds the lock manager's OpenTelemetry instruments.
type lockMetrics struct {
	grants    metric.Int64Counter
	waits     metric.Int64Counter
	deadlocks metric.Int64Counter
}

func newLockMetrics(meter metric.Meter) *lockMetrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &lockMetrics{}
	m.grants, _ = meter.Int64Counter("megumidb.lock.grants",
		metric.WithDescription("Lock requests granted"))
	m.waits, _ = meter.Int64Counter("megumidb.lock.waits",
		metric.WithDescription("Lock requests that had to block"))
	m.deadlocks, _ = meter.Int64Counter("megumidb.lock.deadlock_aborts",
		metric.WithDescription("Transactions aborted by the deadlock detector"))
	return m
}

func (m *lockMetrics) inc(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// Options configures a LockManager.
type Options struct {
	// StrictUpgrades disallows the IX -> SIX upgrade.
	StrictUpgrades bool
	// CycleDetectionInterval is the deadlock detector's scan period.
	CycleDetectionInterval time.Duration
	// EnableCycleDetection starts the background detector.
	EnableCycleDetection bool
}

// LockManager grants hierarchical two-phase locks on tables and rows. Each
// resource owns a FIFO request queue; waiters block on the queue's condition
// variable and are woken on release, on grant of a compatible lock, or by
// the deadlock detector after it aborts them.
type LockManager struct {
	tableMu    sync.Mutex
	tableLocks map[TableOID]*requestQueue
	rowMu      sync.Mutex
	rowLocks   map[page.RID]*requestQueue

	txns    *TransactionManager
	opts    Options
	logger  *zap.Logger
	metrics *lockMetrics

	// Deadlock detection state; see deadlock.go.
	waitsMu       sync.Mutex
	waitsFor      map[TxnID][]TxnID
	txnWaitsTable map[TxnID]TableOID
	txnWaitsRow   map[TxnID]page.RID

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLockManager creates a lock manager and, when enabled, starts its
// background deadlock detector. Close stops the detector.
func NewLockManager(txns *TransactionManager, opts Options, logger *zap.Logger, meter metric.Meter) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CycleDetectionInterval <= 0 {
		opts.CycleDetectionInterval = 50 * time.Millisecond
	}
	lm := &LockManager{
		tableLocks:    make(map[TableOID]*requestQueue),
		rowLocks:      make(map[page.RID]*requestQueue),
		txns:          txns,
		opts:          opts,
		logger:        logger,
		metrics:       newLockMetrics(meter),
		waitsFor:      make(map[TxnID][]TxnID),
		txnWaitsTable: make(map[TxnID]TableOID),
		txnWaitsRow:   make(map[TxnID]page.RID),
		stopCh:        make(chan struct{}),
	}
	if opts.EnableCycleDetection {
		lm.wg.Add(1)
		go lm.runCycleDetection()
	}
	return lm
}

// Close stops the deadlock detector and waits for it to exit.
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() { close(lm.stopCh) })
	lm.wg.Wait()
}

// upgradePermitted implements the single-step upgrade matrix. The IX -> SIX
// case differs between published lock-manager variants; StrictUpgrades picks
// the narrow one.
func (lm *LockManager) upgradePermitted(from, to LockMode) bool {
	switch from {
	case IntentionShared:
		return to == Shared || to == Exclusive || to == IntentionExclusive || to == SharedIntentionExclusive
	case Shared:
		return to == Exclusive || to == SharedIntentionExclusive
	case IntentionExclusive:
		if to == Exclusive {
			return true
		}
		return to == SharedIntentionExclusive && !lm.opts.StrictUpgrades
	case SharedIntentionExclusive:
		return to == Exclusive
	}
	return false
}

// validate applies the isolation-level / state gating rules. A violation
// aborts the transaction.
func (lm *LockManager) validate(txn *Transaction, mode LockMode) error {
	switch txn.State() {
	case Aborted, Committed:
		return fmt.Errorf("%w: txn %d is %s", ErrTxnNotActive, txn.ID(), txn.State())
	case Shrinking:
		switch txn.Isolation() {
		case RepeatableRead:
			return abort(txn, LockOnShrinking)
		case ReadCommitted:
			if mode != Shared && mode != IntentionShared {
				return abort(txn, LockOnShrinking)
			}
		case ReadUncommitted:
			if mode == IntentionExclusive || mode == Exclusive {
				return abort(txn, LockOnShrinking)
			}
			return abort(txn, LockSharedOnReadUncommitted)
		}
	case Growing:
		if txn.Isolation() == ReadUncommitted &&
			(mode == Shared || mode == IntentionShared || mode == SharedIntentionExclusive) {
			return abort(txn, LockSharedOnReadUncommitted)
		}
	}
	return nil
}

// grantable decides whether req can be granted right now. It must be
// compatible with every granted request, and — unless it is the upgrading
// request — with every ungranted request queued ahead of it (FIFO fairness).
// Callers must hold the queue's mutex.
func (lm *LockManager) grantable(req *lockRequest, q *requestQueue, upgrading bool) bool {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		other := e.Value.(*lockRequest)
		switch {
		case other == req:
			return true
		case other.granted:
			if !compatible(req.mode, other.mode) {
				return false
			}
		default:
			// An earlier waiter. The upgrading request bypasses it.
			if upgrading {
				return true
			}
			if !compatible(req.mode, other.mode) {
				return false
			}
		}
	}
	return false
}

// waitForGrant blocks until req is grantable or the transaction is aborted
// by the deadlock detector. Callers must hold q.mu; it is held on return.
func (lm *LockManager) waitForGrant(txn *Transaction, req *lockRequest, elem *list.Element, q *requestQueue, upgrading bool) error {
	waited := false
	for !lm.grantable(req, q, upgrading) {
		if !waited {
			waited = true
			lm.metrics.inc(lm.metrics.waits)
		}
		q.cond.Wait()
		if txn.State() == Aborted {
			if q.upgrading == txn.ID() {
				q.upgrading = InvalidTxnID
			}
			q.requests.Remove(elem)
			q.cond.Broadcast()
			return &TxnAbortError{TxnID: txn.ID(), Reason: Deadlock}
		}
	}
	return nil
}

// LockTable acquires a table lock, upgrading in place when the transaction
// already holds the table in a weaker mode. It blocks until granted and
// returns a *TxnAbortError when the transaction was aborted instead.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid TableOID) error {
	if err := lm.validate(txn, mode); err != nil {
		return err
	}

	lm.tableMu.Lock()
	q, ok := lm.tableLocks[oid]
	if !ok {
		q = newRequestQueue()
		lm.tableLocks[oid] = q
	}
	q.mu.Lock()
	lm.tableMu.Unlock()
	defer q.mu.Unlock()

	if elem := q.findByTxn(txn.ID()); elem != nil {
		held := elem.Value.(*lockRequest)
		if held.mode == mode {
			return nil
		}
		if q.upgrading != InvalidTxnID {
			return abort(txn, UpgradeConflict)
		}
		if !lm.upgradePermitted(held.mode, mode) {
			return abort(txn, IncompatibleUpgrade)
		}
		q.requests.Remove(elem)
		txn.removeTableLock(held.mode, oid)
		req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid}
		newElem := q.insertBeforeWaiters(req)
		q.upgrading = txn.ID()
		if err := lm.waitForGrant(txn, req, newElem, q, true); err != nil {
			return err
		}
		q.upgrading = InvalidTxnID
		req.granted = true
		txn.addTableLock(mode, oid)
		lm.metrics.inc(lm.metrics.grants)
		if mode != Exclusive {
			q.cond.Broadcast()
		}
		return nil
	}

	req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid}
	elem := q.requests.PushBack(req)
	if err := lm.waitForGrant(txn, req, elem, q, false); err != nil {
		return err
	}
	req.granted = true
	txn.addTableLock(mode, oid)
	lm.metrics.inc(lm.metrics.grants)
	if mode != Exclusive {
		q.cond.Broadcast()
	}
	return nil
}

// UnlockTable releases a granted table lock. It fails when the transaction
// holds no lock on the table or still holds row locks under it, and drives
// the Growing -> Shrinking transition required by the isolation level.
func (lm *LockManager) UnlockTable(txn *Transaction, oid TableOID) error {
	lm.tableMu.Lock()
	q, ok := lm.tableLocks[oid]
	if !ok {
		lm.tableMu.Unlock()
		return abort(txn, AttemptedUnlockButNoLockHeld)
	}
	if txn.HoldsRowLocksOn(oid) {
		lm.tableMu.Unlock()
		return abort(txn, TableUnlockedBeforeUnlockingRows)
	}
	q.mu.Lock()
	lm.tableMu.Unlock()

	for e := q.requests.Front(); e != nil; e = e.Next() {
		req := e.Value.(*lockRequest)
		if req.txnID != txn.ID() || !req.granted {
			continue
		}
		q.requests.Remove(e)
		q.cond.Broadcast()
		q.mu.Unlock()

		lm.maybeStartShrinking(txn, req.mode)
		txn.removeTableLock(req.mode, oid)
		return nil
	}
	q.mu.Unlock()
	return abort(txn, AttemptedUnlockButNoLockHeld)
}

// LockRow acquires a row lock under a table. Intention modes are rejected at
// row granularity, and row X requires an exclusive-intent table lock.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid TableOID, rid page.RID) error {
	if mode == IntentionShared || mode == IntentionExclusive || mode == SharedIntentionExclusive {
		return abort(txn, AttemptedIntentionLockOnRow)
	}
	if err := lm.validate(txn, mode); err != nil {
		return err
	}
	if mode == Exclusive &&
		!txn.HoldsTableLock(oid, IntentionExclusive, Exclusive, SharedIntentionExclusive) {
		return abort(txn, TableLockNotPresent)
	}

	lm.rowMu.Lock()
	q, ok := lm.rowLocks[rid]
	if !ok {
		q = newRequestQueue()
		lm.rowLocks[rid] = q
	}
	q.mu.Lock()
	lm.rowMu.Unlock()
	defer q.mu.Unlock()

	if elem := q.findByTxn(txn.ID()); elem != nil {
		held := elem.Value.(*lockRequest)
		if held.mode == mode {
			return nil
		}
		if q.upgrading != InvalidTxnID {
			return abort(txn, UpgradeConflict)
		}
		// The only legal row upgrade is S -> X.
		if held.mode != Shared || mode != Exclusive {
			return abort(txn, IncompatibleUpgrade)
		}
		q.requests.Remove(elem)
		txn.removeRowLock(held.mode, oid, rid)
		req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid, rid: rid, onRow: true}
		newElem := q.insertBeforeWaiters(req)
		q.upgrading = txn.ID()
		if err := lm.waitForGrant(txn, req, newElem, q, true); err != nil {
			return err
		}
		q.upgrading = InvalidTxnID
		req.granted = true
		txn.addRowLock(mode, oid, rid)
		lm.metrics.inc(lm.metrics.grants)
		if mode != Exclusive {
			q.cond.Broadcast()
		}
		return nil
	}

	req := &lockRequest{txnID: txn.ID(), mode: mode, oid: oid, rid: rid, onRow: true}
	elem := q.requests.PushBack(req)
	if err := lm.waitForGrant(txn, req, elem, q, false); err != nil {
		return err
	}
	req.granted = true
	txn.addRowLock(mode, oid, rid)
	lm.metrics.inc(lm.metrics.grants)
	if mode != Exclusive {
		q.cond.Broadcast()
	}
	return nil
}

// UnlockRow releases a granted row lock, driving the Growing -> Shrinking
// transition when the isolation level calls for it.
func (lm *LockManager) UnlockRow(txn *Transaction, oid TableOID, rid page.RID) error {
	lm.rowMu.Lock()
	q, ok := lm.rowLocks[rid]
	if !ok {
		lm.rowMu.Unlock()
		return abort(txn, AttemptedUnlockButNoLockHeld)
	}
	q.mu.Lock()
	lm.rowMu.Unlock()

	for e := q.requests.Front(); e != nil; e = e.Next() {
		req := e.Value.(*lockRequest)
		if req.txnID != txn.ID() || !req.granted {
			continue
		}
		q.requests.Remove(e)
		q.cond.Broadcast()
		q.mu.Unlock()

		lm.maybeStartShrinking(txn, req.mode)
		txn.removeRowLock(req.mode, oid, rid)
		return nil
	}
	q.mu.Unlock()
	return abort(txn, AttemptedUnlockButNoLockHeld)
}

// maybeStartShrinking transitions a transaction from Growing to Shrinking
// when releasing this mode ends the growing phase for its isolation level:
// S or X under REPEATABLE_READ, X under the two weaker levels.
func (lm *LockManager) maybeStartShrinking(txn *Transaction, released LockMode) {
	if txn.State() == Committed || txn.State() == Aborted {
		return
	}
	switch txn.Isolation() {
	case RepeatableRead:
		if released == Shared || released == Exclusive {
			txn.SetState(Shrinking)
		}
	case ReadCommitted, ReadUncommitted:
		if released == Exclusive {
			txn.SetState(Shrinking)
		}
	}
}

// ReleaseAll force-releases every lock the transaction still holds, without
// state gating. The transaction manager calls this on commit and abort.
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	txn.setMu.Lock()
	type rowHold struct {
		oid TableOID
		rid page.RID
	}
	var rows []rowHold
	for _, set := range []map[TableOID]map[page.RID]struct{}{txn.sharedRowLocks, txn.exclusiveRowLocks} {
		for oid, rids := range set {
			for rid := range rids {
				rows = append(rows, rowHold{oid: oid, rid: rid})
			}
		}
	}
	var tables []TableOID
	for _, set := range []map[TableOID]struct{}{
		txn.sharedTableLocks, txn.exclusiveTableLocks, txn.intentionSharedTableLocks,
		txn.intentionExclusiveTableLocks, txn.sharedIntentionExclLocks,
	} {
		for oid := range set {
			tables = append(tables, oid)
		}
	}
	txn.setMu.Unlock()

	for _, hold := range rows {
		lm.forceRelease(txn, lm.rowQueue(hold.rid))
		txn.removeRowLock(Shared, hold.oid, hold.rid)
		txn.removeRowLock(Exclusive, hold.oid, hold.rid)
	}
	for _, oid := range tables {
		lm.forceRelease(txn, lm.tableQueue(oid))
		for _, mode := range []LockMode{IntentionShared, IntentionExclusive, Shared, SharedIntentionExclusive, Exclusive} {
			txn.removeTableLock(mode, oid)
		}
	}
}

func (lm *LockManager) tableQueue(oid TableOID) *requestQueue {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()
	return lm.tableLocks[oid]
}

func (lm *LockManager) rowQueue(rid page.RID) *requestQueue {
	lm.rowMu.Lock()
	defer lm.rowMu.Unlock()
	return lm.rowLocks[rid]
}

func (lm *LockManager) forceRelease(txn *Transaction, q *requestQueue) {
	if q == nil {
		return
	}
	q.mu.Lock()
	for e := q.requests.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*lockRequest).txnID == txn.ID() {
			q.requests.Remove(e)
		}
		e = next
	}
	if q.upgrading == txn.ID() {
		q.upgrading = InvalidTxnID
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}
