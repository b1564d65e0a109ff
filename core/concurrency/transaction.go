// Package concurrency implements transactions and the hierarchical
// two-phase lock manager with background deadlock detection.
package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// TxnID identifies a transaction. Ids are monotonically increasing, so a
// larger id always means a younger transaction.
type TxnID int64

// InvalidTxnID marks "no transaction" (e.g. an empty upgrading slot).
const InvalidTxnID TxnID = -1

// TableOID identifies a table.
type TableOID uint32

// IsolationLevel selects the gating rules the lock manager applies.
type IsolationLevel int32

const (
	RepeatableRead IsolationLevel = iota
	ReadCommitted
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case RepeatableRead:
		return "REPEATABLE_READ"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	}
	return "UNKNOWN"
}

// TxnState is the two-phase-locking state of a transaction.
type TxnState int32

const (
	Growing TxnState = iota
	Shrinking
	Committed
	Aborted
)

func (s TxnState) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Transaction carries a transaction's lock sets plus the B+ tree page
// bookkeeping used by latch crabbing. The state is atomic because the
// deadlock detector flips it to Aborted from another goroutine; the lock
// sets are guarded by their own mutex and touched only by the lock manager.
type Transaction struct {
	id        TxnID
	isolation IsolationLevel
	state     atomic.Int32

	setMu sync.Mutex
	// Table-granularity lock sets, one per mode.
	sharedTableLocks             map[TableOID]struct{}
	exclusiveTableLocks          map[TableOID]struct{}
	intentionSharedTableLocks    map[TableOID]struct{}
	intentionExclusiveTableLocks map[TableOID]struct{}
	sharedIntentionExclLocks     map[TableOID]struct{}
	// Row-granularity lock sets, keyed by table then row.
	sharedRowLocks    map[TableOID]map[page.RID]struct{}
	exclusiveRowLocks map[TableOID]map[page.RID]struct{}

	// Crabbing bookkeeping, only ever touched by the goroutine running the
	// tree operation.
	pageSet        []*page.Page
	deletedPageSet map[page.PageID]struct{}
}

// NewTransaction creates a transaction in the Growing state.
func NewTransaction(id TxnID, isolation IsolationLevel) *Transaction {
	txn := &Transaction{
		id:                           id,
		isolation:                    isolation,
		sharedTableLocks:             make(map[TableOID]struct{}),
		exclusiveTableLocks:          make(map[TableOID]struct{}),
		intentionSharedTableLocks:    make(map[TableOID]struct{}),
		intentionExclusiveTableLocks: make(map[TableOID]struct{}),
		sharedIntentionExclLocks:     make(map[TableOID]struct{}),
		sharedRowLocks:               make(map[TableOID]map[page.RID]struct{}),
		exclusiveRowLocks:            make(map[TableOID]map[page.RID]struct{}),
		deletedPageSet:               make(map[page.PageID]struct{}),
	}
	txn.state.Store(int32(Growing))
	return txn
}

func (t *Transaction) ID() TxnID                 { return t.id }
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }
func (t *Transaction) State() TxnState           { return TxnState(t.state.Load()) }
func (t *Transaction) SetState(s TxnState)       { t.state.Store(int32(s)) }

func (t *Transaction) tableLockSet(mode LockMode) map[TableOID]struct{} {
	switch mode {
	case Shared:
		return t.sharedTableLocks
	case Exclusive:
		return t.exclusiveTableLocks
	case IntentionShared:
		return t.intentionSharedTableLocks
	case IntentionExclusive:
		return t.intentionExclusiveTableLocks
	case SharedIntentionExclusive:
		return t.sharedIntentionExclLocks
	}
	return nil
}

func (t *Transaction) addTableLock(mode LockMode, oid TableOID) {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	t.tableLockSet(mode)[oid] = struct{}{}
}

func (t *Transaction) removeTableLock(mode LockMode, oid TableOID) {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	delete(t.tableLockSet(mode), oid)
}

func (t *Transaction) rowLockSet(mode LockMode) map[TableOID]map[page.RID]struct{} {
	if mode == Shared {
		return t.sharedRowLocks
	}
	return t.exclusiveRowLocks
}

func (t *Transaction) addRowLock(mode LockMode, oid TableOID, rid page.RID) {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	set := t.rowLockSet(mode)
	if set[oid] == nil {
		set[oid] = make(map[page.RID]struct{})
	}
	set[oid][rid] = struct{}{}
}

func (t *Transaction) removeRowLock(mode LockMode, oid TableOID, rid page.RID) {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	set := t.rowLockSet(mode)
	if rows := set[oid]; rows != nil {
		delete(rows, rid)
		if len(rows) == 0 {
			delete(set, oid)
		}
	}
}

// HoldsRowLocksOn reports whether the transaction still holds any row lock
// under the given table.
func (t *Transaction) HoldsRowLocksOn(oid TableOID) bool {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	return len(t.sharedRowLocks[oid]) > 0 || len(t.exclusiveRowLocks[oid]) > 0
}

// HoldsTableLock reports whether the transaction holds the table in one of
// the given modes.
func (t *Transaction) HoldsTableLock(oid TableOID, modes ...LockMode) bool {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	for _, mode := range modes {
		if _, ok := t.tableLockSet(mode)[oid]; ok {
			return true
		}
	}
	return false
}

// AddToPageSet records a latched page for release when the tree operation
// finishes.
func (t *Transaction) AddToPageSet(p *page.Page) {
	t.pageSet = append(t.pageSet, p)
}

// PageSet returns the latched pages in acquisition order.
func (t *Transaction) PageSet() []*page.Page { return t.pageSet }

// ClearPageSet empties the page set.
func (t *Transaction) ClearPageSet() { t.pageSet = t.pageSet[:0] }

// AddToDeletedPageSet schedules a page for reclamation after every latch in
// the page set has been released.
func (t *Transaction) AddToDeletedPageSet(pid page.PageID) {
	t.deletedPageSet[pid] = struct{}{}
}

// DeletedPageSet returns the pages scheduled for deletion.
func (t *Transaction) DeletedPageSet() map[page.PageID]struct{} { return t.deletedPageSet }
