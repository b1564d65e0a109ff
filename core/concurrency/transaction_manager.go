package concurrency

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TransactionManager hands out transactions and keeps the global table the
// deadlock detector uses to resolve victim ids back to transactions.
type TransactionManager struct {
	nextTxnID atomic.Int64
	mu        sync.RWMutex
	txns      map[TxnID]*Transaction
	lm        *LockManager
	logger    *zap.Logger
}

// NewTransactionManager creates an empty transaction table. The lock
// manager is attached afterwards with SetLockManager because the two
// reference each other.
func NewTransactionManager(logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		txns:   make(map[TxnID]*Transaction),
		logger: logger,
	}
}

// SetLockManager attaches the lock manager used to release locks on
// commit and abort.
func (tm *TransactionManager) SetLockManager(lm *LockManager) { tm.lm = lm }

// Begin starts a transaction at the given isolation level.
func (tm *TransactionManager) Begin(isolation IsolationLevel) *Transaction {
	id := TxnID(tm.nextTxnID.Add(1) - 1)
	txn := NewTransaction(id, isolation)
	tm.mu.Lock()
	tm.txns[id] = txn
	tm.mu.Unlock()
	tm.logger.Debug("transaction started",
		zap.Int64("txn_id", int64(id)),
		zap.String("isolation", isolation.String()))
	return txn
}

// Get resolves a transaction id. It returns nil for unknown ids.
func (tm *TransactionManager) Get(id TxnID) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.txns[id]
}

// Commit marks the transaction committed and releases every lock it holds.
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.SetState(Committed)
	if tm.lm != nil {
		tm.lm.ReleaseAll(txn)
	}
	tm.logger.Debug("transaction committed", zap.Int64("txn_id", int64(txn.ID())))
}

// Abort marks the transaction aborted and releases every lock it holds.
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.SetState(Aborted)
	if tm.lm != nil {
		tm.lm.ReleaseAll(txn)
	}
	tm.logger.Debug("transaction aborted", zap.Int64("txn_id", int64(txn.ID())))
}
