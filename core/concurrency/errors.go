package concurrency

import (
	"errors"
	"fmt"
)

// AbortReason explains why the lock manager aborted a transaction.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	LockSharedOnReadUncommitted
	UpgradeConflict
	IncompatibleUpgrade
	AttemptedUnlockButNoLockHeld
	AttemptedIntentionLockOnRow
	TableUnlockedBeforeUnlockingRows
	TableLockNotPresent
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case Deadlock:
		return "DEADLOCK"
	}
	return "UNKNOWN"
}

// TxnAbortError reports that a transaction was moved to the Aborted state.
// The state mutation always happens before the error is returned, so a
// caller observing Aborted can reliably infer a failed transaction.
type TxnAbortError struct {
	TxnID  TxnID
	Reason AbortReason
}

func (e *TxnAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// --- Error Definitions ---

var (
	ErrTxnNotActive = errors.New("transaction is not in an active state")
	ErrTxnNotFound  = errors.New("transaction not found")
)

// abort flips the transaction to Aborted and returns the typed error.
func abort(txn *Transaction, reason AbortReason) error {
	txn.SetState(Aborted)
	return &TxnAbortError{TxnID: txn.ID(), Reason: reason}
}
