package kv

import "errors"

// Errors a Store implementation may surface from Update/View. These are
// the "retryable" class from spec §7; RecordStore and the online jobs
// branch on them with errors.Is.
var (
	// ErrConflict means a read observed by this transaction was
	// concurrently written by another committed transaction.
	ErrConflict = errors.New("kv: conflict detected")
	// ErrTransactionTooOld means the transaction's read version has aged
	// out of the store's MVCC window.
	ErrTransactionTooOld = errors.New("kv: transaction too old")
	// ErrTransactionTooLarge means the transaction exceeded the store's
	// per-transaction byte budget (commonly ~10MB).
	ErrTransactionTooLarge = errors.New("kv: transaction too large")
)
