package mvcc

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrWriteConflict is returned when write ownership of a record is already
// held by another live transaction. The caller should roll back and retry
// with a fresh begin timestamp; nobody ever queues behind the owner.
type ErrWriteConflict struct {
	Record       []byte
	OwnerStartTS uint64
	StartTS      uint64
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("record is write-owned, record: %q, owner startTS: %v, startTS: %v",
		e.Record, e.OwnerStartTS, e.StartTS)
}

// ErrReadStale is returned by commit validation when a record the
// transaction touched was committed again after the transaction began.
// The snapshot is outdated, only restarting with a new timestamp helps.
type ErrReadStale struct {
	Record   []byte
	CommitTS uint64
	StartTS  uint64
}

func (e *ErrReadStale) Error() string {
	return fmt.Sprintf("snapshot outdated, record %q committed at %v after startTS %v",
		e.Record, e.CommitTS, e.StartTS)
}

// ErrUnknownRecord is returned when a read addresses a record that was
// never created. Retrying cannot help, the caller holds a bad identifier.
type ErrUnknownRecord struct {
	Record []byte
}

func (e *ErrUnknownRecord) Error() string {
	return fmt.Sprintf("unknown record %q", e.Record)
}

// ErrTxnFinalized is returned when an operation addresses a transaction
// that already reached a terminal state.
type ErrTxnFinalized struct {
	StartTS uint64
	Status  Status
}

func (e *ErrTxnFinalized) Error() string {
	return fmt.Sprintf("transaction with startTS %v is already %s", e.StartTS, e.Status)
}

// IsRetryable reports whether restarting the transaction from scratch
// with a fresh timestamp may succeed.
func IsRetryable(err error) bool {
	switch errors.Cause(err).(type) {
	case *ErrWriteConflict, *ErrReadStale:
		return true
	}
	return false
}
