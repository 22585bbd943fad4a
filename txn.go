package tinytxn

import (
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinytxn/mvcc"
	"github.com/pingcap-incubator/tinytxn/storage"
)

// Txn is a single transaction. It reads from the snapshot frozen at
// Begin and buffers writes until Commit. A Txn belongs to one goroutine.
type Txn struct {
	db    *DB
	inner *mvcc.Txn
}

// StartTS returns the snapshot timestamp.
func (txn *Txn) StartTS() uint64 {
	return txn.inner.StartTS()
}

// CommitTS returns the commit timestamp, 0 until Commit succeeds and
// forever for rolled back or read-only transactions.
func (txn *Txn) CommitTS() uint64 {
	return txn.inner.CommitTS()
}

// Status returns the transaction lifecycle state.
func (txn *Txn) Status() mvcc.Status {
	return txn.inner.Status()
}

// Get returns the value of key visible at the snapshot, seeing the
// transaction's own buffered writes first. The returned slice must not
// be modified.
func (txn *Txn) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.Trace(ErrEmptyKey)
	}
	if value, deleted, ok := txn.inner.Staged(key); ok {
		if deleted {
			return nil, errors.Trace(ErrKeyNotFound)
		}
		return value, nil
	}
	if err := txn.db.ctl.AcquireRead(txn.inner, key); err != nil {
		if _, ok := errors.Cause(err).(*mvcc.ErrUnknownRecord); ok {
			return nil, errors.Trace(ErrKeyNotFound)
		}
		return nil, err
	}
	value, _, ok, err := txn.db.store.Get(key, txn.inner.StartTS())
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		// Created after the snapshot, or deleted before it.
		return nil, errors.Trace(ErrKeyNotFound)
	}
	return value, nil
}

// Put buffers a write of key. The key must be claimed exclusively, so a
// concurrent writer of the same key fails here with ErrWriteConflict.
func (txn *Txn) Put(key, value []byte) error {
	if len(key) == 0 {
		return errors.Trace(ErrEmptyKey)
	}
	if err := txn.db.ctl.AcquireWrite(txn.inner, key); err != nil {
		return err
	}
	return txn.db.ctl.StageWrite(txn.inner, key, value)
}

// Delete buffers a deletion of key under the same ownership rule as Put.
func (txn *Txn) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.Trace(ErrEmptyKey)
	}
	if err := txn.db.ctl.AcquireWrite(txn.inner, key); err != nil {
		return err
	}
	return txn.db.ctl.StageDelete(txn.inner, key)
}

// Scan returns up to limit visible pairs in [start, end) at the snapshot,
// in key order. A nil end scans to the last key. Scanned keys do not join
// the validated read footprint and the transaction's own buffered writes
// are not merged in; Scan observes the stable snapshot only.
func (txn *Txn) Scan(start, end []byte, limit int) ([]storage.Pair, error) {
	if st := txn.inner.Status(); st != mvcc.StatusActive {
		return nil, &mvcc.ErrTxnFinalized{StartTS: txn.inner.StartTS(), Status: st}
	}
	return txn.db.store.Scan(start, end, txn.inner.StartTS(), limit)
}

// Savepoint marks the current write progress for RollbackTo.
func (txn *Txn) Savepoint() int {
	return txn.inner.Savepoint()
}

// RollbackTo discards buffered writes made after mark and releases the
// write ownership taken since, keeping the transaction itself alive.
func (txn *Txn) RollbackTo(mark int) error {
	return txn.inner.RollbackTo(mark)
}

// Commit validates the transaction and publishes its writes atomically.
// On conflict the transaction is rolled back and the error is retryable;
// see IsRetryable. A journal, when installed, sees prepare before the
// decision and commit after it; a journal commit record that fails to
// write is reported even though the in-memory commit already stands.
func (txn *Txn) Commit() (uint64, error) {
	j := txn.db.journal
	prepared := false
	if j != nil {
		if writes := txn.inner.PendingWrites(); len(writes) > 0 {
			entries := make([]JournalEntry, 0, len(writes))
			for _, w := range writes {
				entries = append(entries, JournalEntry{Key: w.Record, Value: w.Value, Delete: w.Delete})
			}
			if err := j.LogPrepare(txn.inner.StartTS(), entries); err != nil {
				txn.db.ctl.Rollback(txn.inner)
				return 0, errors.Annotate(err, "journal prepare")
			}
			prepared = true
		}
	}
	commitTS, err := txn.db.ctl.ValidateAndCommit(txn.inner)
	if err != nil {
		if prepared {
			if jerr := j.LogRollback(txn.inner.StartTS()); jerr != nil {
				log.Errorf("journal rollback record for startTS %d: %v", txn.inner.StartTS(), jerr)
			}
		}
		return 0, err
	}
	if prepared {
		if jerr := j.LogCommit(txn.inner.StartTS(), commitTS); jerr != nil {
			return commitTS, errors.Annotate(jerr, "journal commit record")
		}
	}
	return commitTS, nil
}

// Rollback discards the transaction. Its buffered writes never reached
// the store, so there is nothing to undo there. Rolling back a finished
// transaction is a no-op.
func (txn *Txn) Rollback() error {
	if txn.inner.Status() != mvcc.StatusActive {
		return nil
	}
	if err := txn.db.ctl.Rollback(txn.inner); err != nil {
		return err
	}
	if j := txn.db.journal; j != nil {
		if jerr := j.LogRollback(txn.inner.StartTS()); jerr != nil {
			log.Errorf("journal rollback record for startTS %d: %v", txn.inner.StartTS(), jerr)
		}
	}
	return nil
}
