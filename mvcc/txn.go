package mvcc

import (
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinytxn/storage"
)

// Txn is one transaction descriptor. It is driven by a single caller
// goroutine; the packed state cell is the only field other goroutines
// read, so status and commit timestamp always change together in one
// atomic store. Writes are buffered on the descriptor and reach the
// version store only during commit publication, which makes rollback a
// pure bookkeeping step: an aborted transaction has never touched the
// store at all.
type Txn struct {
	beginTS uint64
	state   *atomic.Uint64

	readSet    map[string]struct{}
	writes     []pendingWrite
	writeIdx   map[string]int
	owned      map[string]*accessEntry
	ownedOrder []ownedRecord
	savepoints []savepoint
	anchor     *storage.Anchor
	retired    []storage.Retired
}

// pendingWrite is one buffered mutation. prev chains earlier writes to
// the same record so savepoint rollback can restore the index.
type pendingWrite struct {
	record []byte
	value  []byte
	del    bool
	prev   int
}

type ownedRecord struct {
	record string
	entry  *accessEntry
}

type savepoint struct {
	writes int
	owned  int
}

func newTxn(beginTS uint64) *Txn {
	return &Txn{
		beginTS:  beginTS,
		state:    atomic.NewUint64(packState(0, StatusActive)),
		readSet:  make(map[string]struct{}),
		writeIdx: make(map[string]int),
		owned:    make(map[string]*accessEntry),
		anchor:   storage.NewAnchor(),
	}
}

// StartTS returns the begin timestamp that defines the snapshot.
func (t *Txn) StartTS() uint64 {
	return t.beginTS
}

// Status returns the current lifecycle state.
func (t *Txn) Status() Status {
	_, status := unpackState(t.state.Load())
	return status
}

// CommitTS returns the commit timestamp. It is 0 until the transaction
// commits, and stays 0 forever for aborted and read-only transactions.
func (t *Txn) CommitTS() uint64 {
	ts, _ := unpackState(t.state.Load())
	return ts
}

func (t *Txn) isActive() bool {
	return t.Status() == StatusActive
}

func (t *Txn) transition(from, to Status, ts uint64) bool {
	for {
		old := t.state.Load()
		if _, status := unpackState(old); status != from {
			return false
		}
		if t.state.CAS(old, packState(ts, to)) {
			return true
		}
	}
}

// Staged returns the transaction's own pending mutation of record, if any.
func (t *Txn) Staged(record []byte) (value []byte, deleted bool, ok bool) {
	idx, found := t.writeIdx[string(record)]
	if !found {
		return nil, false, false
	}
	w := &t.writes[idx]
	return w.value, w.del, true
}

func (t *Txn) appendWrite(record, value []byte, del bool) {
	key := string(record)
	prev := -1
	if i, ok := t.writeIdx[key]; ok {
		prev = i
	}
	t.writes = append(t.writes, pendingWrite{
		record: append([]byte(nil), record...),
		value:  append([]byte(nil), value...),
		del:    del,
		prev:   prev,
	})
	t.writeIdx[key] = len(t.writes) - 1
}

// buildBatch collapses the write buffer into one mutation per record,
// keeping the newest.
func (t *Txn) buildBatch() []storage.BatchWrite {
	if len(t.writeIdx) == 0 {
		return nil
	}
	batch := make([]storage.BatchWrite, 0, len(t.writeIdx))
	for i := range t.writes {
		w := &t.writes[i]
		if t.writeIdx[string(w.record)] != i {
			continue
		}
		batch = append(batch, storage.BatchWrite{Record: w.record, Value: w.value, Delete: w.del})
	}
	return batch
}

// PendingWrites returns the buffered mutations that would be published
// on commit, one per record. The slices alias the buffer and must not
// be modified.
func (t *Txn) PendingWrites() []storage.BatchWrite {
	return t.buildBatch()
}

// Savepoint records the current write progress and returns a mark for
// RollbackTo. Marks nest; rolling back to an outer mark discards the
// inner ones.
func (t *Txn) Savepoint() int {
	t.savepoints = append(t.savepoints, savepoint{writes: len(t.writes), owned: len(t.ownedOrder)})
	return len(t.savepoints) - 1
}

// RollbackTo unwinds buffered writes back to mark and releases write
// ownership acquired after it, so other transactions may claim those
// records again. Reads are not unwound, commit validation stays
// conservative about everything the transaction ever looked at.
func (t *Txn) RollbackTo(mark int) error {
	if !t.isActive() {
		return &ErrTxnFinalized{StartTS: t.beginTS, Status: t.Status()}
	}
	if mark < 0 || mark >= len(t.savepoints) {
		return errors.Errorf("savepoint %d does not exist", mark)
	}
	sp := t.savepoints[mark]
	for i := len(t.writes) - 1; i >= sp.writes; i-- {
		w := &t.writes[i]
		key := string(w.record)
		if w.prev >= 0 {
			t.writeIdx[key] = w.prev
		} else {
			delete(t.writeIdx, key)
		}
	}
	t.writes = t.writes[:sp.writes]
	for i := len(t.ownedOrder) - 1; i >= sp.owned; i-- {
		or := &t.ownedOrder[i]
		or.entry.releaseWriter(t)
		delete(t.owned, or.record)
	}
	t.ownedOrder = t.ownedOrder[:sp.owned]
	t.savepoints = t.savepoints[:mark]
	return nil
}

// releaseOwned gives back every write ownership the transaction still
// holds. Finding an entry the transaction does not own means arbitration
// is corrupt; continuing could publish over someone else's write, so the
// process dies instead.
func (t *Txn) releaseOwned() {
	for i := range t.ownedOrder {
		e := t.ownedOrder[i].entry
		if owner := e.loadWriter(); owner != t {
			if owner == nil {
				log.Fatalf("ownership of %q already released at finish of startTS %d",
					t.ownedOrder[i].record, t.beginTS)
			} else {
				log.Fatalf("ownership of %q held by startTS %d at finish of startTS %d",
					t.ownedOrder[i].record, owner.beginTS, t.beginTS)
			}
		}
		e.releaseWriter(t)
	}
	t.ownedOrder = nil
	t.owned = nil
}

func (t *Txn) discardBuffer() {
	t.writes = nil
	t.writeIdx = nil
	t.savepoints = nil
}
