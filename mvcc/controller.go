// Package mvcc implements snapshot isolated, optimistic concurrency
// control over a version store. Transactions read at the snapshot their
// begin timestamp defines, claim write ownership per record by
// compare-and-swap, and publish their whole write set atomically at
// commit. Conflicts fail fast instead of queueing, so waiting-for graphs
// cannot form and deadlock is impossible by construction.
package mvcc

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinytxn/metrics"
	"github.com/pingcap-incubator/tinytxn/sequencer"
	"github.com/pingcap-incubator/tinytxn/storage"
)

const (
	defaultShards          = 256
	defaultReclaimInterval = 100 * time.Millisecond
	btreeDegree            = 32
)

// Options tunes a Controller. The zero value gives usable defaults.
type Options struct {
	// Shards is the stripe count of the write arbitration table, rounded
	// up to a power of two.
	Shards int
	// ReclaimInterval is the cadence of the background reclaimer. Zero
	// means the default; a negative value disables the loop, ReclaimOnce
	// still works for manual driving.
	ReclaimInterval time.Duration
}

// Controller arbitrates every access between concurrent transactions on
// top of one version store.
//
// Reads never block and never take the controller mutex: a snapshot is
// fully determined by its begin timestamp. Begins and commits pass
// through one short critical section that orders timestamp issue against
// publication, the same way an oracle orders read and commit timestamps,
// so a snapshot that postdates a commit is guaranteed to observe it. Only
// the visibility flip sits inside that section; engine persistence and
// version reclamation run outside it, so the section never waits on I/O.
type Controller struct {
	clock   *sequencer.Clock
	store   storage.VersionStore
	entries *entryTable

	mu          sync.Mutex
	active      *btree.BTree // live transactions by begin timestamp
	finished    *btree.BTree // terminal transactions awaiting release
	pruneCursor int

	// reclaimMu serializes release rounds; taken before mu, never inside
	// it. Version frees run under it, outside mu.
	reclaimMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewController wires a controller to a clock and a store and starts the
// background reclaimer unless opts disables it. The controller does not
// own the store, closing the controller leaves the store open.
func NewController(clock *sequencer.Clock, store storage.VersionStore, opts Options) *Controller {
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultShards
	}
	c := &Controller{
		clock:    clock,
		store:    store,
		entries:  newEntryTable(shards),
		active:   btree.New(btreeDegree),
		finished: btree.New(btreeDegree),
		closeCh:  make(chan struct{}),
	}
	interval := opts.ReclaimInterval
	if interval == 0 {
		interval = defaultReclaimInterval
	}
	if interval > 0 {
		c.wg.Add(1)
		go c.reclaimLoop(interval)
	}
	return c
}

// Close stops the background reclaimer. Live transactions stay usable,
// reclamation just needs manual ReclaimOnce calls from here on.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	c.wg.Wait()
}

// Begin starts a transaction. The begin timestamp is issued and the
// descriptor registered in one critical section, so the low-water mark
// can never jump past a transaction that is still being born.
func (c *Controller) Begin() *Txn {
	c.mu.Lock()
	t := newTxn(c.clock.Next())
	c.active.ReplaceOrInsert(byBegin{t})
	c.mu.Unlock()
	metrics.BeganTxns.Inc()
	metrics.LiveTxns.Inc()
	return t
}

// AcquireRead registers record in the transaction's read footprint. It
// succeeds unconditionally against other readers and against writers;
// the only failure is addressing a record that was never created.
func (c *Controller) AcquireRead(t *Txn, record []byte) error {
	if !t.isActive() {
		return &ErrTxnFinalized{StartTS: t.beginTS, Status: t.Status()}
	}
	key := string(record)
	if _, staged := t.writeIdx[key]; !staged {
		ok, err := c.store.Exists(record)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return &ErrUnknownRecord{Record: record}
		}
	}
	t.readSet[key] = struct{}{}
	return nil
}

// AcquireWrite claims exclusive write ownership of record for t. A record
// owned by another live transaction fails immediately; nobody queues, the
// loser is expected to roll back and retry on a fresh snapshot. Ownership
// of a record t already holds is a no-op.
func (c *Controller) AcquireWrite(t *Txn, record []byte) error {
	if !t.isActive() {
		return &ErrTxnFinalized{StartTS: t.beginTS, Status: t.Status()}
	}
	key := string(record)
	if _, ok := t.owned[key]; ok {
		return nil
	}
	shard := c.entries.shardFor(record)
	var e *accessEntry
	for {
		e = shard.getOrCreate(record)
		if e.claimWriter(t) {
			if e.dropped() {
				// Lost a race with the reclaimer pruning this entry,
				// claim a fresh one.
				e.releaseWriter(t)
				continue
			}
			break
		}
		owner := e.loadWriter()
		if owner == nil {
			// The owner released between our claim and the load.
			continue
		}
		metrics.WriteConflicts.Inc()
		return &ErrWriteConflict{Record: record, OwnerStartTS: owner.beginTS, StartTS: t.beginTS}
	}
	t.owned[key] = e
	t.ownedOrder = append(t.ownedOrder, ownedRecord{record: key, entry: e})
	return nil
}

// StageWrite buffers a new value for record. The write reaches the store
// only if the transaction commits. Requires write ownership.
func (c *Controller) StageWrite(t *Txn, record, value []byte) error {
	return c.stage(t, record, value, false)
}

// StageDelete buffers a tombstone for record. Requires write ownership.
func (c *Controller) StageDelete(t *Txn, record []byte) error {
	return c.stage(t, record, nil, true)
}

func (c *Controller) stage(t *Txn, record, value []byte, del bool) error {
	if !t.isActive() {
		return &ErrTxnFinalized{StartTS: t.beginTS, Status: t.Status()}
	}
	if _, ok := t.owned[string(record)]; !ok {
		return errors.Errorf("record %q is not write-owned by startTS %d", record, t.beginTS)
	}
	t.appendWrite(record, value, del)
	return nil
}

// ValidateAndCommit is the first-committer-wins decision point. Every
// record the transaction read or writes is checked against the newest
// commit timestamp; any record committed after the snapshot aborts the
// transaction. On success the write set is published atomically under a
// fresh commit timestamp and the descriptor turns Committed.
//
// A transaction with an empty write set cannot invalidate anyone, it
// commits trivially without consuming a commit timestamp.
func (c *Controller) ValidateAndCommit(t *Txn) (uint64, error) {
	if !t.isActive() {
		return 0, &ErrTxnFinalized{StartTS: t.beginTS, Status: t.Status()}
	}
	batch := t.buildBatch()
	if len(batch) == 0 {
		c.mu.Lock()
		t.transition(StatusActive, StatusCommitted, 0)
		c.active.Delete(byBegin{t})
		c.finished.ReplaceOrInsert(byCommit{t})
		c.mu.Unlock()
		t.releaseOwned()
		metrics.CommittedTxns.Inc()
		metrics.LiveTxns.Dec()
		return 0, nil
	}

	start := time.Now()
	c.mu.Lock()
	if stale := c.validateLocked(t); stale != nil {
		c.mu.Unlock()
		metrics.StaleSnapshots.Inc()
		c.finishRollback(t)
		return 0, stale
	}
	commitTS := c.clock.Next()
	retired, err := c.store.Publish(t.anchor, commitTS, batch)
	if err != nil {
		c.mu.Unlock()
		c.finishRollback(t)
		return 0, errors.Trace(err)
	}
	for i := range batch {
		t.owned[string(batch[i].Record)].storeLatestCommit(commitTS)
	}
	t.transition(StatusActive, StatusCommitted, commitTS)
	c.active.Delete(byBegin{t})
	c.mu.Unlock()

	// The batch is already visible through the anchor; the engine write
	// happens here so begins and other commits never stall behind it. The
	// commit has been promised to the caller's durability layer, a store
	// that cannot persist it now leaves memory and disk divergent.
	sealed, err := c.store.Seal(t.anchor, commitTS, batch)
	if err != nil {
		log.Fatalf("sealing commit %d: %v", commitTS, err)
	}
	t.retired = append(retired, sealed...)

	c.mu.Lock()
	c.finished.ReplaceOrInsert(byCommit{t})
	c.mu.Unlock()

	t.releaseOwned()
	metrics.CommittedTxns.Inc()
	metrics.LiveTxns.Dec()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return commitTS, nil
}

// validateLocked checks first-committer-wins for the whole footprint,
// reads and writes alike. A missing entry means the record's newest
// commit already fell below the low-water mark, which cannot postdate
// any live snapshot.
func (c *Controller) validateLocked(t *Txn) error {
	check := func(key string) error {
		record := []byte(key)
		if e := c.entries.shardFor(record).lookup(record); e != nil {
			if cts := e.loadLatestCommit(); cts > t.beginTS {
				return &ErrReadStale{Record: record, CommitTS: cts, StartTS: t.beginTS}
			}
		}
		return nil
	}
	for key := range t.readSet {
		if err := check(key); err != nil {
			return err
		}
	}
	for key := range t.writeIdx {
		if _, alsoRead := t.readSet[key]; alsoRead {
			continue
		}
		if err := check(key); err != nil {
			return err
		}
	}
	return nil
}

// Rollback aborts an active transaction. Nothing was ever published, so
// this only releases ownership and discards the write buffer. Rolling
// back a transaction that is already terminal is a harmless no-op, an
// abort racing a commit must never turn into an error.
func (c *Controller) Rollback(t *Txn) error {
	c.finishRollback(t)
	return nil
}

func (c *Controller) finishRollback(t *Txn) {
	if !t.transition(StatusActive, StatusAborted, 0) {
		return
	}
	t.releaseOwned()
	t.discardBuffer()
	c.mu.Lock()
	c.active.Delete(byBegin{t})
	c.finished.ReplaceOrInsert(byCommit{t})
	c.mu.Unlock()
	metrics.RolledBackTxns.Inc()
	metrics.LiveTxns.Dec()
}

// EntryCount returns how many arbitration entries currently exist across
// all shards. Diagnostic only.
func (c *Controller) EntryCount() int {
	return c.entries.size()
}
