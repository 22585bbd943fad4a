package mvcc

import (
	"time"

	"github.com/google/btree"
	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinytxn/metrics"
	"github.com/pingcap-incubator/tinytxn/storage"
)

type byBegin struct {
	t *Txn
}

func (a byBegin) Less(b btree.Item) bool {
	return a.t.beginTS < b.(byBegin).t.beginTS
}

// byCommit orders terminal transactions by commit timestamp, begin
// timestamp breaking ties since aborted and read-only transactions all
// carry commit timestamp 0.
type byCommit struct {
	t *Txn
}

func (a byCommit) Less(b btree.Item) bool {
	at, bt := a.t, b.(byCommit).t
	ats, bts := at.CommitTS(), bt.CommitTS()
	if ats != bts {
		return ats < bts
	}
	return at.beginTS < bt.beginTS
}

// LowWaterMark returns the oldest begin timestamp any live transaction
// still uses. With no live transactions it is one past the newest issued
// timestamp: everything already committed is then reclaimable.
func (c *Controller) LowWaterMark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lwmLocked()
}

func (c *Controller) lwmLocked() uint64 {
	if c.active.Len() == 0 {
		return c.clock.Current() + 1
	}
	return c.active.Min().(byBegin).t.beginTS
}

// LiveTxns returns how many transactions are currently active.
func (c *Controller) LiveTxns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Len()
}

// ReleaseFinished frees everything a terminal transaction still retains:
// the versions its commit superseded and the descriptor's registry slot.
// It refuses while any live snapshot might still read through the
// retained versions or an earlier commit is still unreleased, and reports
// whether the release happened. The background reclaimer calls this for
// every eligible descriptor, a manual call is only needed when the loop
// is disabled.
func (c *Controller) ReleaseFinished(t *Txn) bool {
	// reclaimMu serializes releases end to end, so version frees of
	// consecutive commits cannot interleave. Begins and commits only
	// contend on c.mu, never on the frees.
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()
	c.mu.Lock()
	retired, ok := c.releaseFinishedLocked(t)
	c.mu.Unlock()
	c.freeRetired(retired)
	return ok
}

// releaseFinishedLocked detaches an eligible descriptor and hands back
// what it retained. The caller frees the returned versions after dropping
// the mutex, the store is never touched under it.
func (c *Controller) releaseFinishedLocked(t *Txn) ([]storage.Retired, bool) {
	switch t.Status() {
	case StatusCommitted:
		if t.CommitTS() >= c.lwmLocked() {
			return nil, false
		}
		if c.earlierCommitUnreleasedLocked(t) {
			return nil, false
		}
	case StatusAborted:
	default:
		return nil, false
	}
	c.finished.Delete(byCommit{t})
	retired := t.retired
	t.retired = nil
	if t.Status() == StatusCommitted {
		t.transition(StatusCommitted, StatusReclaimed, t.CommitTS())
	} else {
		t.transition(StatusAborted, StatusReclaimed, 0)
	}
	metrics.ReleasedTxns.Inc()
	return retired, true
}

// earlierCommitUnreleasedLocked reports whether a committed transaction
// older than t still retains versions. Retaining commits release strictly
// in commit order: freeing a later commit's superseded versions first
// could unlink a tombstone while an even older version, retained by the
// unreleased commit, is still in the record's chain, resurrecting deleted
// data. Aborted and read-only descriptors retain nothing and never block.
func (c *Controller) earlierCommitUnreleasedLocked(t *Txn) bool {
	blocked := false
	c.finished.AscendLessThan(byCommit{t}, func(item btree.Item) bool {
		it := item.(byCommit).t
		if it.Status() == StatusCommitted && len(it.retired) > 0 {
			blocked = true
			return false
		}
		return true
	})
	return blocked
}

func (c *Controller) freeRetired(retired []storage.Retired) {
	for _, r := range retired {
		if err := c.store.FreeVersion(r.Record, r.CommitTS); err != nil {
			log.Errorf("free version %q@%d: %v", r.Record, r.CommitTS, err)
		}
	}
	if n := len(retired); n > 0 {
		metrics.FreedVersions.Add(float64(n))
	}
}

// ReclaimOnce runs one reclamation round: it releases every terminal
// transaction the low-water mark has passed, oldest first, then prunes
// one stripe of the arbitration table. Returns how many transactions
// were released.
func (c *Controller) ReclaimOnce() int {
	released := 0
	c.reclaimMu.Lock()
	for {
		c.mu.Lock()
		item := c.finished.Min()
		if item == nil {
			c.mu.Unlock()
			break
		}
		retired, ok := c.releaseFinishedLocked(item.(byCommit).t)
		c.mu.Unlock()
		if !ok {
			break
		}
		c.freeRetired(retired)
		released++
	}
	c.reclaimMu.Unlock()

	c.mu.Lock()
	lwm := c.lwmLocked()
	shard := &c.entries.shards[c.pruneCursor%len(c.entries.shards)]
	c.pruneCursor++
	c.mu.Unlock()

	if pruned := shard.prune(lwm); pruned > 0 {
		metrics.PrunedEntries.Add(float64(pruned))
	}
	metrics.LowWaterMark.Set(float64(lwm))
	metrics.ClockTs.Set(float64(c.clock.Current()))
	return released
}

func (c *Controller) reclaimLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.ReclaimOnce()
		case <-c.closeCh:
			return
		}
	}
}
