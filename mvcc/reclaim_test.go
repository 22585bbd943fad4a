package mvcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/sequencer"
	"github.com/pingcap-incubator/tinytxn/storage"
)

func TestLowWaterMark(t *testing.T) {
	c, _ := newTestController(4)
	defer c.Close()

	// Nobody live: everything already committed is reclaimable.
	require.Equal(t, c.clock.Current()+1, c.LowWaterMark())

	t1 := c.Begin()
	t2 := c.Begin()
	require.Equal(t, t1.StartTS(), c.LowWaterMark())
	require.Equal(t, 2, c.LiveTxns())

	require.NoError(t, c.Rollback(t1))
	require.Equal(t, t2.StartTS(), c.LowWaterMark())

	require.NoError(t, c.Rollback(t2))
	require.Equal(t, c.clock.Current()+1, c.LowWaterMark())
	require.Equal(t, 0, c.LiveTxns())
}

// A superseded version must survive as long as any snapshot that can
// still read it, and must be physically freed afterwards.
func TestReleaseWaitsForOldSnapshots(t *testing.T) {
	c, store := newTestController(4)
	defer c.Close()

	seed := c.Begin()
	require.NoError(t, c.AcquireWrite(seed, []byte("k")))
	require.NoError(t, c.StageWrite(seed, []byte("k"), []byte("v1")))
	cts1, err := c.ValidateAndCommit(seed)
	require.NoError(t, err)
	oldSnap := c.Begin()

	writer := c.Begin()
	require.NoError(t, c.AcquireWrite(writer, []byte("k")))
	require.NoError(t, c.StageWrite(writer, []byte("k"), []byte("v2")))
	cts2, err := c.ValidateAndCommit(writer)
	require.NoError(t, err)

	require.True(t, c.ReleaseFinished(seed))
	require.False(t, c.ReleaseFinished(writer))
	require.Equal(t, StatusCommitted, writer.Status())

	val, ok := readAt(t, store, "k", oldSnap.StartTS())
	require.True(t, ok)
	require.Equal(t, "v1", val)

	require.NoError(t, c.Rollback(oldSnap))
	require.True(t, c.ReleaseFinished(writer))
	require.Equal(t, StatusReclaimed, writer.Status())
	require.Equal(t, cts2, writer.CommitTS())

	_, _, ok, err = store.Get([]byte("k"), cts1)
	require.NoError(t, err)
	require.False(t, ok)
	val, ok = readAt(t, store, "k", cts2)
	require.True(t, ok)
	require.Equal(t, "v2", val)
}

// Committed transactions must release strictly in commit order. Freeing a
// later deleter's tombstone while an earlier commit still retains the
// version underneath would resurrect the deleted record for every fresh
// snapshot.
func TestReleaseFollowsCommitOrder(t *testing.T) {
	c, store := newTestController(4)
	defer c.Close()

	key := []byte("k")
	put := func(val string) *Txn {
		txn := c.Begin()
		require.NoError(t, c.AcquireWrite(txn, key))
		require.NoError(t, c.StageWrite(txn, key, []byte(val)))
		_, err := c.ValidateAndCommit(txn)
		require.NoError(t, err)
		return txn
	}
	w1 := put("v1")
	w2 := put("v2")
	deleter := c.Begin()
	require.NoError(t, c.AcquireWrite(deleter, key))
	require.NoError(t, c.StageDelete(deleter, key))
	cts3, err := c.ValidateAndCommit(deleter)
	require.NoError(t, err)

	_, _, ok, err := store.Get(key, cts3+100)
	require.NoError(t, err)
	require.False(t, ok)

	// The deleter must wait for the earlier commit that still retains the
	// version underneath its tombstone; the record stays deleted
	// throughout. w1 retains nothing and may go at any time.
	require.False(t, c.ReleaseFinished(deleter))
	_, _, ok, err = store.Get(key, cts3+100)
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, c.ReleaseFinished(w1))
	require.False(t, c.ReleaseFinished(deleter))
	require.True(t, c.ReleaseFinished(w2))
	require.True(t, c.ReleaseFinished(deleter))

	_, _, ok, err = store.Get(key, cts3+100)
	require.NoError(t, err)
	require.False(t, ok)
	exists, err := store.Exists(key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAbortedReleasedImmediately(t *testing.T) {
	c, _ := newTestController(4)
	defer c.Close()

	holder := c.Begin()
	txn := c.Begin()
	require.NoError(t, c.AcquireWrite(txn, []byte("k")))
	require.NoError(t, c.StageWrite(txn, []byte("k"), []byte("v")))
	require.NoError(t, c.Rollback(txn))

	// An aborted transaction retains nothing, its release does not wait
	// for the low-water mark.
	require.True(t, c.ReleaseFinished(txn))
	require.Equal(t, StatusReclaimed, txn.Status())
	require.Equal(t, uint64(0), txn.CommitTS())

	require.False(t, c.ReleaseFinished(txn))
	require.False(t, c.ReleaseFinished(holder))
	require.NoError(t, c.Rollback(holder))
}

func TestReclaimOnceOrder(t *testing.T) {
	c, _ := newTestController(1)
	defer c.Close()

	ctsA := commitPut(t, c, "a", "1")
	ctsB := commitPut(t, c, "b", "1")
	live := c.Begin()
	ctsC := commitPut(t, c, "c", "1")
	require.True(t, ctsA < ctsB && ctsB < live.StartTS() && live.StartTS() < ctsC)

	// Only commits below the live snapshot are released.
	require.Equal(t, 2, c.ReclaimOnce())
	require.Equal(t, 0, c.ReclaimOnce())

	require.NoError(t, c.Rollback(live))
	require.Equal(t, 2, c.ReclaimOnce())
}

func TestShardPrune(t *testing.T) {
	table := newEntryTable(1)
	shard := &table.shards[0]

	idle := shard.getOrCreate([]byte("idle"))
	idle.storeLatestCommit(5)
	fresh := shard.getOrCreate([]byte("fresh"))
	fresh.storeLatestCommit(20)
	owned := shard.getOrCreate([]byte("owned"))
	owned.storeLatestCommit(5)
	owner := newTxn(1)
	require.True(t, owned.claimWriter(owner))

	gen := idle.generation()
	require.Equal(t, 1, shard.prune(10))
	require.Equal(t, 2, shard.len())

	// The dropped entry is flagged so a racing claimer retries, and any
	// later use of the record goes through a fresh entry.
	require.True(t, idle.dropped())
	require.Equal(t, gen+1, idle.generation())
	reborn := shard.getOrCreate([]byte("idle"))
	require.False(t, reborn.dropped())

	owned.releaseWriter(owner)
	require.Equal(t, 3, shard.prune(100))
	require.Equal(t, 0, shard.len())
}

func TestEntryPrunedAfterReclaim(t *testing.T) {
	c, store := newTestController(1)
	defer c.Close()

	cts := commitPut(t, c, "k", "v1")
	require.Equal(t, 1, c.EntryCount())

	require.Equal(t, 1, c.ReclaimOnce())
	require.Equal(t, 0, c.EntryCount())

	// Only the arbitration entry went away, the record did not.
	val, ok := readAt(t, store, "k", cts)
	require.True(t, ok)
	require.Equal(t, "v1", val)

	// Snapshots born after the prune validate fine without the entry.
	reader := c.Begin()
	require.NoError(t, c.AcquireRead(reader, []byte("k")))
	_, err := c.ValidateAndCommit(reader)
	require.NoError(t, err)

	// Writes arbitrate through a fresh entry.
	writer := c.Begin()
	require.NoError(t, c.AcquireWrite(writer, []byte("k")))
	require.Equal(t, 1, c.EntryCount())
	require.NoError(t, c.StageWrite(writer, []byte("k"), []byte("v2")))
	_, err = c.ValidateAndCommit(writer)
	require.NoError(t, err)
}

func TestBackgroundReclaimLoop(t *testing.T) {
	store := storage.NewMemStore()
	c := NewController(sequencer.NewClock(), store, Options{Shards: 1, ReclaimInterval: 5 * time.Millisecond})
	defer c.Close()

	cts1 := commitPut(t, c, "k", "v1")
	cts2 := commitPut(t, c, "k", "v2")
	require.True(t, cts2 > cts1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, ok, err := store.Get([]byte("k"), cts1)
		require.NoError(t, err)
		if !ok && c.EntryCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, _, ok, err := store.Get([]byte("k"), cts1)
	require.NoError(t, err)
	require.False(t, ok)
	val, ok := readAt(t, store, "k", cts2)
	require.True(t, ok)
	require.Equal(t, "v2", val)
	require.Equal(t, 0, c.EntryCount())
}
