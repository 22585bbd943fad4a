package tinytxn

import (
	"io/ioutil"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/config"
	"github.com/pingcap-incubator/tinytxn/mvcc"
)

func TestOpenNilConf(t *testing.T) {
	db, err := Open(nil)
	require.NoError(t, err)
	mustCommitPut(t, db, "k", "v")
	require.NoError(t, db.Close())
}

func TestCloseIdempotent(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestStats(t *testing.T) {
	db := openMemDB(t)
	defer db.Close()

	mustCommitPut(t, db, "a", "1")
	txn := db.Begin()

	st := db.Stats()
	require.True(t, st.CurrentTS >= 2)
	require.Equal(t, 1, st.LiveTxns)
	require.Equal(t, txn.StartTS(), st.LowWaterMark)
	require.True(t, st.ArbitrationEntries >= 1)
	require.True(t, st.Uptime >= 0)
	require.NoError(t, txn.Rollback())

	st = db.Stats()
	require.Equal(t, 0, st.LiveTxns)
	require.Equal(t, st.CurrentTS+1, st.LowWaterMark)
}

// Concurrent increments through RunTxn must never lose an update, the
// retries land every one of them.
func TestRunTxnConflictRetry(t *testing.T) {
	db := openMemDB(t)
	defer db.Close()

	key := []byte("counter")
	mustCommitPut(t, db, string(key), "0")

	const (
		workers    = 4
		increments = 25
	)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := db.RunTxn(func(txn *Txn) error {
					val, err := txn.Get(key)
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(string(val))
					if err != nil {
						return err
					}
					return txn.Put(key, []byte(strconv.Itoa(n+1)))
				})
				if err != nil {
					errs[slot] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	txn := db.Begin()
	val, err := txn.Get(key)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(workers*increments), string(val))
	require.NoError(t, txn.Rollback())
}

func TestRunTxnNonRetryableError(t *testing.T) {
	db := openMemDB(t)
	defer db.Close()

	boom := errors.New("boom")
	calls := 0
	err := db.RunTxn(func(txn *Txn) error {
		calls++
		require.NoError(t, txn.Put([]byte("k"), []byte("v")))
		return boom
	})
	require.Equal(t, boom, errors.Cause(err))
	require.Equal(t, 1, calls)

	// The failed attempt never published.
	txn := db.Begin()
	_, err = txn.Get([]byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
	require.NoError(t, txn.Rollback())
}

func TestRunTxnRetriesRetryableFnError(t *testing.T) {
	db := openMemDB(t)
	defer db.Close()

	calls := 0
	err := db.RunTxn(func(txn *Txn) error {
		calls++
		if calls == 1 {
			return &mvcc.ErrWriteConflict{Record: []byte("k"), OwnerStartTS: 1, StartTS: txn.StartTS()}
		}
		return txn.Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestJournalEvents(t *testing.T) {
	db := openMemDB(t)
	defer db.Close()
	j := &MemJournal{}
	db.SetJournal(j)

	// A committed write brackets prepare and commit.
	t1 := db.Begin()
	require.NoError(t, t1.Put([]byte("a"), []byte("1")))
	cts1, err := t1.Commit()
	require.NoError(t, err)

	// A read-only commit stays out of the journal entirely.
	t2 := db.Begin()
	_, err = t2.Get([]byte("a"))
	require.NoError(t, err)
	_, err = t2.Commit()
	require.NoError(t, err)

	// A user rollback is recorded.
	t3 := db.Begin()
	require.NoError(t, t3.Put([]byte("b"), []byte("2")))
	require.NoError(t, t3.Rollback())

	// A losing commit turns its prepare into a rollback.
	t4 := db.Begin()
	_, err = t4.Get([]byte("a"))
	require.NoError(t, err)
	t5 := db.Begin()
	require.NoError(t, t5.Put([]byte("a"), []byte("3")))
	cts5, err := t5.Commit()
	require.NoError(t, err)
	require.NoError(t, t4.Put([]byte("a"), []byte("9")))
	_, err = t4.Commit()
	require.True(t, mvcc.IsRetryable(err))

	events := j.Events()
	require.Equal(t, []JournalEvent{
		{Kind: "prepare", StartTS: t1.StartTS(), Writes: 1},
		{Kind: "commit", StartTS: t1.StartTS(), CommitTS: cts1},
		{Kind: "rollback", StartTS: t3.StartTS()},
		{Kind: "prepare", StartTS: t5.StartTS(), Writes: 1},
		{Kind: "commit", StartTS: t5.StartTS(), CommitTS: cts5},
		{Kind: "prepare", StartTS: t4.StartTS(), Writes: 1},
		{Kind: "rollback", StartTS: t4.StartTS()},
	}, events)
}

func TestBadgerEngineEndToEnd(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytxn")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	conf := config.DefaultConf
	conf.ReclaimIntervalMs = -1
	conf.Engine.DBPath = dir

	db, err := Open(&conf)
	require.NoError(t, err)

	cts := mustCommitPut(t, db, "k", "v1")
	mustCommitPut(t, db, "k2", "v2")

	txn := db.Begin()
	val, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	require.NoError(t, txn.Rollback())
	require.NoError(t, db.Close())

	// Reopening resumes the timestamp sequence past everything already
	// committed, so old data stays visible to new snapshots.
	db, err = Open(&conf)
	require.NoError(t, err)
	defer db.Close()
	require.True(t, db.Stats().CurrentTS >= cts)

	txn = db.Begin()
	val, err = txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	pairs, err := txn.Scan(nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.NoError(t, txn.Rollback())

	mustCommitPut(t, db, "k3", "v3")
	txn = db.Begin()
	pairs, err = txn.Scan(nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	require.NoError(t, txn.Rollback())
}
