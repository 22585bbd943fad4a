package storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/stretchr/testify/require"
)

func TestBadgerStoreReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "badgerstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	opts := testBadgerOptions(dir)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	s := NewBadgerStore(db)
	mustPublish(t, s, 7, BatchWrite{Record: []byte("k"), Value: []byte("v")})
	require.NoError(t, s.Close())

	db, err = badger.Open(opts)
	require.NoError(t, err)
	s = NewBadgerStore(db)
	defer s.Close()

	val, cts, ok, err := s.Get([]byte("k"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), cts)
	require.Equal(t, []byte("v"), val)

	// The commit high-water mark survives with the data.
	last, err := s.LastCommitTS()
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}

// A published batch is fully readable before sealing reaches the engine,
// and sealing must not change what any snapshot observes.
func TestBadgerStorePendingVisibility(t *testing.T) {
	dir, err := ioutil.TempDir("", "badgerstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	db, err := badger.Open(testBadgerOptions(dir))
	require.NoError(t, err)
	s := NewBadgerStore(db)
	defer s.Close()

	mustPublish(t, s, 10,
		BatchWrite{Record: []byte("a"), Value: []byte("old")},
		BatchWrite{Record: []byte("b"), Value: []byte("bee")},
	)

	anchor := NewAnchor()
	batch := []BatchWrite{
		{Record: []byte("a"), Value: []byte("new")},
		{Record: []byte("b"), Delete: true},
		{Record: []byte("c"), Value: []byte("sea")},
	}
	retired, err := s.Publish(anchor, 20, batch)
	require.NoError(t, err)
	require.Empty(t, retired)

	check := func() {
		val, cts, ok, err := s.Get([]byte("a"), 25)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(20), cts)
		require.Equal(t, []byte("new"), val)

		// The old snapshot still resolves through the engine.
		val, cts, ok, err = s.Get([]byte("a"), 15)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(10), cts)
		require.Equal(t, []byte("old"), val)

		_, _, ok, err = s.Get([]byte("b"), 25)
		require.NoError(t, err)
		require.False(t, ok)

		exists, err := s.Exists([]byte("c"))
		require.NoError(t, err)
		require.True(t, exists)

		pairs, err := s.Scan(nil, nil, 25, 10)
		require.NoError(t, err)
		require.Equal(t, []Pair{
			{Record: []byte("a"), Value: []byte("new")},
			{Record: []byte("c"), Value: []byte("sea")},
		}, pairs)

		pairs, err = s.Scan(nil, nil, 15, 10)
		require.NoError(t, err)
		require.Equal(t, []Pair{
			{Record: []byte("a"), Value: []byte("old")},
			{Record: []byte("b"), Value: []byte("bee")},
		}, pairs)
	}

	check()

	sealed, err := s.Seal(anchor, 20, batch)
	require.NoError(t, err)
	require.ElementsMatch(t, []Retired{
		{Record: []byte("a"), CommitTS: 10, RetireTS: 20},
		{Record: []byte("b"), CommitTS: 10, RetireTS: 20},
		{Record: []byte("b"), CommitTS: 20, RetireTS: 20},
	}, sealed)

	check()

	s.pendingMu.RLock()
	require.Empty(t, s.pending)
	s.pendingMu.RUnlock()
}

// Records that are byte prefixes of each other must never bleed into one
// another's version ranges.
func TestBadgerStorePrefixRecords(t *testing.T) {
	dir, err := ioutil.TempDir("", "badgerstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	db, err := badger.Open(testBadgerOptions(dir))
	require.NoError(t, err)
	s := NewBadgerStore(db)
	defer s.Close()

	mustPublish(t, s, 10, BatchWrite{Record: []byte("rec"), Value: []byte("short")})
	mustPublish(t, s, 20, BatchWrite{Record: []byte("rec\x00"), Value: []byte("long")})

	val, cts, ok, err := s.Get([]byte("rec"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), cts)
	require.Equal(t, []byte("short"), val)

	_, _, ok, err = s.Get([]byte("rec\x00"), 15)
	require.NoError(t, err)
	require.False(t, ok)

	exists, err := s.Exists([]byte("re"))
	require.NoError(t, err)
	require.False(t, exists)

	pairs, err := s.Scan(nil, nil, 100, 10)
	require.NoError(t, err)
	require.Equal(t, []Pair{
		{Record: []byte("rec"), Value: []byte("short")},
		{Record: []byte("rec\x00"), Value: []byte("long")},
	}, pairs)
}
