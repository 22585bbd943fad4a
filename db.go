package tinytxn

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinytxn/config"
	"github.com/pingcap-incubator/tinytxn/mvcc"
	"github.com/pingcap-incubator/tinytxn/sequencer"
	"github.com/pingcap-incubator/tinytxn/storage"
)

var (
	// ErrKeyNotFound is returned by reads of a key with no visible value
	// at the transaction's snapshot.
	ErrKeyNotFound = errors.New("key not found")
	// ErrEmptyKey is returned when a key of length zero is used.
	ErrEmptyKey = errors.New("key must not be empty")
)

// JournalEntry is one mutation handed to the journal before commit.
type JournalEntry struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Journal receives the durability-relevant transaction events in commit
// order. LogPrepare runs before the commit decision, LogCommit after it;
// a recovering process that finds a prepare without a matching commit
// must treat the transaction as rolled back, which is always safe because
// nothing is published before the commit decision.
type Journal interface {
	LogPrepare(startTS uint64, writes []JournalEntry) error
	LogCommit(startTS, commitTS uint64) error
	LogRollback(startTS uint64) error
}

// JournalEvent is one recorded MemJournal notification.
type JournalEvent struct {
	Kind     string // "prepare", "commit" or "rollback"
	StartTS  uint64
	CommitTS uint64
	Writes   int
}

// MemJournal records journal events in memory, mostly for tests.
type MemJournal struct {
	mu     sync.Mutex
	events []JournalEvent
}

func (j *MemJournal) LogPrepare(startTS uint64, writes []JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, JournalEvent{Kind: "prepare", StartTS: startTS, Writes: len(writes)})
	return nil
}

func (j *MemJournal) LogCommit(startTS, commitTS uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, JournalEvent{Kind: "commit", StartTS: startTS, CommitTS: commitTS})
	return nil
}

func (j *MemJournal) LogRollback(startTS uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, JournalEvent{Kind: "rollback", StartTS: startTS})
	return nil
}

// Events returns a copy of everything recorded so far.
func (j *MemJournal) Events() []JournalEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEvent(nil), j.events...)
}

// DB is the facade over one clock, one controller and one version store.
// All methods are safe for concurrent use; each Txn however belongs to a
// single goroutine.
type DB struct {
	conf    *config.Config
	clock   *sequencer.Clock
	store   storage.VersionStore
	ctl     *mvcc.Controller
	journal Journal

	closeOnce sync.Once
	closeErr  error
}

// Open builds a DB from conf. An empty engine db-path keeps every version
// in process memory, otherwise versions persist in a badger instance
// under it. A nil conf means defaults.
func Open(conf *config.Config) (*DB, error) {
	if conf == nil {
		c := config.DefaultConf
		conf = &c
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	var (
		store  storage.VersionStore
		lastTS uint64
		engine = "memory"
	)
	if conf.Engine.DBPath == "" {
		store = storage.NewMemStore()
	} else {
		bdb, err := createDB(&conf.Engine)
		if err != nil {
			return nil, errors.Trace(err)
		}
		bs := storage.NewBadgerStore(bdb)
		if lastTS, err = bs.LastCommitTS(); err != nil {
			bs.Close()
			return nil, errors.Trace(err)
		}
		store = bs
		engine = "badger"
	}

	clock := sequencer.NewClockAt(lastTS)
	ctl := mvcc.NewController(clock, store, mvcc.Options{
		Shards:          conf.EntryShards,
		ReclaimInterval: conf.ReclaimInterval(),
	})
	log.Infof("tinytxn opened, engine=%s shards=%d reclaim-interval=%s last-commit-ts=%d",
		engine, conf.EntryShards, conf.ReclaimInterval(), lastTS)
	return &DB{
		conf:  conf,
		clock: clock,
		store: store,
		ctl:   ctl,
	}, nil
}

func createDB(conf *config.Engine) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.DBPath, "kv")
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.VlogFileBytes()
	opts.MaxTableSize = conf.MaxTableBytes()
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.SyncWrites = conf.SyncWrite
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return db, nil
}

// SetJournal installs a durability journal. Call it right after Open,
// before the first transaction.
func (db *DB) SetJournal(j Journal) {
	db.journal = j
}

// Begin starts a transaction reading at a fresh snapshot.
func (db *DB) Begin() *Txn {
	return &Txn{db: db, inner: db.ctl.Begin()}
}

// RunTxn runs fn inside a transaction and commits it, retrying from a
// fresh snapshot when the commit loses a race. fn may be called several
// times and must be idempotent up to its writes.
func (db *DB) RunTxn(fn func(txn *Txn) error) error {
	const maxRetries = 16
	var err error
	for i := 0; i < maxRetries; i++ {
		txn := db.Begin()
		if err = fn(txn); err != nil {
			txn.Rollback()
			if mvcc.IsRetryable(err) {
				backoff(i)
				continue
			}
			return err
		}
		if _, err = txn.Commit(); err == nil {
			return nil
		}
		if !mvcc.IsRetryable(err) {
			return err
		}
		backoff(i)
	}
	return errors.Annotatef(err, "transaction still contended after %d retries", maxRetries)
}

func backoff(attempt int) {
	time.Sleep(time.Duration(attempt+1) * 2 * time.Millisecond)
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	CurrentTS          uint64
	LowWaterMark       uint64
	LiveTxns           int
	ArbitrationEntries int
	Uptime             time.Duration
}

// Stats reports clock position, reclamation progress and live load.
func (db *DB) Stats() Stats {
	return Stats{
		CurrentTS:          db.clock.Current(),
		LowWaterMark:       db.ctl.LowWaterMark(),
		LiveTxns:           db.ctl.LiveTxns(),
		ArbitrationEntries: db.ctl.EntryCount(),
		Uptime:             time.Since(db.clock.Birth()),
	}
}

// LowWaterMark returns the oldest begin timestamp any live transaction
// still uses.
func (db *DB) LowWaterMark() uint64 {
	return db.ctl.LowWaterMark()
}

// ReclaimOnce drives one manual reclamation round, useful when the
// background loop is disabled.
func (db *DB) ReclaimOnce() int {
	return db.ctl.ReclaimOnce()
}

// Close stops the reclaimer and closes the underlying store. Callers must
// finish their transactions first; anything still active has published
// nothing and is implicitly rolled back.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.ctl.Close()
		db.closeErr = db.store.Close()
		log.Info("tinytxn closed")
	})
	return db.closeErr
}
