package storage

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinytxn/codec"
)

const (
	kindPut       = byte(1)
	kindTombstone = byte(2)
)

// metaLastCommit sorts before every version key, iterators seeking a
// version never land on it.
var metaLastCommit = []byte{0}

// BadgerStore persists versions in a badger instance. Version keys encode
// (record, commit ts) so an iterator seek lands on the newest version
// visible at a snapshot.
//
// A published batch becomes visible through an in-memory pending table
// before it reaches the engine: Publish fills the table and flips the
// anchor, Seal writes the engine batch and clears the table. Readers
// consult the table first, so a batch is never half visible and the
// engine write happens off the publisher's critical path. A pending entry
// is always the record's newest commit, its writer still owns the record
// until sealing finishes.
type BadgerStore struct {
	db *badger.DB

	pendingMu sync.RWMutex
	pending   map[string]*pendingVersion
}

// pendingVersion is one write of a published but not yet sealed batch.
type pendingVersion struct {
	anchor    *Anchor
	commitTS  uint64
	value     []byte
	tombstone bool
}

// NewBadgerStore wraps an open badger instance. The store owns the
// instance from here on, Close closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, pending: make(map[string]*pendingVersion)}
}

// pendingAt returns the pending version of record if a snapshot at ts may
// observe it. Entries of an uncommitted anchor are invisible, their batch
// has not been published yet.
func (s *BadgerStore) pendingAt(record []byte, ts uint64) *pendingVersion {
	s.pendingMu.RLock()
	p := s.pending[string(record)]
	s.pendingMu.RUnlock()
	if p == nil || !p.anchor.Committed() || p.commitTS > ts {
		return nil
	}
	return p
}

// LastCommitTS returns the newest commit timestamp ever published into
// this store, surviving restarts. A clock resuming over existing data
// must start past it.
func (s *BadgerStore) LastCommitTS() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaLastCommit)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		data, err := item.Value()
		if err != nil {
			return errors.Trace(err)
		}
		if len(data) != 8 {
			return errors.Errorf("malformed last-commit marker, %d bytes", len(data))
		}
		last = binary.BigEndian.Uint64(data)
		return nil
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return last, nil
}

func encodeVersionValue(w *BatchWrite) []byte {
	if w.Delete {
		return []byte{kindTombstone}
	}
	buf := make([]byte, 0, len(w.Value)+1)
	buf = append(buf, kindPut)
	return append(buf, w.Value...)
}

func decodeVersionValue(data []byte) (value []byte, tombstone bool, err error) {
	if len(data) == 0 {
		return nil, false, errors.New("empty version value")
	}
	switch data[0] {
	case kindPut:
		return data[1:], false, nil
	case kindTombstone:
		return nil, true, nil
	}
	return nil, false, errors.Errorf("unknown version kind %d", data[0])
}

// seekVersion positions iter at the newest version of record with commit
// ts at or below ts and decodes its key. found is false when the record
// has no such version.
func seekVersion(iter *badger.Iterator, record []byte, ts uint64) (commitTS uint64, found bool, err error) {
	iter.Seek(codec.EncodeVersionKey(record, ts))
	if !iter.Valid() {
		return 0, false, nil
	}
	foundRecord, commitTS, err := codec.SplitVersionKey(iter.Item().Key())
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	if !bytes.Equal(foundRecord, record) {
		return 0, false, nil
	}
	return commitTS, true, nil
}

func (s *BadgerStore) Get(record []byte, ts uint64) ([]byte, uint64, bool, error) {
	// A pending version outranks everything in the engine, it is the
	// record's newest commit.
	if p := s.pendingAt(record, ts); p != nil {
		if p.tombstone {
			return nil, 0, false, nil
		}
		return append([]byte(nil), p.value...), p.commitTS, true, nil
	}
	var (
		value    []byte
		commitTS uint64
		ok       bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		cts, found, err := seekVersion(iter, record, ts)
		if err != nil || !found {
			return err
		}
		data, err := iter.Item().Value()
		if err != nil {
			return errors.Trace(err)
		}
		val, tombstone, err := decodeVersionValue(data)
		if err != nil {
			return errors.Trace(err)
		}
		if tombstone {
			return nil
		}
		value = append([]byte(nil), val...)
		commitTS = cts
		ok = true
		return nil
	})
	if err != nil {
		return nil, 0, false, errors.Trace(err)
	}
	return value, commitTS, ok, nil
}

func (s *BadgerStore) Exists(record []byte) (bool, error) {
	if p := s.pendingAt(record, math.MaxUint64); p != nil {
		return true, nil
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		var err error
		_, found, err = seekVersion(iter, record, math.MaxUint64)
		return err
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return found, nil
}

// Publish stages the batch in the pending table and flips the anchor, no
// engine work.
func (s *BadgerStore) Publish(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error) {
	s.pendingMu.Lock()
	for i := range batch {
		w := &batch[i]
		s.pending[string(w.Record)] = &pendingVersion{
			anchor:    anchor,
			commitTS:  commitTS,
			value:     w.Value,
			tombstone: w.Delete,
		}
	}
	s.pendingMu.Unlock()
	anchor.Commit()
	return nil, nil
}

// Seal writes the whole batch in one engine update and drops it from the
// pending table. Before writing a record it probes the previous newest
// engine version, which becomes garbage once no snapshot can reach past
// commitTS. A tombstone also retires itself, after the version it
// supersedes, because once every snapshot sees the tombstone the record is
// absent for everyone.
func (s *BadgerStore) Seal(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error) {
	var retired []Retired
	err := s.db.Update(func(txn *badger.Txn) error {
		retired = retired[:0]
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for i := range batch {
			w := &batch[i]
			prevTS, found, err := seekVersion(iter, w.Record, math.MaxUint64)
			if err != nil {
				return err
			}
			if found {
				retired = append(retired, Retired{Record: w.Record, CommitTS: prevTS, RetireTS: commitTS})
			}
			if w.Delete {
				retired = append(retired, Retired{Record: w.Record, CommitTS: commitTS, RetireTS: commitTS})
			}
			if err := txn.Set(codec.EncodeVersionKey(w.Record, commitTS), encodeVersionValue(w)); err != nil {
				return errors.Trace(err)
			}
		}
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], commitTS)
		return errors.Trace(txn.Set(metaLastCommit, tsBuf[:]))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.pendingMu.Lock()
	for i := range batch {
		key := string(batch[i].Record)
		if p := s.pending[key]; p != nil && p.commitTS == commitTS {
			delete(s.pending, key)
		}
	}
	s.pendingMu.Unlock()
	return retired, nil
}

func (s *BadgerStore) FreeVersion(record []byte, commitTS uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(codec.EncodeVersionKey(record, commitTS))
	})
	return errors.Trace(err)
}

// pendingInRange snapshots the pending versions a scan at ts must merge:
// committed anchors, commit ts within the snapshot, record within
// [start, end).
func (s *BadgerStore) pendingInRange(start, end []byte, ts uint64) map[string]*pendingVersion {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make(map[string]*pendingVersion)
	for key, p := range s.pending {
		if !p.anchor.Committed() || p.commitTS > ts {
			continue
		}
		if bytes.Compare([]byte(key), start) < 0 {
			continue
		}
		if end != nil && bytes.Compare([]byte(key), end) >= 0 {
			continue
		}
		out[key] = p
	}
	return out
}

// Scan iterates version keys ascending. For every record it reads the
// newest version at or below ts, then hops straight past the record's
// older versions. Pending versions override whatever the engine holds for
// their record, they are always the newer commit.
func (s *BadgerStore) Scan(start, end []byte, ts uint64, limit int) ([]Pair, error) {
	if limit <= 0 {
		return nil, nil
	}
	overrides := s.pendingInRange(start, end, ts)
	pairs := make([]Pair, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for iter.Seek(codec.EncodeVersionKey(start, ts)); iter.Valid(); {
			record, cts, err := codec.SplitVersionKey(iter.Item().Key())
			if err != nil {
				return errors.Trace(err)
			}
			if end != nil && bytes.Compare(record, end) >= 0 {
				break
			}
			if cts > ts {
				// Too new for the snapshot, drop to this record's
				// visible range.
				iter.Seek(codec.EncodeVersionKey(record, ts))
				continue
			}
			if p, ok := overrides[string(record)]; ok {
				delete(overrides, string(record))
				if !p.tombstone {
					pairs = append(pairs, Pair{Record: append([]byte(nil), record...), Value: append([]byte(nil), p.value...)})
					if len(pairs) >= limit {
						break
					}
				}
				iter.Seek(codec.EncodeVersionKey(record, 0))
				continue
			}
			data, err := iter.Item().Value()
			if err != nil {
				return errors.Trace(err)
			}
			value, tombstone, err := decodeVersionValue(data)
			if err != nil {
				return errors.Trace(err)
			}
			if !tombstone {
				pairs = append(pairs, Pair{Record: append([]byte(nil), record...), Value: append([]byte(nil), value...)})
				if len(pairs) >= limit {
					break
				}
			}
			// Skip the record's remaining, older versions. No version can
			// live in the ts=0 slot, so this seek always leaves the record.
			iter.Seek(codec.EncodeVersionKey(record, 0))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Pending records the engine does not know yet never show up in the
	// iteration, splice them in.
	if len(overrides) > 0 {
		for key, p := range overrides {
			if p.tombstone {
				continue
			}
			pairs = append(pairs, Pair{Record: []byte(key), Value: append([]byte(nil), p.value...)})
		}
		sort.Slice(pairs, func(i, j int) bool {
			return bytes.Compare(pairs[i].Record, pairs[j].Record) < 0
		})
		if len(pairs) > limit {
			pairs = pairs[:limit]
		}
	}
	return pairs, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
