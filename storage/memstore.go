package storage

import (
	"bytes"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/petar/GoLLRB/llrb"
)

// version is one entry in a record's newest-first chain. Fields other than
// owner and next are fixed at creation. owner is cleared once publication
// finishes, next is only rewritten by the reclaimer.
type version struct {
	commitTS  uint64
	tombstone bool
	value     []byte
	owner     unsafe.Pointer // *Anchor, nil once fully published
	next      unsafe.Pointer // *version, next older
}

func (v *version) loadNext() *version {
	return (*version)(atomic.LoadPointer(&v.next))
}

// visibleAt reports whether a snapshot at ts may observe this version.
// A version racing its own publication stays invisible until the owning
// anchor commits, so a batch appears all at once.
func (v *version) visibleAt(ts uint64) bool {
	if v.commitTS > ts {
		return false
	}
	owner := (*Anchor)(atomic.LoadPointer(&v.owner))
	return owner == nil || owner.Committed()
}

// record anchors the version chain of one identifier. Records are never
// removed from the index, a fully reclaimed record keeps an empty chain.
type record struct {
	id   []byte
	head unsafe.Pointer // *version, newest first
}

func (r *record) loadHead() *version {
	return (*version)(atomic.LoadPointer(&r.head))
}

type recordItem struct {
	rec *record
}

func (it recordItem) Less(than llrb.Item) bool {
	return bytes.Compare(it.rec.id, than.(recordItem).rec.id) < 0
}

// MemStore keeps every version in process memory. The record index is a
// left-leaning red-black tree behind a read-write mutex; the version
// chains hanging off it are lock-free, so readers never block behind a
// publication and publications never block behind readers.
type MemStore struct {
	mu    sync.RWMutex
	index *llrb.LLRB
}

// NewMemStore returns an empty in-memory version store.
func NewMemStore() *MemStore {
	return &MemStore{index: llrb.New()}
}

func (s *MemStore) getRecord(id []byte) *record {
	s.mu.RLock()
	it := s.index.Get(recordItem{rec: &record{id: id}})
	s.mu.RUnlock()
	if it == nil {
		return nil
	}
	return it.(recordItem).rec
}

func (s *MemStore) getOrCreateRecord(id []byte) *record {
	if rec := s.getRecord(id); rec != nil {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.index.Get(recordItem{rec: &record{id: id}}); it != nil {
		return it.(recordItem).rec
	}
	rec := &record{id: append([]byte(nil), id...)}
	s.index.ReplaceOrInsert(recordItem{rec: rec})
	return rec
}

// Get walks the chain newest first and returns the first version the
// snapshot at ts may observe.
func (s *MemStore) Get(id []byte, ts uint64) ([]byte, uint64, bool, error) {
	rec := s.getRecord(id)
	if rec == nil {
		return nil, 0, false, nil
	}
	for v := rec.loadHead(); v != nil; v = v.loadNext() {
		if !v.visibleAt(ts) {
			continue
		}
		if v.tombstone {
			return nil, 0, false, nil
		}
		return v.value, v.commitTS, true, nil
	}
	return nil, 0, false, nil
}

func (s *MemStore) Exists(id []byte) (bool, error) {
	rec := s.getRecord(id)
	return rec != nil && rec.loadHead() != nil, nil
}

// Publish stages one version per write, all pointing at anchor and all
// invisible, then commits the anchor. That single store is the moment the
// whole batch becomes visible. A superseded previous head is reported as
// retired; a tombstone additionally retires itself, because once every
// snapshot sees the tombstone the record is absent for everyone.
func (s *MemStore) Publish(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error) {
	retired := make([]Retired, 0, len(batch))
	for i := range batch {
		w := &batch[i]
		rec := s.getOrCreateRecord(w.Record)
		v := &version{
			commitTS:  commitTS,
			tombstone: w.Delete,
			value:     w.Value,
			owner:     unsafe.Pointer(anchor),
		}
		for {
			head := rec.loadHead()
			v.next = unsafe.Pointer(head)
			if atomic.CompareAndSwapPointer(&rec.head, unsafe.Pointer(head), unsafe.Pointer(v)) {
				if head != nil {
					retired = append(retired, Retired{Record: rec.id, CommitTS: head.commitTS, RetireTS: commitTS})
				}
				break
			}
		}
		if w.Delete {
			retired = append(retired, Retired{Record: rec.id, CommitTS: commitTS, RetireTS: commitTS})
		}
	}
	anchor.Commit()
	return retired, nil
}

// Seal detaches the anchor from the versions Publish staged, so later
// reads skip the indirection. The publisher still owns the records, no
// newer version can have displaced the staged heads yet.
func (s *MemStore) Seal(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error) {
	for i := range batch {
		rec := s.getRecord(batch[i].Record)
		if rec == nil {
			continue
		}
		if v := rec.loadHead(); v != nil && v.commitTS == commitTS {
			atomic.StorePointer(&v.owner, nil)
		}
	}
	return nil, nil
}

// FreeVersion unlinks one version from its chain. Head removal races
// concurrent publications on the same record, so it retries through the
// head CAS; interior links are only ever rewritten here.
func (s *MemStore) FreeVersion(id []byte, commitTS uint64) error {
	rec := s.getRecord(id)
	if rec == nil {
		return nil
	}
	for {
		head := rec.loadHead()
		if head == nil {
			return nil
		}
		if head.commitTS == commitTS {
			if atomic.CompareAndSwapPointer(&rec.head, unsafe.Pointer(head), atomic.LoadPointer(&head.next)) {
				return nil
			}
			continue
		}
		prev := head
		for {
			cur := prev.loadNext()
			if cur == nil {
				return nil
			}
			if cur.commitTS == commitTS {
				atomic.StorePointer(&prev.next, atomic.LoadPointer(&cur.next))
				return nil
			}
			prev = cur
		}
	}
}

// Scan ascends the record index from start and collects the value visible
// at ts for each record, stopping at end or after limit live records.
func (s *MemStore) Scan(start, end []byte, ts uint64, limit int) ([]Pair, error) {
	if limit <= 0 {
		return nil, nil
	}
	pairs := make([]Pair, 0, limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.index.AscendGreaterOrEqual(recordItem{rec: &record{id: start}}, func(i llrb.Item) bool {
		rec := i.(recordItem).rec
		if end != nil && bytes.Compare(rec.id, end) >= 0 {
			return false
		}
		for v := rec.loadHead(); v != nil; v = v.loadNext() {
			if !v.visibleAt(ts) {
				continue
			}
			if !v.tombstone {
				pairs = append(pairs, Pair{Record: rec.id, Value: v.value})
			}
			break
		}
		return len(pairs) < limit
	})
	return pairs, nil
}

func (s *MemStore) Close() error {
	return nil
}
