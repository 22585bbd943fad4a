package mvcc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dgryski/go-farm"
)

// accessEntry is the arbitration cell of one record. writer is the
// transaction currently holding write ownership, claimed and released by
// compare-and-swap so contenders fail fast instead of queueing.
// latestCommit is the newest commit timestamp that touched the record and
// is what validation checks snapshots against. meta packs a generation
// counter over a dropped flag so an entry the reclaimer pruned is never
// silently resurrected.
type accessEntry struct {
	writer       unsafe.Pointer // *Txn
	latestCommit uint64
	meta         uint64
}

func (e *accessEntry) loadWriter() *Txn {
	return (*Txn)(atomic.LoadPointer(&e.writer))
}

func (e *accessEntry) claimWriter(t *Txn) bool {
	return atomic.CompareAndSwapPointer(&e.writer, nil, unsafe.Pointer(t))
}

// releaseWriter clears ownership only if t still holds it, release is
// idempotent and never steals from a later owner.
func (e *accessEntry) releaseWriter(t *Txn) {
	atomic.CompareAndSwapPointer(&e.writer, unsafe.Pointer(t), nil)
}

func (e *accessEntry) loadLatestCommit() uint64 {
	return atomic.LoadUint64(&e.latestCommit)
}

func (e *accessEntry) storeLatestCommit(ts uint64) {
	atomic.StoreUint64(&e.latestCommit, ts)
}

func (e *accessEntry) dropped() bool {
	return metaDropped(atomic.LoadUint64(&e.meta))
}

func (e *accessEntry) markDropped() {
	cell := atomic.LoadUint64(&e.meta)
	atomic.StoreUint64(&e.meta, packMeta(metaGeneration(cell)+1, true))
}

func (e *accessEntry) clearDropped() {
	cell := atomic.LoadUint64(&e.meta)
	atomic.StoreUint64(&e.meta, packMeta(metaGeneration(cell), false))
}

func (e *accessEntry) generation() uint64 {
	return metaGeneration(atomic.LoadUint64(&e.meta))
}

// entryShard is one stripe of the arbitration table. The map mutex only
// covers lookup and insert; every field of the entries themselves is
// atomic, so ownership traffic never serializes behind the map.
type entryShard struct {
	mu      sync.RWMutex
	entries map[string]*accessEntry
}

func (s *entryShard) lookup(record []byte) *accessEntry {
	s.mu.RLock()
	e := s.entries[string(record)]
	s.mu.RUnlock()
	return e
}

func (s *entryShard) getOrCreate(record []byte) *accessEntry {
	if e := s.lookup(record); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[string(record)]; e != nil {
		return e
	}
	e := &accessEntry{}
	s.entries[string(record)] = e
	return e
}

// prune drops idle entries whose newest commit the low-water mark has
// passed. An acquirer racing the prune detects the dropped flag after its
// claim and retries against a fresh entry.
func (s *entryShard) prune(lwm uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for record, e := range s.entries {
		if e.loadWriter() != nil || e.loadLatestCommit() >= lwm {
			continue
		}
		e.markDropped()
		if e.loadWriter() != nil {
			// An acquirer slipped in between the check and the flag,
			// the entry stays.
			e.clearDropped()
			continue
		}
		delete(s.entries, record)
		pruned++
	}
	return pruned
}

func (s *entryShard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// entryTable stripes arbitration entries across power-of-two shards keyed
// by record fingerprint.
type entryTable struct {
	shards []entryShard
	mask   uint64
}

func newEntryTable(shardCount int) *entryTable {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	t := &entryTable{
		shards: make([]entryShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*accessEntry)
	}
	return t
}

func (t *entryTable) shardFor(record []byte) *entryShard {
	return &t.shards[farm.Fingerprint64(record)&t.mask]
}

func (t *entryTable) size() int {
	total := 0
	for i := range t.shards {
		total += t.shards[i].len()
	}
	return total
}
