// Package storage holds the version stores a transaction controller
// publishes committed data into. A store keeps every live version of every
// record; the controller decides what is visible to whom and when a
// version may be reclaimed, the store only executes those decisions.
package storage

import (
	"go.uber.org/atomic"
)

// Anchor is the publication cell a committing transaction shares with
// every version it stages. Staged versions stay invisible while the anchor
// is uncommitted; one Commit call flips the whole set visible at the same
// instant. Readers that race a publication resolve visibility through the
// anchor instead of waiting for the publisher.
type Anchor struct {
	committed atomic.Bool
}

// NewAnchor returns an uncommitted anchor.
func NewAnchor() *Anchor {
	return &Anchor{}
}

// Commit marks every version pointing at this anchor visible. It is
// called exactly once, after all versions of the batch are in place.
func (a *Anchor) Commit() {
	a.committed.Store(true)
}

// Committed reports whether the owning batch has been published.
func (a *Anchor) Committed() bool {
	return a.committed.Load()
}

// BatchWrite is one record mutation inside a commit publication.
type BatchWrite struct {
	Record []byte
	Value  []byte
	Delete bool
}

// Retired identifies a version a newer commit superseded. The version
// stays readable until no snapshot can need it anymore, then the
// reclaimer hands it back through FreeVersion.
type Retired struct {
	Record   []byte
	CommitTS uint64 // timestamp of the superseded version
	RetireTS uint64 // timestamp of the commit that superseded it
}

// Pair is one record identifier and its visible value.
type Pair struct {
	Record []byte
	Value  []byte
}

// VersionStore answers snapshot reads over the full version history.
// Implementations must make a published batch visible atomically: a reader
// observes either every write of the batch or none of them, never a
// partial set.
type VersionStore interface {
	// Get returns the newest value of record whose commit timestamp is at
	// or below ts, along with that commit timestamp. ok is false when the
	// record has no visible version at ts, including when the visible
	// version is a tombstone.
	Get(record []byte, ts uint64) (value []byte, commitTS uint64, ok bool, err error)

	// Exists reports whether the record has any version at all, live or
	// tombstoned.
	Exists(record []byte) (bool, error)

	// Publish makes every write in batch visible at commitTS as one unit
	// and returns the versions it is already known to supersede. The batch
	// holds at most one write per record. Publication is the anchor flip,
	// pure memory work: the caller runs it inside its commit critical
	// section and a store must not touch its engine here.
	Publish(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error)

	// Seal completes a publication begun by Publish with the same
	// arguments: engine persistence and whatever cleanup the store needs,
	// run outside the caller's critical section. The batch is already
	// visible, so readers are unaffected. Returns any further superseded
	// versions discovered while persisting.
	Seal(anchor *Anchor, commitTS uint64, batch []BatchWrite) ([]Retired, error)

	// FreeVersion removes one version. Only the reclaimer calls it, one
	// call at a time, and only for versions no snapshot can reach.
	FreeVersion(record []byte, commitTS uint64) error

	// Scan returns up to limit records in [start, end) with the values
	// visible at ts. A nil end means no upper bound.
	Scan(start, end []byte, ts uint64, limit int) ([]Pair, error)

	// Close releases underlying resources.
	Close() error
}
