// Package sequencer issues the logical timestamps that order every
// transaction event. Timestamps are opaque counter values with no relation
// to wall clock time; callers must never compare them against physical time.
package sequencer

import (
	"math"
	"time"

	"github.com/ngaut/log"
	"go.uber.org/atomic"
)

const (
	// TsMax is never issued by a clock. Storage layers use it to seek to
	// the newest version of a record.
	TsMax uint64 = math.MaxUint64

	// exhaustLimit keeps issued timestamps well inside the range the rest
	// of the system can pack next to status bits. At one million ticks per
	// second the limit is tens of thousands of years away.
	exhaustLimit uint64 = 1 << 61
)

// Clock is a strictly monotonic timestamp source shared by every
// transaction in one controller. All methods are safe for concurrent use.
type Clock struct {
	current *atomic.Uint64
	birth   time.Time
}

// NewClock returns a clock whose first Next call issues 1. Timestamp 0 is
// reserved to mean "no timestamp yet".
func NewClock() *Clock {
	return NewClockAt(0)
}

// NewClockAt returns a clock that resumes after last, so the first Next
// call issues last+1. Reopening a store seeds the clock this way to keep
// timestamps monotonic across process lifetimes.
func NewClockAt(last uint64) *Clock {
	return &Clock{
		current: atomic.NewUint64(last),
		birth:   time.Now(),
	}
}

// Next issues a timestamp strictly greater than every timestamp issued
// before it, across all goroutines. Two calls never observe the same value.
// Exhausting the timestamp space is unrecoverable, the process dies rather
// than reuse a value.
func (c *Clock) Next() uint64 {
	ts := c.current.Inc()
	if ts >= exhaustLimit {
		log.Fatalf("timestamp space exhausted at %d, refusing to wrap", ts)
	}
	return ts
}

// Current returns the newest issued timestamp without issuing a new one,
// or 0 if none was issued yet.
func (c *Clock) Current() uint64 {
	return c.current.Load()
}

// Birth reports the wall clock time the clock was created. Diagnostic
// only, no ordering decision may consult it.
func (c *Clock) Birth() time.Time {
	return c.birth
}
