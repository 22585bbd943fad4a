package mvcc

// Status is the lifecycle state of a transaction descriptor.
type Status uint8

const (
	// StatusActive means the transaction may still read, write, commit or
	// roll back.
	StatusActive Status = iota
	// StatusCommitted means validation passed and the write set is
	// published.
	StatusCommitted
	// StatusAborted means the transaction rolled back, by request or after
	// failed validation, publishing nothing.
	StatusAborted
	// StatusReclaimed means the reclaimer has freed everything the
	// terminal transaction retained.
	StatusReclaimed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusReclaimed:
		return "reclaimed"
	}
	return "unknown"
}

const (
	statusBits      = 2
	statusMask      = (1 << statusBits) - 1
	droppedFlag     = uint64(1)
	generationShift = 1
)

// packState packs a commit timestamp and a status into one cell so a
// single atomic store publishes both together. The clock refuses to issue
// timestamps anywhere near the packing headroom.
func packState(ts uint64, status Status) uint64 {
	return ts<<statusBits | uint64(status)
}

func unpackState(cell uint64) (uint64, Status) {
	return cell >> statusBits, Status(cell & statusMask)
}

// packMeta packs an arbitration entry's generation counter over its
// dropped flag.
func packMeta(generation uint64, dropped bool) uint64 {
	cell := generation << generationShift
	if dropped {
		cell |= droppedFlag
	}
	return cell
}

func metaDropped(cell uint64) bool {
	return cell&droppedFlag != 0
}

func metaGeneration(cell uint64) uint64 {
	return cell >> generationShift
}
