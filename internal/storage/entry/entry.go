package entry

// Entry is one versioned record of the store. A tombstone entry marks a
// deletion and carries no value; it is data in its own right and must shadow
// older values of the same key until compaction drops it.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Tombstone bool
}

// timestamp (8 bytes) + tombstone flag (1 byte)
const overhead = 9

func New(key, value []byte, timestamp uint64) *Entry {
	return &Entry{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
	}
}

func NewTombstone(key []byte, timestamp uint64) *Entry {
	return &Entry{
		Key:       key,
		Timestamp: timestamp,
		Tombstone: true,
	}
}

// Size estimates the in-memory footprint of the entry, used to drive the
// memtable flush trigger.
func (e *Entry) Size() int {
	return len(e.Key) + len(e.Value) + overhead
}

// Pair is an externally visible key-value pair, as returned by scans.
// Tombstones and timestamps never leave the engine.
type Pair struct {
	Key   []byte
	Value []byte
}
