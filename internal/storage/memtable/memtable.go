package memtable

import "lsmkv/internal/storage/entry"

type Constructor func() MemTable

// MemTable is the mutable, sorted in-memory buffer of recent writes. The
// engine serializes writers; readers may run concurrently with them.
// Deletions are stored as tombstone entries, never removed in place.
type MemTable interface {
	Put(e *entry.Entry)
	Get(key []byte) (*entry.Entry, bool)
	All() []*entry.Entry                    // all entries in key order
	Range(start, end []byte) []*entry.Entry // entries with start <= key < end, in key order
	Size() int                              // estimated data size in bytes
	EntriesCnt() int                        // num of entries
}
