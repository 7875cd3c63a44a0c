package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/internal/storage/entry"
)

// SkipMap backs the memtable with a concurrent skip list keyed by raw bytes.
// Lookups and iteration are safe against a concurrent writer, which lets the
// engine keep serving reads during the flush swap.
type SkipMap struct {
	m    *skipmap.FuncMap[[]byte, *entry.Entry]
	size atomic.Int64
}

func NewSkipMap() MemTable {
	return &SkipMap{
		m: skipmap.NewFunc[[]byte, *entry.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (s *SkipMap) Put(e *entry.Entry) {
	if old, ok := s.m.Load(e.Key); ok {
		s.size.Add(int64(e.Size() - old.Size()))
	} else {
		s.size.Add(int64(e.Size()))
	}
	s.m.Store(e.Key, e)
}

func (s *SkipMap) Get(key []byte) (*entry.Entry, bool) {
	return s.m.Load(key)
}

func (s *SkipMap) All() []*entry.Entry {
	entries := make([]*entry.Entry, 0, s.m.Len())
	s.m.Range(func(_ []byte, e *entry.Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

func (s *SkipMap) Range(start, end []byte) []*entry.Entry {
	var entries []*entry.Entry
	s.m.Range(func(key []byte, e *entry.Entry) bool {
		if end != nil && bytes.Compare(key, end) >= 0 {
			return false
		}
		if start != nil && bytes.Compare(key, start) < 0 {
			return true
		}
		entries = append(entries, e)
		return true
	})
	return entries
}

func (s *SkipMap) Size() int {
	return int(s.size.Load())
}

func (s *SkipMap) EntriesCnt() int {
	return s.m.Len()
}
