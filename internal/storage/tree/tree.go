package tree

import (
	"bytes"
	"fmt"
	"math"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/clock"
	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/memtable"
	"lsmkv/internal/storage/wal"
	"lsmkv/pkg/logger"
)

const (
	walDirName = "walfile"
	sstDirName = "sstfile"

	WALExt = ".wal"
	SSTExt = ".sst"
)

// LSMTree is the storage engine core: a mutable memtable backed by a WAL,
// frozen memtables awaiting flush, and levels of immutable sstable nodes.
// Background work (flush, compaction) runs on one worker goroutine; at most
// one pass touches a given set of files at a time.
type LSMTree struct {
	conf *config.Config
	clk  *clock.Clock

	// dataLock guards the active memtable, the frozen list and the WAL
	// writer. Writers are exclusive so the WAL order matches visibility
	// order; readers share.
	dataLock       sync.RWMutex
	memTable       memtable.MemTable
	rOnlyMemTables []*memTableCompactItem
	walWriter      *wal.Writer
	memTableIndex  int

	nodes      [][]*Node
	levelLocks []sync.RWMutex
	levelToSeq []atomic.Int32

	// flushLock serializes background flush/compaction with the synchronous
	// Flush and Clear paths.
	flushLock sync.Mutex

	memCompactCh   chan struct{}
	levelCompactCh chan int
	stopCh         chan struct{}
	workerDone     chan struct{}
	stopOnce       sync.Once
}

// memTableCompactItem pairs a frozen memtable with the WAL file that is
// redundant once the table reaches level 0.
type memTableCompactItem struct {
	walFile  string
	memTable memtable.MemTable
}

func New(conf *config.Config) (*LSMTree, error) {
	t := &LSMTree{
		conf:           conf,
		clk:            clock.New(uint64(time.Now().UnixMicro())),
		nodes:          make([][]*Node, conf.MaxLevel),
		levelLocks:     make([]sync.RWMutex, conf.MaxLevel),
		levelToSeq:     make([]atomic.Int32, conf.MaxLevel),
		memCompactCh:   make(chan struct{}, 1),
		levelCompactCh: make(chan int, conf.MaxLevel),
		stopCh:         make(chan struct{}),
		workerDone:     make(chan struct{}),
	}

	if err := t.prepareDirs(); err != nil {
		return nil, err
	}
	if err := t.removeOrphans(); err != nil {
		return nil, err
	}
	if err := t.constructTree(); err != nil {
		return nil, err
	}
	if err := t.constructMemTables(); err != nil {
		return nil, err
	}

	go t.compactWorker()

	// anything replayed from older WAL generations still needs flushing
	if len(t.rOnlyMemTables) > 0 {
		t.signalMemCompact()
	}
	return t, nil
}

// Put appends one mutation: WAL first (the durability point), memtable
// second (the visibility point). The timestamp is taken inside the write
// lock so durable order, visible order and timestamp order all agree.
func (t *LSMTree) Put(key, value []byte, tombstone bool) error {
	t.dataLock.Lock()
	defer t.dataLock.Unlock()

	var e *entry.Entry
	if tombstone {
		e = entry.NewTombstone(key, t.clk.Next())
	} else {
		e = entry.New(key, value, t.clk.Next())
	}

	if err := t.walWriter.Append(e); err != nil {
		return err
	}
	t.memTable.Put(e)

	if uint64(t.memTable.Size()) < t.conf.MemTableSize {
		return nil
	}
	return t.rotateMemTableLocked()
}

// Get returns the newest record for key across every source, newest source
// first. The record may be a tombstone; the caller maps that to "absent".
func (t *LSMTree) Get(key []byte) (*entry.Entry, bool, error) {
	t.dataLock.RLock()
	if e, ok := t.memTable.Get(key); ok {
		t.dataLock.RUnlock()
		return e, true, nil
	}
	for i := len(t.rOnlyMemTables) - 1; i >= 0; i-- {
		if e, ok := t.rOnlyMemTables[i].memTable.Get(key); ok {
			t.dataLock.RUnlock()
			return e, true, nil
		}
	}
	t.dataLock.RUnlock()

	// level 0 files may overlap, probe newest to oldest
	t.levelLocks[0].RLock()
	for i := len(t.nodes[0]) - 1; i >= 0; i-- {
		e, ok, err := t.nodes[0][i].Get(key)
		if err != nil {
			t.levelLocks[0].RUnlock()
			return nil, false, err
		}
		if ok {
			t.levelLocks[0].RUnlock()
			return e, true, nil
		}
	}
	t.levelLocks[0].RUnlock()

	// deeper levels are sorted and disjoint, one candidate per level
	for level := 1; level < len(t.nodes); level++ {
		t.levelLocks[level].RLock()
		node, ok := t.levelBinarySearch(level, key)
		if ok {
			e, found, err := node.Get(key)
			if err != nil {
				t.levelLocks[level].RUnlock()
				return nil, false, err
			}
			if found {
				t.levelLocks[level].RUnlock()
				return e, true, nil
			}
		}
		t.levelLocks[level].RUnlock()
	}
	return nil, false, nil
}

// Scan merges every source over [start, end), newest timestamp winning per
// key, and returns the surviving non-tombstone pairs in key order. A nil
// end is unbounded.
func (t *LSMTree) Scan(start, end []byte) ([]*entry.Pair, error) {
	merged := t.conf.MemTableConstructor()
	apply := func(entries []*entry.Entry) {
		for _, e := range entries {
			if old, ok := merged.Get(e.Key); !ok || e.Timestamp > old.Timestamp {
				merged.Put(e)
			}
		}
	}

	// Sources are read newest first: active, frozen, L0, then deeper levels.
	// Flush and compaction install into the destination before removing from
	// the source, so a key migrating downward is always seen in at least one
	// of the two; reading the other order could miss it entirely. Duplicates
	// resolve by timestamp, so the read order costs nothing.
	t.dataLock.RLock()
	apply(t.memTable.Range(start, end))
	for i := len(t.rOnlyMemTables) - 1; i >= 0; i-- {
		apply(t.rOnlyMemTables[i].memTable.Range(start, end))
	}
	t.dataLock.RUnlock()

	for level := 0; level < len(t.nodes); level++ {
		t.levelLocks[level].RLock()
		for _, node := range t.nodes[level] {
			if !node.Overlaps(start, end) {
				continue
			}
			entries, err := node.Range(start, end)
			if err != nil {
				t.levelLocks[level].RUnlock()
				return nil, err
			}
			apply(entries)
		}
		t.levelLocks[level].RUnlock()
	}

	pairs := make([]*entry.Pair, 0, merged.EntriesCnt())
	for _, e := range merged.All() {
		if e.Tombstone {
			continue
		}
		pairs = append(pairs, &entry.Pair{Key: e.Key, Value: e.Value})
	}
	return pairs, nil
}

// Flush forces everything buffered in memory into durable sstables before
// returning.
func (t *LSMTree) Flush() error {
	t.dataLock.Lock()
	if t.memTable.EntriesCnt() > 0 {
		if err := t.rotateMemTableLocked(); err != nil {
			t.dataLock.Unlock()
			return err
		}
	}
	t.dataLock.Unlock()

	return t.flushFrozen()
}

// Clear wipes the store: memtables, WAL files and every sstable. Destructive
// by design; not part of the durability path.
func (t *LSMTree) Clear() error {
	t.flushLock.Lock()
	defer t.flushLock.Unlock()
	t.dataLock.Lock()
	defer t.dataLock.Unlock()

	t.walWriter.Close()
	if err := t.removeWALFiles(); err != nil {
		return err
	}

	for level := range t.nodes {
		t.levelLocks[level].Lock()
		for _, node := range t.nodes[level] {
			node.Destroy()
		}
		t.nodes[level] = nil
		t.levelToSeq[level].Store(0)
		t.levelLocks[level].Unlock()
	}

	t.rOnlyMemTables = nil
	t.memTableIndex = 0
	return t.resetMemTableLocked()
}

// Stop halts background work and closes every open file handle. It joins the
// worker first so no flush or compaction is still touching the readers being
// closed.
func (t *LSMTree) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		<-t.workerDone

		t.dataLock.Lock()
		t.walWriter.Close()
		t.dataLock.Unlock()

		for level := range t.nodes {
			t.levelLocks[level].RLock()
			for _, node := range t.nodes[level] {
				node.Close()
			}
			t.levelLocks[level].RUnlock()
		}
	})
}

// rotateMemTableLocked freezes the active memtable, installs a fresh one
// with a new WAL generation and wakes the flush worker. New writes never
// wait on the flush itself. The next WAL is opened before anything is
// frozen, so a failed rotation leaves the tree exactly as it was and the
// caller can simply retry. Caller holds dataLock.
func (t *LSMTree) rotateMemTableLocked() error {
	oldWALFile := t.walFile()
	t.memTableIndex++
	walWriter, err := wal.NewWriter(t.walFile())
	if err != nil {
		t.memTableIndex--
		return fmt.Errorf("open wal: %w", err)
	}

	t.walWriter.Close()
	t.rOnlyMemTables = append(t.rOnlyMemTables, &memTableCompactItem{
		walFile:  oldWALFile,
		memTable: t.memTable,
	})
	t.walWriter = walWriter
	t.memTable = t.conf.MemTableConstructor()

	t.signalMemCompact()
	return nil
}

func (t *LSMTree) resetMemTableLocked() error {
	walWriter, err := wal.NewWriter(t.walFile())
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	t.walWriter = walWriter
	t.memTable = t.conf.MemTableConstructor()
	return nil
}

func (t *LSMTree) signalMemCompact() {
	select {
	case t.memCompactCh <- struct{}{}:
	default:
	}
}

func (t *LSMTree) levelBinarySearch(level int, key []byte) (*Node, bool) {
	left, right := 0, len(t.nodes[level])-1
	for left <= right {
		mid := left + (right-left)/2
		switch {
		case bytes.Compare(key, t.nodes[level][mid].Start()) < 0:
			right = mid - 1
		case bytes.Compare(key, t.nodes[level][mid].End()) > 0:
			left = mid + 1
		default:
			return t.nodes[level][mid], true
		}
	}
	return nil, false
}

func (t *LSMTree) levelSize(level int) uint64 {
	t.levelLocks[level].RLock()
	defer t.levelLocks[level].RUnlock()

	var size uint64
	for _, node := range t.nodes[level] {
		size += node.Size()
	}
	return size
}

func (t *LSMTree) levelLimit(level int) uint64 {
	return t.conf.SSTSize * uint64(math.Pow10(level)) * uint64(t.conf.SSTNumPerLevel)
}

// checkLevels wakes the compaction worker for every level over budget. The
// signal may be dropped when one is already pending; the next flush or
// compaction re-evaluates.
func (t *LSMTree) checkLevels() {
	for level := 0; level < len(t.nodes)-1; level++ {
		if t.levelSize(level) <= t.levelLimit(level) {
			continue
		}
		select {
		case t.levelCompactCh <- level:
		default:
		}
	}
}

func (t *LSMTree) compactWorker() {
	defer close(t.workerDone)
	for {
		// stop wins over pending work
		select {
		case <-t.stopCh:
			return
		default:
		}

		select {
		case <-t.stopCh:
			return
		case <-t.memCompactCh:
			if err := t.flushFrozen(); err != nil {
				logger.Error("flush memtable failed", "err", err)
			}
		case level := <-t.levelCompactCh:
			t.flushLock.Lock()
			err := t.compactLevel(level)
			t.flushLock.Unlock()
			if err != nil {
				logger.Error("compaction failed", "level", level, "err", err)
			}
			t.checkLevels()
		}
	}
}

func (t *LSMTree) walFile() string {
	return path.Join(t.conf.Dir, walDirName, fmt.Sprintf("%d%s", t.memTableIndex, WALExt))
}

func (t *LSMTree) sstFile(level int, seq int32) string {
	return path.Join(sstDirName, fmt.Sprintf("%d_%d%s", level, seq, SSTExt))
}
