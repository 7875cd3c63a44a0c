package tree

import (
	"bytes"
	"os"

	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/memtable"
	"lsmkv/internal/storage/sstable"
	"lsmkv/pkg/logger"
)

// flushFrozen drains the frozen memtable queue oldest first. Each table
// becomes one level-0 sstable; only after the table is durably published is
// it dropped from the read path and its WAL file deleted. A failed flush
// keeps both, so committed data survives.
func (t *LSMTree) flushFrozen() error {
	t.flushLock.Lock()
	defer t.flushLock.Unlock()

	for {
		t.dataLock.RLock()
		if len(t.rOnlyMemTables) == 0 {
			t.dataLock.RUnlock()
			break
		}
		item := t.rOnlyMemTables[0]
		t.dataLock.RUnlock()

		if err := t.flushMemTable(item.memTable); err != nil {
			return err
		}

		t.dataLock.Lock()
		t.rOnlyMemTables = t.rOnlyMemTables[1:]
		t.dataLock.Unlock()

		// the sstable now owns this data, the WAL segment is redundant
		if err := os.Remove(item.walFile); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove flushed wal file", "file", item.walFile, "err", err)
		}
	}

	t.checkLevels()
	return nil
}

// flushMemTable writes one frozen memtable as a level-0 sstable and installs
// it in the tree.
func (t *LSMTree) flushMemTable(mt memtable.MemTable) error {
	if mt.EntriesCnt() == 0 {
		return nil
	}

	seq := t.levelToSeq[0].Load() + 1
	sstWriter, err := sstable.NewWriter(t.sstFile(0, seq), t.conf)
	if err != nil {
		return err
	}
	defer sstWriter.Close()

	for _, e := range mt.All() {
		if err := sstWriter.Append(e); err != nil {
			return err
		}
	}

	size, blockToFilter, index, err := sstWriter.Finish()
	if err != nil {
		return err
	}
	if err := t.insertNode(0, seq, size, blockToFilter, index); err != nil {
		return err
	}

	logger.Debug("flushed memtable", "entries", mt.EntriesCnt(), "seq", seq, "bytes", size)
	return nil
}

// compactLevel merges an overlapping slice of level and level+1 into fresh
// level+1 sstables. Inputs are removed from the tree and deleted only after
// every output is durably and visibly installed; a mid-way crash leaves the
// inputs plus at worst an orphaned .tmp output, discarded at next startup.
// Caller holds flushLock.
func (t *LSMTree) compactLevel(level int) error {
	pickedNodes := t.pickCompactNodes(level)
	if len(pickedNodes) == 0 {
		return nil
	}

	merged, err := t.mergeNodes(pickedNodes)
	if err != nil {
		return err
	}

	// A tombstone placed in the final level shadows nothing below it, so it
	// may finally be dropped. Anywhere else it must survive the merge or
	// deleted keys would resurrect from older runs.
	dropTombstones := level+1 == len(t.nodes)-1

	sstLimit := t.conf.SSTSize * pow10(level+1)

	var (
		sstWriter *sstable.Writer
		seq       int32
	)
	finish := func() error {
		if sstWriter == nil {
			return nil
		}
		defer func() { sstWriter = nil }()

		size, blockToFilter, index, err := sstWriter.Finish()
		if err != nil {
			_ = sstWriter.Close()
			return err
		}
		return t.insertNode(level+1, seq, size, blockToFilter, index)
	}

	for _, e := range merged {
		if dropTombstones && e.Tombstone {
			continue
		}
		if sstWriter != nil && sstWriter.Size() > sstLimit {
			if err := finish(); err != nil {
				return err
			}
		}
		if sstWriter == nil {
			seq = t.levelToSeq[level+1].Load() + 1
			if sstWriter, err = sstable.NewWriter(t.sstFile(level+1, seq), t.conf); err != nil {
				return err
			}
		}
		if err := sstWriter.Append(e); err != nil {
			_ = sstWriter.Close()
			return err
		}
	}
	if err := finish(); err != nil {
		return err
	}

	t.removeNodes(level, pickedNodes)

	logger.Debug("compacted level", "level", level, "inputs", len(pickedNodes), "entries", len(merged))
	return nil
}

// pickCompactNodes selects a seed window of the level's key space, then grows
// it to a fixpoint: as long as any unpicked node on level or level+1 overlaps
// the window, that node joins and widens it. At the fixpoint nothing left
// behind can overlap the merged output, so level+1 stays disjoint and no
// stale run can shadow a merged key.
func (t *LSMTree) pickCompactNodes(level int) []*Node {
	t.levelLocks[level].RLock()
	t.levelLocks[level+1].RLock()
	defer t.levelLocks[level].RUnlock()
	defer t.levelLocks[level+1].RUnlock()

	if len(t.nodes[level]) == 0 {
		return nil
	}

	startKey := t.nodes[level][0].Start()
	endKey := t.nodes[level][0].End()

	mid := len(t.nodes[level]) >> 1
	if bytes.Compare(t.nodes[level][mid].Start(), startKey) < 0 {
		startKey = t.nodes[level][mid].Start()
	}
	if bytes.Compare(t.nodes[level][mid].End(), endKey) > 0 {
		endKey = t.nodes[level][mid].End()
	}

	picked := make(map[*Node]bool)
	for changed := true; changed; {
		changed = false
		for i := level; i <= level+1; i++ {
			for _, node := range t.nodes[i] {
				if picked[node] {
					continue
				}
				if bytes.Compare(endKey, node.Start()) < 0 ||
					bytes.Compare(startKey, node.End()) > 0 {
					continue
				}
				picked[node] = true
				if bytes.Compare(node.Start(), startKey) < 0 {
					startKey = node.Start()
				}
				if bytes.Compare(node.End(), endKey) > 0 {
					endKey = node.End()
				}
				changed = true
			}
		}
	}

	// level+1 first: within the result, older sources come before newer ones
	var pickedNodes []*Node
	for i := level + 1; i >= level; i-- {
		for _, node := range t.nodes[i] {
			if picked[node] {
				pickedNodes = append(pickedNodes, node)
			}
		}
	}
	return pickedNodes
}

// mergeNodes resolves the picked runs into one sorted, deduplicated entry
// stream. The newest timestamp wins per key; on a timestamp tie the later
// (newer-generation) source wins because sources are applied oldest first.
func (t *LSMTree) mergeNodes(pickedNodes []*Node) ([]*entry.Entry, error) {
	merged := t.conf.MemTableConstructor()
	for _, node := range pickedNodes {
		entries, err := node.GetAll()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if old, ok := merged.Get(e.Key); !ok || e.Timestamp >= old.Timestamp {
				merged.Put(e)
			}
		}
	}
	return merged.All(), nil
}

// removeNodes unlinks the compacted inputs from the tree and destroys them.
// Taking the level lock excludes every in-flight reader of a node, so once a
// node is unlinked its files can be closed and deleted immediately; no
// detached cleanup survives past the compaction pass.
func (t *LSMTree) removeNodes(level int, nodes []*Node) {
outer:
	for _, node := range nodes {
		for i := level + 1; i >= level; i-- {
			t.levelLocks[i].Lock()
			for j := range t.nodes[i] {
				if node != t.nodes[i][j] {
					continue
				}
				t.nodes[i] = append(t.nodes[i][:j], t.nodes[i][j+1:]...)
				t.levelLocks[i].Unlock()
				continue outer
			}
			t.levelLocks[i].Unlock()
		}
	}

	for _, node := range nodes {
		node.Destroy()
	}
}

// insertNode opens a reader on a freshly published sstable and links it
// into the tree.
func (t *LSMTree) insertNode(level int, seq int32, size uint64, blockToFilter map[uint64][]byte, index []*sstable.IndexEntry) error {
	file := t.sstFile(level, seq)
	sstReader, err := sstable.NewReader(file, t.conf)
	if err != nil {
		return err
	}
	return t.insertNodeWithReader(sstReader, file, level, seq, size, blockToFilter, index)
}

func (t *LSMTree) insertNodeWithReader(sstReader *sstable.Reader, file string, level int, seq int32,
	size uint64, blockToFilter map[uint64][]byte, index []*sstable.IndexEntry) error {
	newNode, err := NewNode(t.conf, file, level, seq, size, sstReader, blockToFilter, index)
	if err != nil {
		return err
	}
	t.levelToSeq[level].Store(seq)

	t.levelLocks[level].Lock()
	defer t.levelLocks[level].Unlock()

	// level 0 runs may overlap, order is purely by generation
	if level == 0 {
		t.nodes[level] = append(t.nodes[level], newNode)
		return nil
	}

	// deeper levels stay sorted by key range
	for i := 0; i < len(t.nodes[level]); i++ {
		if bytes.Compare(newNode.End(), t.nodes[level][i].Start()) < 0 {
			t.nodes[level] = append(t.nodes[level][:i], append([]*Node{newNode}, t.nodes[level][i:]...)...)
			return nil
		}
	}
	t.nodes[level] = append(t.nodes[level], newNode)
	return nil
}

func pow10(n int) uint64 {
	result := uint64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}
