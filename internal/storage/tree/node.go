package tree

import (
	"bytes"
	"os"
	"path"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/filter"
	"lsmkv/internal/storage/sstable"
)

// Node is one published sstable of the tree: an immutable sorted run plus
// its in-memory index and bloom bitmaps. Nodes are only ever added to and
// removed from levels; their bytes never change.
type Node struct {
	conf          *config.Config
	file          string // file name relative to conf.Dir
	level         int
	seq           int32
	size          uint64
	startKey      []byte
	endKey        []byte
	blockToFilter map[uint64][]byte
	sstReader     *sstable.Reader
	indexEntries  []*sstable.IndexEntry
}

func NewNode(conf *config.Config, file string, level int, seq int32, size uint64,
	reader *sstable.Reader, blockToFilter map[uint64][]byte, indexEntries []*sstable.IndexEntry) (*Node, error) {
	n := &Node{
		conf:          conf,
		file:          file,
		level:         level,
		seq:           seq,
		size:          size,
		blockToFilter: blockToFilter,
		sstReader:     reader,
		indexEntries:  indexEntries,
	}
	if err := n.repair(); err != nil {
		return nil, err
	}
	return n, nil
}

// repair fills in whatever the caller could not provide: a reader for the
// file, the index and filter sections, and the node's key range.
func (n *Node) repair() error {
	if n.sstReader == nil {
		reader, err := sstable.NewReader(n.file, n.conf)
		if err != nil {
			return err
		}
		n.sstReader = reader
	}

	if n.indexEntries == nil {
		indexEntries, err := n.sstReader.ReadIndex()
		if err != nil {
			return err
		}
		n.indexEntries = indexEntries
	}

	if n.blockToFilter == nil {
		filters, err := n.sstReader.ReadFilter()
		if err != nil {
			return err
		}
		n.blockToFilter = filters
	}

	if n.size == 0 {
		size, err := n.sstReader.Size()
		if err != nil {
			return err
		}
		n.size = size
	}

	// The index records each block's largest key, so the file's end key is
	// free; the start key needs one read of the first block.
	n.endKey = n.indexEntries[len(n.indexEntries)-1].Key
	if n.startKey == nil {
		first, err := n.readBlock(n.indexEntries[0])
		if err != nil {
			return err
		}
		n.startKey = first[0].Key
	}
	return nil
}

func (n *Node) Size() uint64 {
	return n.size
}

func (n *Node) Start() []byte {
	return n.startKey
}

func (n *Node) End() []byte {
	return n.endKey
}

func (n *Node) Index() (level int, seq int32) {
	return n.level, n.seq
}

func (n *Node) Close() {
	n.sstReader.Close()
}

// Destroy closes the node and deletes its file. Only called after the node
// has been removed from the tree.
func (n *Node) Destroy() {
	n.sstReader.Close()
	_ = os.Remove(path.Join(n.conf.Dir, n.file))
}

// Overlaps reports whether the node's key range intersects [start, end).
// A nil bound is unbounded.
func (n *Node) Overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(n.startKey, end) >= 0 {
		return false
	}
	if start != nil && bytes.Compare(n.endKey, start) < 0 {
		return false
	}
	return true
}

// mayContain consults the bloom bitmap of the block an index entry points
// at. A negative answer is authoritative and saves the disk read.
func (n *Node) mayContain(indexEntry *sstable.IndexEntry, key []byte) bool {
	bitmap := n.blockToFilter[indexEntry.Offset]
	return filter.MayContain(bitmap, key)
}

// Get probes the node for key. The returned entry may be a tombstone:
// callers must treat that as "deleted", not "absent", so it shadows older
// runs.
func (n *Node) Get(key []byte) (*entry.Entry, bool, error) {
	if bytes.Compare(key, n.startKey) < 0 || bytes.Compare(key, n.endKey) > 0 {
		return nil, false, nil
	}

	// 1. locate the only block that can hold the key
	pos := n.searchIndex(key)
	if pos == len(n.indexEntries) {
		return nil, false, nil
	}
	indexEntry := n.indexEntries[pos]

	// 2. bloom filter short-circuit, zero disk reads on a miss
	if !n.mayContain(indexEntry, key) {
		return nil, false, nil
	}

	// 3. fetch and scan the block
	entries, err := n.readBlock(indexEntry)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// Range returns the node's entries with start <= key < end in key order.
func (n *Node) Range(start, end []byte) ([]*entry.Entry, error) {
	begin := 0
	if start != nil {
		begin = n.searchIndex(start)
		if begin == len(n.indexEntries) {
			return nil, nil
		}
	}

	var result []*entry.Entry
	for i := begin; i < len(n.indexEntries); i++ {
		entries, err := n.readBlock(n.indexEntries[i])
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if start != nil && bytes.Compare(e.Key, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(e.Key, end) >= 0 {
				return result, nil
			}
			result = append(result, e)
		}
	}
	return result, nil
}

// GetAll reads out the whole run, used by compaction merges.
func (n *Node) GetAll() ([]*entry.Entry, error) {
	return n.sstReader.ReadAll()
}

func (n *Node) readBlock(indexEntry *sstable.IndexEntry) ([]*entry.Entry, error) {
	block, err := n.sstReader.ReadBlock(indexEntry.Offset, indexEntry.Size)
	if err != nil {
		return nil, err
	}
	return sstable.ParseDataBlock(block)
}

// searchIndex returns the position of the first index entry whose (largest)
// key is >= key, which names the only block that can contain it. Returns
// len(indexEntries) when every block ends before key.
func (n *Node) searchIndex(key []byte) int {
	left, right := 0, len(n.indexEntries)
	for left < right {
		mid := left + (right-left)>>1
		if bytes.Compare(n.indexEntries[mid].Key, key) < 0 {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return left
}
