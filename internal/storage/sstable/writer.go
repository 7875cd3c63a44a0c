package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"

	"github.com/klauspost/compress/snappy"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/filter"
)

// TmpExt marks an sstable that has not been published yet. Startup discards
// any leftovers.
const TmpExt = ".tmp"

// IndexEntry locates one compressed data block. Key is the largest key
// stored in the block.
type IndexEntry struct {
	Key    []byte
	Offset uint64
	Size   uint64
}

// Writer builds one sstable from a sorted, deduplicated entry stream. Bytes
// go to a temporary file first; Finish fsyncs and renames it into place, so
// a half-written table is never visible to readers.
type Writer struct {
	conf *config.Config
	file string // final path relative to conf.Dir

	dest   *os.File
	writer *bufio.Writer

	dataBuf       *bytes.Buffer
	dataBlock     *Block
	filter        filter.Filter
	blockToFilter map[uint64][]byte
	indexEntries  []*IndexEntry
	assistBuf     [binary.MaxVarintLen64]byte

	entriesCnt int
	lastKey    []byte
	finished   bool
}

func NewWriter(file string, conf *config.Config) (*Writer, error) {
	dest, err := os.OpenFile(path.Join(conf.Dir, file)+TmpExt, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	return &Writer{
		conf:          conf,
		file:          file,
		dest:          dest,
		writer:        bufio.NewWriter(dest),
		dataBuf:       bytes.NewBuffer(nil),
		dataBlock:     NewBlock(),
		filter:        conf.FilterConstructor(),
		blockToFilter: make(map[uint64][]byte),
	}, nil
}

// Append adds the next entry. Callers feed entries in strictly increasing
// key order with duplicates already collapsed to the newest.
func (w *Writer) Append(e *entry.Entry) error {
	if err := w.dataBlock.Append(e); err != nil {
		return err
	}
	w.filter.Add(e.Key)
	w.lastKey = e.Key
	w.entriesCnt++

	if w.dataBlock.Size() >= w.conf.SSTDataBlockSize {
		w.sealBlock()
	}
	return nil
}

// sealBlock compresses the pending data block, records its bloom bitmap and
// index entry, and starts a fresh block.
func (w *Writer) sealBlock() {
	if w.dataBlock.EntriesCnt() == 0 {
		return
	}

	offset := uint64(w.dataBuf.Len())
	compressed := snappy.Encode(nil, w.dataBlock.Bytes())
	w.dataBuf.Write(compressed)
	w.dataBlock.Reset()

	w.blockToFilter[offset] = w.filter.Build()

	maxKey := make([]byte, len(w.lastKey))
	copy(maxKey, w.lastKey)
	w.indexEntries = append(w.indexEntries, &IndexEntry{
		Key:    maxKey,
		Offset: offset,
		Size:   uint64(len(compressed)),
	})
}

// Size reports the bytes of sealed data so far, used by compaction to split
// output tables.
func (w *Writer) Size() uint64 {
	return uint64(w.dataBuf.Len())
}

func (w *Writer) EntriesCnt() int {
	return w.entriesCnt
}

// Finish seals the tail block, writes the filter and index sections plus the
// footer, syncs, and atomically publishes the file under its final name.
func (w *Writer) Finish() (size uint64, blockToFilter map[uint64][]byte, index []*IndexEntry, err error) {
	w.sealBlock()

	filterBuf := bytes.NewBuffer(nil)
	for _, ie := range w.indexEntries {
		bitmap := w.blockToFilter[ie.Offset]
		n := binary.PutUvarint(w.assistBuf[0:], ie.Offset)
		filterBuf.Write(w.assistBuf[:n])
		n = binary.PutUvarint(w.assistBuf[0:], uint64(len(bitmap)))
		filterBuf.Write(w.assistBuf[:n])
		filterBuf.Write(bitmap)
	}

	indexBuf := bytes.NewBuffer(nil)
	for _, ie := range w.indexEntries {
		n := binary.PutUvarint(w.assistBuf[0:], uint64(len(ie.Key)))
		indexBuf.Write(w.assistBuf[:n])
		indexBuf.Write(ie.Key)
		n = binary.PutUvarint(w.assistBuf[0:], ie.Offset)
		indexBuf.Write(w.assistBuf[:n])
		n = binary.PutUvarint(w.assistBuf[0:], ie.Size)
		indexBuf.Write(w.assistBuf[:n])
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(w.dataBuf.Len()))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(filterBuf.Len()))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(w.dataBuf.Len()+filterBuf.Len()))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(indexBuf.Len()))
	binary.LittleEndian.PutUint32(footer[32:36], uint32(w.entriesCnt))
	binary.LittleEndian.PutUint32(footer[36:40], magicNumber)

	total := uint64(w.dataBuf.Len() + filterBuf.Len() + indexBuf.Len() + footerSize)

	if _, err = w.writer.Write(w.dataBuf.Bytes()); err != nil {
		return 0, nil, nil, fmt.Errorf("write data section: %w", err)
	}
	if _, err = w.writer.Write(filterBuf.Bytes()); err != nil {
		return 0, nil, nil, fmt.Errorf("write filter section: %w", err)
	}
	if _, err = w.writer.Write(indexBuf.Bytes()); err != nil {
		return 0, nil, nil, fmt.Errorf("write index section: %w", err)
	}
	if _, err = w.writer.Write(footer); err != nil {
		return 0, nil, nil, fmt.Errorf("write footer: %w", err)
	}
	if err = w.writer.Flush(); err != nil {
		return 0, nil, nil, fmt.Errorf("flush sstable: %w", err)
	}
	if err = w.dest.Sync(); err != nil {
		return 0, nil, nil, fmt.Errorf("sync sstable: %w", err)
	}
	if err = w.dest.Close(); err != nil {
		return 0, nil, nil, err
	}

	final := path.Join(w.conf.Dir, w.file)
	if err = os.Rename(final+TmpExt, final); err != nil {
		return 0, nil, nil, fmt.Errorf("publish sstable: %w", err)
	}
	w.finished = true

	return total, w.blockToFilter, w.indexEntries, nil
}

// Close releases the writer. If Finish has not run, the temporary file is
// removed so no partial table survives.
func (w *Writer) Close() error {
	if w.finished {
		return nil
	}
	_ = w.dest.Close()
	return os.Remove(path.Join(w.conf.Dir, w.file) + TmpExt)
}
