package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/snappy"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/entry"
	pkgerrors "lsmkv/pkg/errors"
)

const (
	// footer: filter offset/size, index offset/size (u64 each),
	// entry count (u32), magic (u32)
	footerSize = 40

	magicNumber uint32 = 0x4C534B56 // "LSKV"
)

type Reader struct {
	conf *config.Config
	file string
	src  *os.File

	filterOffset uint64
	filterSize   uint64
	indexOffset  uint64
	indexSize    uint64
	entriesCnt   uint32
}

func NewReader(file string, conf *config.Config) (*Reader, error) {
	src, err := os.OpenFile(path.Join(conf.Dir, file), os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := src.Stat()
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if stat.Size() < footerSize {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s: file too small", pkgerrors.ErrInvalidSSTable, file)
	}

	footer := make([]byte, footerSize)
	if _, err := src.ReadAt(footer, stat.Size()-footerSize); err != nil {
		_ = src.Close()
		return nil, err
	}

	r := &Reader{
		conf:         conf,
		file:         file,
		src:          src,
		filterOffset: binary.LittleEndian.Uint64(footer[0:8]),
		filterSize:   binary.LittleEndian.Uint64(footer[8:16]),
		indexOffset:  binary.LittleEndian.Uint64(footer[16:24]),
		indexSize:    binary.LittleEndian.Uint64(footer[24:32]),
		entriesCnt:   binary.LittleEndian.Uint32(footer[32:36]),
	}
	if binary.LittleEndian.Uint32(footer[36:40]) != magicNumber {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", pkgerrors.ErrInvalidSSTable, file)
	}
	if r.indexOffset+r.indexSize+footerSize != uint64(stat.Size()) {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s: inconsistent footer", pkgerrors.ErrInvalidSSTable, file)
	}
	return r, nil
}

// ReadBlock fetches and decompresses one data block.
func (r *Reader) ReadBlock(offset, size uint64) ([]byte, error) {
	compressed := make([]byte, size)
	if _, err := r.src.ReadAt(compressed, int64(offset)); err != nil {
		return nil, err
	}
	block, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pkgerrors.ErrInvalidSSTable, r.file, err)
	}
	return block, nil
}

func (r *Reader) readSection(offset, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.src.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadIndex loads the sparse index: one entry per data block, keyed by the
// block's largest key.
func (r *Reader) ReadIndex() ([]*IndexEntry, error) {
	section, err := r.readSection(r.indexOffset, r.indexSize)
	if err != nil {
		return nil, err
	}

	var indexEntries []*IndexEntry
	reader := bytes.NewReader(section)
	for reader.Len() > 0 {
		keyLen, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: index key len", pkgerrors.ErrInvalidSSTable, r.file)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			return nil, fmt.Errorf("%w: %s: index key", pkgerrors.ErrInvalidSSTable, r.file)
		}
		offset, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: index offset", pkgerrors.ErrInvalidSSTable, r.file)
		}
		size, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: index size", pkgerrors.ErrInvalidSSTable, r.file)
		}
		indexEntries = append(indexEntries, &IndexEntry{
			Key:    key,
			Offset: offset,
			Size:   size,
		})
	}
	if len(indexEntries) == 0 {
		return nil, fmt.Errorf("%w: %s: empty index", pkgerrors.ErrInvalidSSTable, r.file)
	}
	return indexEntries, nil
}

// ReadFilter loads the bloom bitmaps, keyed by data block offset.
func (r *Reader) ReadFilter() (map[uint64][]byte, error) {
	section, err := r.readSection(r.filterOffset, r.filterSize)
	if err != nil {
		return nil, err
	}

	blockToFilter := make(map[uint64][]byte)
	reader := bytes.NewReader(section)
	for reader.Len() > 0 {
		offset, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: filter offset", pkgerrors.ErrInvalidSSTable, r.file)
		}
		bitmapLen, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: filter bitmap len", pkgerrors.ErrInvalidSSTable, r.file)
		}
		bitmap := make([]byte, bitmapLen)
		if _, err := io.ReadFull(reader, bitmap); err != nil {
			return nil, fmt.Errorf("%w: %s: filter bitmap", pkgerrors.ErrInvalidSSTable, r.file)
		}
		blockToFilter[offset] = bitmap
	}
	return blockToFilter, nil
}

// ReadAll decodes every entry of the table in key order.
func (r *Reader) ReadAll() ([]*entry.Entry, error) {
	index, err := r.ReadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]*entry.Entry, 0, r.entriesCnt)
	for _, ie := range index {
		block, err := r.ReadBlock(ie.Offset, ie.Size)
		if err != nil {
			return nil, err
		}
		blockEntries, err := ParseDataBlock(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", pkgerrors.ErrInvalidSSTable, r.file, err)
		}
		entries = append(entries, blockEntries...)
	}
	return entries, nil
}

func (r *Reader) EntriesCnt() int {
	return int(r.entriesCnt)
}

func (r *Reader) Size() (uint64, error) {
	stat, err := r.src.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.Size()), nil
}

func (r *Reader) Close() {
	_ = r.src.Close()
}
