package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"lsmkv/internal/storage/entry"
)

// Block accumulates the raw bytes of one data block. Entry layout inside a
// block: [uint16 key len][uint32 value len][uint64 timestamp][tombstone byte]
// [key][value], little-endian, entries in key order.
type Block struct {
	record     *bytes.Buffer
	entriesCnt int
}

func NewBlock() *Block {
	return &Block{
		record: bytes.NewBuffer(nil),
	}
}

func (b *Block) Append(e *entry.Entry) error {
	if len(e.Key) > 0xFFFF {
		return fmt.Errorf("key too large: %d bytes", len(e.Key))
	}
	if err := binary.Write(b.record, binary.LittleEndian, uint16(len(e.Key))); err != nil {
		return err
	}
	if err := binary.Write(b.record, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return err
	}
	if err := binary.Write(b.record, binary.LittleEndian, e.Timestamp); err != nil {
		return err
	}
	flag := byte(0)
	if e.Tombstone {
		flag = 1
	}
	if err := b.record.WriteByte(flag); err != nil {
		return err
	}
	if _, err := b.record.Write(e.Key); err != nil {
		return err
	}
	if _, err := b.record.Write(e.Value); err != nil {
		return err
	}
	b.entriesCnt++
	return nil
}

func (b *Block) Size() uint64 {
	return uint64(b.record.Len())
}

func (b *Block) EntriesCnt() int {
	return b.entriesCnt
}

func (b *Block) Bytes() []byte {
	return b.record.Bytes()
}

func (b *Block) Reset() {
	b.entriesCnt = 0
	b.record.Reset()
}

// ParseDataBlock decodes a decompressed data block back into entries.
func ParseDataBlock(block []byte) ([]*entry.Entry, error) {
	var entries []*entry.Entry
	buf := bytes.NewBuffer(block)
	for buf.Len() > 0 {
		e, err := readBlockEntry(buf)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

const blockEntryHeaderSize = 2 + 4 + 8 + 1

func readBlockEntry(buf *bytes.Buffer) (*entry.Entry, error) {
	if buf.Len() < blockEntryHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	header := buf.Next(blockEntryHeaderSize)
	keyLen := binary.LittleEndian.Uint16(header[0:2])
	valLen := binary.LittleEndian.Uint32(header[2:6])
	timestamp := binary.LittleEndian.Uint64(header[6:14])
	flag := header[14]
	if flag > 1 {
		return nil, errors.New("bad tombstone flag")
	}

	if buf.Len() < int(keyLen)+int(valLen) {
		return nil, io.ErrUnexpectedEOF
	}
	key := make([]byte, keyLen)
	copy(key, buf.Next(int(keyLen)))

	if flag == 1 {
		if valLen != 0 {
			return nil, errors.New("tombstone with value")
		}
		return entry.NewTombstone(key, timestamp), nil
	}

	value := make([]byte, valLen)
	copy(value, buf.Next(int(valLen)))
	return entry.New(key, value, timestamp), nil
}
