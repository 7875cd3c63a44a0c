package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/memtable"
	pkgerrors "lsmkv/pkg/errors"
)

type Reader struct {
	file string
	src  *os.File
}

func NewReader(file string) (*Reader, error) {
	src, err := os.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Reader{
		file: file,
		src:  src,
	}, nil
}

// ReadAll replays every record in order. A truncated or checksum-failing
// record at the tail is the normal artifact of a crash mid-append: replay
// stops there cleanly and returns everything before it. The same damage
// anywhere else means the log is corrupt and surfaces as ErrCorruptedRecord.
func (r *Reader) ReadAll() ([]*entry.Entry, error) {
	body, err := io.ReadAll(r.src)
	if err != nil {
		return nil, err
	}

	var entries []*entry.Entry
	for pos := 0; pos < len(body); {
		rest := body[pos:]
		if len(rest) < frameHeaderSize {
			// partial frame header at the tail
			break
		}
		length := binary.LittleEndian.Uint32(rest[0:4])
		sum := binary.LittleEndian.Uint32(rest[4:8])
		if uint32(len(rest)-frameHeaderSize) < length {
			// record cut short by the crash
			break
		}

		payload := rest[frameHeaderSize : frameHeaderSize+int(length)]
		atTail := pos+frameHeaderSize+int(length) == len(body)

		if crc32.Checksum(payload, crcTable) != sum {
			if atTail {
				break
			}
			return nil, fmt.Errorf("%w: checksum mismatch at offset %d", pkgerrors.ErrCorruptedRecord, pos)
		}

		e, err := decodePayload(payload)
		if err != nil {
			if atTail {
				break
			}
			return nil, fmt.Errorf("%w: offset %d: %v", pkgerrors.ErrCorruptedRecord, pos, err)
		}

		entries = append(entries, e)
		pos += frameHeaderSize + int(length)
	}
	return entries, nil
}

// RestoreToMemTable replays the log into mt and returns the highest
// timestamp seen.
func (r *Reader) RestoreToMemTable(mt memtable.MemTable) (uint64, error) {
	entries, err := r.ReadAll()
	if err != nil {
		return 0, err
	}

	var maxTS uint64
	for _, e := range entries {
		mt.Put(e)
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
	}
	return maxTS, nil
}

func (r *Reader) Close() {
	_ = r.src.Close()
}

func decodePayload(payload []byte) (*entry.Entry, error) {
	reader := bytes.NewReader(payload)

	timestamp, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}

	flag, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag > 1 {
		return nil, errors.New("bad tombstone flag")
	}
	tombstone := flag == 1

	keyLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	if keyLen == 0 || keyLen > uint64(reader.Len()) {
		return nil, errors.New("bad key length")
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}

	if tombstone {
		if reader.Len() != 0 {
			return nil, errors.New("trailing bytes after tombstone")
		}
		return entry.NewTombstone(key, timestamp), nil
	}

	valLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	if valLen != uint64(reader.Len()) {
		return nil, errors.New("bad value length")
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(reader, value); err != nil {
		return nil, err
	}
	return entry.New(key, value, timestamp), nil
}
