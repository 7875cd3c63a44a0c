package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"lsmkv/internal/storage/entry"
)

// Record frame: [uint32 payload length][uint32 CRC-32C of payload][payload].
// Payload: [uvarint timestamp][tombstone byte][uvarint key len][key]
// and, for non-tombstones, [uvarint value len][value].
const frameHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Writer struct {
	file string
	dest *os.File
}

func NewWriter(file string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, err
	}

	dest, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Writer{
		file: file,
		dest: dest,
	}, nil
}

// Append durably persists one record: the write and the fsync both complete
// before Append returns. Only then may the entry become visible in the
// memtable.
func (w *Writer) Append(e *entry.Entry) error {
	payload := encodePayload(e)

	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	buf = append(buf, payload...)

	if _, err := w.dest.Write(buf); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	if err := w.dest.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

func (w *Writer) File() string {
	return w.file
}

func (w *Writer) Close() {
	_ = w.dest.Close()
}

func encodePayload(e *entry.Entry) []byte {
	var assist [binary.MaxVarintLen64]byte

	buf := make([]byte, 0, len(e.Key)+len(e.Value)+16)
	n := binary.PutUvarint(assist[:], e.Timestamp)
	buf = append(buf, assist[:n]...)

	if e.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	n = binary.PutUvarint(assist[:], uint64(len(e.Key)))
	buf = append(buf, assist[:n]...)
	buf = append(buf, e.Key...)

	if !e.Tombstone {
		n = binary.PutUvarint(assist[:], uint64(len(e.Value)))
		buf = append(buf, assist[:n]...)
		buf = append(buf, e.Value...)
	}
	return buf
}
