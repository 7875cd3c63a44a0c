package errors

import "errors"

var (
	// Config errors
	ErrInvalidConfig = errors.New("invalid config")

	// WAL errors
	ErrCorruptedRecord = errors.New("corrupted wal record")

	// SSTable errors
	ErrInvalidSSTable = errors.New("invalid sstable file")

	// Engine errors
	ErrClosed   = errors.New("engine closed")
	ErrEmptyKey = errors.New("empty key")
)
