// Package storage exposes the key-value engine: a log-structured merge tree
// with write-ahead durability. All operations are safe for concurrent use.
package storage

import (
	"sync/atomic"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/entry"
	"lsmkv/internal/storage/tree"
	"lsmkv/pkg/errors"
	"lsmkv/pkg/logger"
)

// Engine is the public face of the store. It owns one LSM tree rooted at the
// configured directory and maps tree records to plain key-value semantics:
// tombstones exist below this layer, never above it.
type Engine struct {
	conf   *config.Config
	tree   *tree.LSMTree
	closed atomic.Bool
}

// Open creates or reopens the store rooted at dir. Data from previous runs
// is recovered before Open returns: sstables are reloaded and unflushed
// writes are replayed from the write-ahead log.
func Open(dir string, opts ...config.Option) (*Engine, error) {
	conf, err := config.New(dir, opts...)
	if err != nil {
		return nil, err
	}
	return New(conf)
}

func New(conf *config.Config) (*Engine, error) {
	t, err := tree.New(conf)
	if err != nil {
		return nil, err
	}
	logger.Info("storage engine opened", "dir", conf.Dir)
	return &Engine{conf: conf, tree: t}, nil
}

// Put stores value under key, replacing any previous value.
func (e *Engine) Put(key, value []byte) error {
	if err := e.check(key); err != nil {
		return err
	}
	return e.tree.Put(key, value, false)
}

// Get returns the newest value for key. The second return is false when the
// key was never written or was deleted.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.check(key); err != nil {
		return nil, false, err
	}
	record, ok, err := e.tree.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if record.Tombstone {
		return nil, false, nil
	}
	return record.Value, true, nil
}

// Delete removes key. Deleting an absent key is not an error; the tombstone
// still shadows any older value that may surface later from deeper levels.
func (e *Engine) Delete(key []byte) error {
	if err := e.check(key); err != nil {
		return err
	}
	return e.tree.Put(key, nil, true)
}

// Update overwrites the value under key as one atomic write. Readers see
// either the old value or the new one, never an intermediate state.
func (e *Engine) Update(key, value []byte) error {
	return e.Put(key, value)
}

// Scan returns all live pairs with start <= key < end in key order. A nil
// end means no upper bound.
func (e *Engine) Scan(start, end []byte) ([]*entry.Pair, error) {
	if e.closed.Load() {
		return nil, errors.ErrClosed
	}
	return e.tree.Scan(start, end)
}

// Flush persists everything buffered in memory to sstables before returning.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return errors.ErrClosed
	}
	return e.tree.Flush()
}

// Clear deletes every record and every on-disk file of the store. The engine
// stays open and usable afterwards.
func (e *Engine) Clear() error {
	if e.closed.Load() {
		return errors.ErrClosed
	}
	return e.tree.Clear()
}

// Close stops background work and releases file handles. Buffered writes are
// already in the WAL, so nothing is lost; they replay on the next Open.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.tree.Stop()
	logger.Info("storage engine closed", "dir", e.conf.Dir)
}

func (e *Engine) check(key []byte) error {
	if e.closed.Load() {
		return errors.ErrClosed
	}
	if len(key) == 0 {
		return errors.ErrEmptyKey
	}
	return nil
}
