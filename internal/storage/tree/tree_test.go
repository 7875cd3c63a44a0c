package tree

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/internal/config"
	"lsmkv/internal/storage/sstable"
	"lsmkv/pkg/utils"
)

// testConf shrinks every threshold so a handful of writes exercises memtable
// rotation, flushing and compaction.
func testConf(t *testing.T, dir string) *config.Config {
	t.Helper()
	conf, err := config.New(dir,
		config.WithMaxLevel(3),
		config.WithMemTableSize(512),
		config.WithSSTSize(1024),
		config.WithSSTNumPerLevel(2),
		config.WithSSTDataBlockSize(256),
	)
	require.NoError(t, err)
	return conf
}

func newTestTree(t *testing.T, dir string) *LSMTree {
	t.Helper()
	tree, err := New(testConf(t, dir))
	require.NoError(t, err)
	return tree
}

func TestTreePutGet(t *testing.T) {
	tree := newTestTree(t, t.TempDir())
	defer tree.Stop()

	require.NoError(t, tree.Put([]byte("alpha"), []byte("1"), false))
	require.NoError(t, tree.Put([]byte("beta"), []byte("2"), false))

	e, ok, err := tree.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), e.Value)

	_, ok, err = tree.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTreeNewestWins(t *testing.T) {
	tree := newTestTree(t, t.TempDir())
	defer tree.Stop()

	require.NoError(t, tree.Put([]byte("key"), []byte("v1"), false))
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Put([]byte("key"), []byte("v2"), false))

	// the flushed v1 now lives in an sstable, v2 in the memtable
	e, ok, err := tree.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), e.Value)

	require.NoError(t, tree.Flush())
	e, ok, err = tree.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), e.Value)
}

func TestTreeTombstoneShadowsFlushedValue(t *testing.T) {
	tree := newTestTree(t, t.TempDir())
	defer tree.Stop()

	require.NoError(t, tree.Put([]byte("key"), []byte("value"), false))
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Put([]byte("key"), nil, true))

	e, ok, err := tree.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Tombstone)

	// the tombstone must keep shadowing after it is flushed too
	require.NoError(t, tree.Flush())
	e, ok, err = tree.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Tombstone)
}

func TestTreeFlushMovesDataToDisk(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	defer tree.Stop()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tree.Put(key, []byte(fmt.Sprintf("value-%03d", i)), false))
	}
	require.NoError(t, tree.Flush())

	sstFiles, err := utils.FilesWithExt(path.Join(dir, sstDirName), SSTExt)
	require.NoError(t, err)
	assert.NotEmpty(t, sstFiles)

	// flushed generations leave only the active WAL behind
	walFiles, err := utils.FilesWithExt(path.Join(dir, walDirName), WALExt)
	require.NoError(t, err)
	assert.Len(t, walFiles, 1)

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		e, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing %s after flush", key)
		assert.Equal(t, []byte(fmt.Sprintf("value-%03d", i)), e.Value)
	}
}

func TestTreeScan(t *testing.T) {
	tree := newTestTree(t, t.TempDir())
	defer tree.Stop()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, tree.Put(key, []byte(fmt.Sprintf("v-%02d", i)), false))
	}
	// spread the data across sstables and the memtable
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Put([]byte("key-05"), []byte("overwritten"), false))
	require.NoError(t, tree.Put([]byte("key-07"), nil, true))

	pairs, err := tree.Scan([]byte("key-03"), []byte("key-10"))
	require.NoError(t, err)
	require.Len(t, pairs, 6) // 03..09 minus deleted 07

	assert.Equal(t, "key-03", string(pairs[0].Key))
	assert.Equal(t, "overwritten", string(pairs[2].Value))
	for _, p := range pairs {
		assert.NotEqual(t, "key-07", string(p.Key))
	}

	all, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 19)
}

func TestTreeScanDuringFlush(t *testing.T) {
	tree := newTestTree(t, t.TempDir())
	defer tree.Stop()

	// keys migrating from a frozen memtable to level 0 must stay visible to
	// scans running at any point of the move
	total := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 30; i++ {
			key := []byte(fmt.Sprintf("key-%d-%02d", round, i))
			require.NoError(t, tree.Put(key, []byte("v"), false))
		}
		total += 30

		done := make(chan error, 1)
		go func() { done <- tree.Flush() }()
		for flushed := false; !flushed; {
			select {
			case err := <-done:
				require.NoError(t, err)
				flushed = true
			default:
			}
			pairs, err := tree.Scan(nil, nil)
			require.NoError(t, err)
			assert.Len(t, pairs, total)
		}
	}
}

func TestTreeStopWaitsForBackgroundWork(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)

	// enough volume for several rotations, so flush work is queued for the
	// worker when Stop arrives
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tree.Put(key, bytes.Repeat([]byte("v"), 20), false))
	}
	tree.Stop()

	// a joined worker never leaves a half-written table behind
	tmpFiles, err := utils.FilesWithExt(path.Join(dir, sstDirName), sstable.TmpExt)
	require.NoError(t, err)
	assert.Empty(t, tmpFiles)

	reopened := newTestTree(t, dir)
	defer reopened.Stop()
	pairs, err := reopened.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, pairs, 200)
}

func TestTreeRotateFailureLeavesTreeUsable(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	defer tree.Stop()

	require.NoError(t, tree.Put([]byte("first"), []byte("v"), false))

	// occupy the next WAL generation's path with a directory so the rotation
	// inside Put cannot open its log
	blocked := path.Join(dir, walDirName, fmt.Sprintf("%d%s", 1, WALExt))
	require.NoError(t, os.Mkdir(blocked, 0755))

	big := bytes.Repeat([]byte("x"), 600) // exceeds MemTableSize on its own
	require.Error(t, tree.Put([]byte("big"), big, false))

	// the write itself was committed, and the failed rotation froze nothing
	e, ok, err := tree.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, e.Value)

	tree.dataLock.RLock()
	frozen := len(tree.rOnlyMemTables)
	tree.dataLock.RUnlock()
	assert.Zero(t, frozen)

	// a retry fails the same way without enqueueing the table twice
	require.Error(t, tree.Put([]byte("retry"), []byte("v"), false))
	tree.dataLock.RLock()
	frozen = len(tree.rOnlyMemTables)
	tree.dataLock.RUnlock()
	assert.Zero(t, frozen)

	// once the path clears, the still-open WAL accepts the next write and
	// the rotation goes through
	require.NoError(t, os.Remove(blocked))
	require.NoError(t, tree.Put([]byte("second"), []byte("v"), false))

	require.NoError(t, tree.Flush())
	pairs, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, pairs, 4)
	for _, key := range []string{"first", "big", "retry", "second"} {
		_, ok, err := tree.Get([]byte(key))
		require.NoError(t, err)
		assert.True(t, ok, "missing %s", key)
	}
}

func TestTreeRestartFromSSTables(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tree.Put(key, []byte(fmt.Sprintf("value-%03d", i)), false))
	}
	require.NoError(t, tree.Put([]byte("key-010"), nil, true))
	require.NoError(t, tree.Flush())
	tree.Stop()

	reopened := newTestTree(t, dir)
	defer reopened.Stop()

	e, ok, err := reopened.Get([]byte("key-020"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value-020"), e.Value)

	e, ok, err = reopened.Get([]byte("key-010"))
	require.NoError(t, err)
	if ok {
		assert.True(t, e.Tombstone)
	}
}

func TestTreeRestartReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	require.NoError(t, tree.Put([]byte("durable"), []byte("yes"), false))
	require.NoError(t, tree.Put([]byte("gone"), []byte("soon"), false))
	require.NoError(t, tree.Put([]byte("gone"), nil, true))
	// no flush: everything lives only in the WAL
	tree.Stop()

	reopened := newTestTree(t, dir)
	defer reopened.Stop()

	e, ok, err := reopened.Get([]byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("yes"), e.Value)

	e, ok, err = reopened.Get([]byte("gone"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Tombstone)

	// replayed writes must stay older than anything written after restart
	require.NoError(t, reopened.Put([]byte("durable"), []byte("newer"), false))
	e, ok, err = reopened.Get([]byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("newer"), e.Value)
}

func TestTreeClear(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	defer tree.Stop()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tree.Put(key, []byte("v"), false))
	}
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Put([]byte("resident"), []byte("v"), false))

	require.NoError(t, tree.Clear())

	_, ok, err := tree.Get([]byte("key-001"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = tree.Get([]byte("resident"))
	require.NoError(t, err)
	assert.False(t, ok)

	sstFiles, err := utils.FilesWithExt(path.Join(dir, sstDirName), SSTExt)
	require.NoError(t, err)
	assert.Empty(t, sstFiles)

	// the store stays usable
	require.NoError(t, tree.Put([]byte("fresh"), []byte("start"), false))
	e, ok, err := tree.Get([]byte("fresh"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("start"), e.Value)
}

func TestTreeCompaction(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)
	defer tree.Stop()

	// repeated flushes of overlapping key ranges push level 0 over budget
	for round := 0; round < 6; round++ {
		for i := 0; i < 40; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			value := []byte(fmt.Sprintf("round-%d-value-%03d", round, i))
			require.NoError(t, tree.Put(key, value, false))
		}
		require.NoError(t, tree.Flush())
	}

	// force the merge deterministically instead of waiting for the worker
	tree.flushLock.Lock()
	require.NoError(t, tree.compactLevel(0))
	tree.flushLock.Unlock()

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		e, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "lost %s during compaction", key)
		assert.Equal(t, []byte(fmt.Sprintf("round-5-value-%03d", i)), e.Value)
	}

	pairs, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, pairs, 40)

	// compacting again must be a logical no-op: nothing lost, nothing revived
	tree.flushLock.Lock()
	require.NoError(t, tree.compactLevel(0))
	require.NoError(t, tree.compactLevel(1))
	tree.flushLock.Unlock()

	again, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	require.Len(t, again, 40)
	for i := range pairs {
		assert.Equal(t, pairs[i].Key, again[i].Key)
		assert.Equal(t, pairs[i].Value, again[i].Value)
	}
}

func TestTreeCompactionDropsTombstonesAtFinalLevel(t *testing.T) {
	dir := t.TempDir()
	conf, err := config.New(dir,
		config.WithMaxLevel(2),
		config.WithMemTableSize(512),
		config.WithSSTSize(1024),
		config.WithSSTNumPerLevel(2),
		config.WithSSTDataBlockSize(256),
	)
	require.NoError(t, err)
	tree, err := New(conf)
	require.NoError(t, err)
	defer tree.Stop()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, tree.Put(key, []byte("v"), false))
	}
	require.NoError(t, tree.Put([]byte("key-05"), nil, true))
	require.NoError(t, tree.Flush())

	// with MaxLevel=2 a level-0 merge targets the final level, so the
	// tombstone and the value it shadows both disappear
	tree.flushLock.Lock()
	require.NoError(t, tree.compactLevel(0))
	tree.flushLock.Unlock()

	tree.levelLocks[0].RLock()
	assert.Empty(t, tree.nodes[0])
	tree.levelLocks[0].RUnlock()

	_, ok, err := tree.Get([]byte("key-05"))
	require.NoError(t, err)
	assert.False(t, ok)

	pairs, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, pairs, 19)
}
