package tree

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"lsmkv/internal/storage/sstable"
	"lsmkv/internal/storage/wal"
	"lsmkv/pkg/logger"
	"lsmkv/pkg/utils"
)

func (t *LSMTree) prepareDirs() error {
	for _, dir := range []string{
		t.conf.Dir,
		path.Join(t.conf.Dir, walDirName),
		path.Join(t.conf.Dir, sstDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

// removeOrphans discards sstables that never got published. A .tmp file is
// the residue of a flush or compaction cut down mid-write; its inputs are
// all still present, so dropping it loses nothing.
func (t *LSMTree) removeOrphans() error {
	sstDir := path.Join(t.conf.Dir, sstDirName)
	tmpFiles, err := utils.FilesWithExt(sstDir, sstable.TmpExt)
	if err != nil {
		return err
	}
	for _, name := range tmpFiles {
		logger.Warn("discarding unpublished sstable", "file", name)
		if err := os.Remove(path.Join(sstDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// constructTree loads every published sstable back into its level, oldest
// sequence first so level ordering matches the pre-restart state.
func (t *LSMTree) constructTree() error {
	sstFiles, err := utils.FilesWithExt(path.Join(t.conf.Dir, sstDirName), SSTExt)
	if err != nil {
		return err
	}

	type sstIdent struct {
		name  string
		level int
		seq   int32
	}
	idents := make([]sstIdent, 0, len(sstFiles))
	for _, name := range sstFiles {
		level, seq, err := parseSSTName(name)
		if err != nil {
			logger.Warn("skipping unrecognized sstable file", "file", name, "err", err)
			continue
		}
		if level >= t.conf.MaxLevel {
			return fmt.Errorf("sstable %s: level %d exceeds configured max %d", name, level, t.conf.MaxLevel)
		}
		idents = append(idents, sstIdent{name: name, level: level, seq: seq})
	}
	sort.Slice(idents, func(i, j int) bool {
		if idents[i].level != idents[j].level {
			return idents[i].level < idents[j].level
		}
		return idents[i].seq < idents[j].seq
	})

	for _, ident := range idents {
		file := path.Join(sstDirName, ident.name)
		sstReader, err := sstable.NewReader(file, t.conf)
		if err != nil {
			return err
		}
		if err := t.insertNodeWithReader(sstReader, file, ident.level, ident.seq, 0, nil, nil); err != nil {
			sstReader.Close()
			return err
		}
	}
	return nil
}

// constructMemTables rebuilds the memtables from the WAL generations left on
// disk. Every generation but the newest becomes a frozen table queued for
// flush; the newest becomes the active table with its log reopened for
// append. The clock is advanced past every replayed timestamp so new writes
// stay strictly newer than recovered ones.
func (t *LSMTree) constructMemTables() error {
	walDir := path.Join(t.conf.Dir, walDirName)
	walFiles, err := utils.FilesWithExt(walDir, WALExt)
	if err != nil {
		return err
	}

	indexes := make([]int, 0, len(walFiles))
	for _, name := range walFiles {
		index, err := strconv.Atoi(strings.TrimSuffix(name, WALExt))
		if err != nil {
			logger.Warn("skipping unrecognized wal file", "file", name)
			continue
		}
		indexes = append(indexes, index)
	}
	if len(indexes) == 0 {
		t.memTableIndex = 0
		return t.resetMemTableLocked()
	}
	sort.Ints(indexes)

	var maxTS uint64
	restore := func(index int) (uint64, error) {
		file := path.Join(walDir, fmt.Sprintf("%d%s", index, WALExt))
		walReader, err := wal.NewReader(file)
		if err != nil {
			return 0, err
		}
		defer walReader.Close()

		mt := t.conf.MemTableConstructor()
		ts, err := walReader.RestoreToMemTable(mt)
		if err != nil {
			return 0, fmt.Errorf("replay %s: %w", file, err)
		}

		if index == indexes[len(indexes)-1] {
			t.memTable = mt
			return ts, nil
		}
		if mt.EntriesCnt() == 0 {
			// an empty older generation has nothing to flush
			return ts, os.Remove(file)
		}
		t.rOnlyMemTables = append(t.rOnlyMemTables, &memTableCompactItem{
			walFile:  file,
			memTable: mt,
		})
		return ts, nil
	}

	for _, index := range indexes {
		ts, err := restore(index)
		if err != nil {
			return err
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	t.clk.Observe(maxTS)

	t.memTableIndex = indexes[len(indexes)-1]
	walWriter, err := wal.NewWriter(t.walFile())
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	t.walWriter = walWriter

	logger.Info("restored memtables from wal",
		"generations", len(indexes), "frozen", len(t.rOnlyMemTables), "active_entries", t.memTable.EntriesCnt())
	return nil
}

func (t *LSMTree) removeWALFiles() error {
	walDir := path.Join(t.conf.Dir, walDirName)
	walFiles, err := utils.FilesWithExt(walDir, WALExt)
	if err != nil {
		return err
	}
	for _, name := range walFiles {
		if err := os.Remove(path.Join(walDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func parseSSTName(name string) (level int, seq int32, err error) {
	parts := strings.SplitN(strings.TrimSuffix(name, SSTExt), "_", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want <level>_<seq>%s, got %s", SSTExt, name)
	}
	level, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	seq64, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return level, int32(seq64), nil
}
