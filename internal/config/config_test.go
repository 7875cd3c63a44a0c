package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "lsmkv/pkg/errors"
)

func TestNewDefaults(t *testing.T) {
	conf, err := New("/tmp/data")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/data", conf.Dir)
	assert.Equal(t, DefaultMaxLevel, conf.MaxLevel)
	assert.Equal(t, uint64(DefaultSSTSize), conf.SSTSize)
	assert.Equal(t, DefaultSSTNumPerLevel, conf.SSTNumPerLevel)
	assert.Equal(t, uint64(DefaultSSTDataBlockSize), conf.SSTDataBlockSize)
	assert.Equal(t, uint64(DefaultMemTableSize), conf.MemTableSize)
	assert.NotNil(t, conf.MemTableConstructor)
	assert.NotNil(t, conf.FilterConstructor)
}

func TestNewWithOptions(t *testing.T) {
	conf, err := New("/tmp/data",
		WithMaxLevel(4),
		WithSSTSize(1024),
		WithSSTNumPerLevel(2),
		WithSSTDataBlockSize(256),
		WithMemTableSize(2048),
		WithFalsePositiveRate(0.05),
	)
	require.NoError(t, err)

	assert.Equal(t, 4, conf.MaxLevel)
	assert.Equal(t, uint64(1024), conf.SSTSize)
	assert.Equal(t, 2, conf.SSTNumPerLevel)
	assert.Equal(t, uint64(256), conf.SSTDataBlockSize)
	assert.Equal(t, uint64(2048), conf.MemTableSize)
	assert.Equal(t, 0.05, conf.FalsePositiveRate)
}

func TestNewInvalid(t *testing.T) {
	cases := []struct {
		name string
		dir  string
		opts []Option
	}{
		{name: "empty dir", dir: ""},
		{name: "max level too small", dir: "/tmp/data", opts: []Option{WithMaxLevel(1)}},
		{name: "zero sst size", dir: "/tmp/data", opts: []Option{WithSSTSize(0)}},
		{name: "zero memtable size", dir: "/tmp/data", opts: []Option{WithMemTableSize(0)}},
		{name: "bad num per level", dir: "/tmp/data", opts: []Option{WithSSTNumPerLevel(0)}},
		{name: "bad false positive rate", dir: "/tmp/data", opts: []Option{WithFalsePositiveRate(1.5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.dir, tc.opts...)
			assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
		})
	}
}

func TestFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	content := `
dir: /tmp/lsmkv-data
max_level: 5
sst_size: 2097152
memtable_size: 1048576
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	conf, err := FromFile(file)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/lsmkv-data", conf.Dir)
	assert.Equal(t, 5, conf.MaxLevel)
	assert.Equal(t, uint64(2*1024*1024), conf.SSTSize)
	assert.Equal(t, uint64(1024*1024), conf.MemTableSize)
	// fields absent from the file keep their defaults
	assert.Equal(t, DefaultSSTNumPerLevel, conf.SSTNumPerLevel)
	assert.Equal(t, DefaultFalsePositiveRate, conf.FalsePositiveRate)
	assert.NotNil(t, conf.MemTableConstructor)
}

func TestFromFileInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_level: [oops"), 0644))

	_, err := FromFile(file)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
}
