package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lsmkv/internal/storage/filter"
	"lsmkv/internal/storage/memtable"
	pkgerrors "lsmkv/pkg/errors"
)

const (
	DefaultMaxLevel          = 7
	DefaultSSTSize           = 4 * 1024 * 1024
	DefaultSSTNumPerLevel    = 4
	DefaultSSTDataBlockSize  = 16 * 1024
	DefaultMemTableSize      = 4 * 1024 * 1024
	DefaultFalsePositiveRate = filter.DefaultFalsePositiveRate
)

type Config struct {
	Dir      string `yaml:"dir"`       // data directory
	MaxLevel int    `yaml:"max_level"` // number of sstable levels

	// SSTable Config
	SSTSize          uint64 `yaml:"sst_size"`            // target sstable size at level 0
	SSTNumPerLevel   int    `yaml:"sst_num_per_level"`   // compaction trigger per level
	SSTDataBlockSize uint64 `yaml:"sst_data_block_size"` // data block size before compression

	// MemTable Config
	MemTableSize uint64 `yaml:"memtable_size"` // flush trigger

	// Filter Config
	FalsePositiveRate float64 `yaml:"false_positive_rate"`

	MemTableConstructor memtable.Constructor `yaml:"-"`
	FilterConstructor   filter.Constructor   `yaml:"-"`
}

type Option func(*Config)

func WithMaxLevel(maxLevel int) Option {
	return func(c *Config) {
		c.MaxLevel = maxLevel
	}
}

func WithSSTSize(size uint64) Option {
	return func(c *Config) {
		c.SSTSize = size
	}
}

func WithSSTNumPerLevel(n int) Option {
	return func(c *Config) {
		c.SSTNumPerLevel = n
	}
}

func WithSSTDataBlockSize(size uint64) Option {
	return func(c *Config) {
		c.SSTDataBlockSize = size
	}
}

func WithMemTableSize(size uint64) Option {
	return func(c *Config) {
		c.MemTableSize = size
	}
}

func WithFalsePositiveRate(p float64) Option {
	return func(c *Config) {
		c.FalsePositiveRate = p
	}
}

// New builds a config for the given data directory, applying defaults first
// and the options on top. It fails fast on an invalid combination.
func New(dir string, opts ...Option) (*Config, error) {
	c := &Config{
		Dir:               dir,
		MaxLevel:          DefaultMaxLevel,
		SSTSize:           DefaultSSTSize,
		SSTNumPerLevel:    DefaultSSTNumPerLevel,
		SSTDataBlockSize:  DefaultSSTDataBlockSize,
		MemTableSize:      DefaultMemTableSize,
		FalsePositiveRate: DefaultFalsePositiveRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.fillConstructors()
	return c, nil
}

// FromFile reads a YAML config file. Fields absent from the file keep their
// defaults.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := &Config{
		MaxLevel:          DefaultMaxLevel,
		SSTSize:           DefaultSSTSize,
		SSTNumPerLevel:    DefaultSSTNumPerLevel,
		SSTDataBlockSize:  DefaultSSTDataBlockSize,
		MemTableSize:      DefaultMemTableSize,
		FalsePositiveRate: DefaultFalsePositiveRate,
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidConfig, err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.fillConstructors()
	return c, nil
}

func (c *Config) check() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: empty dir", pkgerrors.ErrInvalidConfig)
	}
	if c.MaxLevel < 2 {
		return fmt.Errorf("%w: max_level %d, need at least 2", pkgerrors.ErrInvalidConfig, c.MaxLevel)
	}
	if c.SSTSize == 0 || c.SSTDataBlockSize == 0 || c.MemTableSize == 0 {
		return fmt.Errorf("%w: zero size threshold", pkgerrors.ErrInvalidConfig)
	}
	if c.SSTNumPerLevel <= 0 {
		return fmt.Errorf("%w: sst_num_per_level %d", pkgerrors.ErrInvalidConfig, c.SSTNumPerLevel)
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		return fmt.Errorf("%w: false_positive_rate %v outside (0, 1)", pkgerrors.ErrInvalidConfig, c.FalsePositiveRate)
	}
	return nil
}

func (c *Config) fillConstructors() {
	if c.MemTableConstructor == nil {
		c.MemTableConstructor = memtable.NewSkipMap
	}
	if c.FilterConstructor == nil {
		p := c.FalsePositiveRate
		c.FilterConstructor = func() filter.Filter {
			return filter.NewBloomFilter(p)
		}
	}
}
