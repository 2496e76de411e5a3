package walstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// Config is the file form of the store options.
type Config struct {
	Dir          string        `yaml:"dir" toml:"dir"`
	SegmentSize  int64         `yaml:"segment_size" toml:"segment_size"`
	SyncMode     string        `yaml:"sync_mode" toml:"sync_mode"`
	SyncInterval time.Duration `yaml:"sync_interval" toml:"sync_interval"`
	StreamBuffer int           `yaml:"stream_buffer" toml:"stream_buffer"`
	ReadBuffer   int           `yaml:"read_buffer" toml:"read_buffer"`
}

// DefaultConfig returns the defaults used when a field is left empty.
func DefaultConfig() Config {
	return Config{
		SegmentSize:  walfs.DefaultSegmentSize,
		SyncMode:     SyncImmediate.String(),
		SyncInterval: defaultSyncInterval,
		StreamBuffer: defaultStreamBuffer,
		ReadBuffer:   defaultReadBuffer,
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidPath, path)
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides fields from HQWAL_* environment variables.
// A value that does not parse is reported as ErrParse and leaves the field unchanged.
func (c *Config) ApplyEnv() error {
	overrideEnvString(&c.Dir, "HQWAL_DIR")
	overrideEnvString(&c.SyncMode, "HQWAL_SYNC_MODE")
	if v := os.Getenv("HQWAL_SEGMENT_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: HQWAL_SEGMENT_SIZE: %w", ErrParse, err)
		}
		c.SegmentSize = n
	}
	if v := os.Getenv("HQWAL_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: HQWAL_SYNC_INTERVAL: %w", ErrParse, err)
		}
		c.SyncInterval = d
	}
	return nil
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.SegmentSize <= 0 {
		c.SegmentSize = def.SegmentSize
	}
	if c.SyncMode == "" {
		c.SyncMode = def.SyncMode
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = def.StreamBuffer
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = def.ReadBuffer
	}
}

// Validate checks the values a store cannot run with.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: empty log directory", ErrInvalidPath)
	}
	if c.SegmentSize < walfs.MinSegmentSize || c.SegmentSize > walfs.MaxSegmentSize {
		return fmt.Errorf("segment_size %d out of range [%d, %d]",
			c.SegmentSize, walfs.MinSegmentSize, walfs.MaxSegmentSize)
	}
	if _, err := ParseSyncMode(c.SyncMode); err != nil {
		return err
	}
	return nil
}

// Options converts the config into store options.
func (c Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	mode, err := ParseSyncMode(c.SyncMode)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithSegmentSize(c.SegmentSize),
		WithSyncMode(mode, c.SyncInterval),
		WithStreamBuffer(c.StreamBuffer),
		WithReadBuffer(c.ReadBuffer),
	}, nil
}
