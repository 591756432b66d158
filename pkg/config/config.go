// Package config holds every tunable of the storage engine. Numeric
// knobs here are policy, not protocol: changing them never changes the
// on-disk format.
package config

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
)

// CompactionStrategy selects one of the three interchangeable strategies.
type CompactionStrategy string

const (
	CompactionSimple  CompactionStrategy = "simple"
	CompactionTiered  CompactionStrategy = "tiered"
	CompactionLeveled CompactionStrategy = "leveled"
)

// Config is the root engine configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
	WAL        WALConfig        `yaml:"wal"`

	// Serializable makes every transaction validate its read set at
	// commit time instead of only detecting write-write conflicts.
	Serializable bool `yaml:"serializable"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MemtableConfig struct {
	// FreezeThresholdBytes is the approximate size at which the active
	// memtable is frozen and a new one created.
	FreezeThresholdBytes int `yaml:"freeze_threshold"`
	// MaxImmTables bounds how many frozen memtables may pile up before
	// writers stall waiting on the flusher.
	MaxImmTables int `yaml:"max_imm_tables"`
}

type SSTableConfig struct {
	// BlockSizeBytes is the budget a block builder fills before sealing.
	BlockSizeBytes int `yaml:"block_size"`
	// TargetSizeBytes is the point at which a compaction output table is
	// sealed and the next one started.
	TargetSizeBytes int `yaml:"target_size"`
	// BloomFPRate is the bloom filter false positive rate.
	BloomFPRate float64 `yaml:"bloom_fp_rate"`
	// Compress enables snappy compression of data blocks.
	Compress bool `yaml:"compress"`
}

type CacheConfig struct {
	// BlockCapacity is the number of decoded blocks the shared cache
	// holds; zero disables the cache.
	BlockCapacity int `yaml:"block_capacity"`
}

type CompactionConfig struct {
	Strategy CompactionStrategy `yaml:"strategy"`

	// Simple: L0 table count that triggers a full L0+L1 merge.
	SimpleL0Trigger int `yaml:"simple_l0_trigger"`

	// Tiered: maximum sorted runs before a merge is forced.
	TieredMaxTiers int `yaml:"tiered_max_tiers"`
	// Tiered: a prefix of tiers is merged when its cumulative size
	// exceeds SizeRatio times the next tier's size.
	TieredSizeRatio float64 `yaml:"tiered_size_ratio"`
	// Tiered: never merge fewer than this many tiers.
	TieredMinMergeWidth int `yaml:"tiered_min_merge_width"`

	// Leveled: L0 table count that triggers compaction into the base level.
	LeveledL0Trigger int `yaml:"leveled_l0_trigger"`
	// Leveled: number of levels below L0.
	LeveledMaxLevels int `yaml:"leveled_max_levels"`
	// Leveled: target size of the base level.
	LeveledBaseLevelBytes int `yaml:"leveled_base_level_bytes"`
	// Leveled: per-level target size multiplier.
	LeveledSizeMultiplier int `yaml:"leveled_size_multiplier"`
}

type WALConfig struct {
	// SyncOnWrite fsyncs after every append. Off, appends are still
	// flushed to the OS but fsync happens on freeze and close.
	SyncOnWrite bool `yaml:"sync_on_write"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Memtable: MemtableConfig{
			FreezeThresholdBytes: 1 << 20,
			MaxImmTables:         4,
		},
		SSTable: SSTableConfig{
			BlockSizeBytes:  4 << 10,
			TargetSizeBytes: 2 << 20,
			BloomFPRate:     0.01,
			Compress:        false,
		},
		Cache: CacheConfig{BlockCapacity: 256},
		Compaction: CompactionConfig{
			Strategy:              CompactionLeveled,
			SimpleL0Trigger:       2,
			TieredMaxTiers:        8,
			TieredSizeRatio:       2.0,
			TieredMinMergeWidth:   2,
			LeveledL0Trigger:      4,
			LeveledMaxLevels:      4,
			LeveledBaseLevelBytes: 2 << 20,
			LeveledSizeMultiplier: 10,
		},
		WAL: WALConfig{SyncOnWrite: true},
	}
}

// Validate rejects impossible budgets before the engine touches disk.
func (c Config) Validate() error {
	if c.Memtable.FreezeThresholdBytes <= 0 {
		return fmt.Errorf("%w: memtable freeze threshold must be positive, got %d",
			dberrors.ErrInvalidConfig, c.Memtable.FreezeThresholdBytes)
	}
	if c.Memtable.MaxImmTables <= 0 {
		return fmt.Errorf("%w: max immutable memtables must be positive, got %d",
			dberrors.ErrInvalidConfig, c.Memtable.MaxImmTables)
	}
	if c.SSTable.BlockSizeBytes <= 0 {
		return fmt.Errorf("%w: block size must be positive, got %d",
			dberrors.ErrInvalidConfig, c.SSTable.BlockSizeBytes)
	}
	// Block offsets are 16-bit on disk, so a block must not grow past 64 KiB.
	if c.SSTable.BlockSizeBytes > 64<<10 {
		return fmt.Errorf("%w: block size must not exceed %d, got %d",
			dberrors.ErrInvalidConfig, 64<<10, c.SSTable.BlockSizeBytes)
	}
	if c.SSTable.TargetSizeBytes <= 0 {
		return fmt.Errorf("%w: sstable target size must be positive, got %d",
			dberrors.ErrInvalidConfig, c.SSTable.TargetSizeBytes)
	}
	if c.SSTable.BloomFPRate <= 0 || c.SSTable.BloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom fp rate must be in (0, 1), got %g",
			dberrors.ErrInvalidConfig, c.SSTable.BloomFPRate)
	}
	if c.Cache.BlockCapacity < 0 {
		return fmt.Errorf("%w: cache capacity must not be negative, got %d",
			dberrors.ErrInvalidConfig, c.Cache.BlockCapacity)
	}

	switch c.Compaction.Strategy {
	case CompactionSimple:
		if c.Compaction.SimpleL0Trigger <= 0 {
			return fmt.Errorf("%w: simple compaction trigger must be positive, got %d",
				dberrors.ErrInvalidConfig, c.Compaction.SimpleL0Trigger)
		}
	case CompactionTiered:
		if c.Compaction.TieredMaxTiers <= 0 || c.Compaction.TieredSizeRatio <= 1 ||
			c.Compaction.TieredMinMergeWidth < 2 {
			return fmt.Errorf("%w: tiered compaction parameters out of range",
				dberrors.ErrInvalidConfig)
		}
	case CompactionLeveled:
		if c.Compaction.LeveledL0Trigger <= 0 || c.Compaction.LeveledMaxLevels <= 0 ||
			c.Compaction.LeveledBaseLevelBytes <= 0 || c.Compaction.LeveledSizeMultiplier <= 1 {
			return fmt.Errorf("%w: leveled compaction parameters out of range",
				dberrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown compaction strategy %q",
			dberrors.ErrInvalidConfig, c.Compaction.Strategy)
	}

	return nil
}
