package config

import (
	"errors"
	"testing"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadBudgets(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero block size", func(c *Config) { c.SSTable.BlockSizeBytes = 0 }},
		{"block size past 64KiB", func(c *Config) { c.SSTable.BlockSizeBytes = 64<<10 + 1 }},
		{"zero simple trigger", func(c *Config) {
			c.Compaction.Strategy = CompactionSimple
			c.Compaction.SimpleL0Trigger = 0
		}},
		{"zero freeze threshold", func(c *Config) { c.Memtable.FreezeThresholdBytes = 0 }},
		{"zero target size", func(c *Config) { c.SSTable.TargetSizeBytes = 0 }},
		{"bloom rate too high", func(c *Config) { c.SSTable.BloomFPRate = 1.5 }},
		{"negative cache", func(c *Config) { c.Cache.BlockCapacity = -1 }},
		{"unknown strategy", func(c *Config) { c.Compaction.Strategy = "bogus" }},
		{"tiered ratio", func(c *Config) {
			c.Compaction.Strategy = CompactionTiered
			c.Compaction.TieredSizeRatio = 0.5
		}},
		{"leveled multiplier", func(c *Config) {
			c.Compaction.Strategy = CompactionLeveled
			c.Compaction.LeveledSizeMultiplier = 1
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.Is(err, dberrors.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestEveryStrategyValidates(t *testing.T) {
	for _, s := range []CompactionStrategy{CompactionSimple, CompactionTiered, CompactionLeveled} {
		cfg := Default()
		cfg.Compaction.Strategy = s
		if err := cfg.Validate(); err != nil {
			t.Fatalf("strategy %s should validate: %v", s, err)
		}
	}
}
