// Package config defines the MegumiDB configuration and loads it from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/megumidb/megumidb/pkg/logger"
	"github.com/megumidb/megumidb/pkg/telemetry"
)

// StorageConfig configures the disk manager and buffer pool.
type StorageConfig struct {
	// DataFile is the path of the database file.
	DataFile string `yaml:"data_file"`
	// PageSize records the disk page size in bytes. Nothing reads it; pages
	// are always page.Size (4096) bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// ReplacerK is the K parameter of the LRU-K replacer.
	ReplacerK int `yaml:"replacer_k"`
}

// IndexConfig configures the B+ tree index.
type IndexConfig struct {
	// LeafMaxSize caps the number of entries in a leaf page. Zero means
	// derive from the page size.
	LeafMaxSize int `yaml:"leaf_max_size"`
	// InternalMaxSize caps the number of entries in an internal page. Zero
	// means derive from the page size.
	InternalMaxSize int `yaml:"internal_max_size"`
}

// LockConfig configures the lock manager.
type LockConfig struct {
	// EnableCycleDetection starts the background deadlock detector.
	EnableCycleDetection bool `yaml:"enable_cycle_detection"`
	// CycleDetectionIntervalMS is how often, in milliseconds, the detector
	// scans for cycles.
	CycleDetectionIntervalMS int `yaml:"cycle_detection_interval_ms"`
	// StrictUpgrades disallows the IX -> SIX lock upgrade.
	StrictUpgrades bool `yaml:"strict_upgrades"`
}

// CycleDetectionInterval returns the detector scan period.
func (l LockConfig) CycleDetectionInterval() time.Duration {
	return time.Duration(l.CycleDetectionIntervalMS) * time.Millisecond
}

// Config is the root configuration for a MegumiDB instance.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Index     IndexConfig      `yaml:"index"`
	Lock      LockConfig       `yaml:"lock"`
	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for local use.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataFile:  "megumi.db",
			PageSize:  4096,
			PoolSize:  64,
			ReplacerK: 2,
		},
		Lock: LockConfig{
			EnableCycleDetection:     true,
			CycleDetectionIntervalMS: 50,
		},
		Logging: logger.Config{
			Level:       "info",
			Format:      "console",
			ServiceName: "megumidb",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "megumidb",
			PrometheusPort: 9091,
		},
	}
}

// Load reads a YAML configuration file, layered over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
