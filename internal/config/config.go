// Package config loads the simulator's tunables from a YAML file, with CLI
// flags in cmd/idosctl overriding individual fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed configuration for cmd/idosctl and the boot
// simulator.
type Config struct {
	// DiskImage is the FAT12 volume backing the C: mount.
	DiskImage string `yaml:"disk_image"`

	// MemoryFrames sizes the simulated physical arena in 4 KiB frames.
	MemoryFrames int `yaml:"memory_frames"`

	// CacheSectors sizes the FAT sector cache.
	CacheSectors int `yaml:"cache_sectors"`

	// TickMs is the preemption timer period in milliseconds.
	TickMs int `yaml:"tick_ms"`

	// InboxDepth bounds each driver task's message-queue backlog.
	InboxDepth int `yaml:"inbox_depth"`

	// MaxPendingOps is read from the file but not consulted by any
	// component; a driver task's bound on outstanding AsyncOps is twice
	// InboxDepth (driver.NewAsyncTask).
	MaxPendingOps int `yaml:"max_pending_ops"`

	// MetricsAddr is the listen address for serve-metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogFile receives structured JSON logs readable by `idosctl logview`.
	LogFile string `yaml:"log_file"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DiskImage:     "floppy.img",
		MemoryFrames:  2048,
		CacheSectors:  64,
		TickMs:        10,
		InboxDepth:    32,
		MaxPendingOps: 64,
		MetricsAddr:   ":9187",
		LogFile:       "idosnx.log",
	}
}

// Load reads path over the defaults; a missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}
