// Package config defines the complete configuration tree for the memory
// subsystem, with defaults, validation and strategy/scenario presets.
package config

import (
	"fmt"
	"time"
)

const (
	kib = 1024
	mib = 1024 * 1024
)

// Config represents the complete memory subsystem configuration.
type Config struct {
	Manager    ManagerConfig    `yaml:"manager" mapstructure:"manager"`
	BlockPool  BlockPoolConfig  `yaml:"block_pool" mapstructure:"block_pool"`
	FramePool  FramePoolConfig  `yaml:"frame_pool" mapstructure:"frame_pool"`
	PacketPool PacketPoolConfig `yaml:"packet_pool" mapstructure:"packet_pool"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// Strategy selects a component sizing preset.
type Strategy string

const (
	StrategyPerformance  Strategy = "performance"
	StrategyMemorySaving Strategy = "memory_saving"
	StrategyBalanced     Strategy = "balanced"
	StrategyCustom       Strategy = "custom"
)

// Scenario selects a workload preset layered on top of the strategy.
type Scenario string

const (
	ScenarioSingleStream   Scenario = "single_stream"
	ScenarioMultiStream    Scenario = "multi_stream"
	ScenarioRealTime       Scenario = "real_time"
	ScenarioBatch          Scenario = "batch"
	ScenarioLowLatency     Scenario = "low_latency"
	ScenarioHighThroughput Scenario = "high_throughput"
)

// ManagerConfig controls the orchestrating manager.
type ManagerConfig struct {
	Strategy         Strategy      `yaml:"strategy" mapstructure:"strategy"`
	Scenario         Scenario      `yaml:"scenario" mapstructure:"scenario"`
	MaxTotalMemory   int64         `yaml:"max_total_memory" mapstructure:"max_total_memory"`
	HighWatermark    float64       `yaml:"high_watermark" mapstructure:"high_watermark"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval" mapstructure:"optimize_interval"`
	EnableBlockPool  bool          `yaml:"enable_block_pool" mapstructure:"enable_block_pool"`
	EnableFramePool  bool          `yaml:"enable_frame_pool" mapstructure:"enable_frame_pool"`
	EnablePacketPool bool          `yaml:"enable_packet_pool" mapstructure:"enable_packet_pool"`
	EnableCache      bool          `yaml:"enable_cache" mapstructure:"enable_cache"`
	EnableTracker    bool          `yaml:"enable_tracker" mapstructure:"enable_tracker"`
	EnableOptimizer  bool          `yaml:"enable_optimizer" mapstructure:"enable_optimizer"`
}

// BlockPoolConfig controls the layered raw-memory pool.
type BlockPoolConfig struct {
	SmallBlockSize  int   `yaml:"small_block_size" mapstructure:"small_block_size"`
	MediumBlockSize int   `yaml:"medium_block_size" mapstructure:"medium_block_size"`
	LargeBlockSize  int   `yaml:"large_block_size" mapstructure:"large_block_size"`
	InitialPoolSize int64 `yaml:"initial_pool_size" mapstructure:"initial_pool_size"`
	MaxPoolSize     int64 `yaml:"max_pool_size" mapstructure:"max_pool_size"`
	Alignment       int   `yaml:"alignment" mapstructure:"alignment"`
}

// FramePoolConfig controls the video frame recycler.
type FramePoolConfig struct {
	FramesPerPool        int           `yaml:"frames_per_pool" mapstructure:"frames_per_pool"`
	MaxPools             int           `yaml:"max_pools" mapstructure:"max_pools"`
	MaxFrameSize         int           `yaml:"max_frame_size" mapstructure:"max_frame_size"`
	DefaultAlignment     int           `yaml:"default_alignment" mapstructure:"default_alignment"`
	MaxTotalMemory       int64         `yaml:"max_total_memory" mapstructure:"max_total_memory"`
	PressureThreshold    float64       `yaml:"pressure_threshold" mapstructure:"pressure_threshold"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	UtilizationThreshold float64       `yaml:"utilization_threshold" mapstructure:"utilization_threshold"`
	WarmCommonSpecs      bool          `yaml:"warm_common_specs" mapstructure:"warm_common_specs"`
}

// PacketPoolConfig controls the compressed-data packet recycler.
type PacketPoolConfig struct {
	MaxPoolsPerCategory int           `yaml:"max_pools_per_category" mapstructure:"max_pools_per_category"`
	PacketsPerPool      int           `yaml:"packets_per_pool" mapstructure:"packets_per_pool"`
	MaxTotalMemory      int64         `yaml:"max_total_memory" mapstructure:"max_total_memory"`
	PressureThreshold   float64       `yaml:"pressure_threshold" mapstructure:"pressure_threshold"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	HotCapacity      int           `yaml:"hot_capacity" mapstructure:"hot_capacity"`
	WarmCapacity     int           `yaml:"warm_capacity" mapstructure:"warm_capacity"`
	ColdCapacity     int           `yaml:"cold_capacity" mapstructure:"cold_capacity"`
	HotPolicy        string        `yaml:"hot_policy" mapstructure:"hot_policy"`
	WarmPolicy       string        `yaml:"warm_policy" mapstructure:"warm_policy"`
	ColdPolicy       string        `yaml:"cold_policy" mapstructure:"cold_policy"`
	TTL              time.Duration `yaml:"ttl" mapstructure:"ttl"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	DemoteAfter      time.Duration `yaml:"demote_after" mapstructure:"demote_after"`
	PromoteThreshold int           `yaml:"promote_threshold" mapstructure:"promote_threshold"`
	Compression      bool          `yaml:"compression" mapstructure:"compression"`
	PrefetchWorkers  int           `yaml:"prefetch_workers" mapstructure:"prefetch_workers"`
	PrefetchRetries  int           `yaml:"prefetch_retries" mapstructure:"prefetch_retries"`
}

// TrackerConfig controls the allocation tracker.
type TrackerConfig struct {
	MaxAllocations   int           `yaml:"max_allocations" mapstructure:"max_allocations"`
	LeakThreshold    time.Duration `yaml:"leak_threshold" mapstructure:"leak_threshold"`
	AlertThreshold   int64         `yaml:"alert_threshold" mapstructure:"alert_threshold"`
	AlertCooldown    time.Duration `yaml:"alert_cooldown" mapstructure:"alert_cooldown"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" mapstructure:"snapshot_interval"`
	MaxHistory       int           `yaml:"max_history" mapstructure:"max_history"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the balanced defaults used when no config file is
// present.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Strategy:         StrategyBalanced,
			MaxTotalMemory:   512 * mib,
			HighWatermark:    0.8,
			MonitorInterval:  time.Second,
			OptimizeInterval: 30 * time.Second,
			EnableBlockPool:  true,
			EnableFramePool:  true,
			EnablePacketPool: true,
			EnableCache:      true,
			EnableTracker:    true,
			EnableOptimizer:  true,
		},
		BlockPool: BlockPoolConfig{
			SmallBlockSize:  1 * kib,
			MediumBlockSize: 64 * kib,
			LargeBlockSize:  1 * mib,
			InitialPoolSize: 16 * mib,
			MaxPoolSize:     128 * mib,
			Alignment:       32,
		},
		FramePool: FramePoolConfig{
			FramesPerPool:        16,
			MaxPools:             32,
			MaxFrameSize:         64 * mib,
			DefaultAlignment:     32,
			MaxTotalMemory:       512 * mib,
			PressureThreshold:    0.8,
			CleanupInterval:      30 * time.Second,
			IdleTimeout:          2 * time.Minute,
			UtilizationThreshold: 0.25,
			WarmCommonSpecs:      false,
		},
		PacketPool: PacketPoolConfig{
			MaxPoolsPerCategory: 8,
			PacketsPerPool:      32,
			MaxTotalMemory:      128 * mib,
			PressureThreshold:   0.8,
			CleanupInterval:     30 * time.Second,
		},
		Cache: CacheConfig{
			HotCapacity:      1000,
			WarmCapacity:     5000,
			ColdCapacity:     20000,
			HotPolicy:        "lru",
			WarmPolicy:       "lru",
			ColdPolicy:       "ttl",
			TTL:              10 * time.Minute,
			CleanupInterval:  time.Minute,
			DemoteAfter:      5 * time.Minute,
			PromoteThreshold: 3,
			Compression:      true,
			PrefetchWorkers:  4,
			PrefetchRetries:  2,
		},
		Tracker: TrackerConfig{
			MaxAllocations:   100000,
			LeakThreshold:    5 * time.Minute,
			AlertThreshold:   100 * mib,
			AlertCooldown:    time.Minute,
			SnapshotInterval: 5 * time.Second,
			MaxHistory:       720,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    5,
			MaxBackups: 5,
			MaxAge:     14,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Manager.MaxTotalMemory <= 0 {
		return fmt.Errorf("manager.max_total_memory must be positive, got %d", c.Manager.MaxTotalMemory)
	}
	if c.Manager.HighWatermark <= 0.7 || c.Manager.HighWatermark > 1.0 {
		return fmt.Errorf("manager.high_watermark must be in (0.7, 1.0], got %g", c.Manager.HighWatermark)
	}
	if c.Manager.MonitorInterval <= 0 {
		return fmt.Errorf("manager.monitor_interval must be positive")
	}

	if c.BlockPool.SmallBlockSize <= 0 {
		return fmt.Errorf("block_pool.small_block_size must be positive")
	}
	if c.BlockPool.MediumBlockSize <= c.BlockPool.SmallBlockSize {
		return fmt.Errorf("block_pool.medium_block_size (%d) must exceed small_block_size (%d)",
			c.BlockPool.MediumBlockSize, c.BlockPool.SmallBlockSize)
	}
	if c.BlockPool.LargeBlockSize <= c.BlockPool.MediumBlockSize {
		return fmt.Errorf("block_pool.large_block_size (%d) must exceed medium_block_size (%d)",
			c.BlockPool.LargeBlockSize, c.BlockPool.MediumBlockSize)
	}
	if c.BlockPool.MaxPoolSize < c.BlockPool.InitialPoolSize {
		return fmt.Errorf("block_pool.max_pool_size must be at least initial_pool_size")
	}
	if a := c.BlockPool.Alignment; a <= 0 || a&(a-1) != 0 {
		return fmt.Errorf("block_pool.alignment must be a power of two, got %d", a)
	}
	for _, size := range [3]int{c.BlockPool.SmallBlockSize, c.BlockPool.MediumBlockSize, c.BlockPool.LargeBlockSize} {
		if size%c.BlockPool.Alignment != 0 {
			return fmt.Errorf("block_pool sizes must be multiples of alignment %d, got %d",
				c.BlockPool.Alignment, size)
		}
	}

	if c.FramePool.FramesPerPool <= 0 || c.FramePool.MaxPools <= 0 {
		return fmt.Errorf("frame_pool sizes must be positive")
	}
	if t := c.FramePool.PressureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("frame_pool.pressure_threshold must be in (0, 1], got %g", t)
	}
	if c.PacketPool.MaxPoolsPerCategory <= 0 || c.PacketPool.PacketsPerPool <= 0 {
		return fmt.Errorf("packet_pool sizes must be positive")
	}
	if t := c.PacketPool.PressureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("packet_pool.pressure_threshold must be in (0, 1], got %g", t)
	}

	if c.Cache.HotCapacity <= 0 || c.Cache.WarmCapacity <= 0 || c.Cache.ColdCapacity <= 0 {
		return fmt.Errorf("cache tier capacities must be positive")
	}
	for _, p := range []string{c.Cache.HotPolicy, c.Cache.WarmPolicy, c.Cache.ColdPolicy} {
		switch p {
		case "lru", "lfu", "fifo", "random", "ttl":
		default:
			return fmt.Errorf("unknown cache eviction policy %q", p)
		}
	}
	if c.Cache.PromoteThreshold <= 0 {
		return fmt.Errorf("cache.promote_threshold must be positive")
	}

	if c.Tracker.MaxAllocations <= 0 {
		return fmt.Errorf("tracker.max_allocations must be positive")
	}

	return nil
}
