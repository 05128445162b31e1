package config

import (
	"fmt"
	"time"
)

// ApplyStrategy resizes the component configs for the given strategy.
// StrategyCustom leaves everything as-is.
func (c *Config) ApplyStrategy(s Strategy) error {
	switch s {
	case StrategyPerformance:
		c.Manager.EnableBlockPool = true
		c.Manager.EnableFramePool = true
		c.Manager.EnablePacketPool = true
		c.Manager.EnableCache = true
		c.BlockPool.InitialPoolSize = 64 * mib
		c.BlockPool.MaxPoolSize = 512 * mib
		c.FramePool.FramesPerPool = 32
		c.FramePool.MaxPools = 64
		c.FramePool.WarmCommonSpecs = true
		c.PacketPool.PacketsPerPool = 64
		c.PacketPool.MaxPoolsPerCategory = 16
		c.Cache.HotCapacity = 2000
		c.Cache.WarmCapacity = 10000
		c.Cache.ColdCapacity = 50000

	case StrategyMemorySaving:
		c.Manager.EnableBlockPool = true
		c.Manager.EnableFramePool = false
		c.Manager.EnablePacketPool = false
		c.Manager.EnableCache = false
		c.BlockPool.InitialPoolSize = 4 * mib
		c.BlockPool.MaxPoolSize = 32 * mib

	case StrategyBalanced:
		c.Manager.EnableBlockPool = true
		c.Manager.EnableFramePool = true
		c.Manager.EnablePacketPool = true
		c.Manager.EnableCache = false
		c.BlockPool.InitialPoolSize = 16 * mib
		c.BlockPool.MaxPoolSize = 128 * mib
		c.FramePool.FramesPerPool = 16
		c.FramePool.MaxPools = 32
		c.PacketPool.PacketsPerPool = 32
		c.PacketPool.MaxPoolsPerCategory = 8

	case StrategyCustom:
		// keep user-provided sizes

	default:
		return fmt.Errorf("unknown memory strategy %q", s)
	}

	c.Manager.Strategy = s
	return nil
}

// ApplyScenario layers workload-specific adjustments on top of the
// strategy preset.
func (c *Config) ApplyScenario(sc Scenario) error {
	switch sc {
	case ScenarioSingleStream:
		if err := c.ApplyStrategy(StrategyMemorySaving); err != nil {
			return err
		}
		c.Manager.MaxTotalMemory = 256 * mib

	case ScenarioMultiStream:
		if err := c.ApplyStrategy(StrategyBalanced); err != nil {
			return err
		}
		c.Manager.MaxTotalMemory = 1024 * mib

	case ScenarioRealTime:
		if err := c.ApplyStrategy(StrategyPerformance); err != nil {
			return err
		}
		c.Manager.EnableOptimizer = false

	case ScenarioBatch:
		if err := c.ApplyStrategy(StrategyPerformance); err != nil {
			return err
		}
		c.Manager.MaxTotalMemory = 2048 * mib

	case ScenarioLowLatency:
		if err := c.ApplyStrategy(StrategyPerformance); err != nil {
			return err
		}
		c.Manager.OptimizeInterval = 10 * time.Second

	case ScenarioHighThroughput:
		if err := c.ApplyStrategy(StrategyPerformance); err != nil {
			return err
		}
		c.Manager.MaxTotalMemory = 4096 * mib

	default:
		return fmt.Errorf("unknown usage scenario %q", sc)
	}

	c.Manager.Scenario = sc
	return nil
}
