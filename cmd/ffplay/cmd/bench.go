package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/config"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/framepool"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/manager"
)

func init() {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an allocation benchmark",
		Long:  `Exercise the frame, packet and block pools with a synthetic streaming workload and print the resulting report.`,
		RunE:  runBench,
	}

	benchCmd.Flags().Duration("duration", 10*time.Second, "how long to run the workload")
	benchCmd.Flags().Int("streams", 4, "number of concurrent simulated streams")

	rootCmd.AddCommand(benchCmd)
}

// benchSpecs are the frame shapes the synthetic streams rotate through.
var benchSpecs = []framepool.FrameSpec{
	{Width: 1920, Height: 1080, Format: framepool.YUV420P},
	{Width: 1280, Height: 720, Format: framepool.YUV420P},
	{Width: 640, Height: 480, Format: framepool.NV12},
}

// benchPacketSizes cover the audio and video categories.
var benchPacketSizes = []int{800, 12 * 1024, 180 * 1024, 900 * 1024}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	duration, _ := cmd.Flags().GetDuration("duration")
	streams, _ := cmd.Flags().GetInt("streams")
	if streams <= 0 {
		return fmt.Errorf("streams must be positive, got %d", streams)
	}

	mgr, err := manager.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start memory manager: %w", err)
	}
	defer mgr.Close()

	slog.Info("Starting benchmark", "duration", duration, "streams", streams)

	ctx, cancel := context.WithTimeout(cmd.Context(), duration)
	defer cancel()

	var wg conc.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Go(func() { benchStream(ctx, mgr) })
	}
	wg.Wait()

	os.Stdout.WriteString(mgr.Report())
	return nil
}

// benchStream mimics one decode loop: a frame plus a handful of packets
// per iteration, with a cached lookup thrown in.
func benchStream(ctx context.Context, mgr *manager.Manager) {
	for i := 0; ctx.Err() == nil; i++ {
		frame, err := mgr.AllocateFrame(benchSpecs[i%len(benchSpecs)])
		if err != nil {
			slog.Error("frame allocation failed", "err", err)
			return
		}

		for _, size := range benchPacketSizes {
			pkt, err := mgr.AllocatePacket(size)
			if err != nil {
				slog.Error("packet allocation failed", "err", err)
				mgr.ReleaseFrame(frame)
				return
			}
			mgr.ReleasePacket(pkt)
		}

		key := fmt.Sprintf("frame:%d", rand.IntN(256))
		if _, ok := mgr.CacheGet(key); !ok {
			// The frame buffer is recycled on release, so cache a copy.
			_ = mgr.CachePut(key, bytes.Clone(frame.Data[:min(1024, len(frame.Data))]))
		}

		mgr.ReleaseFrame(frame)
	}
}
