package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/config"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/manager"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/slogutil"
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the memory subsystem",
		Long:  `Start the memory manager with its pools, cache and tracker, and keep it running until interrupted.`,
		RunE:  runRun,
	}

	runCmd.Flags().Duration("report-interval", 0, "log a full report at this interval (0 disables)")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupLogRotation(slogutil.RotationConfig{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger)

	mgr, err := manager.New(cfg, manager.WithPressureCallback(func(ev manager.PressureEvent) {
		logger.Warn("memory pressure transition",
			"from", ev.From.String(),
			"to", ev.To.String(),
			"usage", ev.Usage,
			"limit", ev.Limit)
	}))
	if err != nil {
		logger.Error("failed to start memory manager", "err", err)
		return err
	}

	reportEvery, _ := cmd.Flags().GetDuration("report-interval")
	var reportTicker *time.Ticker
	var reportC <-chan time.Time
	if reportEvery > 0 {
		reportTicker = time.NewTicker(reportEvery)
		reportC = reportTicker.C
		defer reportTicker.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig)
			if err := mgr.Close(); err != nil {
				logger.Error("shutdown finished with errors", "err", err)
				return err
			}
			logger.Info("Shutdown complete")
			return nil
		case <-reportC:
			logger.Info("periodic report")
			os.Stdout.WriteString(mgr.Report())
		}
	}
}
