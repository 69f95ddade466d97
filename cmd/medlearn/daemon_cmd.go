package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"medlearn/internal/config"
	"medlearn/internal/logging"
)

var daemonInterval time.Duration

// daemonCmd keeps the maintenance jobs running: the run-log janitor and the
// Elo recenter check on a ticker, with live config reload when a config file
// was given.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run maintenance jobs on an interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var watcher *config.Watcher
		if configPath != "" {
			var err error
			watcher, err = config.NewWatcher(configPath)
			if err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}
			watcher.Subscribe(func(fresh *config.Config) {
				// Tunable algorithm parameters apply on the next tick;
				// storage and Redis settings need a restart.
				*app.cfg = *fresh
			})
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		ticker := time.NewTicker(daemonInterval)
		defer ticker.Stop()

		logging.Jobs("daemon started, interval=%s", daemonInterval)
		for {
			select {
			case sig := <-sigCh:
				logging.Jobs("daemon stopping on %s", sig)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if closed, err := app.pipeline.FailStaleRuns(ctx); err != nil {
					logging.Jobs("janitor pass failed: %v", err)
				} else if closed > 0 {
					logging.Jobs("janitor closed %d runs", closed)
				}
				if shift, err := app.pipeline.RecenterIfNeeded(ctx); err != nil {
					logging.Jobs("recenter check failed: %v", err)
				} else if shift != 0 {
					logging.Jobs("elo recentered, shift=%.4f", shift)
				}
			}
		}
	},
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 5*time.Minute, "tick interval for maintenance passes")
	jobsCmd.AddCommand(daemonCmd)
}
