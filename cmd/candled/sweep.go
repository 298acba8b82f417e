package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/candleworks/candle/internal/config"
	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/storage/sqlite"
	"github.com/candleworks/candle/internal/sweeper"
)

var sweepForce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep pass and print the summary",
	Long: `Promotes today's occurrences and dispatches due records to the queue,
then exits. With --force, every pending record is dispatched regardless of
its scheduled time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		queue, err := dispatch.New(cfg.RedisURL, dispatch.WithMaxAttempts(cfg.MaxRetries))
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		defer queue.Close()

		mode := sweeper.ModeManual
		if sweepForce {
			mode = sweeper.ModeForce
		}
		summary, err := sweeper.New(store, queue, cfg.MessageHour,
			sweeper.WithMaxAttempts(cfg.MaxRetries)).Sweep(ctx, mode)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepForce, "force", false,
		"dispatch all pending records regardless of scheduled time")
}
