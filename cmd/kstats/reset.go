package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/stats"
	"github.com/spf13/cobra"
)

var resetOffline bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset all counters to zero",
	Long: `Reset every counter to zero. The command returns once the zeroed
counters have been written to storage.

With --offline the stored counters are overwritten directly. Use it only when
the daemon is not running, otherwise its next flush restores the old values.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetOffline, "offline", false, "Reset stored counters without contacting the daemon")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if resetOffline {
		repo, store, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := repo.SaveSync(cmd.Context(), stats.Aggregate{}); err != nil {
			return err
		}
	} else {
		if _, err := postReset(cmd.Context(), statsURL(cfg, "/stats/reset")); err != nil {
			return err
		}
	}

	_, _ = color.New(color.FgGreen).Fprintln(os.Stdout, "✅ Stats reset")
	return nil
}
