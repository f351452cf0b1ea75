package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/stats"
	"github.com/spf13/cobra"
)

var (
	statusWatch   bool
	statusOffline bool
	statusEvery   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current stats",
	Long: `Show the current counters of a running kstats daemon.

With --offline the counters are read directly from storage instead. This
bypasses the daemon, so time in an active voice session and events since the
last flush are not included.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Refresh continuously")
	statusCmd.Flags().DurationVar(&statusEvery, "interval", time.Second, "Refresh interval for --watch")
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "Read stored counters without contacting the daemon")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if statusOffline {
		if statusWatch {
			return fmt.Errorf("--watch cannot be combined with --offline")
		}
		repo, store, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		agg, err := repo.LoadFresh(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read stats from storage: %w", err)
		}
		printSnapshot(os.Stdout, stats.Snapshot{
			TotalVoiceMillis:  agg.TotalVoiceMillis,
			MessageCount:      agg.MessageCount,
			VoiceConnectCount: agg.VoiceConnectCount,
			ClickCount:        agg.ClickCount,
			VoiceTime:         stats.FormatDuration(agg.TotalVoiceMillis),
		})
		return nil
	}

	url := statsURL(cfg, "/stats")

	if !statusWatch {
		snap, err := fetchSnapshot(cmd.Context(), url)
		if err != nil {
			return err
		}
		printSnapshot(os.Stdout, snap)
		return nil
	}

	if statusEvery <= 0 {
		statusEvery = time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

	for {
		snap, err := fetchSnapshot(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			color.New(color.FgRed).Fprintf(os.Stderr, "%s  %v\n", time.Now().Format("15:04:05"), err)
		} else {
			fmt.Fprintf(os.Stdout, "%s  ", time.Now().Format("15:04:05"))
			printSnapshotLine(os.Stdout, snap)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printSnapshot(w io.Writer, snap stats.Snapshot) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Fprintln(w, "kstats")

	voice := green.Sprint(snap.VoiceTime)
	if snap.Connected {
		voice += yellow.Sprint("  (in voice)")
	}
	fmt.Fprintf(w, "  %-16s %s\n", "Voice time:", voice)
	fmt.Fprintf(w, "  %-16s %s\n", "Voice sessions:", green.Sprint(snap.VoiceConnectCount))
	fmt.Fprintf(w, "  %-16s %s\n", "Messages sent:", green.Sprint(snap.MessageCount))
	fmt.Fprintf(w, "  %-16s %s\n", "Clicks:", green.Sprint(snap.ClickCount))
}

func printSnapshotLine(w io.Writer, snap stats.Snapshot) {
	green := color.New(color.FgGreen)
	marker := " "
	if snap.Connected {
		marker = color.New(color.FgYellow, color.Bold).Sprint("●")
	}
	fmt.Fprintf(w, "%s voice %s  sessions %s  messages %s  clicks %s\n",
		marker,
		green.Sprint(snap.VoiceTime),
		green.Sprint(snap.VoiceConnectCount),
		green.Sprint(snap.MessageCount),
		green.Sprint(snap.ClickCount),
	)
}
